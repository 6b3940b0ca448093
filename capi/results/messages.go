// Package results carries terminal verdicts and archive pointers from the
// workers back to the API side over the results channel.
package results

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/aixcc-sc/capi"
)

type MessageType string

const (
	MessageResult  MessageType = "RESULT"
	MessageArchive MessageType = "ARCHIVE"
)

type ResultType string

const (
	ResultVDS ResultType = "VDS"
	ResultGP  ResultType = "GP"
)

// OutputMessage is the channel envelope; Content holds the variant.
type OutputMessage struct {
	MessageType MessageType     `json:"message_type"`
	Content     json.RawMessage `json:"content"`
}

// Result applies a terminal status to one submission row.
type Result struct {
	ResultType     ResultType          `json:"result_type"`
	RowID          uuid.UUID           `json:"row_id"`
	FeedbackStatus capi.FeedbackStatus `json:"feedback_status"`
	CPVUuid        *uuid.UUID          `json:"cpv_uuid,omitempty"`
}

// Archive points at a CP-output tarball uploaded to a remote container.
type Archive struct {
	RemoteContainer string `json:"remote_container"`
	Filename        string `json:"filename"`
	SHA256          string `json:"sha256"`
}

func wrap(messageType MessageType, content any) ([]byte, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s content: %w", messageType, err)
	}
	payload, err := json.Marshal(OutputMessage{MessageType: messageType, Content: raw})
	if err != nil {
		return nil, fmt.Errorf("marshalling %s message: %w", messageType, err)
	}
	return payload, nil
}
