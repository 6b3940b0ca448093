package audit_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"code.cloudfoundry.org/lager/v3/lagertest"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixcc-sc/capi/capi/audit"
)

const testRunID = "11111111-1111-1111-1111-111111111111"

func fileAuditor(t *testing.T, ctx audit.Context) (*audit.Auditor, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	logger := lagertest.NewTestLogger("audit")
	return audit.NewAuditor(logger, &audit.FileEmitter{Path: path}, testRunID, ctx), path
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestEmitEnvelope(t *testing.T) {
	teamID := uuid.New()
	auditor, path := fileAuditor(t, audit.Context{TeamID: teamID})

	err := auditor.Emit(context.Background(), audit.NewMockResponse())
	require.NoError(t, err)

	lines := readLines(t, path)
	require.Len(t, lines, 1)

	assert.Equal(t, "1.0.0", lines[0]["schema_version"])
	assert.Equal(t, teamID.String(), lines[0]["team_id"])
	assert.Equal(t, testRunID, lines[0]["run_id"])
	assert.Equal(t, "mock_response", lines[0]["event_type"])

	event := lines[0]["event"].(map[string]any)
	assert.Equal(t, true, event["mock_content"])
}

func TestEmitFillsVDContext(t *testing.T) {
	vdUUID := uuid.New()
	auditor, path := fileAuditor(t, audit.Context{
		TeamID: uuid.New(),
		CPName: "fakecp",
		VDUuid: vdUUID,
	})

	err := auditor.Emit(context.Background(), audit.NewVDSubmissionInvalid(audit.VDInvalidSanitizerNotFound))
	require.NoError(t, err)

	lines := readLines(t, path)
	event := lines[0]["event"].(map[string]any)
	assert.Equal(t, vdUUID.String(), event["vd_uuid"])
	assert.Equal(t, "fakecp", event["cp_name"])
	assert.Equal(t, "SANITIZER_NOT_FOUND", event["reason"])
	assert.Equal(t, "BAD", event["disposition"])
}

func TestEmitRejectsMissingContext(t *testing.T) {
	auditor, _ := fileAuditor(t, audit.Context{TeamID: uuid.New()})

	// No vd_uuid anywhere: validation must fail.
	err := auditor.Emit(context.Background(), audit.NewVDSubmissionFail(audit.VDFailRunPovFailed))
	require.Error(t, err)
}

func TestPushContext(t *testing.T) {
	auditor, path := fileAuditor(t, audit.Context{TeamID: uuid.New()})

	vdUUID := uuid.New()
	auditor.PushContext(audit.Context{CPName: "fakecp", VDUuid: vdUUID})

	cpvUUID := uuid.New()
	require.NoError(t, auditor.Emit(context.Background(), audit.NewVDSubmissionSuccess(cpvUUID)))

	lines := readLines(t, path)
	event := lines[0]["event"].(map[string]any)
	assert.Equal(t, cpvUUID.String(), event["cpv_uuid"])
	assert.Equal(t, "ACCEPTED", event["feedback_status"])
	assert.Equal(t, "GOOD", event["disposition"])
	assert.Equal(t, vdUUID.String(), event["vd_uuid"])
}

func TestReceiverMergesChannelIntoFile(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	path := filepath.Join(t.TempDir(), "audit.log")
	logger := lagertest.NewTestLogger("audit")

	receiver := audit.NewReceiver(logger, client, "channel:audit", path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = receiver.Run(ctx)
	}()

	// Publish through an auditor wired to the redis emitter, retrying until
	// the subscriber is attached.
	auditor := audit.NewAuditor(logger, &audit.RedisEmitter{Client: client, Channel: "channel:audit"}, testRunID, audit.Context{TeamID: uuid.New()})

	require.Eventually(t, func() bool {
		require.NoError(t, auditor.Emit(context.Background(), audit.NewMockResponse()))
		data, err := os.ReadFile(path)
		return err == nil && strings.Contains(string(data), "mock_response")
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	<-done
}
