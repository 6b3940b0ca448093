package api

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/aixcc-sc/capi"
)

const (
	maxPovBytes   = 2 << 20   // 2 MiB decoded
	maxPatchBytes = 100 << 10 // 100 KiB decoded
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// VDSRequest is the POST /submission/vds/ body.
type VDSRequest struct {
	CPName string `json:"cp_name" validate:"required"`
	POU    struct {
		CommitSHA1 string `json:"commit_sha1" validate:"required,len=40,hexadecimal"`
		Sanitizer  string `json:"sanitizer" validate:"required"`
	} `json:"pou"`
	POV struct {
		Harness string `json:"harness" validate:"required"`
		Data    string `json:"data" validate:"required,base64"`
	} `json:"pov"`
}

// Decode validates the request and returns the PoV bytes with the commit
// canonicalised to lower case.
func (r *VDSRequest) Decode() ([]byte, error) {
	if err := validate.Struct(r); err != nil {
		return nil, err
	}
	r.POU.CommitSHA1 = strings.ToLower(r.POU.CommitSHA1)

	data, err := base64.StdEncoding.DecodeString(r.POV.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding pov data: %w", err)
	}
	if len(data) > maxPovBytes {
		return nil, fmt.Errorf("pov data exceeds %d bytes", maxPovBytes)
	}
	return data, nil
}

// GPRequest is the POST /submission/gp/ body.
type GPRequest struct {
	CPVUuid uuid.UUID `json:"cpv_uuid" validate:"required"`
	Data    string    `json:"data" validate:"required,base64"`
}

func (r *GPRequest) Decode() ([]byte, error) {
	if err := validate.Struct(r); err != nil {
		return nil, err
	}

	data, err := base64.StdEncoding.DecodeString(r.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding patch data: %w", err)
	}
	if len(data) > maxPatchBytes {
		return nil, fmt.Errorf("patch data exceeds %d bytes", maxPatchBytes)
	}
	return data, nil
}

type VDSResponse struct {
	Status capi.FeedbackStatus `json:"status"`
	CPName string              `json:"cp_name"`
	VDUuid uuid.UUID           `json:"vd_uuid"`
}

type VDSStatusResponse struct {
	Status  capi.FeedbackStatus `json:"status"`
	VDUuid  uuid.UUID           `json:"vd_uuid"`
	CPVUuid *uuid.UUID          `json:"cpv_uuid,omitempty"`
}

type GPResponse struct {
	Status    capi.FeedbackStatus `json:"status"`
	PatchSize int                 `json:"patch_size"`
	GPUuid    uuid.UUID           `json:"gp_uuid"`
}

type GPStatusResponse struct {
	Status capi.FeedbackStatus `json:"status"`
	GPUuid uuid.UUID           `json:"gp_uuid"`
}

type AuditRequest struct {
	Timestamp string `json:"timestamp"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
