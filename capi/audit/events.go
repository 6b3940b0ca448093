package audit

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/aixcc-sc/capi"
)

// Event is one audit event variant. Each variant carries the fields for its
// event type; the envelope (schema version, team, run, timestamp) is added by
// the Auditor at emission time.
type Event interface {
	Type() EventType
	// Validate checks the event's required fields before emission.
	Validate() error
}

// VDFields appear on every event tied to a vulnerability discovery. They are
// filled from the auditor's context when left empty at the call site.
type VDFields struct {
	VDUuid uuid.UUID `json:"vd_uuid"`
	CPName string    `json:"cp_name"`
}

func (f *VDFields) applyContext(ctx Context) {
	if f.VDUuid == uuid.Nil {
		f.VDUuid = ctx.VDUuid
	}
	if f.CPName == "" {
		f.CPName = ctx.CPName
	}
}

func (f *VDFields) Validate() error {
	if f.VDUuid == uuid.Nil {
		return fmt.Errorf("vd_uuid is required")
	}
	if f.CPName == "" {
		return fmt.Errorf("cp_name is required")
	}
	return nil
}

// GPFields appear on every event tied to a generated patch.
type GPFields struct {
	GPUuid  uuid.UUID `json:"gp_uuid"`
	CPVUuid uuid.UUID `json:"cpv_uuid,omitempty"`
	CPName  string    `json:"cp_name,omitempty"`
}

func (f *GPFields) applyContext(ctx Context) {
	if f.GPUuid == uuid.Nil {
		f.GPUuid = ctx.GPUuid
	}
	if f.CPVUuid == uuid.Nil {
		f.CPVUuid = ctx.CPVUuid
	}
	if f.CPName == "" {
		f.CPName = ctx.CPName
	}
}

func (f *GPFields) Validate() error {
	if f.GPUuid == uuid.Nil {
		return fmt.Errorf("gp_uuid is required")
	}
	return nil
}

type CompetitionStart struct {
	Timestamp string `json:"timestamp"`
	Official  bool   `json:"official"`
}

func (CompetitionStart) Type() EventType { return EventCompetitionStart }
func (e CompetitionStart) Validate() error {
	if e.Timestamp == "" {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

type CompetitionStop struct {
	Timestamp string `json:"timestamp"`
}

func (CompetitionStop) Type() EventType { return EventCompetitionStop }
func (e CompetitionStop) Validate() error {
	if e.Timestamp == "" {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// MockResponse is emitted whenever the cAPI answers a request in mock mode.
type MockResponse struct {
	MockContent bool   `json:"mock_content"`
	Description string `json:"description"`
}

func NewMockResponse() MockResponse {
	return MockResponse{
		MockContent: true,
		Description: "Mock content returned to client",
	}
}

func (MockResponse) Type() EventType { return EventMockResponse }
func (MockResponse) Validate() error { return nil }

type Timeout struct {
	Context TimeoutContext `json:"context"`
}

func (Timeout) Type() EventType { return EventTimeout }
func (e Timeout) Validate() error {
	if e.Context == "" {
		return fmt.Errorf("context is required")
	}
	return nil
}

type CPOutputArchived struct {
	SHA256     string `json:"sha256"`
	Filename   string `json:"filename"`
	CPName     string `json:"cp_name"`
	ReturnCode int    `json:"return_code"`
	Command    string `json:"command"`
}

func (CPOutputArchived) Type() EventType { return EventCPOutputArchived }
func (e CPOutputArchived) Validate() error {
	if e.SHA256 == "" || e.Filename == "" {
		return fmt.Errorf("sha256 and filename are required")
	}
	return nil
}

type VDSubmission struct {
	VDFields
	Harness       string `json:"harness"`
	PovBlobSHA256 string `json:"pov_blob_sha256"`
	PouCommit     string `json:"pou_commit"`
	Sanitizer     string `json:"sanitizer"`
}

func (VDSubmission) Type() EventType { return EventVDSubmission }

type VDSubmissionInvalid struct {
	VDFields
	Disposition Disposition               `json:"disposition"`
	Reason      VDSubmissionInvalidReason `json:"reason"`
}

func NewVDSubmissionInvalid(reason VDSubmissionInvalidReason) *VDSubmissionInvalid {
	return &VDSubmissionInvalid{Disposition: DispositionBad, Reason: reason}
}

func (VDSubmissionInvalid) Type() EventType { return EventVDSubmissionInvalid }

type VDSubmissionFail struct {
	VDFields
	Disposition    Disposition              `json:"disposition"`
	FeedbackStatus capi.FeedbackStatus      `json:"feedback_status"`
	Reasons        []VDSubmissionFailReason `json:"reasons"`
}

func NewVDSubmissionFail(reasons ...VDSubmissionFailReason) *VDSubmissionFail {
	return &VDSubmissionFail{
		Disposition:    DispositionBad,
		FeedbackStatus: capi.StatusNotAccepted,
		Reasons:        reasons,
	}
}

func (VDSubmissionFail) Type() EventType { return EventVDSubmissionFail }

type VDSubmissionSuccess struct {
	VDFields
	Disposition    Disposition         `json:"disposition"`
	FeedbackStatus capi.FeedbackStatus `json:"feedback_status"`
	CPVUuid        uuid.UUID           `json:"cpv_uuid"`
}

func NewVDSubmissionSuccess(cpvUUID uuid.UUID) *VDSubmissionSuccess {
	return &VDSubmissionSuccess{
		Disposition:    DispositionGood,
		FeedbackStatus: capi.StatusAccepted,
		CPVUuid:        cpvUUID,
	}
}

func (VDSubmissionSuccess) Type() EventType { return EventVDSubmissionSuccess }

// VDSanitizerResult records one iteration of the sanitizer trigger triple:
// which sanitizers actually fired at a commit, and whether that matches the
// expectation for that iteration.
type VDSanitizerResult struct {
	VDFields
	CommitSHA                  string      `json:"commit_sha"`
	Disposition                Disposition `json:"disposition"`
	ExpectedSanitizer          string      `json:"expected_sanitizer"`
	ExpectedSanitizerTriggered bool        `json:"expected_sanitizer_triggered"`
	SanitizersTriggered        []string    `json:"sanitizers_triggered"`
}

func (VDSanitizerResult) Type() EventType { return EventVDSanitizerResult }

type GPSubmission struct {
	GPFields
	SubmittedCPVUuid uuid.UUID `json:"submitted_cpv_uuid"`
	PatchSHA256      string    `json:"patch_sha256"`
}

func (GPSubmission) Type() EventType { return EventGPSubmission }

type GPSubmissionInvalid struct {
	GPFields
	Disposition Disposition               `json:"disposition"`
	Reason      GPSubmissionInvalidReason `json:"reason"`
}

func NewGPSubmissionInvalid(reason GPSubmissionInvalidReason) *GPSubmissionInvalid {
	return &GPSubmissionInvalid{Disposition: DispositionBad, Reason: reason}
}

func (GPSubmissionInvalid) Type() EventType { return EventGPSubmissionInvalid }

type GPSubmissionFail struct {
	GPFields
	Disposition Disposition            `json:"disposition"`
	Reason      GPSubmissionFailReason `json:"reason"`
}

func NewGPSubmissionFail(reason GPSubmissionFailReason) *GPSubmissionFail {
	return &GPSubmissionFail{Disposition: DispositionBad, Reason: reason}
}

func (GPSubmissionFail) Type() EventType { return EventGPSubmissionFail }

type GPPatchBuilt struct{ GPFields }

func (GPPatchBuilt) Type() EventType { return EventGPPatchBuilt }

type GPFunctionalTestsPass struct{ GPFields }

func (GPFunctionalTestsPass) Type() EventType { return EventGPFunctionalTestsPass }

type GPSanitizerDidNotFire struct{ GPFields }

func (GPSanitizerDidNotFire) Type() EventType { return EventGPSanitizerDidNotFire }

type GPSubmissionSuccess struct{ GPFields }

func (GPSubmissionSuccess) Type() EventType { return EventGPSubmissionSuccess }

// DuplicateGPSubmission is informational: another GP already exists for the
// same cpv_uuid. It does not reject the submission.
type DuplicateGPSubmission struct{ GPFields }

func (DuplicateGPSubmission) Type() EventType { return EventDuplicateGPSubmission }
