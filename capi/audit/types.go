package audit

// EventType names every kind of event the auditors can emit. The string
// values are the wire format in the audit log.
type EventType string

const (
	EventCompetitionStart      EventType = "competition_start"
	EventCompetitionStop       EventType = "competition_stop"
	EventMockResponse          EventType = "mock_response"
	EventTimeout               EventType = "timeout"
	EventCPOutputArchived      EventType = "cp_output_archived"
	EventVDSubmission          EventType = "vd_submission"
	EventVDSubmissionInvalid   EventType = "vd_submission_invalid"
	EventVDSubmissionFail      EventType = "vd_submission_failed"
	EventVDSubmissionSuccess   EventType = "vd_submission_success"
	EventVDSanitizerResult     EventType = "vd_sanitizer_result"
	EventGPSubmission          EventType = "gp_submission"
	EventGPSubmissionInvalid   EventType = "gp_submission_invalid"
	EventGPSubmissionFail      EventType = "gp_submission_failed"
	EventGPPatchBuilt          EventType = "gp_patch_built"
	EventGPFunctionalTestsPass EventType = "gp_functional_tests_pass"
	EventGPSanitizerDidNotFire EventType = "gp_sanitizer_did_not_fire"
	EventGPSubmissionSuccess   EventType = "gp_submission_success"
	EventDuplicateGPSubmission EventType = "duplicate_gp_submission_for_cpv_uuid"
)

// Disposition flags events that do not change a FeedbackStatus but have a
// bearing on the score.
type Disposition string

const (
	DispositionGood Disposition = "GOOD"
	DispositionBad  Disposition = "BAD"
)

// TimeoutContext identifies which workspace operation hit its deadline.
type TimeoutContext string

const (
	TimeoutBuild              TimeoutContext = "BUILD"
	TimeoutCheckSanitizers    TimeoutContext = "CHECK_SANITIZERS"
	TimeoutRunFunctionalTests TimeoutContext = "RUN_FUNCTIONAL_TESTS"
)

type VDSubmissionInvalidReason string

const (
	VDInvalidSanitizerNotFound    VDSubmissionInvalidReason = "SANITIZER_NOT_FOUND"
	VDInvalidCommitCheckoutFailed VDSubmissionInvalidReason = "COMMIT_CHECKOUT_FAILED"
	VDInvalidCPNotInCPRootFolder  VDSubmissionInvalidReason = "CP_NOT_IN_CP_ROOT_FOLDER"
	VDInvalidCommitNotInRepo      VDSubmissionInvalidReason = "COMMIT_NOT_IN_REPO"
	VDInvalidInitialCommit        VDSubmissionInvalidReason = "SUBMITTED_INITIAL_COMMIT"
)

type VDSubmissionFailReason string

const (
	VDFailDuplicateCommit             VDSubmissionFailReason = "DUPLICATE_COMMIT"
	VDFailSanitizerDidNotFireAtHead   VDSubmissionFailReason = "SANITIZER_DID_NOT_FIRE_AT_HEAD"
	VDFailSanitizerDidNotFireAtCommit VDSubmissionFailReason = "SANITIZER_DID_NOT_FIRE_AT_COMMIT"
	VDFailSanitizerFiredBeforeCommit  VDSubmissionFailReason = "SANITIZER_FIRED_BEFORE_COMMIT"
	VDFailRunPovFailed                VDSubmissionFailReason = "RUN_POV_FAILED"
)

type GPSubmissionInvalidReason string

const (
	GPInvalidVDSID            GPSubmissionInvalidReason = "INVALID_VDS_ID"
	GPInvalidVDSFromOtherTeam GPSubmissionInvalidReason = "VDS_WAS_FROM_ANOTHER_TEAM"
)

type GPSubmissionFailReason string

const (
	GPFailPatchFailedApplyOrBuild  GPSubmissionFailReason = "PATCH_FAILED_APPLY_OR_BUILD"
	GPFailSanitizerFiredAfterPatch GPSubmissionFailReason = "SANITIZER_FIRED_AFTER_PATCH"
	GPFailFunctionalTestsFailed    GPSubmissionFailReason = "FUNCTIONAL_TESTS_FAILED"
	GPFailMalformedPatchFile       GPSubmissionFailReason = "MALFORMED_PATCH_FILE"
	GPFailDisallowedExtension      GPSubmissionFailReason = "PATCHED_DISALLOWED_FILE_EXTENSION"
	GPFailRunPovFailed             GPSubmissionFailReason = "RUN_POV_FAILED"
)
