// Package capi holds types shared between the API, workers, and receivers.
package capi

// FeedbackStatus is the lifecycle status of a submission row. A row is
// created PENDING and transitions exactly once to ACCEPTED or NOT_ACCEPTED.
type FeedbackStatus string

const (
	StatusPending     FeedbackStatus = "PENDING"
	StatusAccepted    FeedbackStatus = "ACCEPTED"
	StatusNotAccepted FeedbackStatus = "NOT_ACCEPTED"
)

// Terminal reports whether the status can no longer change.
func (s FeedbackStatus) Terminal() bool {
	return s == StatusAccepted || s == StatusNotAccepted
}
