package handler

import "errors"

// ErrApprovalDenied is the default rejection reason for a denied
// human-in-the-loop approval.
var ErrApprovalDenied = errors.New("approval denied")

// ErrApprovalTimedOut rejects approvals whose registry timeout expired.
var ErrApprovalTimedOut = errors.New("approval timed out")

// DeniedError carries a caller-supplied denial reason.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string { return "approval denied: " + e.Reason }
