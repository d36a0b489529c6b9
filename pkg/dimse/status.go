package dimse

import "fmt"

// Status is a DIMSE response status code
type Status uint16

const (
	StatusSuccess            Status = 0x0000
	StatusWarning            Status = 0x0001
	StatusSubOpsWarning      Status = 0xB000
	StatusCancel             Status = 0xFE00
	StatusPending            Status = 0xFF00
	StatusPendingWarning     Status = 0xFF01
	StatusUnableToProcess    Status = 0xC000
	StatusOutOfResources     Status = 0xA700
	StatusUnknownDestination Status = 0xA801
	StatusIdentifierMismatch Status = 0xA900
)

// IsSuccess reports a plain success
func (s Status) IsSuccess() bool {
	return s == StatusSuccess
}

// IsWarning reports a completed operation with warnings or failed sub-operations
func (s Status) IsWarning() bool {
	return s == StatusWarning || s&0xF000 == 0xB000
}

// IsPending reports an intermediate response
func (s Status) IsPending() bool {
	return s == StatusPending || s == StatusPendingWarning
}

// IsFailure reports any final status that is neither success nor warning
func (s Status) IsFailure() bool {
	return !s.IsSuccess() && !s.IsWarning() && !s.IsPending()
}

// Accepted reports whether a retrieve finishing with s made its objects available
func (s Status) Accepted() bool {
	return s.IsSuccess() || s.IsWarning()
}

func (s Status) String() string {
	return fmt.Sprintf("0x%04X", uint16(s))
}
