package hotspot

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameters = errors.New("invalid clustering parameters")
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	ErrTimeout           = errors.New("clustering timed out")
	ErrSessionClosed     = errors.New("session closed")
	ErrSessionNotFound   = errors.New("session not found")
	ErrNoPoints          = errors.New("no incidents to cluster")
)

// ClusterError carries the failure kind plus the offending field or point.
// errors.Is matches against Kind.
type ClusterError struct {
	Kind    error
	Reason  string
	PointID string
	Err     error
}

func (e *ClusterError) Error() string {
	msg := e.Kind.Error()
	if e.PointID != "" {
		msg += fmt.Sprintf(" (point %s)", e.PointID)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ClusterError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func invalidParams(format string, args ...any) error {
	return &ClusterError{Kind: ErrInvalidParameters, Reason: fmt.Sprintf(format, args...)}
}
