package signaling

import (
	"errors"
	"fmt"
)

// Field names used on a call document.
const (
	FieldOffer            = "offer"            // caller's SDP offer, written once
	FieldAnswer           = "answer"           // callee's SDP answer, written once
	FieldCallerCandidates = "callerCandidates" // caller's trickled ICE candidates, append-only
	FieldCalleeCandidates = "calleeCandidates" // callee's trickled ICE candidates, append-only
)

var (
	// ErrFieldSet is returned when a write-once field is written twice.
	ErrFieldSet = errors.New("field already set")
	// ErrBadField is returned for fields outside the call document schema or
	// for the wrong kind of write (append to a scalar, write to a list).
	ErrBadField = errors.New("invalid field")
)

// ValidField reports whether name belongs to the call document schema.
func ValidField(name string) bool {
	switch name {
	case FieldOffer, FieldAnswer, FieldCallerCandidates, FieldCalleeCandidates:
		return true
	}
	return false
}

// IsListField reports whether name is an append-only list field.
func IsListField(name string) bool {
	return name == FieldCallerCandidates || name == FieldCalleeCandidates
}

// checkWrite validates a WriteField (list=false) or AppendField (list=true).
func checkWrite(field string, list bool) error {
	if !ValidField(field) || IsListField(field) != list {
		return fmt.Errorf("%w: %q", ErrBadField, field)
	}
	return nil
}
