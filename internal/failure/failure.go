// Package failure defines the error markers shared by every stage of a job.
//
// Callers tag errors with one of the exported markers through Wrap and later
// classify them with errors.Is. The cause chain is preserved, so both the marker
// and the underlying error remain matchable.
package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInput marks unreadable videos or logs and missing required columns.
	ErrInput = errors.New("input error")
	// ErrConfig marks invalid keys, tag lengths and policy values.
	ErrConfig = errors.New("configuration error")
	// ErrMasking marks a masking phase that produced no redacted artifact.
	ErrMasking = errors.New("masking failure")
	// ErrAuthentication marks a container whose tag did not verify.
	ErrAuthentication = errors.New("authentication failure")
	// ErrIO marks disk and stream errors.
	ErrIO = errors.New("io failure")
	// ErrCancelled marks a requested stop. It is not a failure.
	ErrCancelled = errors.New("cancelled")
)

// Wrap builds an error message that includes the operation context while
// tagging it with marker. A nil marker defaults to ErrIO.
func Wrap(marker error, op, message string, err error) error {
	detail := buildDetail(op, message)
	if marker == nil {
		marker = ErrIO
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Cancelled reports whether err represents a requested stop rather than a failure.
func Cancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// Marker returns the first known marker found in err's chain, or nil.
func Marker(err error) error {
	if Cancelled(err) {
		return ErrCancelled
	}
	for _, m := range []error{ErrMasking, ErrAuthentication, ErrConfig, ErrInput, ErrIO} {
		if errors.Is(err, m) {
			return m
		}
	}
	return nil
}

// Classify maps the outcome of a job to its terminal status name.
func Classify(err error) string {
	switch {
	case err == nil:
		return "completed"
	case Cancelled(err):
		return "cancelled"
	default:
		return "error"
	}
}

// Message renders err as the single human readable line stored on a job.
func Message(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "unknown failure"
	}
	return msg
}

func buildDetail(op, message string) string {
	parts := make([]string, 0, 2)
	if op = strings.TrimSpace(op); op != "" {
		parts = append(parts, op)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "operation failed"
	}
	return strings.Join(parts, ": ")
}
