package failure

import (
	"context"
	"errors"
	"io/fs"
	"testing"
)

func TestWrapKeepsMarkerAndCause(t *testing.T) {
	err := Wrap(ErrInput, "detectlog", "open log", fs.ErrNotExist)

	if !errors.Is(err, ErrInput) {
		t.Fatalf("expected ErrInput in chain, got %v", err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected cause in chain, got %v", err)
	}
	want := "input error: detectlog: open log: file does not exist"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrapDefaults(t *testing.T) {
	err := Wrap(nil, "", "", nil)
	if !errors.Is(err, ErrIO) {
		t.Fatalf("nil marker should default to ErrIO, got %v", err)
	}
	if err.Error() != "io failure: operation failed" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestMarker(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"masking", Wrap(ErrMasking, "mask", "no artifact", nil), ErrMasking},
		{"context cancel", context.Canceled, ErrCancelled},
		{"cancel wins over io", Wrap(ErrIO, "encrypt", "", context.Canceled), ErrCancelled},
		{"unknown", errors.New("boom"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Marker(tt.err); got != tt.want {
				t.Errorf("Marker() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCancelled(t *testing.T) {
	if !Cancelled(Wrap(ErrCancelled, "job", "stop requested", nil)) {
		t.Error("expected ErrCancelled to be reported as cancelled")
	}
	if Cancelled(Wrap(ErrAuthentication, "decode", "tag mismatch", nil)) {
		t.Error("authentication failure must not be reported as cancelled")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "completed"},
		{Wrap(ErrCancelled, "job", "", nil), "cancelled"},
		{Wrap(ErrMasking, "mask", "", context.Canceled), "cancelled"},
		{Wrap(ErrAuthentication, "decode", "tag mismatch", nil), "error"},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
