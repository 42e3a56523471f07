package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New("test error")
	if err == nil {
		t.Fatal("New() returned nil")
	}

	if !strings.Contains(err.Error(), "test error") {
		t.Errorf("Expected error message to contain 'test error', got: %s", err.Error())
	}

	if err.Location() == "" {
		t.Error("Location should not be empty")
	}
}

func TestWrap(t *testing.T) {
	baseErr := errors.New("base error")
	err := Wrap(baseErr, "wrapped")

	if err == nil {
		t.Fatal("Wrap() returned nil")
	}

	if !strings.Contains(err.Error(), "wrapped") {
		t.Errorf("Expected error message to contain 'wrapped', got: %s", err.Error())
	}

	if !errors.Is(err, baseErr) {
		t.Error("wrapped error should match the base error with errors.Is")
	}

	unwrapped := errors.Unwrap(err)
	if unwrapped != baseErr {
		t.Errorf("Unwrap() returned wrong error: %v", unwrapped)
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(nil, "ignored"); err != nil {
		t.Errorf("Wrap(nil) should return nil, got: %v", err)
	}
}

func TestWithField(t *testing.T) {
	err := New("test error").WithField("key", "value")

	fields := err.GetFields()
	if len(fields) != 1 {
		t.Fatalf("Expected 1 field, got %d", len(fields))
	}

	if fields["key"] != "value" {
		t.Errorf("Expected field['key'] = 'value', got: %v", fields["key"])
	}
}

func TestStatusFromError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"nil", nil, StatusNormal},
		{"not signed in", ErrNotSignedIn, StatusForbidden},
		{"peer not found", ErrPeerNotFound, StatusNotFound},
		{"peer busy", ErrPeerBusy, StatusBusy},
		{"bad sdp", ErrInvalidSDP, StatusBadSDP},
		{"missing sdes", ErrMissingSDES, StatusBadSDP},
		{"unsupported media", ErrUnsupportedMedia, StatusUnsupportedMedia},
		{"proxy timeout", ErrProxyTimeout, StatusInternalError},
		{"wrapped busy", Wrap(ErrPeerBusy, "offer rejected"), StatusBusy},
		{"unknown", errors.New("anything"), StatusInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusFromError(tt.err); got != tt.status {
				t.Errorf("StatusFromError(%v) = %d, want %d", tt.err, got, tt.status)
			}
		})
	}
}
