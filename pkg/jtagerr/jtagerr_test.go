package jtagerr

import (
	"errors"
	"io"
	"testing"
)

func TestKinds(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		msg      string
	}{
		{"io wrap", IO(io.EOF, "read %s", "status"), ErrIO, "read status: EOF"},
		{"io plain", IOf("short read: %d", 3), ErrIO, "short read: 3"},
		{"hardware", Hardware("erase timeout at 0x%08x", 0x1000), ErrHardwareFailure, "erase timeout at 0x00001000"},
		{"not found", NotFound("flash not found"), ErrNotFound, "flash not found"},
		{"unsupported", Unsupported("flash not supported"), ErrUnsupported, "flash not supported"},
		{"syntax", Syntax("unknown key %q", "foo"), ErrSyntax, `unknown key "foo"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Fatalf("errors.Is(%v, %v) = false", tt.err, tt.sentinel)
			}
			if tt.err.Error() != tt.msg {
				t.Errorf("message = %q, want %q", tt.err.Error(), tt.msg)
			}
		})
	}
}

func TestIOKeepsCause(t *testing.T) {
	err := IO(io.ErrUnexpectedEOF, "bulk read")
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("cause lost: %v", err)
	}
	if IO(nil, "nothing") != nil {
		t.Fatalf("IO(nil) should be nil")
	}
}

func TestWrapKeepsKind(t *testing.T) {
	err := Wrap(Hardware("timeout"), "block %d", 4)
	if !errors.Is(err, ErrHardwareFailure) {
		t.Fatalf("kind lost after Wrap: %v", err)
	}
	if errors.Is(err, ErrIO) {
		t.Fatalf("unexpected ErrIO match")
	}
}
