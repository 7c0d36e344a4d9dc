package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/edgard/murailocrm/internal/errs"
)

func TestCode(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"transient", errs.NewTransient("platform down", cause), errs.CodeTransientUpstream},
		{"wrapped integrity", fmt.Errorf("ingest: %w", errs.NewDataIntegrity("unknown main_id", nil)), errs.CodeDataIntegrity},
		{"validation", errs.NewValidation("bad payload", cause), errs.CodeValidation},
		{"plain", cause, errs.CodeUnknown},
		{"nil", nil, errs.CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := errs.Code(tt.err); got != tt.want {
				t.Errorf("Code() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsSentinel(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("lookup: %w", errs.NewTransient("timeout", errors.New("deadline")))
	if !errs.IsTransient(err) {
		t.Error("IsTransient() = false, want true")
	}
	if errors.Is(err, errs.ErrConflict) {
		t.Error("errors.Is(err, ErrConflict) = true, want false")
	}
	if !errors.Is(errs.NewConflict("dup", nil), errs.ErrConflict) {
		t.Error("errors.Is(conflict, ErrConflict) = false, want true")
	}
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	err := errs.NewDatabase("failed to save", errors.New("disk full"))
	if got, want := err.Error(), "failed to save: disk full"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if got := errs.NewConfig("missing token", nil).Error(); got != "missing token" {
		t.Errorf("Error() = %q, want %q", got, "missing token")
	}
}
