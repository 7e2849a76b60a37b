package domain

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
)

func TestStatusThroughWrapping(t *testing.T) {
	err := errors.Wrap(errors.WithMessage(ErrStoreTimeout, "context deadline exceeded"), "fetch paste")
	if got := Status(err); got != http.StatusServiceUnavailable {
		t.Errorf("Status() = %d, want %d", got, http.StatusServiceUnavailable)
	}
	if !IsTransient(err) {
		t.Error("wrapped timeout should be transient")
	}
	if IsUnavailable(err) {
		t.Error("timeout must not be reported as a semantic rejection")
	}
	if got := ToResp(err).Error.Code; got != "STORE_TIMEOUT" {
		t.Errorf("ToResp code = %s, want STORE_TIMEOUT", got)
	}
}

func TestUnknownErrorIsInternal(t *testing.T) {
	err := errors.New("boom")
	if got := Status(err); got != http.StatusInternalServerError {
		t.Errorf("Status() = %d, want 500", got)
	}
	if got := ToResp(err).Error.Code; got != "INTERNAL_ERROR" {
		t.Errorf("ToResp code = %s, want INTERNAL_ERROR", got)
	}
}

func TestClassification(t *testing.T) {
	for _, err := range []error{ErrContentRequired, ErrInvalidTTL, ErrInvalidMaxViews, ErrPasteTooLarge} {
		if !IsValidation(err) {
			t.Errorf("%v should be a validation error", err)
		}
	}
	for _, err := range []error{ErrPasteNotFound, ErrPasteExpired, ErrViewLimitExceeded} {
		if !IsUnavailable(err) {
			t.Errorf("%v should be a semantic rejection", err)
		}
		if IsTransient(err) {
			t.Errorf("%v must not be transient", err)
		}
	}
}
