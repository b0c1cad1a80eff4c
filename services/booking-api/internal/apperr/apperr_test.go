package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOfAndStatus(t *testing.T) {
	cases := []struct {
		err    error
		kind   Kind
		status int
	}{
		{Validation("missing fields"), KindValidation, http.StatusBadRequest},
		{NotFound("service not found"), KindNotFound, http.StatusNotFound},
		{fmt.Errorf("book: %w", Conflict("time slot unavailable")), KindConflict, http.StatusConflict},
		{Dependency("store unavailable", errors.New("dial tcp")), KindDependency, http.StatusServiceUnavailable},
		{Signature("invalid signature", nil), KindSignature, http.StatusBadRequest},
		{fmt.Errorf("query: %w", context.DeadlineExceeded), KindDependency, http.StatusServiceUnavailable},
		{errors.New("boom"), KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.kind {
			t.Fatalf("%v: expected kind %s, got %s", tc.err, tc.kind, got)
		}
		if got := HTTPStatus(KindOf(tc.err)); got != tc.status {
			t.Fatalf("%v: expected status %d, got %d", tc.err, tc.status, got)
		}
	}
}

func TestMessageHidesInternalCause(t *testing.T) {
	if got := Message(errors.New("pq: password authentication failed")); got != "server error" {
		t.Fatalf("internal cause leaked: %q", got)
	}
	err := Dependency("payment provider unavailable", errors.New("secret detail"))
	if got := Message(err); got != "payment provider unavailable" {
		t.Fatalf("unexpected message %q", got)
	}
	if !errors.Is(err, err.(*Error).Err) {
		t.Fatal("expected Unwrap to expose cause")
	}
}
