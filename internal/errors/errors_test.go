package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	sentinel := New(CodeInsufficientCredits, "")
	wrapped := fmt.Errorf("transfer: %w", Wrap(CodeInsufficientCredits, stdErrors.New("balance 3 < 5"), "payer short"))

	if !stdErrors.Is(wrapped, sentinel) {
		t.Fatalf("expected wrapped error to match sentinel code")
	}
	if stdErrors.Is(wrapped, New(CodeInvalidAmount, "")) {
		t.Fatalf("different codes must not match")
	}
	if got := CodeOf(wrapped); got != CodeInsufficientCredits {
		t.Fatalf("unexpected code: %s", got)
	}
}

func TestAttributesDriveBehaviour(t *testing.T) {
	err := New(CodeSettlementFailure, "reputation step failed")
	if !err.Retryable() || !err.ShouldAlert() {
		t.Fatalf("settlement failures should be retryable and alerting: %+v", AttributesOf(CodeSettlementFailure))
	}
	if RetryableError(New(CodeGraph, "two start nodes")) {
		t.Fatalf("graph errors are not retryable")
	}
	if got := HTTPStatusOf(Validation("skill %q", "")); got != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", got)
	}
	if got := HTTPStatusOf(stdErrors.New("plain")); got != http.StatusInternalServerError {
		t.Fatalf("plain errors map to 500, got %d", got)
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_ONLY"
	Register(code, Attributes{Message: "test only", Severity: SeverityWarning, HTTPStatus: http.StatusTeapot})
	err := New(code, "")
	if err.Message() != "test only" {
		t.Fatalf("default message not applied: %q", err.Message())
	}
	if HTTPStatusOf(err) != http.StatusTeapot {
		t.Fatalf("custom status not applied")
	}
	if AttributesOf("MISSING").Severity != SeverityCritical {
		t.Fatalf("unregistered codes fall back to UNKNOWN")
	}
}
