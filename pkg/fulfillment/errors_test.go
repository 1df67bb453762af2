package fulfillment

import (
	"errors"
	"fmt"
	"testing"
)

const (
	operationName    = "store"
	subjectName      = "transaction"
	codeName         = "duplicate"
	baseErrorMessage = "base error"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	wrappedError := WrapError(operationName, subjectName, codeName, baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	expected := operationName + "." + subjectName + "." + codeName + ": " + baseErrorMessage
	if wrappedError.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrappedError.Error())
	}
	if !errors.Is(wrappedError, baseError) {
		test.Fatalf("expected wrapped error to unwrap")
	}
}

func TestErrorCodeFindsWrappedOperationError(test *testing.T) {
	test.Parallel()
	wrapped := fmt.Errorf("fulfill: %w", WrapError(operationName, subjectName, codeName, ErrDuplicateTransaction))
	if code := ErrorCode(wrapped); code != "store.transaction.duplicate" {
		test.Fatalf("unexpected code %q", code)
	}
	if !errors.Is(wrapped, ErrDuplicateTransaction) {
		test.Fatalf("expected the sentinel to survive")
	}
	if code := ErrorCode(ErrUnknownProduct); code != "" {
		test.Fatalf("expected no code for a bare sentinel, got %q", code)
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError(operationName, subjectName, codeName, nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}
