package testutil

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"
)

// AssertEqual fails the test when expected and actual differ by
// reflect.DeepEqual.
func AssertEqual(t testing.TB, expected, actual any, msgAndArgs ...any) {
	t.Helper()
	if !reflect.DeepEqual(expected, actual) {
		t.Errorf("Not equal:\nexpected: %v\nactual  : %v%s",
			expected, actual, formatMessage(msgAndArgs...))
	}
}

// AssertNotEqual fails the test when expected and actual are deeply equal.
func AssertNotEqual(t testing.TB, expected, actual any, msgAndArgs ...any) {
	t.Helper()
	if reflect.DeepEqual(expected, actual) {
		t.Errorf("Expected values to differ, both were: %v%s",
			actual, formatMessage(msgAndArgs...))
	}
}

// AssertTrue fails the test when the condition is false.
func AssertTrue(t testing.TB, condition bool, msgAndArgs ...any) {
	t.Helper()
	if !condition {
		t.Errorf("Expected condition to be true%s", formatMessage(msgAndArgs...))
	}
}

// AssertFalse fails the test when the condition is true.
func AssertFalse(t testing.TB, condition bool, msgAndArgs ...any) {
	t.Helper()
	if condition {
		t.Errorf("Expected condition to be false%s", formatMessage(msgAndArgs...))
	}
}

// AssertNoError fails the test when err is non-nil.
func AssertNoError(t testing.TB, err error, msgAndArgs ...any) {
	t.Helper()
	if err != nil {
		t.Errorf("Unexpected error: %v%s", err, formatMessage(msgAndArgs...))
	}
}

// AssertError fails the test when err is nil.
func AssertError(t testing.TB, err error, msgAndArgs ...any) {
	t.Helper()
	if err == nil {
		t.Errorf("Expected an error but got nil%s", formatMessage(msgAndArgs...))
	}
}

// AssertErrorIs fails the test when err does not wrap target.
func AssertErrorIs(t testing.TB, err, target error, msgAndArgs ...any) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Errorf("Expected error %v, got %v%s", target, err, formatMessage(msgAndArgs...))
	}
}

// AssertLen fails the test when the object's length differs from length.
func AssertLen(t testing.TB, object any, length int, msgAndArgs ...any) {
	t.Helper()
	v := reflect.ValueOf(object)
	if v.Len() != length {
		t.Errorf("Length not equal:\nexpected: %d\nactual  : %d%s",
			length, v.Len(), formatMessage(msgAndArgs...))
	}
}

// WaitFor polls the condition until it holds or the deadline passes.
// Used by tests that drive asynchronous consensus activity.
func WaitFor(t testing.TB, timeout time.Duration, condition func() bool, msgAndArgs ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %v%s", timeout, formatMessage(msgAndArgs...))
}

func formatMessage(msgAndArgs ...any) string {
	if len(msgAndArgs) == 0 || msgAndArgs[0] == nil {
		return ""
	}
	if len(msgAndArgs) == 1 {
		return fmt.Sprintf(": %v", msgAndArgs[0])
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return ": " + fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprintf(": %v", msgAndArgs)
}
