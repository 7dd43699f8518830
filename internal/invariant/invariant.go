// Package invariant reports violations of engine invariants.
//
// A violation is a programming error, not a runtime condition. Builds tagged
// "debug" panic on the first violation; release builds refuse the offending
// operation and return an error wrapping ErrViolation.
package invariant

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrViolation is wrapped by every error returned from Violation.
var ErrViolation = errors.New("invariant violation")

// Violation reports a broken invariant. It panics in debug builds.
func Violation(format string, args ...any) error {
	err := fmt.Errorf("%w: %s", ErrViolation, fmt.Sprintf(format, args...))
	if debugAssertions {
		panic(err)
	}
	slog.Error("invariant refused", "error", err)
	return err
}

// Check returns Violation(format, args...) when cond is false.
func Check(cond bool, format string, args ...any) error {
	if cond {
		return nil
	}
	return Violation(format, args...)
}
