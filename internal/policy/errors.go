package policy

import (
	"context"
	"errors"

	"gocloud.dev/gcerrors"
)

// Transient reports whether err looks like a temporary storage failure worth
// retrying: throttling, unavailability or a backend timeout. A cancelled
// context is never transient.
func Transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch gcerrors.Code(err) {
	case gcerrors.ResourceExhausted, gcerrors.DeadlineExceeded, gcerrors.Internal:
		return true
	}
	return false
}
