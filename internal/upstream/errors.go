package upstream

import (
	"errors"
	"fmt"
)

// Sentinel errors for the two upstream failure classes the core reacts to.
// Quota exhaustion is deliberately NOT an error: it is reflected in the
// tracked status and only suppresses confirmation re-fetches.
var (
	// ErrAuth means credentials were rejected. Fatal for the cycle; the host
	// must re-authenticate. Never retried locally.
	ErrAuth = errors.New("upstream: authentication rejected")

	// ErrConnection is a transient network or timeout failure. The affected
	// fetch or command is abandoned until the next naturally scheduled cycle.
	ErrConnection = errors.New("upstream: connection failed")
)

// ValidationError is raised locally, before any network call, when a payload
// would be rejected server-side. It exists to avoid spending quota on a
// request that is guaranteed to fail.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s", e.Reason)
}

// IsValidation reports whether err is a local pre-flight validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
