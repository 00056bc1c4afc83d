// Package mlserrors defines the error taxonomy shared across the module:
// sentinel kinds that callers can test for with errors.Is, wrapped with
// context via fmt.Errorf("...: %w", ...) at each call site.
package mlserrors

import "errors"

var (
	// ErrInvalidInput covers malformed key package events, wrong-kind events
	// passed to a typed ingest, and credential mismatches on invite.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDecodeFailure covers corrupted state bytes, malformed group-data
	// extensions, unparseable welcomes, and invalid application data.
	ErrDecodeFailure = errors.New("decode failure")

	// ErrDecryptFailure covers unreadable envelopes: wrong epoch, corrupted
	// ciphertext, non-member sender.
	ErrDecryptFailure = errors.New("decrypt failure")

	// ErrProtocolViolation covers commits from non-admin leaves (policy =
	// reject) and commits processed against the wrong epoch.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrOrderingFailure covers welcomes referencing unknown commits and
	// commits referencing missing proposals.
	ErrOrderingFailure = errors.New("ordering failure")

	// ErrStorageFailure covers key-value backend I/O errors.
	ErrStorageFailure = errors.New("storage failure")

	// ErrNetworkFailure covers missing relay acks and inbox discovery
	// timeouts.
	ErrNetworkFailure = errors.New("network failure")

	// ErrCapabilityViolation covers key packages lacking required
	// extension signaling.
	ErrCapabilityViolation = errors.New("capability violation")

	// ErrCorruptedState is the specific decode failure surfaced by
	// lib/group.Deserialize and lib/client.loadAllGroups.
	ErrCorruptedState = errors.New("corrupted group state")
)

// UnreadableEvent records a single event that could not be processed during
// an Ingest call. Ingest collects these rather than failing the whole batch,
// per the propagation policy for decrypt/ordering failures.
type UnreadableEvent struct {
	EventID string
	Err     error
}

func (u *UnreadableEvent) Error() string {
	return "unreadable event " + u.EventID + ": " + u.Err.Error()
}

func (u *UnreadableEvent) Unwrap() error {
	return u.Err
}
