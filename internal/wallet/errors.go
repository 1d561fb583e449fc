package wallet

import "errors"

// Error kinds surfaced by the wallet core. Callers are expected to test with
// errors.Is; everything else is wrapped context.
var (
	// ErrInsufficientFunds is returned by coin selectors when the available
	// set cannot cover the requested amount.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNewScriptsDisabled is returned when address generation has been
	// switched off (no-history mode) and a fresh script is requested.
	ErrNewScriptsDisabled = errors.New("obtaining new wallet addresses disabled")

	// ErrUnsupportedOperation is returned by a crypto engine asked for an
	// operation its script type cannot provide (e.g. scriptCode on legacy).
	ErrUnsupportedOperation = errors.New("unsupported engine operation")

	// ErrAbsurdFee is returned when the node's fee estimate exceeds the
	// configured ceiling. This is fatal: callers must shut down.
	ErrAbsurdFee = errors.New("estimated fee per kB greater than absurd value")

	// ErrUnknownScript is returned when resolving a script or address that
	// does not belong to this wallet.
	ErrUnknownScript = errors.New("script unknown to wallet")

	// ErrStorageReadOnly is returned on save attempts against read-only storage.
	ErrStorageReadOnly = errors.New("storage is read-only")
)
