package seal

import "errors"

// Public, stable errors for callers.
var (
	ErrEmptyPassphrase = errors.New("seal: empty passphrase")
	ErrNotSealed       = errors.New("seal: data is not a sealed blob")
	ErrWrongPassphrase = errors.New("seal: wrong passphrase or corrupted blob")
	ErrUnsupported     = errors.New("seal: unsupported blob version or parameters")
)
