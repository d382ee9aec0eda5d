package offline

import "errors"

// Sentinel errors for the offline cache domain.
var (
	ErrNotFound     = errors.New("not found")
	ErrBodyUsed     = errors.New("response body already used")
	ErrBodyTooLarge = errors.New("response body too large")
	ErrBadRequest   = errors.New("bad request")
	ErrNetwork      = errors.New("network error")
	ErrStoreDeleted = errors.New("store deleted")
	ErrInstall      = errors.New("install failed")
)
