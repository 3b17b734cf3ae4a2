// internal/directory/errors.go
package directory

import "errors"

// Sentinel errors surfaced by directory implementations. They mirror the
// result codes the backend reports for the failure modes the session core
// cares about; anything else is surfaced verbatim.
var (
	ErrNotFound          = errors.New("directory: not found")
	ErrInvalidParameters = errors.New("directory: invalid parameters")
	ErrNoConnection      = errors.New("directory: no connection")
	ErrSessionFull       = errors.New("directory: session is full")
)
