// Package fault defines the error kinds shared by the relay, transport and
// download layers. Callers classify failures with errors.Is against the
// sentinel kinds; the HTTP layer maps each kind to a status code.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport covers connect, auth, network and remote-rejection failures.
	ErrTransport = errors.New("transport error")

	// ErrNotFound means a catalog record or remote path does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidPath means a handle is malformed or decodes to an unsafe path.
	ErrInvalidPath = errors.New("invalid path")

	// ErrStaging means local temporary storage failed.
	ErrStaging = errors.New("staging error")
)

// Error attaches an operation name and an underlying cause to a kind.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Transport wraps err as a TransportError for op.
func Transport(op string, err error) error {
	return &Error{Kind: ErrTransport, Op: op, Err: err}
}

// NotFound wraps err as a NotFoundError for op.
func NotFound(op string, err error) error {
	return &Error{Kind: ErrNotFound, Op: op, Err: err}
}

// InvalidPath wraps err as an InvalidPathError for op.
func InvalidPath(op string, err error) error {
	return &Error{Kind: ErrInvalidPath, Op: op, Err: err}
}

// Staging wraps err as a StagingError for op.
func Staging(op string, err error) error {
	return &Error{Kind: ErrStaging, Op: op, Err: err}
}

// Kind returns the sentinel kind carried by err, or nil if err is unclassified.
func Kind(err error) error {
	for _, k := range []error{ErrInvalidPath, ErrNotFound, ErrStaging, ErrTransport} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
