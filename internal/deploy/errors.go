package deploy

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies a remote failure by how the pipeline should react to it.
type ErrorKind string

const (
	// KindAuth means the credential was rejected; the vault must be told.
	KindAuth ErrorKind = "auth"
	// KindConflict means the ref moved underneath us; one refresh-and-retry is allowed.
	KindConflict ErrorKind = "conflict"
	// KindNotFound means the referenced object does not exist remotely.
	KindNotFound ErrorKind = "not_found"
	// KindTransient covers rate limits and 5xx responses.
	KindTransient ErrorKind = "transient"
	// KindPermanent covers everything that retrying cannot fix.
	KindPermanent ErrorKind = "permanent"
)

// RemoteError wraps a failure from the hosting provider with the pipeline step it happened in.
type RemoteError struct {
	Kind ErrorKind
	Step string
	Err  error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s during %s: %v", e.Kind, e.Step, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// KindOf extracts the kind from err, or KindPermanent for errors raised outside the remote.
func KindOf(err error) ErrorKind {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindPermanent
}
