package job

import (
	"errors"
	"fmt"
)

// ErrUnsupportedKind is returned by backends that cannot handle a job kind,
// e.g. usenet submissions against put.io.
var ErrUnsupportedKind = errors.New("job kind not supported by this backend")

// InvalidContentError represents a malformed source payload: a torrent that
// does not bencode-decode, a magnet file without a magnet URI, an NZB that
// is not NZB XML, or content the remote service rejected as unparseable.
// These are permanent; the watcher never creates a tracked item for them.
type InvalidContentError struct {
	Filename string
	Reason   string
	Err      error
}

func (e *InvalidContentError) Error() string {
	return fmt.Sprintf("invalid job content in %s: %s", e.Filename, e.Reason)
}

func (e *InvalidContentError) Unwrap() error {
	return e.Err
}

// NetworkError represents transport failures and remote 5xx responses.
// These are transient: the client retries them up to its request ceiling
// before surfacing one NetworkError to the caller.
type NetworkError struct {
	Operation  string
	StatusCode int // 0 for non-HTTP failures
	APIMessage string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents 401/403 responses from the remote service.
type AuthenticationError struct {
	Operation string
	Err       error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// NotFoundError is returned when a tracked job no longer appears in the
// remote service's listing. The poller counts it as a failed check.
type NotFoundError struct {
	Ref Ref
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s job %q not found on remote service", e.Ref.Kind, e.Ref.ID)
}
