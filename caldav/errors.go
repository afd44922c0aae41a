package caldav

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/kashcal/core/internal/davproto"
)

// Kind closes the error taxonomy: every fallible CalDavClient
// operation fails with exactly one of these, never a bare Go error.
type Kind int

const (
	KindOther Kind = iota
	KindAuth
	KindNotFound
	KindConflict
	KindPermission
	KindNetwork
	KindTimeout
	KindServer
	KindResponseTooLarge
	KindMalformed
	KindSyncTokenInvalid
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "AUTH"
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflict:
		return "CONFLICT"
	case KindPermission:
		return "PERMISSION"
	case KindNetwork:
		return "NETWORK"
	case KindTimeout:
		return "TIMEOUT"
	case KindServer:
		return "SERVER"
	case KindResponseTooLarge:
		return "RESPONSE_TOO_LARGE"
	case KindMalformed:
		return "MALFORMED"
	case KindSyncTokenInvalid:
		return "SYNC_TOKEN_INVALID"
	default:
		return "OTHER"
	}
}

// Error is the typed result carried by every CalDavClient operation that
// can fail. It is never an exception: component boundaries only ever see
// this type (or nil).
type Error struct {
	Kind       Kind
	Code       int
	Message    string
	Retryable  bool
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("caldav: %s (HTTP %d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("caldav: %s: %s", e.Kind, e.Message)
}

// newError classifies a lower-level davproto/HTTP error into the closed
// Kind taxonomy, consulting q for provider-specific 403/410 interpretation
// (410 always; 403 only when the body names valid-sync-token).
func newError(err error, q syncTokenClassifier) *Error {
	if err == nil {
		return nil
	}

	var httpErr *davproto.HTTPError
	if errors.As(err, &httpErr) {
		return classifyHTTPError(httpErr, q)
	}

	if errors.Is(err, davproto.ErrResponseTooLarge) {
		return &Error{Kind: KindResponseTooLarge, Message: err.Error()}
	}

	// Anything else reaching here is a transport-level failure: a closed
	// connection, DNS failure, or context deadline. davproto.Do already
	// distinguishes TLS failures (never retryable) from the rest.
	return &Error{Kind: KindNetwork, Message: err.Error(), Retryable: true}
}

// syncTokenClassifier decides whether a 403 names an expired sync-token
// (RFC 6578) as opposed to a bare permission denial. Implemented by Quirks.
type syncTokenClassifier interface {
	IsSyncTokenInvalid(code int, davBody *davproto.Error) bool
}

func classifyHTTPError(httpErr *davproto.HTTPError, q syncTokenClassifier) *Error {
	code := httpErr.Code

	if q != nil && q.IsSyncTokenInvalid(code, httpErr.DAV) {
		return &Error{Kind: KindSyncTokenInvalid, Code: code, Message: httpErr.Error()}
	}

	switch code {
	case http.StatusUnauthorized:
		return &Error{Kind: KindAuth, Code: code, Message: httpErr.Error()}
	case http.StatusForbidden:
		return &Error{Kind: KindPermission, Code: code, Message: httpErr.Error()}
	case http.StatusNotFound:
		return &Error{Kind: KindNotFound, Code: code, Message: httpErr.Error()}
	case http.StatusPreconditionFailed:
		return &Error{Kind: KindConflict, Code: code, Message: httpErr.Error()}
	case http.StatusGone:
		return &Error{Kind: KindSyncTokenInvalid, Code: code, Message: httpErr.Error()}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return &Error{Kind: KindTimeout, Code: code, Message: httpErr.Error(), Retryable: true}
	case http.StatusInsufficientStorage:
		// A 507 on a sync-collection REPORT never reaches here (the
		// transport hands the truncated multistatus back to the caller);
		// anywhere else it is a storage/quota condition retrying won't fix.
		return &Error{Kind: KindServer, Code: code, Message: httpErr.Error()}
	}

	if code >= 500 {
		retryable := code == http.StatusServiceUnavailable || code >= 500
		return &Error{Kind: KindServer, Code: code, Message: httpErr.Error(), Retryable: retryable}
	}

	return &Error{Kind: KindOther, Code: code, Message: httpErr.Error()}
}
