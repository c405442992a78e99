// Package syncerr defines the error taxonomy shared by the entity store, the
// remote client, and the sync coordinator.
//
// Every component boundary returns a [*Error] carrying a [Kind]. Callers test
// for a kind with errors.Is against the sentinels:
//
//	if errors.Is(err, syncerr.ErrPermissionDenied) { ... }
//
// PermissionDenied is a specialisation of ClientFault, so errors.Is(err,
// ErrClientFault) is also true for it.
package syncerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	Unknown Kind = iota
	NetworkUnavailable
	Timeout
	ServerFault
	ClientFault
	PermissionDenied
	MalformedResponse
	StoreFault
	CacheEmpty
)

func (k Kind) String() string {
	switch k {
	case NetworkUnavailable:
		return "network unavailable"
	case Timeout:
		return "timeout"
	case ServerFault:
		return "server fault"
	case ClientFault:
		return "client fault"
	case PermissionDenied:
		return "permission denied"
	case MalformedResponse:
		return "malformed response"
	case StoreFault:
		return "store fault"
	case CacheEmpty:
		return "cache empty"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. They carry only a Kind.
var (
	ErrNetworkUnavailable = &Error{Kind: NetworkUnavailable}
	ErrTimeout            = &Error{Kind: Timeout}
	ErrServerFault        = &Error{Kind: ServerFault}
	ErrClientFault        = &Error{Kind: ClientFault}
	ErrPermissionDenied   = &Error{Kind: PermissionDenied}
	ErrMalformedResponse  = &Error{Kind: MalformedResponse}
	ErrStoreFault         = &Error{Kind: StoreFault}
	ErrCacheEmpty         = &Error{Kind: CacheEmpty}
)

// Error is a classified failure.
type Error struct {
	Kind Kind

	// Op names the operation that failed, e.g. "fetch collection".
	Op string

	// Status is the HTTP status code for remote failures, 0 otherwise.
	Status int

	// Message is a status-derived or server-provided message.
	Message string

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind. A PermissionDenied error also matches
// ErrClientFault.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || !isSentinel(t) {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return t.Kind == ClientFault && e.Kind == PermissionDenied
}

func isSentinel(e *Error) bool {
	return e.Op == "" && e.Status == 0 && e.Message == "" && e.Err == nil
}

// New returns a classified error with a message and no cause.
func New(kind Kind, op, message string) error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Store wraps a local I/O failure as a StoreFault.
func Store(op string, err error) error {
	return Wrap(StoreFault, op, err)
}

// FromStatus classifies a non-2xx HTTP status. 403 becomes PermissionDenied,
// other 4xx ClientFault, and 5xx ServerFault.
func FromStatus(op string, status int, message string) error {
	e := &Error{Op: op, Status: status, Message: message}
	switch {
	case status == http.StatusForbidden:
		e.Kind = PermissionDenied
	case status >= 400 && status < 500:
		e.Kind = ClientFault
	case status >= 500:
		e.Kind = ServerFault
	default:
		e.Kind = MalformedResponse
	}
	return e
}

// KindOf returns the kind of the outermost *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Retryable reports whether err is a transient fault worth another attempt:
// connectivity loss, timeouts, and server faults.
func Retryable(err error) bool {
	switch KindOf(err) {
	case NetworkUnavailable, Timeout, ServerFault:
		return true
	default:
		return false
	}
}

// Messages shown to users, one per kind.
const (
	MsgPermissionDenied = "Only the owner of this recipe or an administrator may modify it."
	MsgOffline          = "No internet connection. Check your network and try again."
	MsgTimeout          = "The server did not respond in time. Try again later."
	MsgServer           = "The server could not complete the request. Try again later."
	MsgClient           = "The request was rejected by the server."
	MsgMalformed        = "The server sent an unexpected response."
	MsgStore            = "Local storage failed. Your changes were not saved."
	MsgCacheEmpty       = "No recipes are available yet. Connect to the internet to load them."
	MsgUnknown          = "Something went wrong."
)

// UserMessage maps err to a message fit for display. It looks through the
// whole chain so a CacheEmpty wrapping a Timeout still reports CacheEmpty.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case PermissionDenied:
		return MsgPermissionDenied
	case NetworkUnavailable:
		return MsgOffline
	case Timeout:
		return MsgTimeout
	case ServerFault:
		return MsgServer
	case ClientFault:
		return MsgClient
	case MalformedResponse:
		return MsgMalformed
	case StoreFault:
		return MsgStore
	case CacheEmpty:
		return MsgCacheEmpty
	default:
		return MsgUnknown
	}
}
