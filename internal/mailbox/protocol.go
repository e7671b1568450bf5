package mailbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Client operations.
const (
	OpAuth        = "auth"
	OpWrite       = "write"
	OpRead        = "read"
	OpDelete      = "delete"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// Server frame types.
const (
	FrameResult     = "result"
	FrameError      = "error"
	FrameChange     = "change"
	FrameSubscribed = "subscribed"
)

// Error codes carried by error frames.
const (
	CodeBadRequest      = "bad_request"
	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeInvalidPath     = "invalid_path"
	CodeInvalidData     = "invalid_data"
	CodeInvalidQuery    = "invalid_query"
	CodeInternal        = "internal"
)

// Request is a client-to-server frame. ID is echoed on the matching result
// or error frame.
type Request struct {
	ID    uint64          `json:"id"`
	Op    string          `json:"op"`
	Token string          `json:"token,omitempty"`
	Path  string          `json:"path,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Merge bool            `json:"merge,omitempty"`
	Sub   string          `json:"sub,omitempty"`
	Query *Query          `json:"query,omitempty"`
}

func (r Request) validate() error {
	switch r.Op {
	case OpAuth:
		if r.Token == "" {
			return errors.New("missing token")
		}
	case OpWrite:
		if r.Path == "" || len(r.Data) == 0 {
			return errors.New("write requires path and data")
		}
	case OpRead, OpDelete:
		if r.Path == "" {
			return fmt.Errorf("%s requires path", r.Op)
		}
	case OpSubscribe:
		if r.Sub == "" || r.Query == nil {
			return errors.New("subscribe requires sub and query")
		}
	case OpUnsubscribe:
		if r.Sub == "" {
			return errors.New("unsubscribe requires sub")
		}
	default:
		return fmt.Errorf("unknown op %q", r.Op)
	}
	return nil
}

// ParseRequest strictly decodes a single request frame.
func ParseRequest(b []byte) (Request, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var r Request
	if err := dec.Decode(&r); err != nil {
		return Request{}, err
	}
	if err := expectEOF(dec); err != nil {
		return Request{}, err
	}
	if err := r.validate(); err != nil {
		return Request{}, err
	}
	return r, nil
}

func expectEOF(dec *json.Decoder) error {
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return errors.New("unexpected trailing data")
		}
		return err
	}
	return nil
}

// Frame is a server-to-client message.
type Frame struct {
	Type    string    `json:"type"`
	ID      uint64    `json:"id,omitempty"`
	Sub     string    `json:"sub,omitempty"`
	Doc     *Document `json:"doc,omitempty"`
	Change  *Change   `json:"change,omitempty"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
}

// errorCode maps an error to its wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrInvalidQuery):
		return CodeInvalidQuery
	case errors.Is(err, ErrInvalidPath):
		return CodeInvalidPath
	case errors.Is(err, ErrInvalidData):
		return CodeInvalidData
	default:
		return CodeInternal
	}
}

// RemoteError is an error frame received by the client. It unwraps to the
// matching sentinel so callers can use errors.Is across the wire.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("mailbox: %s: %s", e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case CodeNotFound:
		return ErrNotFound
	case CodeForbidden, CodeUnauthenticated:
		return ErrForbidden
	case CodeInvalidPath:
		return ErrInvalidPath
	case CodeInvalidData:
		return ErrInvalidData
	case CodeInvalidQuery:
		return ErrInvalidQuery
	default:
		return nil
	}
}
