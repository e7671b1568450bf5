// Package mailbox is the publish/subscribe document store used as the
// transport for session records, signaling envelopes, presence, typing and
// chat.
//
// Documents are JSON objects addressed by slash-separated paths that alternate
// collection and document ids ("sessions/{id}/signaling/{userId}"). Writers
// either replace a document or deep-merge into it; subscribers receive change
// notifications filtered by a Query.
//
// Subscribe delivers the current matching documents as "added" changes before
// it returns. Later changes are delivered asynchronously, in order, on a
// goroutine owned by the subscription.
package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("mailbox: document not found")
	ErrInvalidPath  = errors.New("mailbox: invalid path")
	ErrInvalidData  = errors.New("mailbox: document data must be a JSON object")
	ErrForbidden    = errors.New("mailbox: forbidden")
	ErrClosed       = errors.New("mailbox: transport closed")
	ErrInvalidQuery = errors.New("mailbox: invalid query")
)

type Document struct {
	Path      string          `json:"path"`
	Data      json.RawMessage `json:"data"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// ID returns the last path segment.
func (d Document) ID() string {
	_, id, _ := Split(d.Path)
	return id
}

func (d Document) Decode(v any) error {
	return json.Unmarshal(d.Data, v)
}

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

type Change struct {
	Kind ChangeKind `json:"kind"`
	Doc  Document   `json:"doc"`
}

// Query selects the documents directly inside Collection, optionally
// filtered to those whose top-level string Field equals Equals.
type Query struct {
	Collection string `json:"collection"`
	Field      string `json:"field,omitempty"`
	Equals     string `json:"equals,omitempty"`
}

func (q Query) Validate() error {
	if err := ValidateCollection(q.Collection); err != nil {
		return errors.Join(ErrInvalidQuery, err)
	}
	if q.Field == "" && q.Equals != "" {
		return errors.Join(ErrInvalidQuery, errors.New("equals without field"))
	}
	return nil
}

func (q Query) Matches(d Document) bool {
	col, _, err := Split(d.Path)
	if err != nil || col != q.Collection {
		return false
	}
	if q.Field == "" {
		return true
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(d.Data, &fields); err != nil {
		return false
	}
	raw, ok := fields[q.Field]
	if !ok {
		return false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return s == q.Equals
}

// Transport is implemented by every mailbox backend and by the WebSocket
// client.
type Transport interface {
	// Write replaces the document at path with v, or deep-merges v into the
	// existing document when merge is true.
	Write(ctx context.Context, path string, v any, merge bool) (Document, error)
	Read(ctx context.Context, path string) (Document, error)
	Delete(ctx context.Context, path string) error
	// Subscribe registers fn for changes matching q. The returned function
	// stops delivery; it is safe to call more than once.
	Subscribe(ctx context.Context, q Query, fn func(Change)) (func(), error)
}

// encodeObject marshals v and checks it is a JSON object.
func encodeObject(v any) (json.RawMessage, error) {
	var raw json.RawMessage
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = json.RawMessage(t)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil || probe == nil {
		return nil, ErrInvalidData
	}
	return raw, nil
}
