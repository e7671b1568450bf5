package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Authorizer decides what a connected user may do to a path. Every method
// returns nil or an error wrapping ErrForbidden.
type Authorizer interface {
	CanRead(ctx context.Context, userID, path string) error
	CanWrite(ctx context.Context, userID, path string, data json.RawMessage) error
	CanDelete(ctx context.Context, userID, path string) error
}

// ParticipantLookup returns the two participant ids of a session, or
// ErrNotFound.
type ParticipantLookup func(ctx context.Context, sessionID string) (teacherID, learnerID string, err error)

// SessionAuthorizer restricts every operation to participants of the
// session the path belongs to.
//
//   - The session document is server-owned: participants may only read it.
//   - signaling, presence and typing documents are keyed by user id and only
//     their owner may write them. Signaling envelopes must name the owner in
//     "from".
//   - Chat messages must name the writer in "senderId"; an existing message
//     can only be changed or removed by its sender.
type SessionAuthorizer struct {
	Participants ParticipantLookup
	// Docs is consulted for the current sender of an existing message.
	Docs Transport
}

func (a SessionAuthorizer) participant(ctx context.Context, userID, path string) (SessionRef, error) {
	ref, err := ParseSessionRef(path)
	if err != nil {
		return SessionRef{}, err
	}
	teacher, learner, err := a.Participants(ctx, ref.SessionID)
	if errors.Is(err, ErrNotFound) {
		return SessionRef{}, fmt.Errorf("%w: unknown session", ErrForbidden)
	}
	if err != nil {
		return SessionRef{}, err
	}
	if userID == "" || (userID != teacher && userID != learner) {
		return SessionRef{}, fmt.Errorf("%w: not a participant", ErrForbidden)
	}
	return ref, nil
}

func (a SessionAuthorizer) CanRead(ctx context.Context, userID, path string) error {
	ref, err := a.participant(ctx, userID, path)
	if err != nil {
		return err
	}
	switch ref.Kind {
	case "", KindSignaling, KindPresence, KindTyping, KindMessages:
		return nil
	default:
		return fmt.Errorf("%w: unknown collection %q", ErrForbidden, ref.Kind)
	}
}

func (a SessionAuthorizer) CanWrite(ctx context.Context, userID, path string, data json.RawMessage) error {
	ref, err := a.participant(ctx, userID, path)
	if err != nil {
		return err
	}
	if ref.DocID == "" {
		return fmt.Errorf("%w: %q is not a participant document", ErrForbidden, path)
	}
	switch ref.Kind {
	case KindSignaling:
		if ref.DocID != userID {
			return fmt.Errorf("%w: signaling slot belongs to %q", ErrForbidden, ref.DocID)
		}
		if stringField(data, "from") != userID {
			return fmt.Errorf("%w: envelope sender must be %q", ErrForbidden, userID)
		}
		return nil
	case KindPresence, KindTyping:
		if ref.DocID != userID {
			return fmt.Errorf("%w: %s slot belongs to %q", ErrForbidden, ref.Kind, ref.DocID)
		}
		return nil
	case KindMessages:
		if stringField(data, "senderId") != userID {
			return fmt.Errorf("%w: senderId must be %q", ErrForbidden, userID)
		}
		return a.ownsMessage(ctx, userID, path)
	default:
		return fmt.Errorf("%w: %q is not writable", ErrForbidden, path)
	}
}

func (a SessionAuthorizer) CanDelete(ctx context.Context, userID, path string) error {
	ref, err := a.participant(ctx, userID, path)
	if err != nil {
		return err
	}
	switch ref.Kind {
	case KindSignaling, KindPresence, KindTyping:
		if ref.DocID != "" && ref.DocID == userID {
			return nil
		}
	case KindMessages:
		if ref.DocID != "" {
			return a.ownsMessage(ctx, userID, path)
		}
	}
	return fmt.Errorf("%w: %q cannot be deleted", ErrForbidden, path)
}

func (a SessionAuthorizer) ownsMessage(ctx context.Context, userID, path string) error {
	if a.Docs == nil {
		return nil
	}
	doc, err := a.Docs.Read(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if stringField(doc.Data, "senderId") != userID {
		return fmt.Errorf("%w: message belongs to another sender", ErrForbidden)
	}
	return nil
}

func stringField(data json.RawMessage, field string) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return ""
	}
	var s string
	_ = json.Unmarshal(fields[field], &s)
	return s
}
