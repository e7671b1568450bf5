// Package chat stores a session's text messages in the mailbox and works out
// unread counts and read receipts from the session's lastRead map.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/skillswap/session-core/internal/mailbox"
)

const (
	DefaultSenderName = "User"
	MaxTextRunes      = 4000
)

var (
	ErrEmptyMessage = errors.New("chat: message text is empty")
	ErrTooLong      = errors.New("chat: message text is too long")
)

type Message struct {
	ID         string    `json:"-"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Room is one session's chat as seen by one transport.
type Room struct {
	mb        mailbox.Transport
	sessionID string
	now       func() time.Time
}

func NewRoom(mb mailbox.Transport, sessionID string) *Room {
	return &Room{mb: mb, sessionID: sessionID, now: time.Now}
}

// Send validates text and writes a new message from senderID.
func (r *Room) Send(ctx context.Context, senderID, senderName, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxTextRunes {
		return Message{}, ErrTooLong
	}
	if senderID == "" {
		return Message{}, errors.New("chat: missing sender id")
	}
	if strings.TrimSpace(senderName) == "" {
		senderName = DefaultSenderName
	}
	msg := Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		SenderName: senderName,
		Text:       text,
		CreatedAt:  r.now().UTC(),
	}
	if _, err := r.mb.Write(ctx, mailbox.MessagePath(r.sessionID, msg.ID), msg, false); err != nil {
		return Message{}, fmt.Errorf("chat: send: %w", err)
	}
	return msg, nil
}

// Delete removes a message. The mailbox authorizer only lets its sender do
// this over the hub.
func (r *Room) Delete(ctx context.Context, messageID string) error {
	return r.mb.Delete(ctx, mailbox.MessagePath(r.sessionID, messageID))
}

func (r *Room) query() mailbox.Query {
	return mailbox.Query{Collection: mailbox.SessionCollection(r.sessionID, mailbox.KindMessages)}
}

// History returns the current messages, oldest first.
func (r *Room) History(ctx context.Context) ([]Message, error) {
	var mu sync.Mutex
	var out []Message
	stop, err := r.mb.Subscribe(ctx, r.query(), func(c mailbox.Change) {
		if c.Kind == mailbox.ChangeRemoved {
			return
		}
		msg, err := decode(c.Doc)
		if err != nil {
			return
		}
		mu.Lock()
		out = append(out, msg)
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	// The snapshot has been delivered once Subscribe returns.
	mu.Lock()
	msgs := append([]Message(nil), out...)
	mu.Unlock()
	stop()
	Sort(msgs)
	return msgs, nil
}

// Watch calls fn with the full ordered message list on every change.
func (r *Room) Watch(ctx context.Context, fn func([]Message)) (func(), error) {
	var mu sync.Mutex
	byID := make(map[string]Message)
	return r.mb.Subscribe(ctx, r.query(), func(c mailbox.Change) {
		mu.Lock()
		defer mu.Unlock()
		if c.Kind == mailbox.ChangeRemoved {
			delete(byID, c.Doc.ID())
		} else {
			msg, err := decode(c.Doc)
			if err != nil {
				return
			}
			byID[msg.ID] = msg
		}
		msgs := make([]Message, 0, len(byID))
		for _, m := range byID {
			msgs = append(msgs, m)
		}
		Sort(msgs)
		fn(msgs)
	})
}

func decode(doc mailbox.Document) (Message, error) {
	var msg Message
	if err := doc.Decode(&msg); err != nil {
		return Message{}, err
	}
	msg.ID = doc.ID()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = doc.UpdatedAt
	}
	return msg, nil
}

// Sort orders messages by creation time, then id.
func Sort(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// Unread counts messages from anyone but userID created after lastRead.
func Unread(msgs []Message, userID string, lastRead time.Time) int {
	n := 0
	for _, m := range msgs {
		if m.SenderID != userID && m.CreatedAt.After(lastRead) {
			n++
		}
	}
	return n
}

// ReadBy reports whether reader has seen msg, given reader's lastRead time.
// A zero lastRead means the chat was never opened.
func ReadBy(msg Message, lastRead time.Time) bool {
	return !lastRead.IsZero() && !msg.CreatedAt.After(lastRead)
}
