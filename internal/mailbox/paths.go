package mailbox

import (
	"fmt"
	"strings"
)

const (
	CollectionSessions = "sessions"

	KindSignaling = "signaling"
	KindPresence  = "presence"
	KindTyping    = "typing"
	KindMessages  = "messages"
)

func SessionPath(sessionID string) string {
	return CollectionSessions + "/" + sessionID
}

// SessionCollection returns the sub-collection kind under a session.
func SessionCollection(sessionID, kind string) string {
	return SessionPath(sessionID) + "/" + kind
}

func SignalingPath(sessionID, userID string) string {
	return SessionCollection(sessionID, KindSignaling) + "/" + userID
}

func PresencePath(sessionID, userID string) string {
	return SessionCollection(sessionID, KindPresence) + "/" + userID
}

func TypingPath(sessionID, userID string) string {
	return SessionCollection(sessionID, KindTyping) + "/" + userID
}

func MessagePath(sessionID, messageID string) string {
	return SessionCollection(sessionID, KindMessages) + "/" + messageID
}

func segments(path string) ([]string, error) {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return parts, nil
}

// ValidateDocument checks path addresses a document (even segment count).
func ValidateDocument(path string) error {
	parts, err := segments(path)
	if err != nil {
		return err
	}
	if len(parts)%2 != 0 {
		return fmt.Errorf("%w: %q is not a document path", ErrInvalidPath, path)
	}
	return nil
}

// ValidateCollection checks path addresses a collection (odd segment count).
func ValidateCollection(path string) error {
	parts, err := segments(path)
	if err != nil {
		return err
	}
	if len(parts)%2 != 1 {
		return fmt.Errorf("%w: %q is not a collection path", ErrInvalidPath, path)
	}
	return nil
}

// Split returns the parent collection and id of a document path.
func Split(path string) (collection, id string, err error) {
	if err := ValidateDocument(path); err != nil {
		return "", "", err
	}
	i := strings.LastIndex(path, "/")
	return path[:i], path[i+1:], nil
}

// SessionRef describes where a path sits inside the sessions tree.
type SessionRef struct {
	SessionID string
	// Kind is empty for the session document itself.
	Kind string
	// DocID is the document id inside Kind, empty for collection paths.
	DocID string
}

// ParseSessionRef resolves a document or collection path under sessions/.
func ParseSessionRef(path string) (SessionRef, error) {
	parts, err := segments(path)
	if err != nil {
		return SessionRef{}, err
	}
	if parts[0] != CollectionSessions || len(parts) < 2 || len(parts) > 4 {
		return SessionRef{}, fmt.Errorf("%w: %q is outside the sessions tree", ErrInvalidPath, path)
	}
	ref := SessionRef{SessionID: parts[1]}
	if len(parts) >= 3 {
		ref.Kind = parts[2]
	}
	if len(parts) == 4 {
		ref.DocID = parts[3]
	}
	return ref, nil
}
