// Package history persists chat message history as formatted text lines.
//
// Two backends exist: an append-only flat-file store and a SQLite store.
// Both record the same rendered line formats, so history retrieved from
// either round-trips through the dispatcher's line parser:
//
//	[<timestamp>] <sender> -> <receiver>: <content>   (private)
//	[<timestamp>] <sender> en <group>: <content>      (group)
//
// Voice notes are stored as reference lines, never raw bytes:
// the content is "[AUDIO:<id>]".
package history

import (
	"fmt"
	"sort"
	"time"

	"github.com/parleychat/parley/pkg/model"
)

// Store is the message persistence collaborator used by the dispatcher.
// Retrieval returns raw stored lines in append order; parsing them back
// into message records is the caller's concern.
type Store interface {
	SavePrivateMessage(from, to, content string) error
	PrivateHistory(user1, user2 string) ([]string, error)

	SaveGroupMessage(from, group, content string) error
	GroupHistory(group string) ([]string, error)

	// Voice notes store an opaque reference id, not audio bytes.
	SaveAudioMessage(from, to, audioID string) error
	SaveGroupAudioMessage(from, group, audioID string) error

	Close() error
}

// PrivateLine renders a private message history line.
func PrivateLine(ts time.Time, sender, receiver, content string) string {
	return fmt.Sprintf("[%s] %s -> %s: %s", ts.Format(model.TimeLayout), sender, receiver, content)
}

// GroupLine renders a group message history line.
func GroupLine(ts time.Time, sender, group, content string) string {
	return fmt.Sprintf("[%s] %s en %s: %s", ts.Format(model.TimeLayout), sender, group, content)
}

// AudioRef renders the stored content for a voice note reference.
func AudioRef(audioID string) string {
	return "[AUDIO:" + audioID + "]"
}

// conversationKey returns the order-independent key for a private
// conversation between two users.
func conversationKey(user1, user2 string) string {
	pair := []string{user1, user2}
	sort.Strings(pair)
	return pair[0] + "_" + pair[1]
}
