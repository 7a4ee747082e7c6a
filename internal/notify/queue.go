// Package notify is the pending-notification queue between producers (the
// scheduler's dispatcher, or anything else with access to the data dir) and
// the per-platform delivery pollers in the bot front ends.
//
// Entries never expire: if no poller exists for a platform they stay queued
// rather than being silently dropped. Delivery is at-most-once per pop cycle;
// a crash between pop and send can lose a notification, which is accepted.
package notify

import (
	"time"

	"github.com/google/uuid"

	"relaybot/internal/kvstore"
	"relaybot/pkg/logx"
)

// Message is a single queued notification. An empty UserID means broadcast
// to every opted-in user of the platform.
type Message struct {
	Platform  string    `json:"platform"`
	UserID    string    `json:"user_id,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Source    string    `json:"source,omitempty"`
}

// Queue is a process-safe notification queue backed by one JSON file.
type Queue struct {
	kv  *kvstore.Store[Message]
	log logx.Logger
}

func NewQueue(path string, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{kv: kvstore.New[Message](path, 0, log), log: log}
}

// Path returns the backing file, so delivery pollers can watch it.
func (q *Queue) Path() string { return q.kv.Path() }

// Push queues a notification for a specific user on a platform.
func (q *Queue) Push(platform, userID, text, source string) error {
	return q.push(Message{
		Platform:  platform,
		UserID:    userID,
		Text:      text,
		CreatedAt: time.Now(),
		Source:    source,
	})
}

// PushBroadcast queues a notification for all opted-in users on a platform.
func (q *Queue) PushBroadcast(platform, text, source string) error {
	return q.push(Message{
		Platform:  platform,
		Text:      text,
		CreatedAt: time.Now(),
		Source:    source,
	})
}

func (q *Queue) push(m Message) error {
	if err := q.kv.SetIn(m.Platform, uuid.NewString(), m); err != nil {
		return err
	}
	q.log.Debug("notification queued",
		logx.String("platform", m.Platform),
		logx.String("user", m.UserID),
		logx.String("source", m.Source))
	return nil
}

// PopAll returns and removes all queued notifications for a platform,
// oldest first. Other platforms' entries are left untouched.
func (q *Queue) PopAll(platform string) ([]Message, error) {
	entries, err := q.kv.PopPartition(platform)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Value)
	}
	if len(out) > 0 {
		q.log.Debug("notifications popped", logx.String("platform", platform), logx.Int("count", len(out)))
	}
	return out, nil
}
