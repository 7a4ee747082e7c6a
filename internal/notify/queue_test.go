package notify

import (
	"path/filepath"
	"testing"

	"relaybot/pkg/logx"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return NewQueue(filepath.Join(t.TempDir(), "notifications.json"), logx.Nop())
}

func TestPushPopOrder(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	if err := q.Push("telegram", "42", "first", "test"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := q.PushBroadcast("telegram", "second", "scheduler:nightly"); err != nil {
		t.Fatalf("PushBroadcast: %v", err)
	}
	if err := q.Push("discord", "7", "other platform", ""); err != nil {
		t.Fatal(err)
	}

	got, err := q.PopAll("telegram")
	if err != nil {
		t.Fatalf("PopAll: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("popped %d messages, want 2", len(got))
	}
	if got[0].Text != "first" || got[1].Text != "second" {
		t.Fatalf("wrong order: %q, %q", got[0].Text, got[1].Text)
	}
	if got[0].UserID != "42" {
		t.Fatalf("user id lost: %+v", got[0])
	}
	if got[1].UserID != "" {
		t.Fatalf("broadcast has user id: %+v", got[1])
	}
	if got[1].Source != "scheduler:nightly" {
		t.Fatalf("source lost: %+v", got[1])
	}
	if got[0].CreatedAt.IsZero() {
		t.Fatal("created_at not stamped")
	}
}

func TestPopTwiceAndPartitionIsolation(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)
	_ = q.Push("telegram", "1", "msg", "")
	_ = q.Push("discord", "2", "keep", "")

	first, err := q.PopAll("telegram")
	if err != nil || len(first) != 1 {
		t.Fatalf("first pop = %d msgs, err=%v", len(first), err)
	}
	second, err := q.PopAll("telegram")
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Fatalf("second pop returned %d messages, want 0", len(second))
	}

	discord, err := q.PopAll("discord")
	if err != nil || len(discord) != 1 || discord[0].Text != "keep" {
		t.Fatalf("discord partition disturbed: %+v (err=%v)", discord, err)
	}
}

func TestPopEmptyQueue(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)
	got, err := q.PopAll("telegram")
	if err != nil {
		t.Fatalf("PopAll on empty queue: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %d", len(got))
	}
}
