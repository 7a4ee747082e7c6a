package bot

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

// deliverNotifications drains the queue on a fixed cadence and additionally
// whenever the queue file changes on disk, so scheduler results reach users
// without waiting out the full poll interval.
func (s *Service) deliverNotifications(ctx context.Context) {
	kick := make(chan struct{}, 1)
	go s.watchQueueFile(ctx, kick)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.log.Info("notification delivery started",
		logx.Duration("interval", s.cfg.PollInterval),
		logx.Float64("rate_per_sec", s.cfg.RatePerSec))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-kick:
			// The file is replaced by rename, so by the time the event fires
			// the new content is fully in place. A short settle still batches
			// bursts of producer writes into one drain.
			time.Sleep(100 * time.Millisecond)
		}
		s.flushNotifications(ctx)
	}
}

// watchQueueFile signals kick on changes to the queue file. Watch failures
// are logged and delivery falls back to polling alone.
func (s *Service) watchQueueFile(ctx context.Context, kick chan<- struct{}) {
	dir := filepath.Dir(s.queue.Path())
	file := filepath.Base(s.queue.Path())

	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("queue watch unavailable, polling only", logx.Err(err))
		return
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		s.log.Warn("queue watch unavailable, polling only", logx.String("dir", dir), logx.Err(err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				select {
				case kick <- struct{}{}:
				default:
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if err != nil {
				s.log.Warn("queue watch error", logx.Err(err))
			}
		}
	}
}

// flushNotifications pops everything pending for this platform and sends to
// opted-in users. A crash between pop and send loses the popped batch; that
// window is accepted, the queue itself never drops entries on its own.
func (s *Service) flushNotifications(ctx context.Context) {
	pending, err := s.queue.PopAll(platform)
	if err != nil {
		s.log.Warn("notification pop failed", logx.Err(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	optedIn, err := s.optedInUsers()
	if err != nil {
		s.log.Warn("notify prefs read failed", logx.Err(err))
		return
	}

	for _, note := range pending {
		if note.Text == "" {
			continue
		}

		var recipients []string
		if note.UserID != "" {
			if optedIn[note.UserID] {
				recipients = []string{note.UserID}
			}
		} else {
			for uid, on := range optedIn {
				if on {
					recipients = append(recipients, uid)
				}
			}
		}

		for _, uid := range recipients {
			chatID, err := strconv.ParseInt(uid, 10, 64)
			if err != nil {
				s.log.Warn("bad recipient id in prefs", logx.String("user", uid))
				continue
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			_, err = s.adapter.SendText(ctx, transport.ChatTarget{ChatID: chatID}, "[Notification]\n"+note.Text, nil)
			if err != nil {
				s.log.Warn("notification send failed",
					logx.String("user", uid),
					logx.String("source", note.Source),
					logx.Err(err))
				continue
			}
			s.log.Info("notification delivered",
				logx.String("user", uid),
				logx.String("source", note.Source))
		}
	}
}

func (s *Service) optedInUsers() (map[string]bool, error) {
	if s.prefs == nil {
		return nil, nil
	}
	items, err := s.prefs.Items()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(items))
	for uid, entry := range items {
		out[uid] = entry.Value
	}
	return out, nil
}
