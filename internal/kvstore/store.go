// Package kvstore is a file-backed keyed entry store shared by independent
// processes. Each call is one critical section of the lockfile primitive: the
// whole file is re-read, mutated, and atomically rewritten under the lock, so
// concurrent writers cannot lose updates. Cardinality is expected to stay in
// the tens-to-low-thousands range, which makes the O(n) rewrite acceptable.
package kvstore

import (
	"encoding/json"
	"sort"
	"time"

	"relaybot/internal/lockfile"
	"relaybot/pkg/logx"
)

// Entry is a stored record. Partition is an optional grouping key used by
// queue-style stores (the notification queue partitions by platform).
type Entry[T any] struct {
	Partition string    `json:"partition,omitempty"`
	Value     T         `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store maps string keys to entries in a single JSON file at path.
// A ttl of zero disables expiry.
type Store[T any] struct {
	path string
	ttl  time.Duration
	log  logx.Logger

	now func() time.Time
}

func New[T any](path string, ttl time.Duration, log logx.Logger) *Store[T] {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store[T]{path: path, ttl: ttl, log: log, now: time.Now}
}

// Path returns the backing file path (the lock sidecar lives next to it).
func (s *Store[T]) Path() string { return s.path }

// Get returns the value for key. An entry older than the ttl is deleted as a
// side effect and reported absent; no background sweep is needed for
// correctness.
func (s *Store[T]) Get(key string) (T, bool, error) {
	var (
		zero  T
		value T
		found bool
	)
	err := lockfile.Update(s.path, func(data []byte) ([]byte, error) {
		m := s.decode(data)
		e, ok := m[key]
		if !ok {
			return nil, nil
		}
		if s.expired(e, s.now()) {
			delete(m, key)
			return s.encode(m)
		}
		value = e.Value
		found = true
		return nil, nil
	})
	if err != nil {
		return zero, false, err
	}
	if !found {
		return zero, false, nil
	}
	return value, true, nil
}

// Set upserts key with updated_at stamped to now.
func (s *Store[T]) Set(key string, v T) error {
	return s.SetIn("", key, v)
}

// SetIn upserts key under a partition.
func (s *Store[T]) SetIn(partition, key string, v T) error {
	return lockfile.Update(s.path, func(data []byte) ([]byte, error) {
		m := s.decode(data)
		m[key] = Entry[T]{Partition: partition, Value: v, UpdatedAt: s.now()}
		return s.encode(m)
	})
}

// Remove deletes key. Removing an absent key is not an error.
func (s *Store[T]) Remove(key string) error {
	return lockfile.Update(s.path, func(data []byte) ([]byte, error) {
		m := s.decode(data)
		if _, ok := m[key]; !ok {
			return nil, nil
		}
		delete(m, key)
		return s.encode(m)
	})
}

// RemoveAll empties the store.
func (s *Store[T]) RemoveAll() error {
	return lockfile.Update(s.path, func(data []byte) ([]byte, error) {
		return s.encode(map[string]Entry[T]{})
	})
}

// PopPartition atomically removes and returns every entry in the given
// partition, oldest first. Entries in other partitions stay untouched.
func (s *Store[T]) PopPartition(partition string) ([]Entry[T], error) {
	var popped []Entry[T]
	err := lockfile.Update(s.path, func(data []byte) ([]byte, error) {
		m := s.decode(data)
		keys := make([]string, 0, len(m))
		for k, e := range m {
			if e.Partition == partition {
				keys = append(keys, k)
			}
		}
		if len(keys) == 0 {
			return nil, nil
		}
		sort.Slice(keys, func(i, j int) bool {
			a, b := m[keys[i]], m[keys[j]]
			if a.UpdatedAt.Equal(b.UpdatedAt) {
				return keys[i] < keys[j]
			}
			return a.UpdatedAt.Before(b.UpdatedAt)
		})
		popped = make([]Entry[T], 0, len(keys))
		for _, k := range keys {
			popped = append(popped, m[k])
			delete(m, k)
		}
		return s.encode(m)
	})
	if err != nil {
		return nil, err
	}
	return popped, nil
}

// SweepExpired proactively purges everything past the ttl and returns the
// count removed. Maintenance convenience; Get already self-heals.
func (s *Store[T]) SweepExpired() (int, error) {
	removed := 0
	err := lockfile.Update(s.path, func(data []byte) ([]byte, error) {
		m := s.decode(data)
		now := s.now()
		for k, e := range m {
			if s.expired(e, now) {
				delete(m, k)
				removed++
			}
		}
		if removed == 0 {
			return nil, nil
		}
		return s.encode(m)
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Items returns a snapshot of all live entries keyed as stored. Expired
// entries are filtered from the view but left on disk for Get to purge.
func (s *Store[T]) Items() (map[string]Entry[T], error) {
	out := map[string]Entry[T]{}
	err := lockfile.Read(s.path, func(data []byte) error {
		m := s.decode(data)
		now := s.now()
		for k, e := range m {
			if s.expired(e, now) {
				continue
			}
			out[k] = e
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store[T]) expired(e Entry[T], now time.Time) bool {
	return s.ttl > 0 && now.Sub(e.UpdatedAt) > s.ttl
}

// decode treats a corrupt or truncated backing file as an empty store; the
// next successful write repairs it.
func (s *Store[T]) decode(data []byte) map[string]Entry[T] {
	m := map[string]Entry[T]{}
	if len(data) == 0 {
		return m
	}
	if err := json.Unmarshal(data, &m); err != nil {
		s.log.Warn("corrupt state file, resetting", logx.String("path", s.path), logx.Err(err))
		return map[string]Entry[T]{}
	}
	return m
}

func (s *Store[T]) encode(m map[string]Entry[T]) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
