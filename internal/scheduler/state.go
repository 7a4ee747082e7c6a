package scheduler

import (
	"encoding/json"
	"time"

	"relaybot/internal/lockfile"
	"relaybot/pkg/logx"
)

// The last-run table is a JSON map of task name to RFC3339 timestamp, guarded by
// its own lockfile resource. It is mutated only here, immediately after a
// dispatch completes, so a crash mid-dispatch leaves the task eligible again
// on the next cycle (at-least-once, never at-most-zero).

func loadLastRuns(path string, log logx.Logger) (map[string]time.Time, error) {
	out := map[string]time.Time{}
	err := lockfile.Read(path, func(data []byte) error {
		if len(data) == 0 {
			return nil
		}
		raw := map[string]string{}
		if err := json.Unmarshal(data, &raw); err != nil {
			log.Warn("corrupt last-run table, resetting", logx.String("path", path), logx.Err(err))
			return nil
		}
		for name, stamp := range raw {
			ts, err := time.Parse(time.RFC3339, stamp)
			if err != nil {
				log.Warn("bad last-run timestamp, dropping",
					logx.String("task", name), logx.String("stamp", stamp))
				continue
			}
			out[name] = ts
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func recordLastRun(path, name string, at time.Time) error {
	return lockfile.Update(path, func(data []byte) ([]byte, error) {
		raw := map[string]string{}
		if len(data) > 0 {
			// Corrupt content resets the table; the write below repairs it.
			_ = json.Unmarshal(data, &raw)
		}
		raw[name] = at.Format(time.RFC3339)
		return json.MarshalIndent(raw, "", "  ")
	})
}
