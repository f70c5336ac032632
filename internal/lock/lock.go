// Package lock serializes task mutation: one runtime instance per task,
// enforced by a .lock file under the task directory.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agxlabs/agx/internal/fsatomic"
	"github.com/agxlabs/agx/internal/layout"
)

const (
	// EnvStaleMs overrides how old a lock must be before takeover.
	EnvStaleMs     = "AGX_LOCK_STALE_MS"
	defaultStaleMs = 300_000
)

// Info is the persisted lock record. Token distinguishes successive holders
// with the same pid.
type Info struct {
	PID       int    `json:"pid"`
	At        string `json:"at"`
	Host      string `json:"host"`
	Token     string `json:"token,omitempty"`
	StartedAt string `json:"startedAt,omitempty"`
}

// ErrHeld reports a live lock owned by another process.
type ErrHeld struct {
	Info Info
}

func (e *ErrHeld) Error() string {
	return fmt.Sprintf("task locked by pid %d on %s since %s", e.Info.PID, e.Info.Host, e.Info.At)
}

// Lock is a held task lock. Release removes the file.
type Lock struct {
	path string
}

// StaleThreshold reads the takeover age from the environment.
func StaleThreshold() time.Duration {
	if v := os.Getenv(EnvStaleMs); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return defaultStaleMs * time.Millisecond
}

// Acquire takes the per-task lock, stealing it when the holder's record is
// older than the stale threshold. The fast path is an exclusive create, so
// two racing processes cannot both see the lock as free.
func Acquire(l layout.Layout, project, task string) (*Lock, error) {
	path := l.LockFile(project, task)
	if err := fsatomic.EnsureDir(l.TaskDir(project, task)); err != nil {
		return nil, err
	}

	host, _ := os.Hostname()
	now := time.Now().UTC()
	info := Info{
		PID:       os.Getpid(),
		At:        now.Format(time.RFC3339),
		Host:      host,
		Token:     ulid.Make().String(),
		StartedAt: now.Format(time.RFC3339),
	}
	record, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		_, werr := f.Write(record)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			_ = os.Remove(path)
			return nil, fmt.Errorf("write lock: %w", werr)
		}
		return &Lock{path: path}, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("create lock: %w", err)
	}

	// Someone holds it. Take over only when the record is ours, stale, or
	// unreadable.
	var existing Info
	found, rerr := fsatomic.ReadJSON(path, &existing)
	if rerr != nil {
		found = false
	}
	if found && existing.PID != os.Getpid() {
		at, perr := time.Parse(time.RFC3339, existing.At)
		if perr == nil && time.Since(at) < StaleThreshold() {
			return nil, &ErrHeld{Info: existing}
		}
	}
	if err := fsatomic.WriteJSON(path, info); err != nil {
		return nil, fmt.Errorf("write lock: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file. Safe to call once per Acquire.
func (lk *Lock) Release() error {
	if lk == nil || lk.path == "" {
		return nil
	}
	err := os.Remove(lk.path)
	lk.path = ""
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
