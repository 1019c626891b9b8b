package configfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// lockStaleAfter is how old a lock may be before it is considered abandoned
// regardless of its owner process.
const lockStaleAfter = 30 * time.Second

// lockFileName is the single exclusive lock guarding config mutations.
const lockFileName = "update.lock"

// lockRecord is the lock file's JSON content, kept for diagnostics and
// staleness decisions.
type lockRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	PID       int       `json:"pid"`
}

// ErrLockHeld is returned when the update lock stayed held by a live
// process for the whole acquisition timeout.
var ErrLockHeld = errors.New("configfile: lock held")

// lockRetryInterval paces acquisition attempts while another process holds
// the lock.
const lockRetryInterval = 100 * time.Millisecond

// acquireLock takes the exclusive update lock, breaking stale locks
// (older than 30s, or owned by a dead process).  While a live holder keeps
// the lock, acquisition keeps retrying until the stale timeout elapses.
// Returns a release func.
func (m *Manager) acquireLock(operation string) (func(), error) {
	path := filepath.Join(m.lockDir, lockFileName)
	deadline := m.now().Add(lockStaleAfter)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			rec := lockRecord{
				ID:        uuid.NewString(),
				Timestamp: m.now(),
				Operation: operation,
				PID:       os.Getpid(),
			}
			enc := json.NewEncoder(f)
			if werr := enc.Encode(rec); werr != nil {
				f.Close()
				os.Remove(path)
				return nil, fmt.Errorf("configfile: write lock: %w", werr)
			}
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("configfile: create lock: %w", err)
		}
		if m.breakIfStale(path) {
			continue
		}
		if !m.now().Before(deadline) {
			return nil, ErrLockHeld
		}
		m.sleep(lockRetryInterval)
	}
}

// breakIfStale removes the lock when its record marks it abandoned.
// Unreadable lock files are treated as stale.
func (m *Manager) breakIfStale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		// Raced with release.
		return errors.Is(err, os.ErrNotExist)
	}
	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		m.log.Warn("removing unreadable config lock", "path", path)
		os.Remove(path)
		return true
	}
	if m.now().Sub(rec.Timestamp) > lockStaleAfter {
		m.log.Warn("breaking stale config lock", "lock_id", rec.ID, "age", m.now().Sub(rec.Timestamp))
		os.Remove(path)
		return true
	}
	if !processAlive(rec.PID) {
		m.log.Warn("breaking config lock of dead process", "lock_id", rec.ID, "pid", rec.PID)
		os.Remove(path)
		return true
	}
	return false
}

// CleanupStaleLocks removes abandoned locks; called at startup.
func (m *Manager) CleanupStaleLocks() int {
	entries, err := os.ReadDir(m.lockDir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if m.breakIfStale(filepath.Join(m.lockDir, e.Name())) {
			removed++
		}
	}
	return removed
}

// processAlive checks whether pid still exists; signal 0 probes without
// delivering.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
