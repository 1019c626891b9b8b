// Package configfile manages the gateway's on-disk KEY=VALUE configuration:
// locked updates, checksummed backups, validate-then-rollback writes, and
// hot reload.
//
// The file is the source of truth; an in-memory snapshot is swapped
// atomically on every successful read so request paths never touch disk.
package configfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/toolgate/toolgate/internal/gateway/fault"
)

// Manager owns one config file and its lock/backup directories.
type Manager struct {
	path      string
	lockDir   string
	backupDir string
	log       *slog.Logger
	now       func() time.Time
	sleep     func(time.Duration)

	snapshot atomic.Pointer[map[string]string]
}

// NewManager creates the manager, its directories, and the initial
// snapshot.  The file must already exist and validate.
func NewManager(path string, log *slog.Logger) (*Manager, error) {
	dir := filepath.Dir(path)
	m := &Manager{
		path:      path,
		lockDir:   filepath.Join(dir, ".env-locks"),
		backupDir: filepath.Join(dir, ".env-backups"),
		log:       log,
		now:       time.Now,
		sleep:     time.Sleep,
	}
	for _, d := range []string{m.lockDir, m.backupDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("configfile: create %s: %w", d, err)
		}
	}
	m.CleanupStaleLocks()

	cfg, err := m.Read()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.snapshot.Store(&cfg)
	return m, nil
}

// Read parses the file from disk.
func (m *Manager) Read() (map[string]string, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("configfile: read %s: %w", m.path, err)
	}
	return Parse(data)
}

// Snapshot returns the last good in-memory view.  The returned map must not
// be mutated.
func (m *Manager) Snapshot() map[string]string {
	p := m.snapshot.Load()
	if p == nil {
		return map[string]string{}
	}
	return *p
}

// Get returns one value from the snapshot.
func (m *Manager) Get(key string) string {
	return m.Snapshot()[key]
}

// GetBool parses a boolean flag from the snapshot, false when absent or
// malformed.
func (m *Manager) GetBool(key string) bool {
	v, err := strconv.ParseBool(m.Get(key))
	return err == nil && v
}

// GetInt parses an integer from the snapshot, returning def when absent or
// malformed.
func (m *Manager) GetInt(key string, def int) int {
	n, err := strconv.Atoi(m.Get(key))
	if err != nil {
		return def
	}
	return n
}

// Update applies changes under the exclusive lock: backup, merge, write via
// temp+rename, re-read and validate, and roll back automatically when the
// result fails validation.  An empty change value deletes the key.
// Returns the backup id taken before the write.
func (m *Manager) Update(changes map[string]string, reason string) (string, error) {
	release, err := m.acquireLock(reason)
	if err != nil {
		return "", fault.Wrap(fault.KindConfig, "config update lock", err)
	}
	defer release()

	current, err := m.Read()
	if err != nil {
		return "", fault.Wrap(fault.KindConfig, "reading config", err)
	}

	backupID, err := m.backup(reason)
	if err != nil {
		return "", fault.Wrap(fault.KindConfig, "config backup", err)
	}

	merged := make(map[string]string, len(current)+len(changes))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range changes {
		if v == "" {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}

	if err := m.writeAtomic(Serialize(merged)); err != nil {
		return backupID, fault.Wrap(fault.KindConfig, "writing config", err)
	}

	// Validate what actually landed on disk, not what we meant to write.
	written, err := m.Read()
	if err == nil {
		err = Validate(written)
	}
	if err != nil {
		m.log.Error("config update failed validation, rolling back",
			"backup_id", backupID, "reason", reason, "error", err)
		if rbErr := m.restore(backupID); rbErr != nil {
			return backupID, fault.Wrap(fault.KindConfig,
				"config invalid and rollback failed", rbErr)
		}
		return backupID, fault.Wrap(fault.KindConfig, "config update rolled back", err)
	}

	m.snapshot.Store(&written)
	m.log.Info("config updated", "reason", reason, "backup_id", backupID, "keys", len(changes))
	return backupID, nil
}

// Rollback restores a backup by id.  It deliberately skips validation: the
// operator restoring a known-good state must not be blocked by the very
// validation that is misbehaving.
func (m *Manager) Rollback(id string) error {
	release, err := m.acquireLock("rollback:" + id)
	if err != nil {
		return fault.Wrap(fault.KindConfig, "rollback lock", err)
	}
	defer release()

	if err := m.restore(id); err != nil {
		return err
	}
	if cfg, err := m.Read(); err == nil {
		m.snapshot.Store(&cfg)
	}
	m.log.Info("config rolled back", "backup_id", id)
	return nil
}

// restore copies the backup over the live file, verifying integrity first.
func (m *Manager) restore(id string) error {
	if err := m.VerifyBackup(id); err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(m.backupDir, id+".env"))
	if err != nil {
		return fault.Wrap(fault.KindConfig, "reading backup", err)
	}
	if err := m.writeAtomic(data); err != nil {
		return fault.Wrap(fault.KindConfig, "restoring backup", err)
	}
	return nil
}

// ToggleChaos flips CHAOS_ENABLED through the normal update path so the
// change is locked, backed up, and audited like any other.
func (m *Manager) ToggleChaos(on bool) (string, error) {
	return m.Update(map[string]string{"CHAOS_ENABLED": strconv.FormatBool(on)},
		fmt.Sprintf("chaos %v", on))
}

// writeAtomic writes via a temp file in the same directory then renames.
func (m *Manager) writeAtomic(data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".env-tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, m.path)
}
