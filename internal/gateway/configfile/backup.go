package configfile

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate/toolgate/internal/gateway/fault"
)

// BackupMeta is the sidecar metadata written next to each backup copy.
type BackupMeta struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Checksum  string    `json:"checksum"`
	Size      int64     `json:"size"`
}

// checksum is FNV-1a 64 over the file content, hex encoded.
func checksum(data []byte) string {
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

// backup copies the current config file into the backup directory and
// writes its metadata.  Returns the backup id.
func (m *Manager) backup(reason string) (string, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return "", fmt.Errorf("configfile: read for backup: %w", err)
	}

	id := uuid.NewString()
	meta := BackupMeta{
		ID:        id,
		Timestamp: m.now(),
		Reason:    reason,
		Checksum:  checksum(data),
		Size:      int64(len(data)),
	}

	if err := os.WriteFile(filepath.Join(m.backupDir, id+".env"), data, 0o600); err != nil {
		return "", fmt.Errorf("configfile: write backup: %w", err)
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("configfile: marshal backup meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.backupDir, id+".json"), raw, 0o600); err != nil {
		return "", fmt.Errorf("configfile: write backup meta: %w", err)
	}
	return id, nil
}

// Backups lists available backups, newest first.
func (m *Manager) Backups() ([]BackupMeta, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return nil, fmt.Errorf("configfile: list backups: %w", err)
	}
	var out []BackupMeta
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(m.backupDir, e.Name()))
		if err != nil {
			continue
		}
		var meta BackupMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			m.log.Warn("skipping unreadable backup metadata", "file", e.Name())
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// VerifyBackup re-hashes the backup copy against its recorded checksum.
func (m *Manager) VerifyBackup(id string) error {
	meta, err := m.backupMeta(id)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(m.backupDir, id+".env"))
	if err != nil {
		return fault.Wrap(fault.KindIntegrity, "backup copy missing", err)
	}
	if got := checksum(data); got != meta.Checksum {
		return fault.New(fault.KindIntegrity,
			fmt.Sprintf("backup %s corrupt: checksum %s, recorded %s", id, got, meta.Checksum))
	}
	if int64(len(data)) != meta.Size {
		return fault.New(fault.KindIntegrity,
			fmt.Sprintf("backup %s corrupt: size %d, recorded %d", id, len(data), meta.Size))
	}
	return nil
}

func (m *Manager) backupMeta(id string) (*BackupMeta, error) {
	raw, err := os.ReadFile(filepath.Join(m.backupDir, id+".json"))
	if err != nil {
		return nil, fmt.Errorf("configfile: backup %s not found: %w", id, err)
	}
	var meta BackupMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fault.Wrap(fault.KindIntegrity, "backup metadata corrupt", err)
	}
	return &meta, nil
}

// CleanupBackups keeps the newest keep backups and removes the rest.
// Returns how many were removed.
func (m *Manager) CleanupBackups(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	backups, err := m.Backups()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, meta := range backups[minInt(keep, len(backups)):] {
		os.Remove(filepath.Join(m.backupDir, meta.ID+".env"))
		os.Remove(filepath.Join(m.backupDir, meta.ID+".json"))
		removed++
	}
	return removed, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
