package stats

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	ReportFile = "report.txt"
	StatsFile  = "stats.json"
)

// ErrNoSnapshot is returned when an instance has not written stats yet.
var ErrNoSnapshot = errors.New("no stats snapshot found")

// Artifacts persists the latest report and snapshot.
type Artifacts interface {
	Write(snap Snapshot, report string) error
}

// FileArtifacts overwrites report.txt and stats.json in a directory.
type FileArtifacts struct {
	dir string
}

// NewFileArtifacts creates dir if needed.
func NewFileArtifacts(dir string) (*FileArtifacts, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create stats directory %s: %w", dir, err)
	}
	return &FileArtifacts{dir: dir}, nil
}

// Dir returns the artifact directory.
func (a *FileArtifacts) Dir() string { return a.dir }

// Write replaces both artifacts.
func (a *FileArtifacts) Write(snap Snapshot, report string) error {
	if err := writeAtomic(filepath.Join(a.dir, ReportFile), []byte(report)); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	return writeAtomic(filepath.Join(a.dir, StatsFile), data)
}

// LoadSnapshot reads the last snapshot written to dir.
func LoadSnapshot(dir string) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(dir, StatsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("read stats file: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse stats file: %w", err)
	}
	return &snap, nil
}

func writeAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// noopArtifacts discards everything.
type noopArtifacts struct{}

func (noopArtifacts) Write(Snapshot, string) error { return nil }
