package database

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const snapshotVersion = 1

func DefaultSpoolDir() string {
	if v := strings.TrimSpace(os.Getenv("QUO_SPOOL_DIR")); v != "" {
		return v
	}
	return "spool"
}

// NewSnapshot stamps an empty snapshot with the format version and time.
func NewSnapshot(nodeToken string) *Snapshot {
	return &Snapshot{
		Version:   snapshotVersion,
		CreatedAt: time.Now(),
		NodeToken: nodeToken,
	}
}

// WriteSpoolArtifact writes a gzip-compressed JSON snapshot to disk atomically.
// It returns the final file path.
func WriteSpoolArtifact(dir string, snap *Snapshot) (string, error) {
	if snap == nil {
		return "", fmt.Errorf("snapshot is nil")
	}
	if dir == "" {
		dir = DefaultSpoolDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	checksum := snap.JobChecksum
	if checksum == "" {
		checksum = "nocsum"
	}
	node := strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(snap.NodeToken)
	if node == "" {
		node = "unknown"
	}
	name := fmt.Sprintf(
		"placement_%s_r%d_%s_%s.json.gz",
		node,
		snap.NodeRank,
		snap.CreatedAt.UTC().Format("20060102T150405Z"),
		checksum,
	)
	finalPath := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	gz := gzip.NewWriter(tmp)
	enc := json.NewEncoder(gz)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		_ = gz.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	ok = true
	return finalPath, nil
}

// ReadSpoolArtifact loads a snapshot written by WriteSpoolArtifact.
func ReadSpoolArtifact(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("spool artifact %s: %w", path, err)
	}
	defer gz.Close()

	var snap Snapshot
	if err := json.NewDecoder(gz).Decode(&snap); err != nil {
		return nil, fmt.Errorf("spool artifact %s: %w", path, err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("spool artifact %s: unsupported version %d", path, snap.Version)
	}
	return &snap, nil
}
