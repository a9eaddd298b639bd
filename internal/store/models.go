package store

import (
	"encoding/json"
	"fmt"
)

// SnapshotVersion tags exported snapshots so future format changes can be
// detected instead of best-effort parsed.
const SnapshotVersion = 1

// Snapshot is a whole-store export: every namespace with its raw values.
// Values are opaque bytes and round-trip through JSON as base64.
type Snapshot struct {
	Version    int                          `json:"version"`
	Namespaces map[string]map[string][]byte `json:"namespaces"`
}

// Validate checks the snapshot shape before it is applied.
func (s *Snapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil snapshot", ErrInvalidFormat)
	}
	if s.Version != SnapshotVersion {
		return fmt.Errorf("%w: unsupported snapshot version %d", ErrInvalidFormat, s.Version)
	}
	if s.Namespaces == nil {
		return fmt.Errorf("%w: missing namespaces", ErrInvalidFormat)
	}
	for ns := range s.Namespaces {
		if !validNamespace(ns) {
			return fmt.Errorf("%w: unknown namespace %q", ErrInvalidFormat, ns)
		}
	}
	return nil
}

// ParseSnapshot decodes snapshot JSON and validates it.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}

func validNamespace(ns string) bool {
	for _, known := range Namespaces {
		if ns == known {
			return true
		}
	}
	return false
}
