package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dantte-lp/gofasten/internal/openprotocol"
)

// -------------------------------------------------------------------------
// Pset Store: persisted parameter-set table
// -------------------------------------------------------------------------

// PsetStore persists the parameter-set table as a per-controller JSON
// file: an object keyed by 3-digit pset id. The filename derives from
// the sanitized controller name, so two controllers with different names
// never share a file.
type PsetStore struct {
	log  *slog.Logger
	path string
}

// NewPsetStore creates a store rooted at dir for the named controller.
// An empty dir disables persistence.
func NewPsetStore(log *slog.Logger, dir, controllerName string) *PsetStore {
	s := &PsetStore{log: log}
	if dir != "" {
		s.path = filepath.Join(dir, PsetFileName(controllerName))
	}
	return s
}

// Path returns the backing file path, empty when persistence is disabled.
func (s *PsetStore) Path() string {
	return s.path
}

// PsetFileName derives the parameter file name from a controller name.
// Characters outside [A-Za-z0-9_-] become underscores.
func PsetFileName(controllerName string) string {
	return "pset_parameters_" + sanitizeName(controllerName) + ".json"
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Load reads the persisted table into dst. A missing file is not an
// error; the table keeps its defaults. Unknown ids and invalid blocks in
// the file are skipped with a log entry.
func (s *PsetStore) Load(dst *openprotocol.PsetTable) error {
	if s.path == "" {
		return nil
	}

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Debug("no persisted pset file", slog.String("path", s.path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("read pset file %s: %w", s.path, err)
	}

	var m map[string]openprotocol.PsetParams
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("parse pset file %s: %w", s.path, err)
	}

	if skipped := dst.Load(m); len(skipped) > 0 {
		s.log.Warn("skipped invalid pset entries",
			slog.String("path", s.path),
			slog.Any("ids", skipped))
	}
	s.log.Info("loaded pset parameters",
		slog.String("path", s.path),
		slog.Int("entries", len(m)))
	return nil
}

// Save writes the full table to disk atomically: write to a temp file in
// the same directory, then rename over the target.
func (s *PsetStore) Save(src *openprotocol.PsetTable) error {
	if s.path == "" {
		return nil
	}

	raw, err := json.MarshalIndent(src.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pset table: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write pset file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace pset file %s: %w", s.path, err)
	}

	s.log.Debug("saved pset parameters", slog.String("path", s.path))
	return nil
}
