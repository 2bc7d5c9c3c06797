package changestate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// FileStore keeps baselines in a small JSON file, rewritten atomically on
// every change. A missing or malformed file is treated as "no prior state",
// never as a startup failure.
type FileStore struct {
	path   string
	logger zerolog.Logger
}

// NewFileStore constructs a file-backed state store.
func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	return &FileStore{path: path, logger: logger.With().Str("component", "state_file").Logger()}
}

// Load implements StateStore.
func (f *FileStore) Load() (map[string]DeviceState, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]DeviceState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file %s: %w", f.path, err)
	}

	var states map[string]DeviceState
	if err := json.Unmarshal(raw, &states); err != nil {
		f.logger.Warn().Err(err).Str("path", f.path).Msg("state file malformed; starting with no prior state")
		return map[string]DeviceState{}, nil
	}
	if states == nil {
		states = map[string]DeviceState{}
	}
	return states, nil
}

// Save implements StateStore. The file is written to a temp sibling and
// renamed so a crash mid-write never leaves a truncated state file behind.
func (f *FileStore) Save(states map[string]DeviceState) error {
	raw, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal change state: %w", err)
	}

	dir := filepath.Dir(f.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

var _ StateStore = (*FileStore)(nil)
