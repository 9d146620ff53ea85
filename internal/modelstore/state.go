package modelstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrStateNotFound is returned when state.json is missing.
var ErrStateNotFound = errors.New("model state not found")

// State records what was downloaded into a model directory.
type State struct {
	Repo         string       `json:"repo"`
	Revision     string       `json:"revision"`
	Endpoint     string       `json:"endpoint,omitempty"`
	DownloadedAt time.Time    `json:"downloaded_at"`
	Files        []FileRecord `json:"files"`
}

// FileRecord is one fetched file with its size and digest.
type FileRecord struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

func stateFilePath(dir string) string {
	return filepath.Join(dir, "state.json")
}

// LoadState reads <dir>/state.json.
func LoadState(dir string) (State, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return State{}, errors.New("dir is empty")
	}

	data, err := os.ReadFile(stateFilePath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, ErrStateNotFound
		}
		return State{}, fmt.Errorf("read model state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("decode model state: %w", err)
	}
	return state, nil
}

// SaveState writes <dir>/state.json atomically.
func SaveState(dir string, state State) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return errors.New("dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode model state: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "state.json.tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmpFile.Chmod(0o644); err != nil {
		tmpFile.Close()
		return fmt.Errorf("chmod temp state file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), stateFilePath(dir)); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
