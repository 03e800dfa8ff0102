package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const StateFileName = "state.yaml"

// State is what the agent remembers between restarts.
type State struct {
	AgentID   string    `yaml:"agent_id"`
	Server    string    `yaml:"server"`
	CreatedAt time.Time `yaml:"created_at"`
}

func StatePath(dir string) string {
	return filepath.Join(dir, StateFileName)
}

// LoadState reads the state file in dir. A missing file is reported with an
// error wrapping fs.ErrNotExist.
func LoadState(ctx context.Context, dir string) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	path := StatePath(dir)
	raw, err := os.ReadFile(path)
	if err != nil {
		return State{}, fmt.Errorf("read state %q: %w", path, err)
	}
	var st State
	if err := yaml.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("decode state %q: %w", path, err)
	}
	if st.AgentID == "" {
		return st, fmt.Errorf("state %q has no agent_id", path)
	}
	return st, nil
}

// EnsureState loads the state in dir, creating it with a fresh agent ID on
// first run. A changed server is recorded but the agent ID is kept.
func EnsureState(ctx context.Context, dir, server string, now time.Time) (State, error) {
	st, err := LoadState(ctx, dir)
	if errors.Is(err, fs.ErrNotExist) {
		st = State{AgentID: uuid.NewString(), Server: server, CreatedAt: now.UTC()}
		return st, writeState(dir, st)
	}
	if err != nil {
		return State{}, err
	}
	if st.Server == server {
		return st, nil
	}
	st.Server = server
	return st, writeState(dir, st)
}

// writeState replaces the state file atomically via a temp file in the same
// directory.
func writeState(dir string, st State) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir %q: %w", dir, err)
	}
	raw, err := yaml.Marshal(&st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tmp, err := os.CreateTemp(dir, StateFileName+".*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("chmod temp state: %w", err)
	}
	if err := os.Rename(tmp.Name(), StatePath(dir)); err != nil {
		return fmt.Errorf("replace state %q: %w", StatePath(dir), err)
	}
	return nil
}
