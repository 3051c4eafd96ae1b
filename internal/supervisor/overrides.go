package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const overridesFile = "runtime-overrides.json"

// Overrides is the operator-set runtime configuration the child consumes at
// spawn. Nil slices mean "no override, use defaults".
type Overrides struct {
	ClassesFilter []string `json:"classesFilter"`
}

// overrideStore persists overrides under the manager data directory with a
// temp-file + rename so a crash mid-write never leaves a torn file.
type overrideStore struct {
	path string
}

func newOverrideStore(dataDir string) *overrideStore {
	return &overrideStore{path: filepath.Join(dataDir, overridesFile)}
}

// Load returns the persisted overrides, or nil when none were ever saved.
func (s *overrideStore) Load() (*Overrides, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read overrides: %w", err)
	}
	var o Overrides
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parse overrides %s: %w", s.path, err)
	}
	return &o, nil
}

// Save writes the overrides atomically.
func (s *overrideStore) Save(o *Overrides) error {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), overridesFile+".tmp-*")
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
	return os.Rename(tmpName, s.path)
}
