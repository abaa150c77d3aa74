package flushmanager

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

const registryFileName = "files.yaml"

// fileRegistry is the persisted list of data files of one write cache.
type fileRegistry struct {
	StorageID  uint32          `yaml:"storage_id"`
	NextFileID uint32          `yaml:"next_file_id"`
	Files      []registryEntry `yaml:"files"`
}

type registryEntry struct {
	Name string `yaml:"name"`
	ID   uint32 `yaml:"id"`
}

// loadRegistry reads the registry in dir. A missing file yields an empty
// registry for storageID.
func loadRegistry(dir string, storageID uint32) (*fileRegistry, error) {
	path := filepath.Join(dir, registryFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &fileRegistry{StorageID: storageID, NextFileID: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file registry %s: %w", path, err)
	}
	var reg fileRegistry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse file registry %s: %w", path, err)
	}
	if reg.StorageID != storageID {
		return nil, fmt.Errorf("%w: registry has %d, expected %d", ErrStorageIDMismatch, reg.StorageID, storageID)
	}
	if reg.NextFileID == 0 {
		reg.NextFileID = 1
	}
	return &reg, nil
}

// save writes the registry through a temporary file so a crash never leaves a
// partial registry behind.
func (r *fileRegistry) save(dir string) error {
	sort.Slice(r.Files, func(i, j int) bool { return r.Files[i].ID < r.Files[j].ID })
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode file registry: %w", err)
	}
	path := filepath.Join(dir, registryFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file registry %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace file registry %s: %w", path, err)
	}
	return nil
}
