// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage provides the file-backed preferences store used to
// remember small facts across sessions, such as the last selected device.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	errs "github.com/soothill/circuitiq-sync/pkg/errors"
	"github.com/soothill/circuitiq-sync/pkg/logger"
	"github.com/soothill/circuitiq-sync/pkg/util"
)

const defaultPrefsFile = "/var/lib/circuitiq-sync/prefs.json"

// FilePrefs is a mutex-guarded key-value store persisted as one JSON file.
// Every Set and Delete rewrites the file; the value set is small (a handful
// of keys) so rewriting wholesale is simpler than anything incremental.
type FilePrefs struct {
	path string

	mu     sync.Mutex
	values map[string]string
}

// NewFilePrefs opens (or creates) the preferences file at path. An empty
// path falls back to the default location. A missing file is a valid empty
// store; a corrupt file is reset rather than surfaced, losing preferences
// is preferable to refusing to start.
func NewFilePrefs(path string) (*FilePrefs, error) {
	if path == "" {
		path = defaultPrefsFile
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errs.NewPrefsError("load", "", fmt.Errorf("failed to create preferences directory: %w", err))
	}

	p := &FilePrefs{
		path:   path,
		values: make(map[string]string),
	}

	data, err := util.ReadFileSafely(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errs.NewPrefsError("load", "", err)
		}
		return p, nil
	}

	if err := json.Unmarshal(data, &p.values); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Corrupt preferences file, starting empty")
		p.values = make(map[string]string)
	}
	return p, nil
}

// Get returns the value for key, or "" when absent.
func (p *FilePrefs) Get(key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[key]
}

// Set stores value under key and persists the store.
func (p *FilePrefs) Set(key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.values[key] = value
	if err := p.saveLocked(); err != nil {
		return errs.NewPrefsError("save", key, err)
	}
	return nil
}

// Delete removes key and persists the store. Deleting an absent key is a
// no-op.
func (p *FilePrefs) Delete(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.values[key]; !ok {
		return nil
	}
	delete(p.values, key)
	if err := p.saveLocked(); err != nil {
		return errs.NewPrefsError("save", key, err)
	}
	return nil
}

// saveLocked writes the store atomically: marshal, write to a temp file in
// the same directory, rename over the target. Callers must hold p.mu.
func (p *FilePrefs) saveLocked() error {
	data, err := json.MarshalIndent(p.values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p.path), ".prefs-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, p.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace preferences file: %w", err)
	}

	logger.Debug().Str("path", p.path).Int("keys", len(p.values)).Msg("Preferences saved")
	return nil
}
