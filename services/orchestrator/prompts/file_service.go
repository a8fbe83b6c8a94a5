// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package prompts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// promptFile is the on-disk YAML shape: one file per agent identity.
//
// Example (CODE_CHANGES_AGENT.yaml):
//
//	prompts:
//	  - type: SYSTEM
//	    text: "You are a code change analysis assistant..."
//	  - type: HUMAN
//	    text: "{{.input}}"
type promptFile struct {
	Prompts []Prompt `yaml:"prompts"`
}

// FileService resolves prompts from YAML files in a directory.
//
// Description:
//
//	Each agent identity maps to "<dir>/<agentID>.yaml". Files are parsed
//	on first request and kept in memory; an fsnotify watcher invalidates
//	a file's entry when it changes on disk, so edits take effect without
//	a restart. Intended for local deployments; hosted deployments put a
//	database-backed Service behind the same interface.
//
// Thread Safety: Safe for concurrent use.
type FileService struct {
	dir string

	mu     sync.RWMutex
	loaded map[string][]Prompt

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileService creates a FileService rooted at dir.
//
// Description:
//
//	Starts a watcher on dir; call Close to stop it. If the watcher
//	cannot be created the service still works, it just never invalidates
//	(a warning is logged).
//
// Inputs:
//
//	dir - Directory holding one YAML file per agent identity.
//
// Outputs:
//
//	*FileService - Ready for use.
//	error - If dir does not exist or is not a directory.
func NewFileService(dir string) (*FileService, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("prompt directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("prompt path %q is not a directory", dir)
	}

	s := &FileService{
		dir:    dir,
		loaded: make(map[string][]Prompt),
		done:   make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("prompt file watcher unavailable, hot reload disabled", "error", err)
		return s, nil
	}
	if err := watcher.Add(dir); err != nil {
		slog.Warn("failed to watch prompt directory, hot reload disabled",
			"dir", dir, "error", err)
		_ = watcher.Close()
		return s, nil
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

// GetPromptsByAgentIDAndTypes implements Service.
func (s *FileService) GetPromptsByAgentIDAndTypes(ctx context.Context, agentID string, types []Type) ([]Prompt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	all, err := s.load(agentID)
	if err != nil {
		return nil, err
	}

	wanted := make(map[Type]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	var out []Prompt
	for _, p := range all {
		if wanted[p.Type] {
			out = append(out, p)
		}
	}
	return out, nil
}

// Close stops the file watcher.
func (s *FileService) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	return s.watcher.Close()
}

// load returns the parsed prompts for agentID, reading the file on
// first use.
func (s *FileService) load(agentID string) ([]Prompt, error) {
	s.mu.RLock()
	cached, ok := s.loaded[agentID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	path := filepath.Join(s.dir, agentID+".yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrAgentUnknown, agentID)
		}
		return nil, fmt.Errorf("read prompt file: %w", err)
	}

	var pf promptFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("parse prompt file %s: %w", path, err)
	}

	s.mu.Lock()
	s.loaded[agentID] = pf.Prompts
	s.mu.Unlock()
	slog.Debug("prompt file loaded", "agent_id", agentID, "prompts", len(pf.Prompts))
	return pf.Prompts, nil
}

// watch invalidates in-memory entries when their files change.
func (s *FileService) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			base := filepath.Base(event.Name)
			agentID := strings.TrimSuffix(base, filepath.Ext(base))
			s.mu.Lock()
			delete(s.loaded, agentID)
			s.mu.Unlock()
			slog.Info("prompt file changed, entry invalidated", "agent_id", agentID)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("prompt file watcher error", "error", err)
		}
	}
}

// StaticService serves a fixed in-memory prompt set. Used in tests and
// for embedded defaults.
type StaticService struct {
	ByAgent map[string][]Prompt
}

// GetPromptsByAgentIDAndTypes implements Service.
func (s *StaticService) GetPromptsByAgentIDAndTypes(ctx context.Context, agentID string, types []Type) ([]Prompt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	all, ok := s.ByAgent[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentUnknown, agentID)
	}
	wanted := make(map[Type]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	var out []Prompt
	for _, p := range all {
		if wanted[p.Type] {
			out = append(out, p)
		}
	}
	return out, nil
}
