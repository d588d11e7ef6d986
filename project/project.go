// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package project resolves project identifiers to working directories
// and enumerates the projects available for interactive listings. The
// catalog is a YAML manifest loaded once at startup, so resolution is
// deterministic for the process lifetime.
package project

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrNotFound reports an unknown project identifier.
var ErrNotFound = errors.New("project not found")

// Project is one catalog entry.
type Project struct {
	// ID is the stable identifier users address the project by.
	ID string `yaml:"id"`

	// Title is a short display name for interactive listings.
	Title string `yaml:"title"`

	// Description is an optional one-line summary for listings.
	Description string `yaml:"description,omitempty"`

	// Path is the project's working directory.
	Path string `yaml:"path"`
}

// Catalog is the set of known projects, in manifest order.
type Catalog struct {
	projects []Project
	byID     map[string]Project
}

// manifest is the on-disk shape of the catalog file.
type manifest struct {
	Projects []Project `yaml:"projects"`
}

// Load reads and validates a catalog manifest. Every entry needs a
// unique id and an existing directory — a manifest pointing at a
// missing checkout is a deployment mistake better caught at startup
// than at first open.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading project catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a Catalog from manifest bytes.
func Parse(data []byte) (*Catalog, error) {
	var parsed manifest
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parsing project catalog: %w", err)
	}

	catalog := &Catalog{byID: make(map[string]Project, len(parsed.Projects))}
	for i, entry := range parsed.Projects {
		if entry.ID == "" {
			return nil, fmt.Errorf("project %d: missing id", i)
		}
		if entry.Path == "" {
			return nil, fmt.Errorf("project %q: missing path", entry.ID)
		}
		if _, exists := catalog.byID[entry.ID]; exists {
			return nil, fmt.Errorf("project %q: duplicate id", entry.ID)
		}
		info, err := os.Stat(entry.Path)
		if err != nil {
			return nil, fmt.Errorf("project %q: %w", entry.ID, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("project %q: %s is not a directory", entry.ID, entry.Path)
		}
		if entry.Title == "" {
			entry.Title = entry.ID
		}
		catalog.projects = append(catalog.projects, entry)
		catalog.byID[entry.ID] = entry
	}
	return catalog, nil
}

// Resolve returns the project for id, or ErrNotFound.
func (c *Catalog) Resolve(id string) (Project, error) {
	entry, ok := c.byID[id]
	if !ok {
		return Project{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return entry, nil
}

// ListAvailable returns all projects in manifest order.
func (c *Catalog) ListAvailable() []Project {
	out := make([]Project, len(c.projects))
	copy(out, c.projects)
	return out
}
