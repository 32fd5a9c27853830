package user

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var ErrInvalidInput = errors.New("invalid input")

// MemoryDirectory is an in-process Directory. The server seeds it from a YAML
// file when the platform's user service is not reachable from this process.
type MemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[ID]Profile
}

func NewMemoryDirectory(profiles ...Profile) *MemoryDirectory {
	d := &MemoryDirectory{profiles: make(map[ID]Profile, len(profiles))}
	for _, p := range profiles {
		_ = d.Put(p)
	}
	return d
}

func (d *MemoryDirectory) Lookup(_ context.Context, id ID) (Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[strings.TrimSpace(id)]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

// Put adds or replaces a profile.
func (d *MemoryDirectory) Put(p Profile) error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return ErrInvalidInput
	}
	if strings.TrimSpace(p.DisplayName) == "" {
		p.DisplayName = p.ID
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.ID] = p
	return nil
}

// Remove deletes a profile; later lookups report ErrNotFound.
func (d *MemoryDirectory) Remove(id ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.profiles, id)
}

func (d *MemoryDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.profiles)
}

type directoryFile struct {
	Users []Profile `yaml:"users"`
}

// LoadDirectoryFile reads a YAML document of the form
//
//	users:
//	  - id: s1
//	    display_name: Sam
//	    role: student
func LoadDirectoryFile(path string) (*MemoryDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	return ParseDirectory(data)
}

func ParseDirectory(data []byte) (*MemoryDirectory, error) {
	var doc directoryFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse directory file: %w", err)
	}

	d := NewMemoryDirectory()
	for i, p := range doc.Users {
		if err := d.Put(p); err != nil {
			return nil, fmt.Errorf("directory entry %d: %w", i, err)
		}
	}
	return d, nil
}
