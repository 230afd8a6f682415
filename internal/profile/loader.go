package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ErrNoProfiles is returned by LoadDir when the directory holds no
// profile documents.
var ErrNoProfiles = errors.New("no profile documents found")

// Import deserializes a profile document from bytes. YAML is the
// canonical format; JSON is accepted as a fallback.
func Import(data []byte) (*Profile, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty profile data")
	}

	// Detect format from the first non-whitespace character
	isJSON := false
	for _, b := range data {
		if b == ' ' || b == '\t' || b == '\n' || b == '\r' {
			continue
		}
		isJSON = b == '{' || b == '['
		break
	}

	var p Profile
	if isJSON {
		if err := json.Unmarshal(data, &p); err != nil {
			if yamlErr := yaml.Unmarshal(data, &p); yamlErr != nil {
				return nil, fmt.Errorf("failed to parse as JSON (%v) or YAML (%v)", err, yamlErr)
			}
		}
	} else {
		if err := yaml.Unmarshal(data, &p); err != nil {
			if jsonErr := json.Unmarshal(data, &p); jsonErr != nil {
				return nil, fmt.Errorf("failed to parse as YAML (%v) or JSON (%v)", err, jsonErr)
			}
		}
	}

	return &p, nil
}

// ImportFromFile loads, migrates, validates and normalizes one profile
// document.
func ImportFromFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile file: %w", err)
	}

	p, err := Import(data)
	if err != nil {
		return nil, err
	}

	if err := CheckCompatibility(p); err != nil {
		return nil, err
	}
	if err := Migrate(p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.Normalize()

	return p, nil
}

// LoadDir loads every *.yaml / *.yml / *.json profile document in dir,
// sorted by file name. Any invalid document fails the whole load; a
// half-applied profile set silently narrows what gets scanned.
func LoadDir(dir string) ([]*Profile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml", ".json":
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoProfiles, dir)
	}

	profiles := make([]*Profile, 0, len(files))
	byUser := make(map[string]string, len(files))
	for _, name := range files {
		path := filepath.Join(dir, name)
		p, err := ImportFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", name, err)
		}
		if prev, ok := byUser[p.UserID]; ok {
			return nil, fmt.Errorf("profile %s: duplicate user_id %q (already defined in %s)", name, p.UserID, prev)
		}
		byUser[p.UserID] = name
		profiles = append(profiles, p)
	}

	return profiles, nil
}

// DirSource re-reads a profiles directory on demand, keeping the last
// good set so a bad edit degrades to stale profiles instead of an empty
// scan. An empty or missing directory yields the built-in default.
type DirSource struct {
	dir string

	mu       sync.Mutex
	lastGood []*Profile
}

// NewDirSource creates a source over the given directory.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// Load returns the current profile set.
func (s *DirSource) Load(ctx context.Context) ([]*Profile, error) {
	profiles, err := LoadDir(s.dir)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case err == nil:
		s.lastGood = profiles
		return profiles, nil

	case errors.Is(err, ErrNoProfiles) || errors.Is(err, os.ErrNotExist):
		log.Debug().
			Str("dir", s.dir).
			Msg("No profile documents, using built-in default")
		return []*Profile{Default()}, nil

	case s.lastGood != nil:
		log.Warn().
			Err(err).
			Str("dir", s.dir).
			Msg("Profile reload failed, keeping last good set")
		return s.lastGood, nil

	default:
		return nil, err
	}
}
