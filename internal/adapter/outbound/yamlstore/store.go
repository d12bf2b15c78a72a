// Package yamlstore is a file-seeded ConfigStore for local and development
// use: the entire multi-project upstream catalog is loaded once, from a
// single YAML document, into memory. There is no provisioning API — editing
// the file and restarting is the workflow, the same bootstrap idiom the
// file-based auth configuration uses for identities and API keys.
package yamlstore

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mcpmux/mcpmux/internal/domain/toolfilter"
	"github.com/mcpmux/mcpmux/internal/domain/upstream"
	"github.com/mcpmux/mcpmux/internal/port/outbound"
)

// Document is the top-level shape of the YAML configuration file.
type Document struct {
	Projects []ProjectConfig `yaml:"projects"`
}

// ProjectConfig lists every upstream and tool preference for one project.
type ProjectConfig struct {
	ID        string           `yaml:"id"`
	Upstreams []UpstreamConfig `yaml:"upstreams"`
	Tools     []ToolConfig     `yaml:"tools"`
}

// UpstreamConfig is the YAML shape of one upstream.Def.
type UpstreamConfig struct {
	ServerName     string            `yaml:"server_name"`
	Transport      string            `yaml:"transport"`
	Command        string            `yaml:"command,omitempty"`
	Args           []string          `yaml:"args,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	URL            string            `yaml:"url,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	TimeoutSeconds int               `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool             `yaml:"enabled,omitempty"`
	JWTRequired    bool              `yaml:"jwt_required,omitempty"`
}

// ToolConfig is the YAML shape of one outbound.ToolPreference, scoped to
// its enclosing project.
type ToolConfig struct {
	ServerName string `yaml:"server_name"`
	ToolName   string `yaml:"tool_name"`
	Enabled    bool   `yaml:"enabled"`
}

// Store is a ConfigStore whose contents are loaded once from a YAML file
// and held in memory for the life of the process.
type Store struct {
	mu        sync.RWMutex
	upstreams map[string][]upstream.Def          // project id -> defs
	tools     map[string][]outbound.ToolPreference // project id -> prefs
}

// Load reads and parses the YAML document at path.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return fromDocument(doc)
}

func fromDocument(doc Document) (*Store, error) {
	s := &Store{
		upstreams: make(map[string][]upstream.Def),
		tools:     make(map[string][]outbound.ToolPreference),
	}

	for _, proj := range doc.Projects {
		for _, u := range proj.Upstreams {
			enabled := true
			if u.Enabled != nil {
				enabled = *u.Enabled
			}
			def := upstream.Def{
				ProjectID:      proj.ID,
				ServerName:     u.ServerName,
				Transport:      upstream.TransportType(u.Transport),
				Command:        u.Command,
				Args:           u.Args,
				Env:            u.Env,
				URL:            u.URL,
				Headers:        u.Headers,
				TimeoutSeconds: u.TimeoutSeconds,
				Enabled:        enabled,
				JWTRequired:    u.JWTRequired,
			}
			if err := def.Validate(); err != nil {
				return nil, fmt.Errorf("project %q upstream %q: %w", proj.ID, u.ServerName, err)
			}
			s.upstreams[proj.ID] = append(s.upstreams[proj.ID], def)
		}
		for _, t := range proj.Tools {
			s.tools[proj.ID] = append(s.tools[proj.ID], outbound.ToolPreference{
				ProjectID:  proj.ID,
				ServerName: t.ServerName,
				ToolName:   t.ToolName,
				Enabled:    t.Enabled,
			})
		}
	}

	return s, nil
}

// ListUpstreams implements outbound.ConfigStore.
func (s *Store) ListUpstreams(ctx context.Context, projectID string) ([]upstream.Def, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := s.upstreams[projectID]
	out := make([]upstream.Def, len(defs))
	copy(out, defs)
	return out, nil
}

// GetUpstream implements outbound.ConfigStore.
func (s *Store) GetUpstream(ctx context.Context, projectID, serverName string) (upstream.Def, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, def := range s.upstreams[projectID] {
		if def.ServerName == serverName {
			return def, nil
		}
	}
	return upstream.Def{}, outbound.ErrUpstreamNotFound
}

// ListToolPreferences implements outbound.ConfigStore.
func (s *Store) ListToolPreferences(ctx context.Context, projectID string) ([]outbound.ToolPreference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefs := s.tools[projectID]
	out := make([]outbound.ToolPreference, len(prefs))
	copy(out, prefs)
	return out, nil
}

// IsEnabled implements toolfilter.Store directly against the same
// in-memory preferences ListToolPreferences reads.
func (s *Store) IsEnabled(ctx context.Context, projectID, serverName, toolName string) (enabled bool, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, pref := range s.tools[projectID] {
		if pref.ServerName == serverName && pref.ToolName == toolName {
			return pref.Enabled, true, nil
		}
	}
	return false, false, nil
}

var (
	_ outbound.ConfigStore = (*Store)(nil)
	_ toolfilter.Store     = (*Store)(nil)
)
