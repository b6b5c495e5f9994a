// Package registry provides the startup-validated resource registry.
//
// Every durable resource the sync engine manages (courses, quizzes,
// schedules, behavior records, ...) must be declared here before the
// store opens. The registry maps a resource name to its schema: the
// remote endpoint it syncs against, how long a cached copy stays fresh,
// and the default priority of its queued mutations.
//
// Unknown resource names are a configuration error surfaced at lookup
// time, never a deep runtime failure inside the storage layer.
package registry

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrUnknownResource is returned when a resource name was never registered.
var ErrUnknownResource = errors.New("unknown resource")

// nameRE constrains resource names so they are safe to embed in table names.
var nameRE = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

var validate = validator.New()

// Resource describes one named category of durable, syncable data.
type Resource struct {
	// Name identifies the resource; it doubles as the durable table suffix.
	Name string `yaml:"name" validate:"required"`

	// Endpoint is the server collection path, e.g. "/courses".
	Endpoint string `yaml:"endpoint" validate:"required,startswith=/"`

	// CacheStale is how old a full local copy may get before loadAll
	// refreshes it from the server. Zero means always refresh when online.
	CacheStale time.Duration `yaml:"cache_stale"`

	// Priority is the default mutation priority for this resource:
	// critical, high, medium (default) or low.
	Priority string `yaml:"priority" validate:"omitempty,oneof=critical high medium low"`
}

// UnmarshalYAML decodes a resource entry, parsing cache_stale from a
// duration string ("15m", "1h").
func (r *Resource) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		Name       string `yaml:"name"`
		Endpoint   string `yaml:"endpoint"`
		CacheStale string `yaml:"cache_stale"`
		Priority   string `yaml:"priority"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}

	r.Name = aux.Name
	r.Endpoint = aux.Endpoint
	r.Priority = aux.Priority
	if aux.CacheStale != "" {
		d, err := time.ParseDuration(aux.CacheStale)
		if err != nil {
			return fmt.Errorf("invalid cache_stale for resource %q: %w", aux.Name, err)
		}
		r.CacheStale = d
	}
	return nil
}

// TableName returns the durable table backing this resource.
func (r Resource) TableName() string {
	return "res_" + r.Name
}

// ItemEndpoint returns the server path for a single record of this resource.
func (r Resource) ItemEndpoint(id string) string {
	return strings.TrimRight(r.Endpoint, "/") + "/" + id
}

// Validate checks the resource schema for configuration errors.
func (r Resource) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid resource %q: %w", r.Name, err)
	}
	if !nameRE.MatchString(r.Name) {
		return fmt.Errorf("invalid resource name %q: must match %s", r.Name, nameRE)
	}
	if r.CacheStale < 0 {
		return fmt.Errorf("invalid resource %q: cache_stale must not be negative", r.Name)
	}
	return nil
}

// Registry holds the validated set of resources for this deployment.
type Registry struct {
	mu        sync.RWMutex
	resources map[string]Resource
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{resources: make(map[string]Resource)}
}

// Register validates and adds a resource. Registering the same name twice
// is a configuration error.
func (reg *Registry) Register(r Resource) error {
	if err := r.Validate(); err != nil {
		return err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.resources[r.Name]; exists {
		return fmt.Errorf("resource %q registered twice", r.Name)
	}
	reg.resources[r.Name] = r
	return nil
}

// Get looks up a resource by name.
//
// Returns ErrUnknownResource for names that were never registered; callers
// should treat this as a configuration error, not retry it.
func (reg *Registry) Get(name string) (Resource, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	r, ok := reg.resources[name]
	if !ok {
		return Resource{}, fmt.Errorf("%w: %q", ErrUnknownResource, name)
	}
	return r, nil
}

// All returns every registered resource, sorted by name.
func (reg *Registry) All() []Resource {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	out := make([]Resource, 0, len(reg.resources))
	for _, r := range reg.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered resources.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.resources)
}

// registryFile is the on-disk YAML layout for Load.
type registryFile struct {
	Resources []Resource `yaml:"resources"`
}

// Load reads a registry from a YAML file.
//
// The file lists resources under a top-level "resources" key:
//
//	resources:
//	  - name: courses
//	    endpoint: /courses
//	    cache_stale: 15m
//	  - name: quizzes
//	    endpoint: /quizzes
//	    priority: high
//
// Every entry is validated; the first invalid entry fails the whole load
// so misconfiguration is caught at startup.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file %s: %w", path, err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse registry file %s: %w", path, err)
	}
	if len(file.Resources) == 0 {
		return nil, fmt.Errorf("registry file %s declares no resources", path)
	}

	reg := New()
	for _, r := range file.Resources {
		if err := reg.Register(r); err != nil {
			return nil, fmt.Errorf("registry file %s: %w", path, err)
		}
	}
	return reg, nil
}
