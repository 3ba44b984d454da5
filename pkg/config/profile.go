package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is one tenant's profile pack: message templates, policies, command
// mappings, and event projections. Packs are additive and read-only to Core;
// nothing in a pack can alter Core's envelopes or state machines.
type Profile struct {
	Tenant   string `yaml:"tenant"`
	Timezone string `yaml:"timezone"`

	// Templates maps template names (reminder_48h, reminder_24h, ...) to
	// message bodies.
	Templates map[string]string `yaml:"templates"`

	Policies Policies `yaml:"policies"`

	// CommandMappings maps canonical command types to provider-specific
	// tool names for the Executor's gateway mode.
	CommandMappings map[string]string `yaml:"commandMappings"`

	EventProjections []EventProjection `yaml:"eventProjections"`
}

// Policies holds a tenant's numeric policy knobs.
type Policies struct {
	DepositAmount      float64 `yaml:"depositAmount"`
	MessageCapPer24h   int     `yaml:"messageCapPer24h"`
	ReminderOffsetsHrs []int   `yaml:"reminderOffsetsHours"`
}

// EventProjection names a derived read model a tenant wants fed from the
// event stream.
type EventProjection struct {
	Name       string   `yaml:"name"`
	EventTypes []string `yaml:"eventTypes"`
}

// Validate checks the pack's required fields.
func (p *Profile) Validate() error {
	if p.Tenant == "" {
		return fmt.Errorf("profile is missing tenant")
	}
	if p.Policies.DepositAmount < 0 {
		return fmt.Errorf("profile %s: depositAmount must not be negative", p.Tenant)
	}
	for _, proj := range p.EventProjections {
		if proj.Name == "" {
			return fmt.Errorf("profile %s: event projection is missing name", p.Tenant)
		}
	}
	return nil
}

// Template returns the named message template, or ok=false when the pack
// does not carry it.
func (p *Profile) Template(name string) (string, bool) {
	body, ok := p.Templates[name]
	return body, ok
}

// RenderTemplate substitutes {placeholder} references in a profile template.
// Unknown placeholders are left intact so a typo in a pack shows up in the
// rendered message instead of vanishing.
func RenderTemplate(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// ProfileRegistry holds all loaded profile packs keyed by tenant. It is
// immutable after load.
type ProfileRegistry struct {
	byTenant map[string]*Profile
}

// NewProfileRegistry builds a registry from in-memory profiles, for
// composition paths that do not load packs from disk.
func NewProfileRegistry(profiles ...*Profile) *ProfileRegistry {
	reg := &ProfileRegistry{byTenant: make(map[string]*Profile, len(profiles))}
	for _, p := range profiles {
		reg.byTenant[p.Tenant] = p
	}
	return reg
}

// ByTenant returns the tenant's pack, or ok=false when none is registered.
func (r *ProfileRegistry) ByTenant(tenant string) (*Profile, bool) {
	p, ok := r.byTenant[tenant]
	return p, ok
}

// Tenants returns the tenants with a registered pack.
func (r *ProfileRegistry) Tenants() []string {
	out := make([]string, 0, len(r.byTenant))
	for t := range r.byTenant {
		out = append(out, t)
	}
	return out
}

// LoadProfiles reads every .yaml/.yml file in dir as a profile pack,
// expanding {{.VAR}} environment references before parsing. An empty dir
// argument or a missing directory yields an empty registry; profiles are
// optional.
func LoadProfiles(dir string) (*ProfileRegistry, error) {
	reg := &ProfileRegistry{byTenant: make(map[string]*Profile)}
	if dir == "" {
		return reg, nil
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return reg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read profile directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read profile %s: %w", entry.Name(), err)
		}

		var p Profile
		if err := yaml.Unmarshal(ExpandEnv(data), &p); err != nil {
			return nil, fmt.Errorf("failed to parse profile %s: %w", entry.Name(), err)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("invalid profile %s: %w", entry.Name(), err)
		}
		if _, dup := reg.byTenant[p.Tenant]; dup {
			return nil, fmt.Errorf("duplicate profile for tenant %s in %s", p.Tenant, entry.Name())
		}
		reg.byTenant[p.Tenant] = &p
	}
	return reg, nil
}
