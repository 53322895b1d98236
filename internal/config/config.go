package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"subline/internal/domain"
)

// Settings models a team's settings document (subline.yml when imported
// or exported; stored as JSON in the team_settings table otherwise).
type Settings struct {
	Team struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name,omitempty" json:"name,omitempty"`
	} `yaml:"team" json:"team"`
	Tasks struct {
		// Minimum effective role required for each mutating action.
		CreateRole domain.Role `yaml:"create_role" json:"create_role"`
		AssignRole domain.Role `yaml:"assign_role" json:"assign_role"`
		DeleteRole domain.Role `yaml:"delete_role" json:"delete_role"`
		// MaxPerMember caps open assignments per member; 0 means unlimited.
		MaxPerMember int `yaml:"max_per_member" json:"max_per_member"`
		// ExpirationDays is the assignment deadline window; 0 disables
		// expiration entirely.
		ExpirationDays int `yaml:"expiration_days" json:"expiration_days"`
	} `yaml:"tasks" json:"tasks"`
	// PreferredLanguages is the ordered list of languages the team wants
	// completed for every content item; it drives translate fan-out.
	PreferredLanguages []string `yaml:"preferred_languages" json:"preferred_languages"`
	// Webhooks receive the team's audit events over HTTP.
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Default returns the settings a freshly created team starts with.
func Default(teamID string) *Settings {
	s := &Settings{}
	s.Team.ID = teamID
	s.Tasks.CreateRole = domain.RoleManager
	s.Tasks.AssignRole = domain.RoleManager
	s.Tasks.DeleteRole = domain.RoleAdmin
	s.Tasks.MaxPerMember = 0
	s.Tasks.ExpirationDays = 14
	return s
}

var roleThresholds = map[domain.Role]bool{
	domain.RoleOwner:       true,
	domain.RoleAdmin:       true,
	domain.RoleManager:     true,
	domain.RoleContributor: true,
}

// Validate ensures the settings document is internally consistent.
func (s *Settings) Validate() error {
	if s.Team.ID == "" {
		return fmt.Errorf("settings.team.id is required")
	}
	for name, role := range map[string]domain.Role{
		"create_role": s.Tasks.CreateRole,
		"assign_role": s.Tasks.AssignRole,
		"delete_role": s.Tasks.DeleteRole,
	} {
		if !roleThresholds[role] {
			return fmt.Errorf("settings.tasks.%s has unknown role %q", name, role)
		}
	}
	if s.Tasks.MaxPerMember < 0 {
		return fmt.Errorf("settings.tasks.max_per_member must be >= 0")
	}
	if s.Tasks.ExpirationDays < 0 {
		return fmt.Errorf("settings.tasks.expiration_days must be >= 0")
	}
	seen := map[string]bool{}
	for _, lang := range s.PreferredLanguages {
		if lang == "" {
			return fmt.Errorf("settings.preferred_languages contains empty code")
		}
		if seen[lang] {
			return fmt.Errorf("settings.preferred_languages lists %s twice", lang)
		}
		seen[lang] = true
	}
	for i, hook := range s.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("settings.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("settings.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// FromYAML parses and validates a settings document.
func FromYAML(data []byte) (*Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile reads a settings YAML file from disk.
func LoadFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("settings %s not found; import with subline team settings import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML renders the settings document for export.
func (s *Settings) ToYAML() ([]byte, error) {
	return yaml.Marshal(s)
}
