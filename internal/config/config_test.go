package config_test

import (
	"strings"
	"testing"

	"subline/internal/config"
	"subline/internal/domain"
)

const doc = `
team:
  id: t1
  name: studio
tasks:
  create_role: manager
  assign_role: manager
  delete_role: admin
  max_per_member: 3
  expiration_days: 7
preferred_languages: [en, fr, de]
webhooks:
  - url: https://example.com/hook
    secret: s3cret
    events: [task.completed, version.published]
`

func TestFromYAML(t *testing.T) {
	s, err := config.FromYAML([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Team.ID != "t1" || s.Tasks.MaxPerMember != 3 || s.Tasks.ExpirationDays != 7 {
		t.Fatalf("unexpected settings: %+v", s)
	}
	if s.Tasks.CreateRole != domain.RoleManager {
		t.Fatalf("create role: %s", s.Tasks.CreateRole)
	}
	if len(s.PreferredLanguages) != 3 || s.PreferredLanguages[1] != "fr" {
		t.Fatalf("preferred languages: %v", s.PreferredLanguages)
	}
	if len(s.Webhooks) != 1 || s.Webhooks[0].URL != "https://example.com/hook" {
		t.Fatalf("webhooks: %+v", s.Webhooks)
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Settings)
		want   string
	}{
		{"missing team id", func(s *config.Settings) { s.Team.ID = "" }, "team.id"},
		{"unknown role", func(s *config.Settings) { s.Tasks.CreateRole = "boss" }, "create_role"},
		{"negative cap", func(s *config.Settings) { s.Tasks.MaxPerMember = -1 }, "max_per_member"},
		{"negative expiry", func(s *config.Settings) { s.Tasks.ExpirationDays = -1 }, "expiration_days"},
		{"duplicate language", func(s *config.Settings) { s.PreferredLanguages = []string{"en", "en"} }, "twice"},
		{"empty language", func(s *config.Settings) { s.PreferredLanguages = []string{""} }, "empty"},
		{"webhook without url", func(s *config.Settings) {
			s.Webhooks = []config.WebhookConfig{{URL: ""}}
		}, "url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := config.Default("t1")
			tc.mutate(s)
			err := s.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	s := config.Default("t1")
	s.PreferredLanguages = []string{"en", "ja"}
	data, err := s.ToYAML()
	if err != nil {
		t.Fatal(err)
	}
	back, err := config.FromYAML(data)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if back.Tasks.ExpirationDays != s.Tasks.ExpirationDays || len(back.PreferredLanguages) != 2 {
		t.Fatalf("round trip drifted: %+v", back)
	}
}
