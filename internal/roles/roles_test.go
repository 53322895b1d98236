package roles_test

import (
	"testing"

	"subline/internal/domain"
	"subline/internal/roles"
)

func member(role domain.Role, narrowings ...domain.Narrowing) *domain.Member {
	return &domain.Member{TeamID: "t1", UserID: "u1", Role: role, Narrowings: narrowings}
}

func TestNilMemberIsOutsider(t *testing.T) {
	if got := roles.EffectiveRole(nil, "p1", "en"); got != domain.RoleOutsider {
		t.Fatalf("got %s", got)
	}
}

func TestNoNarrowingsKeepsStoredRole(t *testing.T) {
	if got := roles.EffectiveRole(member(domain.RoleManager), "p1", "en"); got != domain.RoleManager {
		t.Fatalf("got %s", got)
	}
}

func TestProjectNarrowingDemotesOutside(t *testing.T) {
	m := member(domain.RoleManager, domain.Narrowing{ProjectID: "p1"})
	if got := roles.EffectiveRole(m, "p1", "en"); got != domain.RoleManager {
		t.Fatalf("inside narrowed project: got %s", got)
	}
	if got := roles.EffectiveRole(m, "p2", "en"); got != domain.RoleContributor {
		t.Fatalf("outside narrowed project: got %s", got)
	}
	// The default project normalizes to an empty id and never matches.
	if got := roles.EffectiveRole(m, "", "en"); got != domain.RoleContributor {
		t.Fatalf("default project: got %s", got)
	}
}

func TestLanguageNarrowingDemotesOutside(t *testing.T) {
	m := member(domain.RoleAdmin, domain.Narrowing{Language: "fr"})
	if got := roles.EffectiveRole(m, "", "fr"); got != domain.RoleAdmin {
		t.Fatalf("inside narrowed language: got %s", got)
	}
	if got := roles.EffectiveRole(m, "", "en"); got != domain.RoleContributor {
		t.Fatalf("outside narrowed language: got %s", got)
	}
}

func TestMixedNarrowingsRequireBothMatches(t *testing.T) {
	m := member(domain.RoleManager,
		domain.Narrowing{ProjectID: "p1"},
		domain.Narrowing{Language: "fr"},
	)
	if got := roles.EffectiveRole(m, "p1", "fr"); got != domain.RoleManager {
		t.Fatalf("both matched: got %s", got)
	}
	if got := roles.EffectiveRole(m, "p1", "en"); got != domain.RoleContributor {
		t.Fatalf("language miss: got %s", got)
	}
	if got := roles.EffectiveRole(m, "p2", "fr"); got != domain.RoleContributor {
		t.Fatalf("project miss: got %s", got)
	}
}

func TestNarrowingNeverElevates(t *testing.T) {
	m := member(domain.RoleContributor, domain.Narrowing{ProjectID: "p1"})
	if got := roles.EffectiveRole(m, "p1", "en"); got != domain.RoleContributor {
		t.Fatalf("got %s", got)
	}
}

func TestAtLeastOrdering(t *testing.T) {
	if !roles.AtLeast(domain.RoleOwner, domain.RoleAdmin) {
		t.Fatal("owner should outrank admin")
	}
	if roles.AtLeast(domain.RoleContributor, domain.RoleManager) {
		t.Fatal("contributor should not outrank manager")
	}
	if roles.AtLeast(domain.Role("bogus"), domain.RoleContributor) {
		t.Fatal("unknown roles rank as outsider")
	}
}
