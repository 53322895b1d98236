// Package roles computes a member's effective authority for a target.
// It is the single source of truth for authorization decisions; no other
// package re-derives role logic.
package roles

import "subline/internal/domain"

var rank = map[domain.Role]int{
	domain.RoleOwner:       4,
	domain.RoleAdmin:       3,
	domain.RoleManager:     2,
	domain.RoleContributor: 1,
	domain.RoleOutsider:    0,
}

var ordered = []domain.Role{
	domain.RoleOwner,
	domain.RoleAdmin,
	domain.RoleManager,
	domain.RoleContributor,
	domain.RoleOutsider,
}

// Rank returns the position of a role in the total order. Unknown roles
// rank as Outsider.
func Rank(r domain.Role) int {
	return rank[r]
}

// AtLeast reports whether role a carries at least the authority of b.
func AtLeast(a, b domain.Role) bool {
	return rank[a] >= rank[b]
}

// AtOrAbove returns every role with authority >= r, highest first.
func AtOrAbove(r domain.Role) []domain.Role {
	var res []domain.Role
	for _, role := range ordered {
		if rank[role] >= rank[r] {
			res = append(res, role)
		}
	}
	return res
}

// AtOrBelow returns every role with authority <= r, highest first.
func AtOrBelow(r domain.Role) []domain.Role {
	var res []domain.Role
	for _, role := range ordered {
		if rank[role] <= rank[r] {
			res = append(res, role)
		}
	}
	return res
}

// EffectiveRole resolves a member's authority for a (project, language)
// target. A nil member is an outsider. Narrowings only ever restrict:
// when any narrowing exists, the member acts as a plain contributor for
// every target outside the narrowed sets. The caller must normalize the
// team's default project to an empty projectID before calling; the
// default project counts as "no project" and therefore never matches a
// project narrowing.
func EffectiveRole(m *domain.Member, projectID, language string) domain.Role {
	if m == nil {
		return domain.RoleOutsider
	}
	if len(m.Narrowings) == 0 {
		return m.Role
	}
	var projectNarrowings, languageNarrowings []string
	for _, n := range m.Narrowings {
		if n.ProjectID != "" {
			projectNarrowings = append(projectNarrowings, n.ProjectID)
		}
		if n.Language != "" {
			languageNarrowings = append(languageNarrowings, n.Language)
		}
	}
	if len(projectNarrowings) > 0 && !contains(projectNarrowings, projectID) {
		return domain.RoleContributor
	}
	if len(languageNarrowings) > 0 && !contains(languageNarrowings, language) {
		return domain.RoleContributor
	}
	return m.Role
}

func contains(set []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
