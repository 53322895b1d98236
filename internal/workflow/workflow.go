// Package workflow resolves the single governing configuration for a
// target under the most-specific-wins rule: content item beats project
// beats team, with the team's workflow_enabled flag acting as a global
// kill switch. Resolution is pure and recomputed on every call so config
// changes and project moves take effect immediately.
package workflow

import "subline/internal/domain"

// Default is the all-disabled configuration used when nothing applies.
func Default(teamID string) domain.WorkflowConfig {
	return domain.WorkflowConfig{
		TeamID:             teamID,
		ReviewRequirement:  domain.RequireNone,
		ApproveRequirement: domain.RequireNone,
	}
}

// ForContentItem resolves the config governing one content item.
// project must be the item's current project; callers re-fetch it per
// call so items moved between projects re-resolve correctly.
func ForContentItem(team domain.Team, project domain.Project, itemID string, configs []domain.WorkflowConfig) domain.WorkflowConfig {
	if !team.WorkflowEnabled {
		return Default(team.ID)
	}
	for _, c := range configs {
		if c.ContentItemID == itemID && itemID != "" {
			return c
		}
	}
	if project.WorkflowEnabled {
		for _, c := range configs {
			if c.ProjectID == project.ID && project.ID != "" {
				return c
			}
		}
	}
	return ForTeam(team, configs)
}

// ForProject resolves the config governing a project-level target.
func ForProject(team domain.Team, project domain.Project, configs []domain.WorkflowConfig) domain.WorkflowConfig {
	if !team.WorkflowEnabled {
		return Default(team.ID)
	}
	if project.WorkflowEnabled {
		for _, c := range configs {
			if c.ProjectID == project.ID && project.ID != "" {
				return c
			}
		}
	}
	return ForTeam(team, configs)
}

// ForTeam resolves the team-level config, falling back to the default.
func ForTeam(team domain.Team, configs []domain.WorkflowConfig) domain.WorkflowConfig {
	if !team.WorkflowEnabled {
		return Default(team.ID)
	}
	for _, c := range configs {
		if c.ProjectID == "" && c.ContentItemID == "" {
			return c
		}
	}
	return Default(team.ID)
}
