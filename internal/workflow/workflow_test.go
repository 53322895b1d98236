package workflow_test

import (
	"testing"

	"subline/internal/domain"
	"subline/internal/workflow"
)

var (
	team    = domain.Team{ID: "t1", WorkflowEnabled: true}
	project = domain.Project{ID: "p1", TeamID: "t1", WorkflowEnabled: true}
)

func cfg(project, item, review string) domain.WorkflowConfig {
	return domain.WorkflowConfig{
		TeamID: "t1", ProjectID: project, ContentItemID: item,
		ReviewRequirement: review, ApproveRequirement: domain.RequireNone,
	}
}

func TestMostSpecificWins(t *testing.T) {
	// Registration order must not matter.
	configs := []domain.WorkflowConfig{
		cfg("", "", domain.RequireNone),
		cfg("", "v1", domain.RequireAdmin),
		cfg("p1", "", domain.RequireManager),
	}
	got := workflow.ForContentItem(team, project, "v1", configs)
	if got.ReviewRequirement != domain.RequireAdmin {
		t.Fatalf("item config should win, got %s", got.ReviewRequirement)
	}
	got = workflow.ForContentItem(team, project, "v2", configs)
	if got.ReviewRequirement != domain.RequireManager {
		t.Fatalf("project config should win for other items, got %s", got.ReviewRequirement)
	}
	got = workflow.ForContentItem(team, domain.Project{ID: "p2", WorkflowEnabled: true}, "v2", configs)
	if got.ReviewRequirement != domain.RequireNone {
		t.Fatalf("team config should apply outside p1, got %s", got.ReviewRequirement)
	}
}

func TestTeamKillSwitch(t *testing.T) {
	configs := []domain.WorkflowConfig{cfg("", "v1", domain.RequireAdmin)}
	off := domain.Team{ID: "t1", WorkflowEnabled: false}
	got := workflow.ForContentItem(off, project, "v1", configs)
	if got.RequiresReview() || got.RequiresApprove() {
		t.Fatalf("disabled team must resolve to the inert default")
	}
}

func TestProjectToggleSkipsProjectConfig(t *testing.T) {
	configs := []domain.WorkflowConfig{
		cfg("p1", "", domain.RequireManager),
		cfg("", "", domain.RequirePeer),
	}
	offProject := domain.Project{ID: "p1", WorkflowEnabled: false}
	got := workflow.ForContentItem(team, offProject, "v1", configs)
	if got.ReviewRequirement != domain.RequirePeer {
		t.Fatalf("disabled project should fall through to team, got %s", got.ReviewRequirement)
	}
	// An item-level config still applies even when the project opted out.
	configs = append(configs, cfg("", "v1", domain.RequireAdmin))
	got = workflow.ForContentItem(team, offProject, "v1", configs)
	if got.ReviewRequirement != domain.RequireAdmin {
		t.Fatalf("item config must survive project opt-out, got %s", got.ReviewRequirement)
	}
}

func TestNoConfigsYieldDefault(t *testing.T) {
	got := workflow.ForContentItem(team, project, "v1", nil)
	if got.RequiresReview() || got.RequiresApprove() || got.AutocreateSubtitle || got.AutocreateTranslate {
		t.Fatalf("expected inert default, got %+v", got)
	}
}
