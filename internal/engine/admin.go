package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"subline/internal/config"
	"subline/internal/domain"
	"subline/internal/events"
	"subline/internal/repo"
	"subline/internal/roles"
)

// requireTeamRole checks the actor's stored role against a threshold,
// ignoring narrowings. Team administration is never project-scoped.
func (e Engine) requireTeamRole(ctx context.Context, teamID, actorID string, need domain.Role, action string) error {
	m, err := e.memberOrNil(ctx, teamID, actorID)
	if err != nil {
		return err
	}
	got := domain.RoleOutsider
	if m != nil {
		got = m.Role
	}
	if !roles.AtLeast(got, need) {
		return NotAuthorizedError{Action: action, Require: need, Got: got}
	}
	return nil
}

// CreateTeam creates a team with its default project and makes the
// creator the owner.
func (e Engine) CreateTeam(ctx context.Context, name, ownerID string) (domain.Team, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Team{}, err
	}
	defer tx.Rollback()
	now := e.nowStr()
	team := domain.Team{ID: uuid.New().String(), Name: name, CreatedAt: now}
	proj := domain.Project{ID: uuid.New().String(), TeamID: team.ID, Name: "default", CreatedAt: now}
	team.DefaultProjectID = proj.ID
	if err := e.Repo.InsertTeam(ctx, tx, team); err != nil {
		return domain.Team{}, err
	}
	if err := e.Repo.InsertProject(ctx, tx, proj); err != nil {
		return domain.Team{}, err
	}
	if err := e.Repo.InsertMember(ctx, tx, domain.Member{
		TeamID: team.ID, UserID: ownerID, Role: domain.RoleOwner, CreatedAt: now,
	}); err != nil {
		return domain.Team{}, err
	}
	if err := e.Repo.UpsertTeamSettingsTx(ctx, tx, team.ID, config.Default(team.ID)); err != nil {
		return domain.Team{}, err
	}
	if err := e.Events.Append(ctx, tx, "team.created", team.ID, "team", team.ID, ownerID, events.EventPayload{
		"name": name,
	}); err != nil {
		return domain.Team{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Team{}, err
	}
	return team, nil
}

func (e Engine) CreateProject(ctx context.Context, teamID, name, actorID string) (domain.Project, error) {
	if err := e.requireTeamRole(ctx, teamID, actorID, domain.RoleAdmin, "create project"); err != nil {
		return domain.Project{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	p := domain.Project{ID: uuid.New().String(), TeamID: teamID, Name: name, CreatedAt: e.nowStr()}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.created", teamID, "project", p.ID, actorID, events.EventPayload{
		"name": name,
	}); err != nil {
		return domain.Project{}, err
	}
	return p, tx.Commit()
}

// AddContentItem attaches a content item and immediately runs the
// auto-creation policy for it.
func (e Engine) AddContentItem(ctx context.Context, teamID, projectID, title, primaryLanguage, actorID string) (domain.ContentItem, error) {
	team, err := e.Repo.GetTeam(ctx, teamID)
	if err != nil {
		return domain.ContentItem{}, err
	}
	settings, err := e.teamSettings(ctx, teamID)
	if err != nil {
		return domain.ContentItem{}, err
	}
	if err := e.requireTeamRole(ctx, teamID, actorID, settings.Tasks.CreateRole, "add content"); err != nil {
		return domain.ContentItem{}, err
	}
	if projectID == "" {
		projectID = team.DefaultProjectID
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ContentItem{}, StaleReferenceError{Kind: "project", ID: projectID}
		}
		return domain.ContentItem{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ContentItem{}, err
	}
	defer tx.Rollback()
	it := domain.ContentItem{
		ID: uuid.New().String(), TeamID: teamID, ProjectID: projectID,
		Title: title, PrimaryLanguage: primaryLanguage, CreatedAt: e.nowStr(),
	}
	if err := e.Repo.InsertContentItem(ctx, tx, it); err != nil {
		return domain.ContentItem{}, err
	}
	if err := e.Events.Append(ctx, tx, "content.added", teamID, "content_item", it.ID, actorID, events.EventPayload{
		"title": title, "primary_language": primaryLanguage,
	}); err != nil {
		return domain.ContentItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ContentItem{}, err
	}
	return it, e.OnContentAddedToTeam(ctx, it.ID)
}

func (e Engine) AddMember(ctx context.Context, teamID, userID string, role domain.Role, actorID string) error {
	if roles.Rank(role) == 0 || role == domain.RoleOutsider {
		return InvalidTransitionError{Reason: fmt.Sprintf("cannot grant role %q", role)}
	}
	if err := e.requireTeamRole(ctx, teamID, actorID, domain.RoleAdmin, "add member"); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMember(ctx, tx, domain.Member{
		TeamID: teamID, UserID: userID, Role: role, CreatedAt: e.nowStr(),
	}); err != nil {
		if repo.IsUniqueViolation(err) {
			return InvalidTransitionError{Reason: userID + " is already a member"}
		}
		return err
	}
	if err := e.Events.Append(ctx, tx, "member.added", teamID, "member", userID, actorID, events.EventPayload{
		"role": string(role),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) SetMemberRole(ctx context.Context, teamID, userID string, role domain.Role, actorID string) error {
	if roles.Rank(role) == 0 || role == domain.RoleOutsider {
		return InvalidTransitionError{Reason: fmt.Sprintf("cannot grant role %q", role)}
	}
	if err := e.requireTeamRole(ctx, teamID, actorID, domain.RoleAdmin, "change member role"); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetMemberRole(ctx, tx, teamID, userID, role); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "member.role-changed", teamID, "member", userID, actorID, events.EventPayload{
		"role": string(role),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) RemoveMember(ctx context.Context, teamID, userID, actorID string) error {
	if err := e.requireTeamRole(ctx, teamID, actorID, domain.RoleAdmin, "remove member"); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RemoveMember(ctx, tx, teamID, userID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "member.removed", teamID, "member", userID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// NarrowMember adds a project or language narrowing to a member.
func (e Engine) NarrowMember(ctx context.Context, n domain.Narrowing, actorID string) (domain.Narrowing, error) {
	if err := e.requireTeamRole(ctx, n.TeamID, actorID, domain.RoleAdmin, "narrow member"); err != nil {
		return domain.Narrowing{}, err
	}
	if _, err := e.Repo.GetMember(ctx, n.TeamID, n.UserID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Narrowing{}, InvalidTransitionError{Reason: n.UserID + " is not a team member"}
		}
		return domain.Narrowing{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Narrowing{}, err
	}
	defer tx.Rollback()
	n.ID = uuid.New().String()
	n.AddedByID = actorID
	n.CreatedAt = e.nowStr()
	if err := e.Repo.AddNarrowing(ctx, tx, n); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Narrowing{}, InvalidTransitionError{Reason: "narrowing already present"}
		}
		return domain.Narrowing{}, err
	}
	if err := e.Events.Append(ctx, tx, "member.narrowed", n.TeamID, "member", n.UserID, actorID, events.EventPayload{
		"project_id": n.ProjectID, "language": n.Language,
	}); err != nil {
		return domain.Narrowing{}, err
	}
	return n, tx.Commit()
}

func (e Engine) UnnarrowMember(ctx context.Context, teamID, userID, narrowingID, actorID string) error {
	if err := e.requireTeamRole(ctx, teamID, actorID, domain.RoleAdmin, "unnarrow member"); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RemoveNarrowing(ctx, tx, narrowingID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "member.unnarrowed", teamID, "member", userID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// SetWorkflowConfig installs or replaces the workflow config for one
// target (team, project or content item).
func (e Engine) SetWorkflowConfig(ctx context.Context, c domain.WorkflowConfig, actorID string) (domain.WorkflowConfig, error) {
	if err := e.requireTeamRole(ctx, c.TeamID, actorID, domain.RoleAdmin, "configure workflow"); err != nil {
		return domain.WorkflowConfig{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowConfig{}, err
	}
	defer tx.Rollback()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt == "" {
		c.CreatedAt = e.nowStr()
	}
	if err := e.Repo.UpsertWorkflowConfig(ctx, tx, c); err != nil {
		return domain.WorkflowConfig{}, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.configured", c.TeamID, "workflow_config", c.ID, actorID, events.EventPayload{
		"project_id": c.ProjectID, "content_item_id": c.ContentItemID,
		"review": c.ReviewRequirement, "approve": c.ApproveRequirement,
	}); err != nil {
		return domain.WorkflowConfig{}, err
	}
	return c, tx.Commit()
}

func (e Engine) SetTeamWorkflowEnabled(ctx context.Context, teamID string, enabled bool, actorID string) error {
	if err := e.requireTeamRole(ctx, teamID, actorID, domain.RoleAdmin, "toggle workflow"); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetTeamWorkflowEnabled(ctx, tx, teamID, enabled); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "team.workflow-toggled", teamID, "team", teamID, actorID, events.EventPayload{
		"enabled": enabled,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) SetProjectWorkflowEnabled(ctx context.Context, teamID, projectID string, enabled bool, actorID string) error {
	if err := e.requireTeamRole(ctx, teamID, actorID, domain.RoleAdmin, "toggle workflow"); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetProjectWorkflowEnabled(ctx, tx, projectID, enabled); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "project.workflow-toggled", teamID, "project", projectID, actorID, events.EventPayload{
		"enabled": enabled,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SetDefaultProject changes which project counts as the team-wide
// default. Project narrowings never match the default project, so the
// change reshapes authorization and stays owner-only.
func (e Engine) SetDefaultProject(ctx context.Context, teamID, projectID, actorID string) error {
	if err := e.requireTeamRole(ctx, teamID, actorID, domain.RoleOwner, "change default project"); err != nil {
		return err
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return StaleReferenceError{Kind: "project", ID: projectID}
		}
		return err
	}
	if p.TeamID != teamID {
		return InvalidTransitionError{Reason: "project belongs to another team"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetTeamDefaultProject(ctx, tx, teamID, projectID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "team.default-project-changed", teamID, "project", projectID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ClearWorkflowConfig removes the config installed for one target,
// dropping the target back to the enclosing scope's resolution.
func (e Engine) ClearWorkflowConfig(ctx context.Context, teamID, projectID, itemID, actorID string) error {
	if err := e.requireTeamRole(ctx, teamID, actorID, domain.RoleAdmin, "configure workflow"); err != nil {
		return err
	}
	configs, err := e.Repo.ListWorkflowConfigs(ctx, teamID)
	if err != nil {
		return err
	}
	var target *domain.WorkflowConfig
	for i, c := range configs {
		if c.ProjectID == projectID && c.ContentItemID == itemID {
			target = &configs[i]
			break
		}
	}
	if target == nil {
		return StaleReferenceError{Kind: "workflow config", ID: projectID + itemID}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteWorkflowConfig(ctx, tx, target.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "workflow.cleared", teamID, "workflow_config", target.ID, actorID, events.EventPayload{
		"project_id": projectID, "content_item_id": itemID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ImportSettings validates and stores a full team settings document.
func (e Engine) ImportSettings(ctx context.Context, teamID string, s *config.Settings, actorID string) error {
	if err := e.requireTeamRole(ctx, teamID, actorID, domain.RoleAdmin, "import settings"); err != nil {
		return err
	}
	s.Team.ID = teamID
	if err := s.Validate(); err != nil {
		return InvalidTransitionError{Reason: err.Error()}
	}
	if err := e.Repo.UpsertTeamSettings(ctx, teamID, s); err != nil {
		return err
	}
	_, err := e.Events.AppendStandalone(ctx, "settings.imported", teamID, "team", teamID, actorID, nil)
	return err
}
