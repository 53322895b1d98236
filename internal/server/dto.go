package server

import (
	"encoding/json"

	"subline/internal/domain"
)

// Request payloads

type CreateTeamRequest struct {
	Name string `json:"name"`
}

type CreateProjectRequest struct {
	Name string `json:"name"`
}

type AddContentRequest struct {
	ProjectID       string `json:"project_id,omitempty"`
	Title           string `json:"title"`
	PrimaryLanguage string `json:"primary_language,omitempty"`
}

type AddMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role" enum:"owner,admin,manager,contributor"`
}

type SetMemberRoleRequest struct {
	Role string `json:"role" enum:"owner,admin,manager,contributor"`
}

type NarrowMemberRequest struct {
	ProjectID string `json:"project_id,omitempty"`
	Language  string `json:"language,omitempty"`
}

type WorkflowConfigRequest struct {
	ProjectID           string `json:"project_id,omitempty"`
	ContentItemID       string `json:"content_item_id,omitempty"`
	AutocreateSubtitle  bool   `json:"autocreate_subtitle"`
	AutocreateTranslate bool   `json:"autocreate_translate"`
	ReviewRequirement   string `json:"review_requirement" enum:"none,peer,manager,admin"`
	ApproveRequirement  string `json:"approve_requirement" enum:"none,manager,admin"`
}

type CreateTaskRequest struct {
	ContentItemID string `json:"content_item_id"`
	Language      string `json:"language"`
	Type          string `json:"type" enum:"subtitle,translate,review,approve"`
	AssigneeID    string `json:"assignee_id,omitempty"`
	Priority      int    `json:"priority,omitempty"`
}

type AssignTaskRequest struct {
	AssigneeID string `json:"assignee_id"`
}

type CompleteTaskRequest struct {
	Outcome string `json:"outcome,omitempty" enum:"approved,rejected"`
}

type SaveDraftRequest struct {
	Complete bool `json:"complete"`
}

// Response payloads

type TeamResponse struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	WorkflowEnabled  bool   `json:"workflow_enabled"`
	DefaultProjectID string `json:"default_project_id,omitempty"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

type ProjectResponse struct {
	ID              string `json:"id"`
	TeamID          string `json:"team_id"`
	Name            string `json:"name"`
	WorkflowEnabled bool   `json:"workflow_enabled"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type ContentItemResponse struct {
	ID              string `json:"id"`
	TeamID          string `json:"team_id"`
	ProjectID       string `json:"project_id"`
	Title           string `json:"title"`
	PrimaryLanguage string `json:"primary_language,omitempty"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type MemberResponse struct {
	TeamID     string              `json:"team_id"`
	UserID     string              `json:"user_id"`
	Role       string              `json:"role"`
	Narrowings []NarrowingResponse `json:"narrowings,omitempty"`
	CreatedAt  string              `json:"created_at" format:"date-time"`
}

type NarrowingResponse struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id,omitempty"`
	Language  string `json:"language,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WorkflowConfigResponse struct {
	ID                  string `json:"id"`
	TeamID              string `json:"team_id"`
	ProjectID           string `json:"project_id,omitempty"`
	ContentItemID       string `json:"content_item_id,omitempty"`
	AutocreateSubtitle  bool   `json:"autocreate_subtitle"`
	AutocreateTranslate bool   `json:"autocreate_translate"`
	ReviewRequirement   string `json:"review_requirement"`
	ApproveRequirement  string `json:"approve_requirement"`
	CreatedAt           string `json:"created_at" format:"date-time"`
}

type TaskResponse struct {
	ID                  string  `json:"id"`
	TeamID              string  `json:"team_id"`
	ContentItemID       string  `json:"content_item_id"`
	Language            string  `json:"language,omitempty"`
	Type                string  `json:"type" enum:"subtitle,translate,review,approve"`
	AssigneeID          *string `json:"assignee_id,omitempty"`
	WorkVersionID       *string `json:"work_version_id,omitempty"`
	ReviewBaseVersionID *string `json:"review_base_version_id,omitempty"`
	Outcome             string  `json:"outcome,omitempty" enum:"in_progress,approved,rejected"`
	Priority            int     `json:"priority"`
	ExpiresAt           *string `json:"expires_at,omitempty" format:"date-time"`
	CompletedAt         *string `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy         *string `json:"completed_by,omitempty"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
	UpdatedAt           string  `json:"updated_at" format:"date-time"`
}

type VersionResponse struct {
	ID             string `json:"id"`
	ContentItemID  string `json:"content_item_id"`
	Language       string `json:"language"`
	Number         int    `json:"number"`
	Public         bool   `json:"public"`
	CompleteSynced bool   `json:"complete_synced"`
	AuthorID       string `json:"author_id,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	TeamID     string         `json:"team_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Mappers

func teamResponse(t domain.Team) TeamResponse {
	return TeamResponse{
		ID: t.ID, Name: t.Name, WorkflowEnabled: t.WorkflowEnabled,
		DefaultProjectID: t.DefaultProjectID, CreatedAt: t.CreatedAt,
	}
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID: p.ID, TeamID: p.TeamID, Name: p.Name,
		WorkflowEnabled: p.WorkflowEnabled, CreatedAt: p.CreatedAt,
	}
}

func contentItemResponse(it domain.ContentItem) ContentItemResponse {
	return ContentItemResponse{
		ID: it.ID, TeamID: it.TeamID, ProjectID: it.ProjectID,
		Title: it.Title, PrimaryLanguage: it.PrimaryLanguage, CreatedAt: it.CreatedAt,
	}
}

func memberResponse(m domain.Member) MemberResponse {
	res := MemberResponse{
		TeamID: m.TeamID, UserID: m.UserID, Role: string(m.Role), CreatedAt: m.CreatedAt,
	}
	for _, n := range m.Narrowings {
		res.Narrowings = append(res.Narrowings, NarrowingResponse{
			ID: n.ID, ProjectID: n.ProjectID, Language: n.Language, CreatedAt: n.CreatedAt,
		})
	}
	return res
}

func workflowConfigResponse(c domain.WorkflowConfig) WorkflowConfigResponse {
	return WorkflowConfigResponse{
		ID: c.ID, TeamID: c.TeamID, ProjectID: c.ProjectID, ContentItemID: c.ContentItemID,
		AutocreateSubtitle: c.AutocreateSubtitle, AutocreateTranslate: c.AutocreateTranslate,
		ReviewRequirement: c.ReviewRequirement, ApproveRequirement: c.ApproveRequirement,
		CreatedAt: c.CreatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID: t.ID, TeamID: t.TeamID, ContentItemID: t.ContentItemID,
		Language: t.Language, Type: string(t.Type),
		AssigneeID: t.AssigneeID, WorkVersionID: t.WorkVersionID,
		ReviewBaseVersionID: t.ReviewBaseVersionID, Outcome: string(t.Outcome),
		Priority: t.Priority, ExpiresAt: t.ExpiresAt, CompletedAt: t.CompletedAt,
		CompletedBy: t.CompletedBy, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func versionResponse(v domain.Version) VersionResponse {
	return VersionResponse{
		ID: v.ID, ContentItemID: v.ContentItemID, Language: v.Language,
		Number: v.Number, Public: v.Public, CompleteSynced: v.CompleteSynced,
		AuthorID: v.AuthorID, CreatedAt: v.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	res := EventResponse{
		ID: e.ID, TS: e.TS, Type: e.Type, TeamID: e.TeamID,
		EntityKind: e.EntityKind, EntityID: e.EntityID, ActorID: e.ActorID,
	}
	if e.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(e.Payload), &payload); err == nil {
			res.Payload = payload
		}
	}
	return res
}
