package domain

// Role is a member's stored authority within a team, ordered
// Owner > Admin > Manager > Contributor > Outsider.
type Role string

const (
	RoleOwner       Role = "owner"
	RoleAdmin       Role = "admin"
	RoleManager     Role = "manager"
	RoleContributor Role = "contributor"
	RoleOutsider    Role = "outsider"
)

// TaskType is a fixed pipeline stage. Subtitle and Translate precede
// Review, which precedes Approve.
type TaskType string

const (
	TaskSubtitle  TaskType = "subtitle"
	TaskTranslate TaskType = "translate"
	TaskReview    TaskType = "review"
	TaskApprove   TaskType = "approve"
)

// Outcome records the judgement of a Review/Approve task. It is only
// meaningful once CompletedAt is set and is never rewritten afterwards.
type Outcome string

const (
	OutcomeInProgress Outcome = "in_progress"
	OutcomeApproved   Outcome = "approved"
	OutcomeRejected   Outcome = "rejected"
)

// Requirement levels for review/approve stages in a workflow config.
const (
	RequireNone    = "none"
	RequirePeer    = "peer"
	RequireManager = "manager"
	RequireAdmin   = "admin"
)

type Team struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	WorkflowEnabled  bool   `json:"workflow_enabled"`
	DefaultProjectID string `json:"default_project_id,omitempty"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID              string `json:"id"`
	TeamID          string `json:"team_id"`
	Name            string `json:"name"`
	WorkflowEnabled bool   `json:"workflow_enabled"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

// ContentItem is a video-equivalent unit of work owned by a team.
type ContentItem struct {
	ID              string `json:"id"`
	TeamID          string `json:"team_id"`
	ProjectID       string `json:"project_id"`
	Title           string `json:"title"`
	PrimaryLanguage string `json:"primary_language,omitempty"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type Member struct {
	TeamID     string      `json:"team_id"`
	UserID     string      `json:"user_id"`
	Role       Role        `json:"role"`
	Narrowings []Narrowing `json:"narrowings,omitempty"`
	CreatedAt  string      `json:"created_at" format:"date-time"`
}

// Narrowing restricts a member's authority to one project or one
// language, never both on the same record.
type Narrowing struct {
	ID        string `json:"id"`
	TeamID    string `json:"team_id"`
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id,omitempty"`
	Language  string `json:"language,omitempty"`
	AddedByID string `json:"added_by_id,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// WorkflowConfig governs exactly one target: a team, a project, or a
// content item. A missing config is the all-disabled default.
type WorkflowConfig struct {
	ID                  string `json:"id"`
	TeamID              string `json:"team_id"`
	ProjectID           string `json:"project_id,omitempty"`
	ContentItemID       string `json:"content_item_id,omitempty"`
	AutocreateSubtitle  bool   `json:"autocreate_subtitle"`
	AutocreateTranslate bool   `json:"autocreate_translate"`
	ReviewRequirement   string `json:"review_requirement" enum:"none,peer,manager,admin"`
	ApproveRequirement  string `json:"approve_requirement" enum:"none,manager,admin"`
	CreatedAt           string `json:"created_at" format:"date-time"`
}

// RequiresReview reports whether the config mandates a review stage.
func (w WorkflowConfig) RequiresReview() bool {
	return w.ReviewRequirement != "" && w.ReviewRequirement != RequireNone
}

// RequiresApprove reports whether the config mandates an approve stage.
func (w WorkflowConfig) RequiresApprove() bool {
	return w.ApproveRequirement != "" && w.ApproveRequirement != RequireNone
}

type Task struct {
	ID                  string   `json:"id"`
	TeamID              string   `json:"team_id"`
	ContentItemID       string   `json:"content_item_id"`
	Language            string   `json:"language,omitempty"`
	Type                TaskType `json:"type" enum:"subtitle,translate,review,approve"`
	AssigneeID          *string  `json:"assignee_id,omitempty"`
	WorkVersionID       *string  `json:"work_version_id,omitempty"`
	ReviewBaseVersionID *string  `json:"review_base_version_id,omitempty"`
	Outcome             Outcome  `json:"outcome,omitempty" enum:"in_progress,approved,rejected"`
	Priority            int      `json:"priority"`
	Deleted             bool     `json:"deleted,omitempty"`
	ExpiresAt           *string  `json:"expires_at,omitempty" format:"date-time"`
	CompletedAt         *string  `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy         *string  `json:"completed_by,omitempty"`
	CreatedAt           string   `json:"created_at" format:"date-time"`
	UpdatedAt           string   `json:"updated_at" format:"date-time"`
}

// Open reports whether the task is still actionable.
func (t Task) Open() bool {
	return t.CompletedAt == nil && !t.Deleted
}

// Version is a work-product version for one (content item, language).
// The engine only cares about identity, ordering and publication state.
type Version struct {
	ID             string `json:"id"`
	ContentItemID  string `json:"content_item_id"`
	Language       string `json:"language"`
	Number         int    `json:"number"`
	Public         bool   `json:"public"`
	CompleteSynced bool   `json:"complete_synced"`
	Deleted        bool   `json:"deleted,omitempty"`
	AuthorID       string `json:"author_id,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TeamID     string `json:"team_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
