package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"subline/internal/config"
	"subline/internal/domain"
	"subline/internal/events"
	"subline/internal/notify"
	"subline/internal/repo"
	"subline/internal/roles"
	"subline/internal/workflow"
)

// Engine drives the task lifecycle state machine. It is the only
// component allowed to create or terminate tasks.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Notify *notify.Dispatcher
	Now    func() time.Time
}

func New(db *sql.DB, dispatcher *notify.Dispatcher) Engine {
	if dispatcher == nil {
		dispatcher = notify.NewDispatcher()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Notify: dispatcher,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// opCtx resolves team, settings, project and workflow once per atomic
// transition. It never outlives the transaction it was built for, so a
// config or membership change is picked up by the next operation.
type opCtx struct {
	tx       *sql.Tx
	team     domain.Team
	settings *config.Settings
	item     domain.ContentItem
	project  domain.Project
	configs  []domain.WorkflowConfig
	wf       domain.WorkflowConfig
	pending  []notify.Notification
}

func (oc *opCtx) queue(n notify.Notification) {
	n.TeamID = oc.team.ID
	oc.pending = append(oc.pending, n)
}

// targetProject returns the project id narrowings are checked against.
// The team's default project counts as no project.
func (oc *opCtx) targetProject() string {
	if oc.project.ID == oc.team.DefaultProjectID {
		return ""
	}
	return oc.project.ID
}

func (e Engine) beginOp(ctx context.Context, itemID string) (*opCtx, error) {
	item, err := e.Repo.GetContentItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, StaleReferenceError{Kind: "content item", ID: itemID}
		}
		return nil, err
	}
	team, err := e.Repo.GetTeam(ctx, item.TeamID)
	if err != nil {
		return nil, err
	}
	project, err := e.Repo.GetProject(ctx, item.ProjectID)
	if err != nil {
		return nil, err
	}
	settings, err := e.teamSettings(ctx, team.ID)
	if err != nil {
		return nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	configs, err := e.Repo.ListWorkflowConfigsTx(ctx, tx, team.ID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	return &opCtx{
		tx:       tx,
		team:     team,
		settings: settings,
		item:     item,
		project:  project,
		configs:  configs,
		wf:       workflow.ForContentItem(team, project, item.ID, configs),
	}, nil
}

// commit finalizes the transaction and only then hands queued
// notifications to the dispatcher; a rolled-back transition notifies
// nobody.
func (e Engine) commit(oc *opCtx) error {
	if err := oc.tx.Commit(); err != nil {
		return err
	}
	for _, n := range oc.pending {
		e.Notify.Dispatch(n)
	}
	return nil
}

func (e Engine) teamSettings(ctx context.Context, teamID string) (*config.Settings, error) {
	s, err := e.Repo.GetTeamSettings(ctx, teamID)
	if errors.Is(err, repo.ErrNotFound) {
		return config.Default(teamID), nil
	}
	return s, err
}

func (e Engine) memberOrNil(ctx context.Context, teamID, userID string) (*domain.Member, error) {
	m, err := e.Repo.GetMember(ctx, teamID, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// memberInOp is memberOrNil against the operation's transaction. Guard
// checks that run after beginOp must not touch the pool: the open
// transaction may hold its only connection.
func (e Engine) memberInOp(ctx context.Context, oc *opCtx, userID string) (*domain.Member, error) {
	m, err := e.Repo.GetMemberTx(ctx, oc.tx, oc.team.ID, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (e Engine) requireRole(ctx context.Context, oc *opCtx, userID, language string, need domain.Role, action string) error {
	m, err := e.memberInOp(ctx, oc, userID)
	if err != nil {
		return err
	}
	got := roles.EffectiveRole(m, oc.targetProject(), language)
	if !roles.AtLeast(got, need) {
		return NotAuthorizedError{Action: action, Require: need, Got: got}
	}
	return nil
}

// performerRole is the minimum effective role a member needs to carry
// out a task of the given type under the governing workflow.
func performerRole(wf domain.WorkflowConfig, taskType domain.TaskType) domain.Role {
	switch taskType {
	case domain.TaskReview:
		switch wf.ReviewRequirement {
		case domain.RequireAdmin:
			return domain.RoleAdmin
		case domain.RequireManager:
			return domain.RoleManager
		default:
			return domain.RoleContributor
		}
	case domain.TaskApprove:
		if wf.ApproveRequirement == domain.RequireAdmin {
			return domain.RoleAdmin
		}
		return domain.RoleManager
	default:
		return domain.RoleContributor
	}
}

// TaskCreateOptions parameterizes an explicit task creation.
type TaskCreateOptions struct {
	TeamID        string
	ContentItemID string
	Language      string
	Type          domain.TaskType
	AssigneeID    string
	Priority      int
	ActorID       string
}

func validTaskType(t domain.TaskType) bool {
	switch t {
	case domain.TaskSubtitle, domain.TaskTranslate, domain.TaskReview, domain.TaskApprove:
		return true
	}
	return false
}

// CreateTask opens a task by explicit user action. The one-open-task
// invariant is enforced by the store's unique index, so a concurrent
// duplicate surfaces as InvalidTransition, never as a silent double.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if !validTaskType(opts.Type) {
		return domain.Task{}, InvalidTransitionError{Reason: fmt.Sprintf("unknown task type %q", opts.Type)}
	}
	oc, err := e.beginOp(ctx, opts.ContentItemID)
	if err != nil {
		return domain.Task{}, err
	}
	defer oc.tx.Rollback()
	if opts.TeamID != "" && opts.TeamID != oc.item.TeamID {
		return domain.Task{}, StaleReferenceError{Kind: "content item", ID: opts.ContentItemID}
	}
	if err := e.requireRole(ctx, oc, opts.ActorID, opts.Language, oc.settings.Tasks.CreateRole, "create task"); err != nil {
		return domain.Task{}, err
	}
	if _, err := e.healOpenTasks(ctx, oc, opts.Language); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:            uuid.New().String(),
		TeamID:        oc.item.TeamID,
		ContentItemID: oc.item.ID,
		Language:      opts.Language,
		Type:          opts.Type,
		Priority:      opts.Priority,
		CreatedAt:     e.nowStr(),
		UpdatedAt:     e.nowStr(),
	}
	if opts.Type == domain.TaskReview || opts.Type == domain.TaskApprove {
		tip, err := e.Repo.TipVersion(ctx, oc.tx, oc.item.ID, opts.Language, false)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, InvalidTransitionError{Reason: "no version to judge for " + opts.Language}
		}
		if err != nil {
			return domain.Task{}, err
		}
		t.ReviewBaseVersionID = &tip.ID
		t.Outcome = domain.OutcomeInProgress
	}
	if opts.AssigneeID != "" {
		if err := e.checkAssignable(ctx, oc, t, opts.AssigneeID, opts.ActorID); err != nil {
			return domain.Task{}, err
		}
		t.AssigneeID = &opts.AssigneeID
		t.ExpiresAt = e.deadline(oc)
	}
	if err := e.Repo.InsertTask(ctx, oc.tx, t); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Task{}, InvalidTransitionError{Reason: "an open task already exists for this language"}
		}
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, oc.tx, "task.created", t.TeamID, "task", t.ID, opts.ActorID, events.EventPayload{
		"type": string(t.Type), "language": t.Language,
	}); err != nil {
		return domain.Task{}, err
	}
	if t.AssigneeID != nil {
		oc.queue(notify.Notification{
			Type: notify.TaskAssigned, TaskID: t.ID,
			ContentItemID: t.ContentItemID, Language: t.Language, AssigneeID: *t.AssigneeID,
		})
	}
	if err := e.commit(oc); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// deadline computes the assignment expiration; nil when the team has
// expiration disabled.
func (e Engine) deadline(oc *opCtx) *string {
	days := oc.settings.Tasks.ExpirationDays
	if days <= 0 {
		return nil
	}
	d := e.now().UTC().Add(time.Duration(days) * 24 * time.Hour).Format(time.RFC3339)
	return &d
}

// checkAssignable enforces the assignment guard: the actor needs the
// assign threshold unless self-assigning with performer eligibility,
// and the receiving member must be below the open-task cap.
func (e Engine) checkAssignable(ctx context.Context, oc *opCtx, t domain.Task, assigneeID, actorID string) error {
	assignee, err := e.memberInOp(ctx, oc, assigneeID)
	if err != nil {
		return err
	}
	if assignee == nil {
		return InvalidTransitionError{Reason: "assignee is not a team member"}
	}
	need := performerRole(oc.wf, t.Type)
	assigneeRole := roles.EffectiveRole(assignee, oc.targetProject(), t.Language)
	if !roles.AtLeast(assigneeRole, need) {
		return NotAuthorizedError{Action: "perform " + string(t.Type) + " task", Require: need, Got: assigneeRole}
	}
	if actorID != assigneeID {
		if err := e.requireRole(ctx, oc, actorID, t.Language, oc.settings.Tasks.AssignRole, "assign task"); err != nil {
			return err
		}
	}
	if max := oc.settings.Tasks.MaxPerMember; max > 0 {
		n, err := e.Repo.CountOpenAssigned(ctx, oc.tx, oc.team.ID, assigneeID)
		if err != nil {
			return err
		}
		if n >= max {
			return InvalidTransitionError{Reason: fmt.Sprintf("%s already holds %d open tasks (team maximum)", assigneeID, n)}
		}
	}
	return nil
}

// AssignTask sets the assignee and recomputes the deadline.
func (e Engine) AssignTask(ctx context.Context, taskID, assigneeID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, StaleReferenceError{Kind: "task", ID: taskID}
		}
		return domain.Task{}, err
	}
	if t.Deleted {
		return domain.Task{}, StaleReferenceError{Kind: "task", ID: taskID}
	}
	if t.CompletedAt != nil {
		return domain.Task{}, InvalidTransitionError{Reason: "task already completed"}
	}
	oc, err := e.beginOp(ctx, t.ContentItemID)
	if err != nil {
		return domain.Task{}, err
	}
	defer oc.tx.Rollback()
	if err := e.checkAssignable(ctx, oc, t, assigneeID, actorID); err != nil {
		return domain.Task{}, err
	}
	t.AssigneeID = &assigneeID
	t.ExpiresAt = e.deadline(oc)
	t.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateTask(ctx, oc.tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, oc.tx, "task.assigned", t.TeamID, "task", t.ID, actorID, events.EventPayload{
		"assignee": assigneeID,
	}); err != nil {
		return domain.Task{}, err
	}
	oc.queue(notify.Notification{
		Type: notify.TaskAssigned, TaskID: t.ID,
		ContentItemID: t.ContentItemID, Language: t.Language, AssigneeID: assigneeID,
	})
	if err := e.commit(oc); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// UnassignTask clears the assignee and deadline.
func (e Engine) UnassignTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, StaleReferenceError{Kind: "task", ID: taskID}
		}
		return domain.Task{}, err
	}
	if !t.Open() {
		return domain.Task{}, InvalidTransitionError{Reason: "task is not open"}
	}
	oc, err := e.beginOp(ctx, t.ContentItemID)
	if err != nil {
		return domain.Task{}, err
	}
	defer oc.tx.Rollback()
	self := t.AssigneeID != nil && *t.AssigneeID == actorID
	if !self {
		if err := e.requireRole(ctx, oc, actorID, t.Language, oc.settings.Tasks.AssignRole, "unassign task"); err != nil {
			return domain.Task{}, err
		}
	}
	t.AssigneeID = nil
	t.ExpiresAt = nil
	t.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateTask(ctx, oc.tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, oc.tx, "task.unassigned", t.TeamID, "task", t.ID, actorID, nil); err != nil {
		return domain.Task{}, err
	}
	if err := e.commit(oc); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// DeleteTask soft-deletes a task. With discardDraft set, an unpublished
// draft the task produced is marked deleted along with older private
// drafts in the same chain, stopping at the first public version.
func (e Engine) DeleteTask(ctx context.Context, taskID, actorID string, discardDraft bool) error {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return StaleReferenceError{Kind: "task", ID: taskID}
		}
		return err
	}
	if t.Deleted {
		return StaleReferenceError{Kind: "task", ID: taskID}
	}
	oc, err := e.beginOp(ctx, t.ContentItemID)
	if err != nil {
		return err
	}
	defer oc.tx.Rollback()
	if err := e.requireRole(ctx, oc, actorID, t.Language, oc.settings.Tasks.DeleteRole, "delete task"); err != nil {
		return err
	}
	if err := e.Repo.SoftDeleteTask(ctx, oc.tx, t.ID, e.nowStr()); err != nil {
		return err
	}
	if discardDraft && t.WorkVersionID != nil {
		v, err := e.Repo.GetVersionTx(ctx, oc.tx, *t.WorkVersionID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err == nil && !v.Public {
			if err := e.Repo.CascadeDeleteDrafts(ctx, oc.tx, v); err != nil {
				return err
			}
		}
	}
	if err := e.Events.Append(ctx, oc.tx, "task.deleted", t.TeamID, "task", t.ID, actorID, events.EventPayload{
		"discard_draft": discardDraft,
	}); err != nil {
		return err
	}
	return e.commit(oc)
}

// ExpireSweep clears assignment on every open task past its deadline.
// It is cooperative and idempotent: a concurrent or repeated run finds
// nothing left to clear.
func (e Engine) ExpireSweep(ctx context.Context) (int, error) {
	now := e.nowStr()
	expired, err := e.Repo.ExpiredOpenTasks(ctx, now)
	if err != nil {
		return 0, err
	}
	cleared := 0
	for _, t := range expired {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return cleared, err
		}
		if err := e.Repo.ClearAssignment(ctx, tx, t.ID, now); err != nil {
			tx.Rollback()
			return cleared, err
		}
		if err := e.Events.Append(ctx, tx, "task.expired", t.TeamID, "task", t.ID, "system", nil); err != nil {
			tx.Rollback()
			return cleared, err
		}
		if err := tx.Commit(); err != nil {
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}
