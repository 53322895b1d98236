package engine

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"

	"subline/internal/domain"
	"subline/internal/events"
	"subline/internal/notify"
	"subline/internal/repo"
	"subline/internal/roles"
)

// CompleteOptions parameterizes task completion. Outcome is required
// for review and approve tasks and rejected for the other types.
type CompleteOptions struct {
	TaskID  string
	ActorID string
	Outcome domain.Outcome
}

// CompleteTask runs one lifecycle transition: it terminates the task,
// publishes or routes its work product, and opens the successor task
// the workflow calls for. Everything happens in one transaction, so
// readers never observe a content item between stages.
func (e Engine) CompleteTask(ctx context.Context, opts CompleteOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.TaskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, StaleReferenceError{Kind: "task", ID: opts.TaskID}
		}
		return domain.Task{}, err
	}
	if !t.Open() {
		return domain.Task{}, StaleReferenceError{Kind: "task", ID: opts.TaskID}
	}
	oc, err := e.beginOp(ctx, t.ContentItemID)
	if err != nil {
		return domain.Task{}, err
	}
	defer oc.tx.Rollback()

	healed, err := e.healOpenTasks(ctx, oc, t.Language)
	if err != nil {
		return domain.Task{}, err
	}
	if healed {
		return domain.Task{}, StaleReferenceError{Kind: "task", ID: opts.TaskID}
	}
	// Re-read under the transaction; a concurrent completion loses here.
	t, err = e.Repo.GetTaskTx(ctx, oc.tx, opts.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	if !t.Open() {
		return domain.Task{}, StaleReferenceError{Kind: "task", ID: opts.TaskID}
	}

	if err := e.authorizeComplete(ctx, oc, t, opts.ActorID); err != nil {
		return domain.Task{}, err
	}

	switch t.Type {
	case domain.TaskSubtitle, domain.TaskTranslate:
		err = e.completeWork(ctx, oc, &t, opts.ActorID)
	case domain.TaskReview:
		err = e.completeReview(ctx, oc, &t, opts)
	case domain.TaskApprove:
		err = e.completeApprove(ctx, oc, &t, opts)
	default:
		err = InvalidTransitionError{Reason: "unknown task type " + string(t.Type)}
	}
	if err != nil {
		return domain.Task{}, err
	}

	now := e.nowStr()
	t.CompletedAt = &now
	t.CompletedBy = &opts.ActorID
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, oc.tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, oc.tx, "task.completed", t.TeamID, "task", t.ID, opts.ActorID, events.EventPayload{
		"type": string(t.Type), "language": t.Language, "outcome": string(t.Outcome),
	}); err != nil {
		return domain.Task{}, err
	}
	if err := e.commit(oc); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// authorizeComplete lets the assignee complete their own task; anyone
// else needs the team's assign threshold. Review and approve tasks
// additionally demand the workflow's judging role from the actor.
func (e Engine) authorizeComplete(ctx context.Context, oc *opCtx, t domain.Task, actorID string) error {
	m, err := e.memberInOp(ctx, oc, actorID)
	if err != nil {
		return err
	}
	got := roles.EffectiveRole(m, oc.targetProject(), t.Language)
	self := t.AssigneeID != nil && *t.AssigneeID == actorID
	if !self && !roles.AtLeast(got, oc.settings.Tasks.AssignRole) {
		return NotAuthorizedError{Action: "complete task", Require: oc.settings.Tasks.AssignRole, Got: got}
	}
	if t.Type == domain.TaskReview || t.Type == domain.TaskApprove {
		need := performerRole(oc.wf, t.Type)
		if !roles.AtLeast(got, need) {
			return NotAuthorizedError{Action: "judge " + string(t.Type) + " task", Require: need, Got: got}
		}
	}
	return nil
}

// completeWork finishes a subtitle or translate task. The work product
// either goes to review, to approval, or straight to publication,
// depending on the governing workflow and the fast-path check.
func (e Engine) completeWork(ctx context.Context, oc *opCtx, t *domain.Task, actorID string) error {
	work, err := e.workProduct(ctx, oc, *t)
	if err != nil {
		return err
	}
	t.WorkVersionID = &work.ID

	if oc.wf.RequiresReview() || oc.wf.RequiresApprove() {
		fast, err := e.fastPathEligible(ctx, oc, work)
		if err != nil {
			return err
		}
		if !fast {
			next := domain.TaskReview
			if !oc.wf.RequiresReview() {
				next = domain.TaskApprove
			}
			succ, err := e.openSuccessor(ctx, oc, *t, next, &work.ID)
			if err != nil {
				return err
			}
			if next == domain.TaskApprove {
				oc.queue(notify.Notification{
					Type: notify.ReviewPendingApproval, TaskID: succ.ID,
					ContentItemID: t.ContentItemID, Language: t.Language,
				})
			}
			return nil
		}
	}
	if err := e.publish(ctx, oc, work, actorID); err != nil {
		return err
	}
	oc.queue(notify.Notification{
		Type: notify.ReviewPublished, TaskID: t.ID,
		ContentItemID: work.ContentItemID, Language: work.Language,
	})
	return nil
}

func (e Engine) completeReview(ctx context.Context, oc *opCtx, t *domain.Task, opts CompleteOptions) error {
	if t.ReviewBaseVersionID == nil {
		return InvalidTransitionError{Reason: "review task has no version to judge"}
	}
	switch opts.Outcome {
	case domain.OutcomeApproved:
		t.Outcome = domain.OutcomeApproved
		judged, err := e.Repo.GetVersionTx(ctx, oc.tx, *t.ReviewBaseVersionID)
		if err != nil {
			return err
		}
		if oc.wf.RequiresApprove() {
			succ, err := e.openSuccessor(ctx, oc, *t, domain.TaskApprove, t.ReviewBaseVersionID)
			if err != nil {
				return err
			}
			oc.queue(notify.Notification{
				Type: notify.ReviewPendingApproval, TaskID: succ.ID,
				ContentItemID: t.ContentItemID, Language: t.Language,
			})
			return nil
		}
		if err := e.publish(ctx, oc, judged, opts.ActorID); err != nil {
			return err
		}
		oc.queue(notify.Notification{
			Type: notify.ReviewPublished, TaskID: t.ID,
			ContentItemID: t.ContentItemID, Language: t.Language, ReviewerID: opts.ActorID,
		})
		return nil
	case domain.OutcomeRejected:
		t.Outcome = domain.OutcomeRejected
		succ, err := e.sendBack(ctx, oc, *t, e.workTaskType(oc, t.Language), nil)
		if err != nil {
			return err
		}
		n := notify.Notification{
			Type: notify.ReviewSentBack, TaskID: succ.ID,
			ContentItemID: t.ContentItemID, Language: t.Language, ReviewerID: opts.ActorID,
		}
		if succ.AssigneeID != nil {
			n.AssigneeID = *succ.AssigneeID
		}
		oc.queue(n)
		return nil
	default:
		return InvalidTransitionError{Reason: "review completion requires an approved or rejected outcome"}
	}
}

func (e Engine) completeApprove(ctx context.Context, oc *opCtx, t *domain.Task, opts CompleteOptions) error {
	if t.ReviewBaseVersionID == nil {
		return InvalidTransitionError{Reason: "approve task has no version to judge"}
	}
	switch opts.Outcome {
	case domain.OutcomeApproved:
		t.Outcome = domain.OutcomeApproved
		judged, err := e.Repo.GetVersionTx(ctx, oc.tx, *t.ReviewBaseVersionID)
		if err != nil {
			return err
		}
		if err := e.publish(ctx, oc, judged, opts.ActorID); err != nil {
			return err
		}
		oc.queue(notify.Notification{
			Type: notify.Approved, TaskID: t.ID,
			ContentItemID: t.ContentItemID, Language: t.Language, ReviewerID: opts.ActorID,
		})
		return nil
	case domain.OutcomeRejected:
		t.Outcome = domain.OutcomeRejected
		next := e.workTaskType(oc, t.Language)
		var base *string
		if oc.wf.RequiresReview() {
			next = domain.TaskReview
			base = t.ReviewBaseVersionID
		}
		succ, err := e.sendBack(ctx, oc, *t, next, base)
		if err != nil {
			return err
		}
		n := notify.Notification{
			Type: notify.ApprovedSentBack, TaskID: succ.ID,
			ContentItemID: t.ContentItemID, Language: t.Language, ReviewerID: opts.ActorID,
		}
		if succ.AssigneeID != nil {
			n.AssigneeID = *succ.AssigneeID
		}
		oc.queue(n)
		return nil
	default:
		return InvalidTransitionError{Reason: "approve completion requires an approved or rejected outcome"}
	}
}

// workProduct locates the version a work task submits: the task's own
// draft if one was saved, otherwise the language's private tip.
func (e Engine) workProduct(ctx context.Context, oc *opCtx, t domain.Task) (domain.Version, error) {
	if t.WorkVersionID != nil {
		return e.Repo.GetVersionTx(ctx, oc.tx, *t.WorkVersionID)
	}
	tip, err := e.Repo.TipVersion(ctx, oc.tx, t.ContentItemID, t.Language, false)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Version{}, InvalidTransitionError{Reason: "no work saved for " + t.Language}
	}
	if err != nil {
		return domain.Version{}, err
	}
	if tip.Public {
		return domain.Version{}, InvalidTransitionError{Reason: "no unpublished work for " + t.Language}
	}
	return tip, nil
}

// fastPathEligible reports whether a review-gated work submission may
// publish directly: nothing at the item level explicitly mandates the
// gate, the language already carries a complete public version, and an
// earlier cycle passed judgement.
func (e Engine) fastPathEligible(ctx context.Context, oc *opCtx, work domain.Version) (bool, error) {
	for _, c := range oc.configs {
		if c.ContentItemID == oc.item.ID && (c.RequiresReview() || c.RequiresApprove()) {
			return false, nil
		}
	}
	prev, err := e.Repo.PreviousVersion(ctx, oc.tx, work)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !prev.Public {
		return false, nil
	}
	complete, err := e.Repo.LanguageComplete(ctx, oc.tx, work.ContentItemID, work.Language)
	if err != nil {
		return false, err
	}
	if !complete {
		return false, nil
	}
	return e.Repo.HasApprovedTask(ctx, oc.tx, work.ContentItemID, work.Language)
}

// publish makes the version public and fans out translate tasks for
// every preferred language still missing one.
func (e Engine) publish(ctx context.Context, oc *opCtx, v domain.Version, actorID string) error {
	if err := e.Repo.PublishVersion(ctx, oc.tx, v.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, oc.tx, "version.published", oc.team.ID, "version", v.ID, actorID, events.EventPayload{
		"content_item": v.ContentItemID, "language": v.Language, "number": v.Number,
	}); err != nil {
		return err
	}
	if oc.wf.AutocreateTranslate {
		return e.fanOutTranslations(ctx, oc, v.Language)
	}
	return nil
}

// fanOutTranslations opens a translate task per preferred language
// that has no open task yet. The just-published language and languages
// already complete are skipped.
func (e Engine) fanOutTranslations(ctx context.Context, oc *opCtx, published string) error {
	for _, lang := range oc.settings.PreferredLanguages {
		if lang == published || lang == oc.item.PrimaryLanguage {
			continue
		}
		open, err := e.Repo.OpenTasksForLanguage(ctx, oc.tx, oc.item.ID, lang)
		if err != nil {
			return err
		}
		if len(open) > 0 {
			continue
		}
		complete, err := e.Repo.LanguageComplete(ctx, oc.tx, oc.item.ID, lang)
		if err != nil {
			return err
		}
		if complete {
			continue
		}
		if _, err := e.autoOpen(ctx, oc, lang, domain.TaskTranslate, nil); err != nil {
			return err
		}
	}
	return nil
}

// workTaskType is the drafting stage a rejection falls back to:
// translate for secondary languages, subtitle for the primary.
func (e Engine) workTaskType(oc *opCtx, language string) domain.TaskType {
	if oc.item.PrimaryLanguage != "" && language != oc.item.PrimaryLanguage {
		return domain.TaskTranslate
	}
	return domain.TaskSubtitle
}

// openSuccessor creates the next-stage task inside the current
// transaction, after the predecessor has been marked complete, so the
// one-open-task index never fires against our own predecessor.
func (e Engine) openSuccessor(ctx context.Context, oc *opCtx, pred domain.Task, taskType domain.TaskType, base *string) (domain.Task, error) {
	// Terminate the predecessor first; the caller persists the final
	// completed row, but the index reads the stored state.
	now := e.nowStr()
	done := pred
	done.CompletedAt = &now
	done.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, oc.tx, done); err != nil {
		return domain.Task{}, err
	}
	return e.autoOpen(ctx, oc, pred.Language, taskType, base)
}

// sendBack is openSuccessor plus assignee seeding from the last member
// who completed the target stage for this language.
func (e Engine) sendBack(ctx context.Context, oc *opCtx, pred domain.Task, taskType domain.TaskType, base *string) (domain.Task, error) {
	succ, err := e.openSuccessor(ctx, oc, pred, taskType, base)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, oc.tx, "task.sent-back", pred.TeamID, "task", pred.ID, "", events.EventPayload{
		"successor": succ.ID, "to": string(taskType),
	}); err != nil {
		return domain.Task{}, err
	}
	return succ, nil
}

// autoOpen inserts an engine-created task, seeding the assignee from
// history when the previous performer is still eligible.
func (e Engine) autoOpen(ctx context.Context, oc *opCtx, language string, taskType domain.TaskType, base *string) (domain.Task, error) {
	now := e.nowStr()
	succ := domain.Task{
		ID:            uuid.New().String(),
		TeamID:        oc.team.ID,
		ContentItemID: oc.item.ID,
		Language:      language,
		Type:          taskType,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if taskType == domain.TaskReview || taskType == domain.TaskApprove {
		succ.Outcome = domain.OutcomeInProgress
		if base == nil {
			tip, err := e.Repo.TipVersion(ctx, oc.tx, oc.item.ID, language, false)
			if err != nil {
				return domain.Task{}, err
			}
			base = &tip.ID
		}
		succ.ReviewBaseVersionID = base
	}
	if seed, err := e.seedAssignee(ctx, oc, succ); err != nil {
		return domain.Task{}, err
	} else if seed != "" {
		succ.AssigneeID = &seed
		succ.ExpiresAt = e.deadline(oc)
	}
	if err := e.Repo.InsertTask(ctx, oc.tx, succ); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Task{}, InvalidTransitionError{Reason: "an open task already exists for " + language}
		}
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, oc.tx, "task.created", succ.TeamID, "task", succ.ID, "", events.EventPayload{
		"type": string(succ.Type), "language": succ.Language, "auto": true,
	}); err != nil {
		return domain.Task{}, err
	}
	if succ.AssigneeID != nil {
		oc.queue(notify.Notification{
			Type: notify.TaskAssigned, TaskID: succ.ID,
			ContentItemID: succ.ContentItemID, Language: succ.Language, AssigneeID: *succ.AssigneeID,
		})
	}
	return succ, nil
}

// seedAssignee picks the last completer of the same stage for this
// language, provided they are still a member with enough authority and
// under the open-task cap. Empty means leave unassigned.
func (e Engine) seedAssignee(ctx context.Context, oc *opCtx, t domain.Task) (string, error) {
	userID, err := e.Repo.LastCompleterOfType(ctx, oc.tx, t.ContentItemID, t.Language, t.Type)
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	m, err := e.memberInOp(ctx, oc, userID)
	if err != nil || m == nil {
		return "", err
	}
	got := roles.EffectiveRole(m, oc.targetProject(), t.Language)
	if !roles.AtLeast(got, performerRole(oc.wf, t.Type)) {
		return "", nil
	}
	if max := oc.settings.Tasks.MaxPerMember; max > 0 {
		n, err := e.Repo.CountOpenAssigned(ctx, oc.tx, oc.team.ID, userID)
		if err != nil {
			return "", err
		}
		if n >= max {
			return "", nil
		}
	}
	return userID, nil
}

// healOpenTasks repairs the invariant breach of multiple open tasks
// for one (content item, language). Every duplicate is soft-deleted;
// the caller then treats its own reference as stale. Returns true when
// healing fired.
func (e Engine) healOpenTasks(ctx context.Context, oc *opCtx, language string) (bool, error) {
	open, err := e.Repo.OpenTasksForLanguage(ctx, oc.tx, oc.item.ID, language)
	if err != nil {
		return false, err
	}
	if len(open) <= 1 {
		return false, nil
	}
	log.Printf("task anomaly: %d open tasks for item=%s language=%s, deleting all", len(open), oc.item.ID, language)
	now := e.nowStr()
	for _, dup := range open {
		if err := e.Repo.SoftDeleteTask(ctx, oc.tx, dup.ID, now); err != nil {
			return false, err
		}
		if err := e.Events.Append(ctx, oc.tx, "task.anomaly-deleted", dup.TeamID, "task", dup.ID, "system", nil); err != nil {
			return false, err
		}
	}
	return true, nil
}

// SaveDraft records a new private version for an open work task and
// binds it as the task's work product. An unassigned task is claimed
// by the saving actor.
func (e Engine) SaveDraft(ctx context.Context, taskID, actorID string, complete bool) (domain.Version, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Version{}, StaleReferenceError{Kind: "task", ID: taskID}
		}
		return domain.Version{}, err
	}
	if !t.Open() {
		return domain.Version{}, StaleReferenceError{Kind: "task", ID: taskID}
	}
	if t.Type != domain.TaskSubtitle && t.Type != domain.TaskTranslate {
		return domain.Version{}, InvalidTransitionError{Reason: "only work tasks carry drafts"}
	}
	oc, err := e.beginOp(ctx, t.ContentItemID)
	if err != nil {
		return domain.Version{}, err
	}
	defer oc.tx.Rollback()
	if t.AssigneeID == nil {
		if err := e.checkAssignable(ctx, oc, t, actorID, actorID); err != nil {
			return domain.Version{}, err
		}
		t.AssigneeID = &actorID
		t.ExpiresAt = e.deadline(oc)
	} else if *t.AssigneeID != actorID {
		if err := e.requireRole(ctx, oc, actorID, t.Language, oc.settings.Tasks.AssignRole, "save draft on another's task"); err != nil {
			return domain.Version{}, err
		}
	}
	num, err := e.Repo.NextVersionNumber(ctx, oc.tx, t.ContentItemID, t.Language)
	if err != nil {
		return domain.Version{}, err
	}
	v := domain.Version{
		ID:             uuid.New().String(),
		ContentItemID:  t.ContentItemID,
		Language:       t.Language,
		Number:         num,
		CompleteSynced: complete,
		AuthorID:       actorID,
		CreatedAt:      e.nowStr(),
	}
	if err := e.Repo.InsertVersion(ctx, oc.tx, v); err != nil {
		return domain.Version{}, err
	}
	t.WorkVersionID = &v.ID
	t.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateTask(ctx, oc.tx, t); err != nil {
		return domain.Version{}, err
	}
	if err := e.Events.Append(ctx, oc.tx, "version.saved", t.TeamID, "version", v.ID, actorID, events.EventPayload{
		"language": v.Language, "number": v.Number, "complete": complete,
	}); err != nil {
		return domain.Version{}, err
	}
	if err := e.commit(oc); err != nil {
		return domain.Version{}, err
	}
	return v, nil
}
