package engine

import (
	"context"
	"errors"

	"subline/internal/domain"
	"subline/internal/events"
	"subline/internal/repo"
)

// OnContentAddedToTeam seeds the pipeline for a newly attached content
// item according to the governing workflow's autocreate flags.
func (e Engine) OnContentAddedToTeam(ctx context.Context, itemID string) error {
	oc, err := e.beginOp(ctx, itemID)
	if err != nil {
		return err
	}
	defer oc.tx.Rollback()

	anyPublic, err := e.Repo.AnyPublicVersion(ctx, oc.tx, oc.item.ID)
	if err != nil {
		return err
	}
	if oc.wf.AutocreateSubtitle && !anyPublic {
		exists, err := e.Repo.AnyTaskExists(ctx, oc.tx, oc.item.ID)
		if err != nil {
			return err
		}
		if !exists {
			if _, err := e.autoOpen(ctx, oc, oc.item.PrimaryLanguage, domain.TaskSubtitle, nil); err != nil {
				return err
			}
		}
	}
	if oc.wf.AutocreateTranslate && anyPublic {
		if err := e.fanOutTranslations(ctx, oc, oc.item.PrimaryLanguage); err != nil {
			return err
		}
	}
	return e.commit(oc)
}

// OnLanguageEmptied reacts to a language losing all published versions:
// judging tasks for it are stale and deleted, and a fresh drafting task
// is opened when the autocreate flags permit one.
func (e Engine) OnLanguageEmptied(ctx context.Context, itemID, language string) error {
	oc, err := e.beginOp(ctx, itemID)
	if err != nil {
		return err
	}
	defer oc.tx.Rollback()

	empty, err := e.Repo.LanguageEmpty(ctx, oc.tx, oc.item.ID, language)
	if err != nil {
		return err
	}
	if !empty {
		return InvalidTransitionError{Reason: language + " still has published versions"}
	}
	open, err := e.Repo.OpenTasksForLanguage(ctx, oc.tx, oc.item.ID, language)
	if err != nil {
		return err
	}
	now := e.nowStr()
	remaining := 0
	for _, t := range open {
		if t.Type == domain.TaskReview || t.Type == domain.TaskApprove {
			if err := e.Repo.SoftDeleteTask(ctx, oc.tx, t.ID, now); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, oc.tx, "task.stale-deleted", t.TeamID, "task", t.ID, "system", events.EventPayload{
				"reason": "language emptied", "language": language,
			}); err != nil {
				return err
			}
			continue
		}
		remaining++
	}
	if remaining == 0 {
		target := e.workTaskType(oc, language)
		allowed := oc.wf.AutocreateSubtitle
		if target == domain.TaskTranslate {
			allowed = oc.wf.AutocreateTranslate
		}
		if allowed {
			if _, err := e.autoOpen(ctx, oc, language, target, nil); err != nil {
				return err
			}
		}
	}
	return e.commit(oc)
}

// OnLanguageCompleted records a language becoming complete and synced:
// the published tip is marked complete. When the language is then the
// sole complete source, unstarted translate tasks for other languages
// were drafted against a poorer source and are dropped; a later fan-out
// recreates them against the fresh one. Tasks with saved work are left
// alone.
func (e Engine) OnLanguageCompleted(ctx context.Context, itemID, language string) error {
	oc, err := e.beginOp(ctx, itemID)
	if err != nil {
		return err
	}
	defer oc.tx.Rollback()

	tip, err := e.Repo.TipVersion(ctx, oc.tx, oc.item.ID, language, true)
	if errors.Is(err, repo.ErrNotFound) {
		return InvalidTransitionError{Reason: "no published version for " + language}
	}
	if err != nil {
		return err
	}
	if !tip.CompleteSynced {
		if err := e.Repo.SetVersionCompleteSynced(ctx, oc.tx, tip.ID, true); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, oc.tx, "language.completed", oc.team.ID, "version", tip.ID, "system", events.EventPayload{
			"language": language,
		}); err != nil {
			return err
		}
	}
	complete, err := e.Repo.CompleteLanguages(ctx, oc.tx, oc.item.ID)
	if err != nil {
		return err
	}
	sole := len(complete) == 1 && complete[0] == language
	if !sole {
		return e.commit(oc)
	}
	open, err := e.Repo.OpenTasksForItem(ctx, oc.tx, oc.item.ID)
	if err != nil {
		return err
	}
	now := e.nowStr()
	for _, t := range open {
		if t.Language == language || t.Type != domain.TaskTranslate || t.WorkVersionID != nil {
			continue
		}
		if err := e.Repo.SoftDeleteTask(ctx, oc.tx, t.ID, now); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, oc.tx, "task.stale-deleted", t.TeamID, "task", t.ID, "system", events.EventPayload{
			"reason": "source language completed", "language": t.Language,
		}); err != nil {
			return err
		}
	}
	return e.commit(oc)
}
