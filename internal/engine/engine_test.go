package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"subline/internal/config"
	"subline/internal/db"
	"subline/internal/domain"
	"subline/internal/engine"
	"subline/internal/migrate"
	"subline/internal/notify"
	"subline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	TeamID string
}

const (
	owner = "owner-1"
	mgr   = "mgr-1"
	bob   = "bob"
	carol = "carol"
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, notify.NewDispatcher())
	eng.Now = func() time.Time { return time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	team, err := eng.CreateTeam(ctx, "studio", owner)
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	if err := eng.SetTeamWorkflowEnabled(ctx, team.ID, true, owner); err != nil {
		t.Fatalf("enable workflow: %v", err)
	}
	for user, role := range map[string]domain.Role{
		mgr:   domain.RoleManager,
		bob:   domain.RoleContributor,
		carol: domain.RoleContributor,
	} {
		if err := eng.AddMember(ctx, team.ID, user, role, owner); err != nil {
			t.Fatalf("add member %s: %v", user, err)
		}
	}
	s := config.Default(team.ID)
	s.PreferredLanguages = []string{"en", "fr"}
	if err := eng.Repo.UpsertTeamSettings(ctx, team.ID, s); err != nil {
		t.Fatalf("seed settings: %v", err)
	}
	return &testEnv{Engine: eng, Ctx: ctx, TeamID: team.ID}
}

func (env *testEnv) configure(t *testing.T, c domain.WorkflowConfig) {
	t.Helper()
	c.TeamID = env.TeamID
	if _, err := env.Engine.SetWorkflowConfig(env.Ctx, c, owner); err != nil {
		t.Fatalf("set workflow config: %v", err)
	}
}

func (env *testEnv) addItem(t *testing.T, title, primary string) domain.ContentItem {
	t.Helper()
	it, err := env.Engine.AddContentItem(env.Ctx, env.TeamID, "", title, primary, owner)
	if err != nil {
		t.Fatalf("add content: %v", err)
	}
	return it
}

func (env *testEnv) createTask(t *testing.T, itemID, lang string, typ domain.TaskType) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		TeamID: env.TeamID, ContentItemID: itemID, Language: lang, Type: typ, ActorID: owner,
	})
	if err != nil {
		t.Fatalf("create %s task: %v", typ, err)
	}
	return task
}

func (env *testEnv) openTasks(t *testing.T, itemID string) []domain.Task {
	t.Helper()
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{
		TeamID: env.TeamID, ContentItemID: itemID, OpenOnly: true,
	})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	return tasks
}

// draftComplete saves a complete draft as the given user and finishes
// the work task.
func (env *testEnv) draftComplete(t *testing.T, taskID, userID string) (domain.Task, domain.Version) {
	t.Helper()
	v, err := env.Engine.SaveDraft(env.Ctx, taskID, userID, true)
	if err != nil {
		t.Fatalf("save draft: %v", err)
	}
	done, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{TaskID: taskID, ActorID: userID})
	if err != nil {
		t.Fatalf("complete work task: %v", err)
	}
	return done, v
}

func TestWorkPublishesWithoutGates(t *testing.T) {
	env := newTestEnv(t)
	item := env.addItem(t, "Ep 1", "en")
	task := env.createTask(t, item.ID, "en", domain.TaskSubtitle)

	done, v := env.draftComplete(t, task.ID, bob)
	if done.CompletedAt == nil {
		t.Fatalf("task not terminated")
	}
	got, err := env.Engine.Repo.GetVersion(env.Ctx, v.ID)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if !got.Public {
		t.Fatalf("expected direct publication without review gates")
	}
	if open := env.openTasks(t, item.ID); len(open) != 0 {
		t.Fatalf("expected no open tasks, got %d", len(open))
	}
}

func TestSaveDraftClaimsUnassignedTask(t *testing.T) {
	env := newTestEnv(t)
	item := env.addItem(t, "Ep 1", "en")
	task := env.createTask(t, item.ID, "en", domain.TaskSubtitle)

	if _, err := env.Engine.SaveDraft(env.Ctx, task.ID, bob, false); err != nil {
		t.Fatalf("save draft: %v", err)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AssigneeID == nil || *got.AssigneeID != bob {
		t.Fatalf("expected task claimed by %s", bob)
	}
	if got.ExpiresAt == nil {
		t.Fatalf("expected deadline on claim")
	}
}

func TestReviewGateOpensReviewTask(t *testing.T) {
	env := newTestEnv(t)
	env.configure(t, domain.WorkflowConfig{ReviewRequirement: domain.RequirePeer})
	item := env.addItem(t, "Ep 1", "en")
	task := env.createTask(t, item.ID, "en", domain.TaskSubtitle)

	_, v := env.draftComplete(t, task.ID, bob)
	open := env.openTasks(t, item.ID)
	if len(open) != 1 || open[0].Type != domain.TaskReview {
		t.Fatalf("expected one open review task, got %+v", open)
	}
	if open[0].ReviewBaseVersionID == nil || *open[0].ReviewBaseVersionID != v.ID {
		t.Fatalf("review task not pinned to the submitted draft")
	}
	got, err := env.Engine.Repo.GetVersion(env.Ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Public {
		t.Fatalf("draft published despite review gate")
	}
}

func TestReviewApprovedPublishes(t *testing.T) {
	env := newTestEnv(t)
	env.configure(t, domain.WorkflowConfig{ReviewRequirement: domain.RequirePeer})
	item := env.addItem(t, "Ep 1", "en")
	task := env.createTask(t, item.ID, "en", domain.TaskSubtitle)
	_, v := env.draftComplete(t, task.ID, bob)

	review := env.openTasks(t, item.ID)[0]
	done, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{
		TaskID: review.ID, ActorID: mgr, Outcome: domain.OutcomeApproved,
	})
	if err != nil {
		t.Fatalf("complete review: %v", err)
	}
	if done.Outcome != domain.OutcomeApproved {
		t.Fatalf("outcome not recorded")
	}
	got, _ := env.Engine.Repo.GetVersion(env.Ctx, v.ID)
	if !got.Public {
		t.Fatalf("approved version not published")
	}
	if open := env.openTasks(t, item.ID); len(open) != 0 {
		t.Fatalf("expected pipeline drained, got %d open", len(open))
	}
}

func TestReviewRejectedSendsBackToAuthor(t *testing.T) {
	env := newTestEnv(t)
	env.configure(t, domain.WorkflowConfig{ReviewRequirement: domain.RequirePeer})
	item := env.addItem(t, "Ep 1", "en")
	task := env.createTask(t, item.ID, "en", domain.TaskSubtitle)
	env.draftComplete(t, task.ID, bob)

	review := env.openTasks(t, item.ID)[0]
	if _, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{
		TaskID: review.ID, ActorID: mgr, Outcome: domain.OutcomeRejected,
	}); err != nil {
		t.Fatalf("reject review: %v", err)
	}
	open := env.openTasks(t, item.ID)
	if len(open) != 1 || open[0].Type != domain.TaskSubtitle {
		t.Fatalf("expected a fresh subtitle task, got %+v", open)
	}
	// The previous author is still an eligible member, so the send-back
	// lands on their desk.
	if open[0].AssigneeID == nil || *open[0].AssigneeID != bob {
		t.Fatalf("expected send-back seeded to %s", bob)
	}
}

func TestApproveRejectedReturnsToReview(t *testing.T) {
	env := newTestEnv(t)
	env.configure(t, domain.WorkflowConfig{
		ReviewRequirement:  domain.RequirePeer,
		ApproveRequirement: domain.RequireManager,
	})
	item := env.addItem(t, "Ep 1", "en")
	task := env.createTask(t, item.ID, "en", domain.TaskSubtitle)
	_, v := env.draftComplete(t, task.ID, bob)

	review := env.openTasks(t, item.ID)[0]
	if _, err := env.Engine.AssignTask(env.Ctx, review.ID, carol, carol); err != nil {
		t.Fatalf("self-assign review: %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{
		TaskID: review.ID, ActorID: carol, Outcome: domain.OutcomeApproved,
	}); err != nil {
		t.Fatalf("peer review: %v", err)
	}
	approve := env.openTasks(t, item.ID)[0]
	if approve.Type != domain.TaskApprove {
		t.Fatalf("expected approve stage, got %s", approve.Type)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{
		TaskID: approve.ID, ActorID: mgr, Outcome: domain.OutcomeRejected,
	}); err != nil {
		t.Fatalf("reject approval: %v", err)
	}
	open := env.openTasks(t, item.ID)
	if len(open) != 1 || open[0].Type != domain.TaskReview {
		t.Fatalf("expected rejection to fall back to review, got %+v", open)
	}
	if open[0].ReviewBaseVersionID == nil || *open[0].ReviewBaseVersionID != v.ID {
		t.Fatalf("fallback review not judging the rejected version")
	}
}

func TestOneOpenTaskPerLanguage(t *testing.T) {
	env := newTestEnv(t)
	item := env.addItem(t, "Ep 1", "en")
	env.createTask(t, item.ID, "en", domain.TaskSubtitle)

	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		TeamID: env.TeamID, ContentItemID: item.ID, Language: "en", Type: domain.TaskTranslate, ActorID: owner,
	})
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected invalid transition for duplicate open task, got %v", err)
	}
	// A different language is unaffected.
	env.createTask(t, item.ID, "fr", domain.TaskTranslate)
}

func TestReviewBaseSurvivesReassignment(t *testing.T) {
	env := newTestEnv(t)
	env.configure(t, domain.WorkflowConfig{ReviewRequirement: domain.RequirePeer})
	item := env.addItem(t, "Ep 1", "en")
	task := env.createTask(t, item.ID, "en", domain.TaskSubtitle)
	_, v := env.draftComplete(t, task.ID, bob)

	review := env.openTasks(t, item.ID)[0]
	if _, err := env.Engine.AssignTask(env.Ctx, review.ID, carol, mgr); err != nil {
		t.Fatalf("assign review: %v", err)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, review.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ReviewBaseVersionID == nil || *got.ReviewBaseVersionID != v.ID {
		t.Fatalf("review base changed across update")
	}
}

func TestReviewRequiresOutcome(t *testing.T) {
	env := newTestEnv(t)
	env.configure(t, domain.WorkflowConfig{ReviewRequirement: domain.RequirePeer})
	item := env.addItem(t, "Ep 1", "en")
	task := env.createTask(t, item.ID, "en", domain.TaskSubtitle)
	env.draftComplete(t, task.ID, bob)

	review := env.openTasks(t, item.ID)[0]
	_, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{TaskID: review.ID, ActorID: mgr})
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected invalid transition without outcome, got %v", err)
	}
}

func TestManagerReviewRequirementBlocksContributor(t *testing.T) {
	env := newTestEnv(t)
	env.configure(t, domain.WorkflowConfig{ReviewRequirement: domain.RequireManager})
	item := env.addItem(t, "Ep 1", "en")
	task := env.createTask(t, item.ID, "en", domain.TaskSubtitle)
	env.draftComplete(t, task.ID, bob)

	review := env.openTasks(t, item.ID)[0]
	_, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{
		TaskID: review.ID, ActorID: carol, Outcome: domain.OutcomeApproved,
	})
	var nae engine.NotAuthorizedError
	if !errors.As(err, &nae) {
		t.Fatalf("expected authorization failure for contributor judge, got %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{
		TaskID: review.ID, ActorID: mgr, Outcome: domain.OutcomeApproved,
	}); err != nil {
		t.Fatalf("manager judge: %v", err)
	}
}

func TestOutsiderCannotCreateTask(t *testing.T) {
	env := newTestEnv(t)
	item := env.addItem(t, "Ep 1", "en")
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		TeamID: env.TeamID, ContentItemID: item.ID, Language: "en", Type: domain.TaskSubtitle, ActorID: "stranger",
	})
	var nae engine.NotAuthorizedError
	if !errors.As(err, &nae) {
		t.Fatalf("expected authorization failure, got %v", err)
	}
}

func TestLanguageNarrowingDemotesElsewhere(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.NarrowMember(env.Ctx, domain.Narrowing{
		TeamID: env.TeamID, UserID: mgr, Language: "de",
	}, owner); err != nil {
		t.Fatalf("narrow: %v", err)
	}
	item := env.addItem(t, "Ep 1", "en")
	// Outside the narrowed language the manager acts as a contributor
	// and falls short of the create threshold.
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		TeamID: env.TeamID, ContentItemID: item.ID, Language: "en", Type: domain.TaskSubtitle, ActorID: mgr,
	})
	var nae engine.NotAuthorizedError
	if !errors.As(err, &nae) {
		t.Fatalf("expected demotion outside narrowing, got %v", err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		TeamID: env.TeamID, ContentItemID: item.ID, Language: "de", Type: domain.TaskSubtitle, ActorID: mgr,
	}); err != nil {
		t.Fatalf("create inside narrowing: %v", err)
	}
}

func TestExpireSweepIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	item := env.addItem(t, "Ep 1", "en")
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		TeamID: env.TeamID, ContentItemID: item.ID, Language: "en",
		Type: domain.TaskSubtitle, AssigneeID: bob, ActorID: owner,
	})
	if err != nil {
		t.Fatal(err)
	}
	env.Engine.Now = func() time.Time { return time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC) }
	n, err := env.Engine.ExpireSweep(env.Ctx)
	if err != nil || n != 1 {
		t.Fatalf("first sweep: n=%d err=%v", n, err)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.AssigneeID != nil || got.ExpiresAt != nil {
		t.Fatalf("assignment not cleared")
	}
	n, err = env.Engine.ExpireSweep(env.Ctx)
	if err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
}

func TestFanOutOnPrimaryPublish(t *testing.T) {
	env := newTestEnv(t)
	env.configure(t, domain.WorkflowConfig{AutocreateTranslate: true})
	item := env.addItem(t, "Ep 1", "en")
	task := env.createTask(t, item.ID, "en", domain.TaskSubtitle)

	env.draftComplete(t, task.ID, bob)
	open := env.openTasks(t, item.ID)
	if len(open) != 1 || open[0].Type != domain.TaskTranslate || open[0].Language != "fr" {
		t.Fatalf("expected a translate task for fr, got %+v", open)
	}
}

func TestAutocreateSubtitleOnContentAdd(t *testing.T) {
	env := newTestEnv(t)
	env.configure(t, domain.WorkflowConfig{AutocreateSubtitle: true})
	item := env.addItem(t, "Ep 1", "en")
	open := env.openTasks(t, item.ID)
	if len(open) != 1 || open[0].Type != domain.TaskSubtitle || open[0].Language != "en" {
		t.Fatalf("expected subtitle task for the primary language, got %+v", open)
	}
}

func TestFastPathSkipsRepeatReview(t *testing.T) {
	env := newTestEnv(t)
	env.configure(t, domain.WorkflowConfig{ReviewRequirement: domain.RequirePeer})
	item := env.addItem(t, "Ep 1", "en")

	// First cycle passes judgement the slow way.
	task := env.createTask(t, item.ID, "en", domain.TaskSubtitle)
	env.draftComplete(t, task.ID, bob)
	review := env.openTasks(t, item.ID)[0]
	if _, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{
		TaskID: review.ID, ActorID: mgr, Outcome: domain.OutcomeApproved,
	}); err != nil {
		t.Fatal(err)
	}

	// Second cycle: complete public predecessor plus a prior approval
	// lets the revision publish without another review round.
	task = env.createTask(t, item.ID, "en", domain.TaskSubtitle)
	_, v := env.draftComplete(t, task.ID, bob)
	got, err := env.Engine.Repo.GetVersion(env.Ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Public {
		t.Fatalf("expected fast-path publication")
	}
	if open := env.openTasks(t, item.ID); len(open) != 0 {
		t.Fatalf("fast path still opened a task: %+v", open)
	}
}

func TestItemMandateDisablesFastPath(t *testing.T) {
	env := newTestEnv(t)
	env.configure(t, domain.WorkflowConfig{ReviewRequirement: domain.RequirePeer})
	item := env.addItem(t, "Ep 1", "en")
	env.configure(t, domain.WorkflowConfig{ContentItemID: item.ID, ReviewRequirement: domain.RequirePeer})

	task := env.createTask(t, item.ID, "en", domain.TaskSubtitle)
	env.draftComplete(t, task.ID, bob)
	review := env.openTasks(t, item.ID)[0]
	if _, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{
		TaskID: review.ID, ActorID: mgr, Outcome: domain.OutcomeApproved,
	}); err != nil {
		t.Fatal(err)
	}

	task = env.createTask(t, item.ID, "en", domain.TaskSubtitle)
	env.draftComplete(t, task.ID, bob)
	open := env.openTasks(t, item.ID)
	if len(open) != 1 || open[0].Type != domain.TaskReview {
		t.Fatalf("item-level mandate must force review every cycle, got %+v", open)
	}
}

func TestHealDeletesAllDuplicates(t *testing.T) {
	env := newTestEnv(t)
	item := env.addItem(t, "Ep 1", "en")
	a := env.createTask(t, item.ID, "en", domain.TaskSubtitle)

	// Forge the anomaly the unique index normally forbids.
	if _, err := env.Engine.DB.Exec(`DROP INDEX idx_tasks_one_open`); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	b := env.createTask(t, item.ID, "en", domain.TaskSubtitle)

	_, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{TaskID: a.ID, ActorID: owner})
	var sre engine.StaleReferenceError
	if !errors.As(err, &sre) {
		t.Fatalf("expected stale reference after healing, got %v", err)
	}
	for _, id := range []string{a.ID, b.ID} {
		got, err := env.Engine.Repo.GetTask(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Deleted {
			t.Fatalf("duplicate %s not soft-deleted", id)
		}
	}
}

func TestLanguageEmptiedReopensDrafting(t *testing.T) {
	env := newTestEnv(t)
	env.configure(t, domain.WorkflowConfig{AutocreateSubtitle: true, ReviewRequirement: domain.RequirePeer})
	item := env.addItem(t, "Ep 1", "en")
	task := env.openTasks(t, item.ID)[0]
	env.draftComplete(t, task.ID, bob)

	// The review task is now judging a version that just vanished.
	if err := env.Engine.OnLanguageEmptied(env.Ctx, item.ID, "en"); err != nil {
		t.Fatalf("on language emptied: %v", err)
	}
	open := env.openTasks(t, item.ID)
	if len(open) != 1 || open[0].Type != domain.TaskSubtitle {
		t.Fatalf("expected judging task replaced by drafting task, got %+v", open)
	}
}

func TestDeleteTaskRequiresThreshold(t *testing.T) {
	env := newTestEnv(t)
	item := env.addItem(t, "Ep 1", "en")
	task := env.createTask(t, item.ID, "en", domain.TaskSubtitle)

	err := env.Engine.DeleteTask(env.Ctx, task.ID, mgr, false)
	var nae engine.NotAuthorizedError
	if !errors.As(err, &nae) {
		t.Fatalf("expected manager below delete threshold, got %v", err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, task.ID, owner, false); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	_, err = env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{TaskID: task.ID, ActorID: owner})
	var sre engine.StaleReferenceError
	if !errors.As(err, &sre) {
		t.Fatalf("expected stale reference on deleted task, got %v", err)
	}
}

func TestMaxPerMemberCap(t *testing.T) {
	env := newTestEnv(t)
	s := config.Default(env.TeamID)
	s.PreferredLanguages = []string{"en", "fr"}
	s.Tasks.MaxPerMember = 1
	if err := env.Engine.Repo.UpsertTeamSettings(env.Ctx, env.TeamID, s); err != nil {
		t.Fatal(err)
	}
	item := env.addItem(t, "Ep 1", "en")
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		TeamID: env.TeamID, ContentItemID: item.ID, Language: "en",
		Type: domain.TaskSubtitle, AssigneeID: bob, ActorID: owner,
	}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		TeamID: env.TeamID, ContentItemID: item.ID, Language: "fr",
		Type: domain.TaskTranslate, AssigneeID: bob, ActorID: owner,
	})
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected cap violation, got %v", err)
	}
}

// Guard reads run against the operation's own transaction, so a full
// lifecycle must go through even when the pool has a single connection.
func TestGuardedOpsRunOnSingleConnection(t *testing.T) {
	env := newTestEnv(t)
	item := env.addItem(t, "Ep 1", "en")
	env.Engine.DB.SetMaxOpenConns(1)

	done := make(chan error, 1)
	go func() {
		task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
			TeamID: env.TeamID, ContentItemID: item.ID, Language: "en",
			Type: domain.TaskSubtitle, AssigneeID: bob, ActorID: owner,
		})
		if err != nil {
			done <- err
			return
		}
		if _, err := env.Engine.SaveDraft(env.Ctx, task.ID, bob, true); err != nil {
			done <- err
			return
		}
		_, err = env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{TaskID: task.ID, ActorID: bob})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("lifecycle on a single connection: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("lifecycle blocked waiting for a pool connection")
	}
}

func TestNonPrimaryPublishAlsoFansOut(t *testing.T) {
	env := newTestEnv(t)
	s := config.Default(env.TeamID)
	s.PreferredLanguages = []string{"en", "fr", "de"}
	if err := env.Engine.Repo.UpsertTeamSettings(env.Ctx, env.TeamID, s); err != nil {
		t.Fatal(err)
	}
	env.configure(t, domain.WorkflowConfig{AutocreateTranslate: true})
	item := env.addItem(t, "Ep 1", "en")
	sub := env.createTask(t, item.ID, "en", domain.TaskSubtitle)
	env.draftComplete(t, sub.ID, bob)

	var frTask, deTask domain.Task
	for _, open := range env.openTasks(t, item.ID) {
		switch open.Language {
		case "fr":
			frTask = open
		case "de":
			deTask = open
		}
	}
	if frTask.ID == "" || deTask.ID == "" {
		t.Fatalf("expected fr and de translate tasks after primary publish")
	}
	if err := env.Engine.DeleteTask(env.Ctx, deTask.ID, owner, false); err != nil {
		t.Fatal(err)
	}

	// Publishing a non-primary language must fan out too: de lost its
	// task above and is still incomplete.
	env.draftComplete(t, frTask.ID, bob)
	open := env.openTasks(t, item.ID)
	if len(open) != 1 || open[0].Language != "de" || open[0].Type != domain.TaskTranslate {
		t.Fatalf("expected publication of fr to reopen a de translate task, got %+v", open)
	}
}

func TestApproveApprovedFansOutTranslate(t *testing.T) {
	env := newTestEnv(t)
	env.configure(t, domain.WorkflowConfig{
		ReviewRequirement:   domain.RequirePeer,
		ApproveRequirement:  domain.RequireManager,
		AutocreateTranslate: true,
	})
	item := env.addItem(t, "Ep 1", "en")
	sub := env.createTask(t, item.ID, "en", domain.TaskSubtitle)
	env.draftComplete(t, sub.ID, bob)

	review := env.openTasks(t, item.ID)[0]
	if review.Type != domain.TaskReview {
		t.Fatalf("expected review task, got %s", review.Type)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{
		TaskID: review.ID, ActorID: mgr, Outcome: domain.OutcomeApproved,
	}); err != nil {
		t.Fatalf("approve review: %v", err)
	}
	approve := env.openTasks(t, item.ID)[0]
	if approve.Type != domain.TaskApprove {
		t.Fatalf("expected approve task, got %s", approve.Type)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{
		TaskID: approve.ID, ActorID: mgr, Outcome: domain.OutcomeApproved,
	}); err != nil {
		t.Fatalf("approve approve: %v", err)
	}

	open := env.openTasks(t, item.ID)
	if len(open) != 1 || open[0].Type != domain.TaskTranslate || open[0].Language != "fr" {
		t.Fatalf("expected exactly one fr translate task after final approval, got %+v", open)
	}
}

func TestSendBackSeedsActualCompleter(t *testing.T) {
	env := newTestEnv(t)
	env.configure(t, domain.WorkflowConfig{ReviewRequirement: domain.RequirePeer})
	item := env.addItem(t, "Ep 1", "en")
	task := env.createTask(t, item.ID, "en", domain.TaskSubtitle)

	if _, err := env.Engine.SaveDraft(env.Ctx, task.ID, bob, true); err != nil {
		t.Fatalf("save draft: %v", err)
	}
	// A manager wraps up the stalled work task on bob's behalf.
	done, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{TaskID: task.ID, ActorID: mgr})
	if err != nil {
		t.Fatalf("complete as manager: %v", err)
	}
	if done.CompletedBy == nil || *done.CompletedBy != mgr {
		t.Fatalf("completing actor not recorded, got %v", done.CompletedBy)
	}

	review := env.openTasks(t, item.ID)[0]
	if _, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{
		TaskID: review.ID, ActorID: mgr, Outcome: domain.OutcomeRejected,
	}); err != nil {
		t.Fatalf("reject review: %v", err)
	}
	succ := env.openTasks(t, item.ID)[0]
	if succ.Type != domain.TaskSubtitle {
		t.Fatalf("expected drafting successor, got %s", succ.Type)
	}
	if succ.AssigneeID == nil || *succ.AssigneeID != mgr {
		t.Fatalf("send-back must target the member who completed the stage, got %v", succ.AssigneeID)
	}
}

func TestLanguageEmptiedRejectsWhenStillPublished(t *testing.T) {
	env := newTestEnv(t)
	item := env.addItem(t, "Ep 1", "en")
	task := env.createTask(t, item.ID, "en", domain.TaskSubtitle)
	env.draftComplete(t, task.ID, bob)

	err := env.Engine.OnLanguageEmptied(env.Ctx, item.ID, "en")
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected emptied declaration rejected while versions are published, got %v", err)
	}
}

func TestLanguageCompletedMarksTipComplete(t *testing.T) {
	env := newTestEnv(t)
	item := env.addItem(t, "Ep 1", "en")
	task := env.createTask(t, item.ID, "en", domain.TaskSubtitle)
	v, err := env.Engine.SaveDraft(env.Ctx, task.ID, bob, false)
	if err != nil {
		t.Fatalf("save draft: %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{TaskID: task.ID, ActorID: bob}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// en is published but was never flagged complete at save time; an
	// unstarted fr translation still points at the stale source.
	fr := env.createTask(t, item.ID, "fr", domain.TaskTranslate)

	if err := env.Engine.OnLanguageCompleted(env.Ctx, item.ID, "en"); err != nil {
		t.Fatalf("on language completed: %v", err)
	}
	got, err := env.Engine.Repo.GetVersion(env.Ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.CompleteSynced {
		t.Fatalf("published tip not marked complete")
	}
	gotFr, err := env.Engine.Repo.GetTask(env.Ctx, fr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !gotFr.Deleted {
		t.Fatalf("unstarted translation against the stale source not dropped")
	}
}

func TestSetDefaultProjectOwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateProject(env.Ctx, env.TeamID, "films", owner)
	if err != nil {
		t.Fatal(err)
	}
	err = env.Engine.SetDefaultProject(env.Ctx, env.TeamID, p.ID, mgr)
	var nae engine.NotAuthorizedError
	if !errors.As(err, &nae) {
		t.Fatalf("expected manager below owner threshold, got %v", err)
	}
	if err := env.Engine.SetDefaultProject(env.Ctx, env.TeamID, p.ID, owner); err != nil {
		t.Fatalf("set default project: %v", err)
	}
	team, err := env.Engine.Repo.GetTeam(env.Ctx, env.TeamID)
	if err != nil {
		t.Fatal(err)
	}
	if team.DefaultProjectID != p.ID {
		t.Fatalf("default project not updated, got %s", team.DefaultProjectID)
	}
}

func TestClearWorkflowConfigRestoresDefault(t *testing.T) {
	env := newTestEnv(t)
	env.configure(t, domain.WorkflowConfig{ReviewRequirement: domain.RequirePeer})
	item := env.addItem(t, "Ep 1", "en")
	if err := env.Engine.ClearWorkflowConfig(env.Ctx, env.TeamID, "", "", owner); err != nil {
		t.Fatalf("clear config: %v", err)
	}

	task := env.createTask(t, item.ID, "en", domain.TaskSubtitle)
	_, v := env.draftComplete(t, task.ID, bob)
	got, err := env.Engine.Repo.GetVersion(env.Ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Public {
		t.Fatalf("expected direct publication after clearing the review gate")
	}

	err = env.Engine.ClearWorkflowConfig(env.Ctx, env.TeamID, "", "", owner)
	var sre engine.StaleReferenceError
	if !errors.As(err, &sre) {
		t.Fatalf("expected stale reference on second clear, got %v", err)
	}
}
