package engine_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"smokestack/internal/db"
	"smokestack/internal/domain"
	"smokestack/internal/engine"
	engineauth "smokestack/internal/engine/auth"
	"smokestack/internal/events"
	"smokestack/internal/history"
	"smokestack/internal/store"
)

type testEnv struct {
	Engine *engine.Engine
	Store  *store.Store
	Bus    *events.Bus
	Ctx    context.Context
	clock  time.Time
}

func (e *testEnv) advance(d time.Duration) { e.clock = e.clock.Add(d) }

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	hist, err := history.Open(conn)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}

	st := store.New()
	bus := events.NewBus(st, 8)
	checker := engineauth.Checker{Groups: st, Components: st, AdminGroups: []string{"admins"}}
	eng := engine.New(st, hist, nil, bus, checker)

	env := &testEnv{Engine: eng, Store: st, Bus: bus, Ctx: context.Background(), clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng.Now = func() time.Time { return env.clock }
	return env
}

func mustCreate(t *testing.T, env *testEnv, in engine.CreateInput, actor string) domain.Operation {
	t.Helper()
	op, err := env.Engine.Create(env.Ctx, in, actor)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return op
}

func TestKernelUpdateHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.Store.PutComponent(domain.Component{Name: "edge-fleet"})

	op := mustCreate(t, env, engine.CreateInput{
		Title:      "kernel update: edge fleet",
		Components: []string{"edge-fleet"},
		Locks:      []string{"edge-fleet"},
		Operators:  []string{"sre-1"},
	}, "sre-1")

	op, err := env.Engine.Transition(env.Ctx, op.ID, domain.StatusInProgress, "sre-1", "starting rollout")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if op.Status != domain.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", op.Status)
	}
	if op.StartsAt == nil || !op.StartsAt.Equal(env.clock) {
		t.Fatalf("starts_at not stamped on entry: %+v", op.StartsAt)
	}

	env.advance(time.Hour)
	op, err = env.Engine.Transition(env.Ctx, op.ID, domain.StatusCompleted, "sre-1", "done")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if op.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", op.Status)
	}
	if op.EndsAt == nil || !op.EndsAt.Equal(env.clock) {
		t.Fatalf("ends_at not stamped on terminal entry: %+v", op.EndsAt)
	}
	if _, held := env.Store.LockHolder("edge-fleet"); held {
		t.Fatalf("lock still held after terminal transition")
	}
}

func TestDependencyBlocksStart(t *testing.T) {
	env := newTestEnv(t)
	env.Store.PutComponent(domain.Component{Name: "svc-a"})

	dep := mustCreate(t, env, engine.CreateInput{Title: "migration", Components: []string{"svc-a"}}, "op-1")
	main := mustCreate(t, env, engine.CreateInput{Title: "deploy", Components: []string{"svc-a"}, DependsOn: []int64{dep.ID}}, "op-1")

	if _, err := env.Engine.Transition(env.Ctx, main.ID, domain.StatusInProgress, "op-1", ""); err == nil {
		t.Fatalf("expected dependency_pending error")
	}

	if _, err := env.Engine.Transition(env.Ctx, dep.ID, domain.StatusInProgress, "op-1", ""); err != nil {
		t.Fatalf("start dep: %v", err)
	}
	if _, err := env.Engine.Transition(env.Ctx, dep.ID, domain.StatusCompleted, "op-1", ""); err != nil {
		t.Fatalf("complete dep: %v", err)
	}

	if _, err := env.Engine.Transition(env.Ctx, main.ID, domain.StatusInProgress, "op-1", ""); err != nil {
		t.Fatalf("main should now start: %v", err)
	}
}

func TestDependencyUnsatisfiableOnCancel(t *testing.T) {
	env := newTestEnv(t)
	env.Store.PutComponent(domain.Component{Name: "svc-a"})

	dep := mustCreate(t, env, engine.CreateInput{Title: "migration", Components: []string{"svc-a"}}, "op-1")
	main := mustCreate(t, env, engine.CreateInput{Title: "deploy", Components: []string{"svc-a"}, DependsOn: []int64{dep.ID}}, "op-1")

	if _, err := env.Engine.Transition(env.Ctx, dep.ID, domain.StatusCanceled, "op-1", ""); err != nil {
		t.Fatalf("cancel dep: %v", err)
	}
	_, err := env.Engine.Transition(env.Ctx, main.ID, domain.StatusInProgress, "op-1", "")
	if err == nil {
		t.Fatalf("expected dependency_unsatisfiable error")
	}
}

func TestLockConflictBetweenOperations(t *testing.T) {
	env := newTestEnv(t)
	env.Store.PutComponent(domain.Component{Name: "db-primary"})

	first := mustCreate(t, env, engine.CreateInput{Title: "op 123", Components: []string{"db-primary"}, Locks: []string{"db-primary"}}, "op-1")
	second := mustCreate(t, env, engine.CreateInput{Title: "op 124", Components: []string{"db-primary"}, Locks: []string{"db-primary"}}, "op-1")

	if _, err := env.Engine.Transition(env.Ctx, first.ID, domain.StatusInProgress, "op-1", ""); err != nil {
		t.Fatalf("start first: %v", err)
	}
	if _, err := env.Engine.Transition(env.Ctx, second.ID, domain.StatusInProgress, "op-1", ""); err == nil {
		t.Fatalf("expected lock_conflict starting second op while first holds the lock")
	}

	if _, err := env.Engine.Transition(env.Ctx, first.ID, domain.StatusCompleted, "op-1", ""); err != nil {
		t.Fatalf("complete first: %v", err)
	}
	if _, err := env.Engine.Transition(env.Ctx, second.ID, domain.StatusInProgress, "op-1", ""); err != nil {
		t.Fatalf("second op should now acquire the lock: %v", err)
	}
}

func TestLockConflictAgainstUnlockedInFlightOperation(t *testing.T) {
	env := newTestEnv(t)
	env.Store.PutComponent(domain.Component{Name: "db-primary"})

	unlocked := mustCreate(t, env, engine.CreateInput{Title: "read-only check", Components: []string{"db-primary"}}, "op-1")
	locker := mustCreate(t, env, engine.CreateInput{Title: "schema migration", Components: []string{"db-primary"}, Locks: []string{"db-primary"}}, "op-1")

	if _, err := env.Engine.Transition(env.Ctx, unlocked.ID, domain.StatusInProgress, "op-1", ""); err != nil {
		t.Fatalf("start unlocked op: %v", err)
	}
	if _, err := env.Engine.Transition(env.Ctx, locker.ID, domain.StatusInProgress, "op-1", ""); err == nil {
		t.Fatalf("expected lock_conflict acquiring an exclusive lock while another op is in flight on the same component")
	}

	if _, err := env.Engine.Transition(env.Ctx, unlocked.ID, domain.StatusCompleted, "op-1", ""); err != nil {
		t.Fatalf("complete unlocked op: %v", err)
	}
	if _, err := env.Engine.Transition(env.Ctx, locker.ID, domain.StatusInProgress, "op-1", ""); err != nil {
		t.Fatalf("locker should acquire once the other op is terminal: %v", err)
	}
}

func TestApprovalQuorum(t *testing.T) {
	env := newTestEnv(t)
	env.Store.PutGroup(domain.Group{Name: "db-admins", Members: []string{"alice", "bob", "carol"}})
	env.Store.PutComponent(domain.Component{Name: "billing-db", RequiresApprovalBy: "db-admins", RequiredApprovals: 2})

	op := mustCreate(t, env, engine.CreateInput{Title: "schema migration", Components: []string{"billing-db"}}, "op-1")

	if _, err := env.Engine.Transition(env.Ctx, op.ID, domain.StatusInProgress, "op-1", ""); err == nil {
		t.Fatalf("expected needs_approval with zero approvals")
	}

	if _, err := env.Engine.Approve(env.Ctx, op.ID, "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.Engine.Transition(env.Ctx, op.ID, domain.StatusInProgress, "op-1", ""); err == nil {
		t.Fatalf("expected needs_approval with only one approval")
	}

	if _, err := env.Engine.Approve(env.Ctx, op.ID, "alice"); err != nil {
		t.Fatalf("repeat approve should be idempotent: %v", err)
	}
	updated, err := env.Engine.Approve(env.Ctx, op.ID, "bob")
	if err != nil {
		t.Fatalf("approve bob: %v", err)
	}
	if len(updated.ApprovedBy) != 2 {
		t.Fatalf("approved_by = %v, want 2 entries", updated.ApprovedBy)
	}
	if _, err := env.Engine.Transition(env.Ctx, op.ID, domain.StatusInProgress, "op-1", ""); err != nil {
		t.Fatalf("should start with quorum satisfied: %v", err)
	}
}

func TestSetApprovalsBypassesQuorumHistoryButNotStatus(t *testing.T) {
	env := newTestEnv(t)
	env.Store.PutGroup(domain.Group{Name: "reviewers", Members: []string{"dave"}})
	env.Store.PutComponent(domain.Component{Name: "checkout", RequiresApprovalBy: "reviewers", RequiredApprovals: 1})

	op := mustCreate(t, env, engine.CreateInput{Title: "release", Components: []string{"checkout"}}, "op-1")

	updated, err := env.Engine.SetApprovals(env.Ctx, op.ID, []string{"dave"}, "sync-bot")
	if err != nil {
		t.Fatalf("set approvals: %v", err)
	}
	if updated.Status != domain.StatusPlanned {
		t.Fatalf("set_approvals must not change status, got %s", updated.Status)
	}
	if _, err := env.Engine.Transition(env.Ctx, op.ID, domain.StatusInProgress, "op-1", ""); err != nil {
		t.Fatalf("should start once external approvals satisfy quorum: %v", err)
	}
}

func TestScheduleConflictWithDependency(t *testing.T) {
	env := newTestEnv(t)
	env.Store.PutComponent(domain.Component{Name: "svc-a"})

	dep := mustCreate(t, env, engine.CreateInput{Title: "migration", Components: []string{"svc-a"}}, "op-1")
	if _, err := env.Engine.Transition(env.Ctx, dep.ID, domain.StatusInProgress, "op-1", ""); err != nil {
		t.Fatalf("start dep: %v", err)
	}
	env.advance(2 * time.Hour)
	if _, err := env.Engine.Transition(env.Ctx, dep.ID, domain.StatusCompleted, "op-1", ""); err != nil {
		t.Fatalf("complete dep: %v", err)
	}
	depEnd := env.clock

	earlyStart := depEnd.Add(-time.Hour)
	_, err := env.Engine.Create(env.Ctx, engine.CreateInput{
		Title: "deploy", Components: []string{"svc-a"}, DependsOn: []int64{dep.ID}, StartsAt: &earlyStart,
	}, "op-1")
	if err == nil {
		t.Fatalf("expected schedule_conflict_with_dependency at create time")
	}

	lateStart := depEnd.Add(time.Hour)
	if _, err := env.Engine.Create(env.Ctx, engine.CreateInput{
		Title: "deploy-2", Components: []string{"svc-a"}, DependsOn: []int64{dep.ID}, StartsAt: &lateStart,
	}, "op-1"); err != nil {
		t.Fatalf("start after dependency ends should be accepted: %v", err)
	}
}

func TestCycleDetectionOnEdit(t *testing.T) {
	env := newTestEnv(t)
	a := mustCreate(t, env, engine.CreateInput{Title: "a"}, "op-1")
	b := mustCreate(t, env, engine.CreateInput{Title: "b", DependsOn: []int64{a.ID}}, "op-1")

	_, err := env.Engine.Edit(env.Ctx, a.ID, engine.EditInput{DependsOn: []int64{b.ID}}, "op-1")
	if err == nil {
		t.Fatalf("expected cycle_detected editing a to depend on b")
	}
}

func TestSubscriptionFanOutOnStatusChange(t *testing.T) {
	env := newTestEnv(t)
	op := mustCreate(t, env, engine.CreateInput{Title: "deploy", Operators: []string{"op-1"}}, "op-1")

	stream := env.Bus.Open("bystander")
	defer stream.Close()
	env.Store.AddSubscription(domain.Subscription{Subscriber: "bystander", Kind: domain.SelectorOperation, Selector: fmt.Sprint(op.ID)})

	if _, err := env.Engine.Transition(env.Ctx, op.ID, domain.StatusInProgress, "op-1", ""); err != nil {
		t.Fatalf("transition: %v", err)
	}

	select {
	case evt := <-stream.Events():
		if evt.Kind != domain.EventStatusChanged {
			t.Fatalf("kind = %s, want status_changed", evt.Kind)
		}
		if evt.To != domain.StatusInProgress {
			t.Fatalf("to = %s, want in_progress", evt.To)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber never received the event")
	}
}

func TestUnauthorizedActorCannotTransition(t *testing.T) {
	env := newTestEnv(t)
	op := mustCreate(t, env, engine.CreateInput{Title: "deploy"}, "op-1")

	if _, err := env.Engine.Transition(env.Ctx, op.ID, domain.StatusInProgress, "stranger", ""); err == nil {
		t.Fatalf("expected unauthorized error for a non-operator, non-creator actor")
	}
}

func TestDestructiveTransitionRequiresAdminGroupWhenNotOperator(t *testing.T) {
	env := newTestEnv(t)
	env.Store.PutGroup(domain.Group{Name: "admins", Members: []string{"root"}})
	op := mustCreate(t, env, engine.CreateInput{Title: "deploy"}, "op-1")

	if _, err := env.Engine.Transition(env.Ctx, op.ID, domain.StatusCanceled, "root", "emergency stop"); err != nil {
		t.Fatalf("admin group member should be able to cancel: %v", err)
	}
}
