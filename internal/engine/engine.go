// Package engine is the single writer: it evaluates the admission
// predicates and, if they pass, applies the transition atomically against
// the domain store, appends a history record, persists a journal snapshot,
// and publishes the resulting event.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"smokestack/internal/domain"
	"smokestack/internal/engine/auth"
	"smokestack/internal/errs"
	"smokestack/internal/events"
	"smokestack/internal/history"
	"smokestack/internal/journal"
	"smokestack/internal/store"
)

// transitions is the state-machine table from each non-terminal status to
// its reachable statuses. Any pair not present here is rejected with
// invalid_transition.
var transitions = map[domain.Status][]domain.Status{
	domain.StatusPlanned:    {domain.StatusInProgress, domain.StatusCanceled},
	domain.StatusInProgress: {domain.StatusPaused, domain.StatusCompleted, domain.StatusAborted},
	domain.StatusPaused:     {domain.StatusInProgress},
}

func transitionAllowed(from, to domain.Status) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

func isDestructive(to domain.Status) bool {
	return to == domain.StatusCanceled || to == domain.StatusAborted
}

// Engine is the coordination core's single logical writer. All mutating
// operations serialize through mu; reads go straight to Store.
type Engine struct {
	Store   *store.Store
	History *history.Log
	Journal *journal.Journal
	Bus     *events.Bus
	Auth    auth.Checker
	Now     func() time.Time

	mu sync.Mutex
}

// New wires an Engine from its already-open dependencies.
func New(st *store.Store, hist *history.Log, jnl *journal.Journal, bus *events.Bus, checker auth.Checker) *Engine {
	return &Engine{
		Store:   st,
		History: hist,
		Journal: jnl,
		Bus:     bus,
		Auth:    checker,
		Now:     time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CreateInput describes a new operation. Fields mirror the operation
// description format (§6): unknown fields are rejected upstream, at the
// request facade, before this call is ever made.
type CreateInput struct {
	Title       string
	Purpose     string
	URL         string
	StartsAt    *time.Time
	EndsAt      *time.Time
	Annotations map[string]string
	Components  []string
	Locks       []string
	Tags        []string
	DependsOn   []int64
	Operators   []string
}

// Create admits and commits a new operation in status planned. The actor
// and every operator named become subscribers of the new operation
// (invariant 10).
func (e *Engine) Create(ctx context.Context, in CreateInput, actor string) (domain.Operation, error) {
	if in.Title == "" {
		return domain.Operation{}, errs.InvalidInputf("title is required")
	}
	if !subsetOf(in.Locks, in.Components) {
		return domain.Operation{}, errs.InvalidInputf("locks must be a subset of components")
	}
	if in.StartsAt != nil && in.EndsAt != nil && in.StartsAt.After(*in.EndsAt) {
		return domain.Operation{}, errs.InvalidInputf("starts_at must not be after ends_at")
	}
	for _, dep := range in.DependsOn {
		if _, err := e.Store.GetOperation(dep); err != nil {
			return domain.Operation{}, errs.InvalidInputf("depends_on references unknown operation %d", dep)
		}
	}
	for _, c := range in.Components {
		if _, err := e.Store.GetComponent(c); err != nil {
			return domain.Operation{}, errs.InvalidInputf("unknown component %q", c)
		}
	}
	for _, t := range in.Tags {
		if _, err := e.Store.GetTag(t); err != nil {
			return domain.Operation{}, errs.InvalidInputf("unknown tag %q", t)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().UTC()
	op := domain.Operation{
		ID:          e.Store.NextID(),
		Title:       in.Title,
		Purpose:     in.Purpose,
		URL:         in.URL,
		Status:      domain.StatusPlanned,
		StartsAt:    in.StartsAt,
		EndsAt:      in.EndsAt,
		Annotations: in.Annotations,
		Components:  in.Components,
		Locks:       in.Locks,
		Tags:        in.Tags,
		DependsOn:   in.DependsOn,
		Operators:   in.Operators,
		CreatedBy:   actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.checkScheduleAgainstDependencies(op); err != nil {
		return domain.Operation{}, err
	}

	e.Store.PutOperation(op)
	e.subscribeCreatorAndOperators(op, actor)

	if err := e.snapshotLocked(); err != nil {
		return domain.Operation{}, err
	}

	e.Bus.Publish(domain.Event{
		Kind:      domain.EventCreated,
		Timestamp: now,
		Actor:     actor,
		Operation: op.Clone(),
	})
	return op.Clone(), nil
}

func (e *Engine) subscribeCreatorAndOperators(op domain.Operation, actor string) {
	e.Store.AddSubscription(domain.Subscription{Subscriber: actor, Kind: domain.SelectorOperation, Selector: fmt.Sprint(op.ID), CreatedAt: op.CreatedAt})
	for _, o := range op.Operators {
		e.Store.AddSubscription(domain.Subscription{Subscriber: o, Kind: domain.SelectorOperation, Selector: fmt.Sprint(op.ID), CreatedAt: op.CreatedAt})
	}
	for _, dep := range op.DependsOn {
		e.Store.AddSubscription(domain.Subscription{Subscriber: actor, Kind: domain.SelectorOperation, Selector: fmt.Sprint(dep), CreatedAt: op.CreatedAt})
	}
}

func subsetOf(subset, superset []string) bool {
	set := make(map[string]struct{}, len(superset))
	for _, s := range superset {
		set[s] = struct{}{}
	}
	for _, s := range subset {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

// EditInput carries the mutable operation fields a PATCH may change. A nil
// pointer/slice means "leave unchanged".
type EditInput struct {
	Title       *string
	Purpose     *string
	URL         *string
	StartsAt    *time.Time
	EndsAt      *time.Time
	Annotations map[string]string
	Components  []string
	Locks       []string
	Tags        []string
	DependsOn   []int64
	Operators   []string
}

// Edit admits and commits changes to an operation's mutable fields (for a
// terminal operation, its annotations only), running the admission controller's edit-time checks: no
// dependency cycle, locks ⊆ components, starts_at ≤ ends_at, referenced
// entities exist, and schedule vs. dependency compatibility.
func (e *Engine) Edit(ctx context.Context, id int64, in EditInput, actor string) (domain.Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	op, err := e.Store.GetOperation(id)
	if err != nil {
		return domain.Operation{}, err
	}
	if op.Status.Terminal() {
		annotationsOnly := in.Title == nil && in.Purpose == nil && in.URL == nil && in.StartsAt == nil && in.EndsAt == nil &&
			in.Components == nil && in.Locks == nil && in.Tags == nil && in.DependsOn == nil && in.Operators == nil
		if !annotationsOnly {
			return domain.Operation{}, errs.New(errs.InvalidTransition, "operation %d is terminal; only annotations may change", id)
		}
	}
	if !e.Auth.CanMutate(actor, op, false) {
		return domain.Operation{}, errs.Unauthorizedf("actor %s may not edit operation %d", actor, id)
	}

	updated := op
	if in.Title != nil {
		updated.Title = *in.Title
	}
	if in.Purpose != nil {
		updated.Purpose = *in.Purpose
	}
	if in.URL != nil {
		updated.URL = *in.URL
	}
	if in.StartsAt != nil {
		updated.StartsAt = in.StartsAt
	}
	if in.EndsAt != nil {
		updated.EndsAt = in.EndsAt
	}
	if in.Annotations != nil {
		updated.Annotations = in.Annotations
	}
	if in.Components != nil {
		for _, c := range in.Components {
			if _, err := e.Store.GetComponent(c); err != nil {
				return domain.Operation{}, errs.InvalidInputf("unknown component %q", c)
			}
		}
		updated.Components = in.Components
	}
	if in.Locks != nil {
		updated.Locks = in.Locks
	}
	if in.Tags != nil {
		for _, t := range in.Tags {
			if _, err := e.Store.GetTag(t); err != nil {
				return domain.Operation{}, errs.InvalidInputf("unknown tag %q", t)
			}
		}
		updated.Tags = in.Tags
	}
	if in.DependsOn != nil {
		for _, dep := range in.DependsOn {
			if dep == id {
				return domain.Operation{}, errs.New(errs.CycleDetected, "operation %d cannot depend on itself", id)
			}
			if _, err := e.Store.GetOperation(dep); err != nil {
				return domain.Operation{}, errs.InvalidInputf("depends_on references unknown operation %d", dep)
			}
		}
		updated.DependsOn = in.DependsOn
		if e.introducesCycle(updated) {
			return domain.Operation{}, errs.New(errs.CycleDetected, "edit to operation %d would introduce a dependency cycle", id)
		}
	}
	if in.Operators != nil {
		updated.Operators = in.Operators
	}

	if !subsetOf(updated.Locks, updated.Components) {
		return domain.Operation{}, errs.InvalidInputf("locks must be a subset of components")
	}
	if updated.StartsAt != nil && updated.EndsAt != nil && updated.StartsAt.After(*updated.EndsAt) {
		return domain.Operation{}, errs.InvalidInputf("starts_at must not be after ends_at")
	}
	if err := e.checkScheduleAgainstDependencies(updated); err != nil {
		return domain.Operation{}, err
	}

	updated.UpdatedAt = e.now().UTC()
	e.Store.PutOperation(updated)
	e.subscribeCreatorAndOperators(updated, actor)

	if err := e.snapshotLocked(); err != nil {
		return domain.Operation{}, err
	}

	e.Bus.Publish(domain.Event{
		Kind:      domain.EventEdited,
		Timestamp: updated.UpdatedAt,
		Actor:     actor,
		Operation: updated.Clone(),
	})
	return updated.Clone(), nil
}

// introducesCycle runs a DFS over the dependency graph (operations of any
// status) starting from op's dependencies, looking for a path back to op.
func (e *Engine) introducesCycle(op domain.Operation) bool {
	visited := make(map[int64]bool)
	var visit func(id int64) bool
	visit = func(id int64) bool {
		if id == op.ID {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		dep, err := e.Store.GetOperation(id)
		if err != nil {
			return false
		}
		for _, next := range dep.DependsOn {
			if visit(next) {
				return true
			}
		}
		return false
	}
	for _, dep := range op.DependsOn {
		if visit(dep) {
			return true
		}
	}
	return false
}

func (e *Engine) checkScheduleAgainstDependencies(op domain.Operation) error {
	if op.StartsAt == nil {
		return nil
	}
	for _, depID := range op.DependsOn {
		dep, err := e.Store.GetOperation(depID)
		if err != nil {
			continue
		}
		if dep.EndsAt == nil {
			continue
		}
		if op.StartsAt.Before(*dep.EndsAt) {
			return errs.New(errs.ScheduleConflictWithDependency,
				"operation %d starts_at %s is before dependency %d ends_at %s",
				op.ID, op.StartsAt.Format(time.RFC3339), depID, dep.EndsAt.Format(time.RFC3339)).
				WithDetails(map[string]any{"depends_on": depID, "dependency_ends_at": dep.EndsAt})
		}
	}
	return nil
}

// Transition runs the fixed-order admission chain for (op, to, actor) and,
// if admitted, commits the status change: it appends a history record,
// writes the journal snapshot, and publishes a status_changed event, all
// before releasing the writer lock.
func (e *Engine) Transition(ctx context.Context, id int64, to domain.Status, actor, note string) (domain.Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	op, err := e.Store.GetOperation(id)
	if err != nil {
		return domain.Operation{}, err
	}

	if err := e.admit(op, to, actor); err != nil {
		return domain.Operation{}, err
	}

	from := op.Status
	now := e.now().UTC()
	op.Status = to
	op.UpdatedAt = now

	if to == domain.StatusInProgress && from != domain.StatusPaused {
		if op.StartsAt == nil || op.StartsAt.After(now) {
			op.StartsAt = &now
		}
	}
	if to.Terminal() && (from == domain.StatusInProgress || from == domain.StatusPaused) {
		op.EndsAt = &now
	}

	e.Store.PutOperation(op)

	tx, err := e.beginHistoryTx(ctx)
	if err != nil {
		return domain.Operation{}, err
	}
	rec := domain.HistoryRecord{
		OpID:       op.ID,
		Timestamp:  now,
		Actor:      actor,
		FromStatus: from,
		ToStatus:   to,
		Note:       note,
		Components: op.Components,
		Tags:       op.Tags,
		Source:     "internal",
	}
	if err := e.History.Append(ctx, tx, rec); err != nil {
		tx.Rollback()
		return domain.Operation{}, errs.New(errs.Internal, "append history record: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Operation{}, errs.New(errs.Internal, "commit history record: %v", err)
	}

	if err := e.snapshotLocked(); err != nil {
		return domain.Operation{}, err
	}

	e.Bus.Publish(domain.Event{
		Kind:      domain.EventStatusChanged,
		Timestamp: now,
		Actor:     actor,
		Operation: op.Clone(),
		From:      from,
		To:        to,
	})
	return op.Clone(), nil
}

func (e *Engine) beginHistoryTx(ctx context.Context) (*sql.Tx, error) {
	return e.History.DB.BeginTx(ctx, nil)
}

// admit evaluates the fixed-order predicate chain described in §4.3. The
// first failing predicate determines the returned error kind.
func (e *Engine) admit(op domain.Operation, to domain.Status, actor string) error {
	if !e.Auth.CanMutate(actor, op, isDestructive(to)) {
		return errs.Unauthorizedf("actor %s may not transition operation %d", actor, op.ID)
	}

	if !transitionAllowed(op.Status, to) {
		return errs.New(errs.InvalidTransition, "operation %d cannot go from %s to %s", op.ID, op.Status, to)
	}

	if op.Status == domain.StatusPlanned && to == domain.StatusInProgress {
		if err := e.checkDependencies(op); err != nil {
			return err
		}
		if err := e.checkApprovals(op); err != nil {
			return err
		}
	}

	if to == domain.StatusInProgress || to == domain.StatusPaused {
		if err := e.checkLocks(op); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) checkDependencies(op domain.Operation) error {
	for _, depID := range op.DependsOn {
		dep, err := e.Store.GetOperation(depID)
		if err != nil {
			return errs.New(errs.Internal, "dependency %d vanished", depID)
		}
		if dep.Status == domain.StatusCompleted {
			continue
		}
		if dep.Status == domain.StatusAborted || dep.Status == domain.StatusCanceled {
			return errs.New(errs.DependencyUnsatisfiable, "dependency %d is %s", depID, dep.Status).
				WithDetails(map[string]any{"dependency": depID, "status": dep.Status})
		}
		return errs.New(errs.DependencyPending, "dependency %d is not yet completed", depID).
			WithDetails(map[string]any{"dependency": depID, "status": dep.Status})
	}
	return nil
}

func (e *Engine) checkApprovals(op domain.Operation) error {
	approved := make(map[string]struct{}, len(op.ApprovedBy))
	for _, u := range op.ApprovedBy {
		approved[u] = struct{}{}
	}
	check := func(scope, group string, need int) error {
		if group == "" || need <= 0 {
			return nil
		}
		have := 0
		for u := range approved {
			if e.Store.GroupHasMember(group, u) {
				have++
			}
		}
		if have < need {
			return errs.New(errs.NeedsApproval, "%s requires %d approvals from %s, has %d", scope, need, group, have).
				WithDetails(map[string]any{"scope": scope, "group": group, "have": have, "need": need})
		}
		return nil
	}
	for _, name := range op.Components {
		comp, err := e.Store.GetComponent(name)
		if err != nil {
			continue
		}
		if err := check("component:"+name, comp.RequiresApprovalBy, comp.RequiredApprovals); err != nil {
			return err
		}
	}
	for _, name := range op.Tags {
		tag, err := e.Store.GetTag(name)
		if err != nil {
			continue
		}
		if err := check("tag:"+name, tag.RequiresApprovalBy, tag.RequiredApprovals); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) checkLocks(op domain.Operation) error {
	for _, c := range op.Locks {
		if holder, ok := e.Store.LockHolder(c); ok && holder != op.ID {
			return errs.New(errs.LockConflict, "component %s is locked by operation %d", c, holder).
				WithDetails(map[string]any{"component": c, "blocking_operation": holder})
		}
		for _, otherID := range e.Store.OperationsByComponent(c) {
			if otherID == op.ID {
				continue
			}
			other, err := e.Store.GetOperation(otherID)
			if err != nil || !other.InFlight() {
				continue
			}
			return errs.New(errs.LockConflict, "component %s has in-flight operation %d", c, otherID).
				WithDetails(map[string]any{"component": c, "blocking_operation": otherID})
		}
	}
	for _, c := range op.Components {
		if holder, ok := e.Store.LockHolder(c); ok && holder != op.ID {
			return errs.New(errs.LockConflict, "component %s is locked by operation %d", c, holder).
				WithDetails(map[string]any{"component": c, "blocking_operation": holder})
		}
	}
	return nil
}

// Approve appends actor to op.approved_by if not already present.
// Idempotent: a repeat approval is a no-op and produces no event.
func (e *Engine) Approve(ctx context.Context, id int64, actor string) (domain.Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	op, err := e.Store.GetOperation(id)
	if err != nil {
		return domain.Operation{}, err
	}
	for _, u := range op.ApprovedBy {
		if u == actor {
			return op, nil
		}
	}
	op.ApprovedBy = append(op.ApprovedBy, actor)
	op.UpdatedAt = e.now().UTC()
	e.Store.PutOperation(op)

	if err := e.snapshotLocked(); err != nil {
		return domain.Operation{}, err
	}

	e.Bus.Publish(domain.Event{
		Kind:      domain.EventApproved,
		Timestamp: op.UpdatedAt,
		Actor:     actor,
		Operation: op.Clone(),
	})
	return op.Clone(), nil
}

// SetApprovals replaces op.approved_by wholesale on behalf of an external
// synchronizer (e.g. a Pull Request review sync), bypassing the normal
// append-only approve() path. Logged to history with source=external.
func (e *Engine) SetApprovals(ctx context.Context, id int64, users []string, actor string) (domain.Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	op, err := e.Store.GetOperation(id)
	if err != nil {
		return domain.Operation{}, err
	}
	op.ApprovedBy = users
	op.UpdatedAt = e.now().UTC()
	e.Store.PutOperation(op)

	tx, err := e.beginHistoryTx(ctx)
	if err != nil {
		return domain.Operation{}, err
	}
	rec := domain.HistoryRecord{
		OpID:       op.ID,
		Timestamp:  op.UpdatedAt,
		Actor:      actor,
		FromStatus: op.Status,
		ToStatus:   op.Status,
		Note:       "approvals replaced by external synchronizer",
		Components: op.Components,
		Tags:       op.Tags,
		Source:     "external",
	}
	if err := e.History.Append(ctx, tx, rec); err != nil {
		tx.Rollback()
		return domain.Operation{}, errs.New(errs.Internal, "append history record: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Operation{}, errs.New(errs.Internal, "commit history record: %v", err)
	}

	if err := e.snapshotLocked(); err != nil {
		return domain.Operation{}, err
	}

	e.Bus.Publish(domain.Event{
		Kind:      domain.EventApproved,
		Timestamp: op.UpdatedAt,
		Actor:     actor,
		Operation: op.Clone(),
	})
	return op.Clone(), nil
}

// snapshotLocked writes the journal. Callers must hold e.mu. A snapshot
// failure is fatal to the in-flight request per §7's I/O propagation
// policy; the mutation it guards has already landed in Store, so this only
// governs whether the caller is told the write is durable.
func (e *Engine) snapshotLocked() error {
	if e.Journal == nil {
		return nil
	}
	if err := e.Journal.Write(e.Store.Snapshot()); err != nil {
		return errs.New(errs.Internal, "persist snapshot: %v", err)
	}
	return nil
}
