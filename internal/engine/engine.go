package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"defectline/internal/analytics"
	"defectline/internal/defectlog"
	"defectline/internal/domain"
	"defectline/internal/engine/resolution"
	"defectline/internal/events"
)

var (
	ErrNotFound       = errors.New("defect not found")
	ErrDuplicateID    = errors.New("defect id already logged")
	ErrNothingToClear = errors.New("no resolved defects to clear")
	ErrInvalidDefect  = errors.New("invalid defect")
)

// Store is the durable transport the log is written to after every command.
type Store interface {
	Save(ctx context.Context, defects []domain.Defect) error
	Load(ctx context.Context) ([]domain.Defect, error)
}

// Outcome is the result of reporting a defect.
type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomeHalt means the defect was recorded and the line must stop.
	OutcomeHalt
)

func (o Outcome) String() string {
	if o == OutcomeHalt {
		return "halt"
	}
	return "ok"
}

// ReportResult is returned by Report. Callers must check Halted.
type ReportResult struct {
	Outcome     Outcome
	Defect      domain.Defect
	HaltMessage string
}

func (r ReportResult) Halted() bool { return r.Outcome == OutcomeHalt }

// Suggestion is a remediation proposed for an open defect.
type Suggestion struct {
	DefectID string `json:"defect_id"`
	resolution.Suggestion
}

// Engine is the tracker controller. One instance owns the defect log for the
// life of the process; its methods are safe for concurrent callers and each
// command finishes its durable write before the next one starts.
type Engine struct {
	Store  Store
	Events events.Sink
	Now    func() time.Time

	mu       sync.Mutex
	log      *defectlog.Log
	writeErr error
}

func New(store Store, sink events.Sink) *Engine {
	if sink == nil {
		sink = events.Discard{}
	}
	return &Engine{
		Store:  store,
		Events: sink,
		Now:    time.Now,
		log:    defectlog.New(),
	}
}

// Open builds an engine and rehydrates it from store.
func Open(ctx context.Context, store Store, sink events.Sink) *Engine {
	e := New(store, sink)
	e.Load(ctx)
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Load replaces the in-memory log with stored state. A load failure leaves the
// engine empty; it is recorded but never returned.
func (e *Engine) Load(ctx context.Context) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	items, err := e.Store.Load(ctx)
	if err != nil {
		e.Events.Error(ctx, "store.load_failed", "", "system", err)
		e.log = defectlog.New()
		return 0
	}
	e.log = defectlog.FromSnapshot(items)
	e.Events.Info(ctx, "store.loaded", "", "system", events.EventPayload{"defects": len(items)})
	return len(items)
}

// Report records d. A Critical defect yields OutcomeHalt after it has been
// added and persisted.
func (e *Engine) Report(ctx context.Context, d *domain.Defect) (ReportResult, error) {
	if d == nil || strings.TrimSpace(d.ID) == "" {
		return ReportResult{}, fmt.Errorf("%w: id is required", ErrInvalidDefect)
	}
	if d.Resolved || d.ResolvedAt != nil {
		return ReportResult{}, fmt.Errorf("%w: %s is already resolved", ErrInvalidDefect, d.ID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.log.Find(d.ID); ok {
		return ReportResult{}, fmt.Errorf("%s: %w", d.ID, ErrDuplicateID)
	}
	rec := *d
	if rec.LoggedAt.IsZero() {
		rec.LoggedAt = e.now()
	}
	d = &rec
	e.log.Add(d)
	e.persist(ctx, d.LoggedBy)
	e.Events.Info(ctx, "defect.logged", d.ID, d.LoggedBy, events.EventPayload{
		"task":     d.TaskName,
		"severity": string(d.Severity),
	})
	res := ReportResult{Outcome: OutcomeOK, Defect: *d}
	if d.IsCritical() {
		res.Outcome = OutcomeHalt
		res.HaltMessage = HaltMessage(*d)
		e.Events.Info(ctx, "line.halted", d.ID, d.LoggedBy, events.EventPayload{"description": d.Description})
	}
	return res, nil
}

// HaltMessage is the stop-the-line notice for a critical defect.
func HaltMessage(d domain.Defect) string {
	return "!!! SYSTEM HALT !!!\nCRITICAL DEFECT LOGGED: " + d.Description
}

// Resolve marks the defect resolved by resolver.
func (e *Engine) Resolve(ctx context.Context, id, resolver, details string) (domain.Defect, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolveLocked(ctx, id, resolver, details)
}

func (e *Engine) resolveLocked(ctx context.Context, id, resolver, details string) (domain.Defect, error) {
	d, ok := e.log.Find(id)
	if !ok {
		return domain.Defect{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err := d.Resolve(resolver, details, e.now()); err != nil {
		return *d, err
	}
	e.persist(ctx, resolver)
	e.Events.Info(ctx, "defect.resolved", d.ID, resolver, events.EventPayload{"details": details})
	return *d, nil
}

// ClearResolved permanently removes every resolved defect.
func (e *Engine) ClearResolved(ctx context.Context, actorID string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := e.log.RemoveResolved()
	if removed == 0 {
		return 0, ErrNothingToClear
	}
	e.persist(ctx, actorID)
	e.Events.Info(ctx, "defect.cleared", "", actorID, events.EventPayload{"removed": removed})
	return removed, nil
}

// Sorted returns every defect in triage order.
func (e *Engine) Sorted(ctx context.Context) []domain.Defect {
	e.mu.Lock()
	items := e.log.All()
	e.mu.Unlock()
	domain.SortForTriage(items)
	return items
}

// Search is Sorted filtered to defects matching term.
func (e *Engine) Search(ctx context.Context, term string) []domain.Defect {
	items := e.Sorted(ctx)
	if strings.TrimSpace(term) == "" {
		return items
	}
	out := items[:0]
	for _, d := range items {
		if d.Matches(term) {
			out = append(out, d)
		}
	}
	return out
}

func (e *Engine) Get(ctx context.Context, id string) (domain.Defect, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.log.Find(id)
	if !ok {
		return domain.Defect{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return *d, nil
}

// CountForTask counts defects, resolved or not, logged against task.
func (e *Engine) CountForTask(ctx context.Context, task string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, d := range e.log.All() {
		if strings.EqualFold(d.TaskName, task) {
			n++
		}
	}
	return n
}

// Suggest proposes a fix for an open defect.
func (e *Engine) Suggest(ctx context.Context, id string) (Suggestion, error) {
	d, err := e.Get(ctx, id)
	if err != nil {
		return Suggestion{}, err
	}
	if d.Resolved {
		return Suggestion{}, fmt.Errorf("%s: %w", d.ID, domain.ErrAlreadyResolved)
	}
	return Suggestion{DefectID: d.ID, Suggestion: resolution.Suggest(d)}, nil
}

// ApplySuggestion resolves the defect with its suggested fix as the details.
func (e *Engine) ApplySuggestion(ctx context.Context, id, resolver string) (domain.Defect, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.log.Find(id)
	if !ok {
		return domain.Defect{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if d.Resolved {
		return *d, fmt.Errorf("%s: %w", d.ID, domain.ErrAlreadyResolved)
	}
	return e.resolveLocked(ctx, id, resolver, "Smart Fix: "+resolution.SuggestFix(*d))
}

// Sigma computes process metrics for task over the given production volume.
func (e *Engine) Sigma(ctx context.Context, task string, units, opportunities int) (analytics.Report, error) {
	return analytics.Compute(task, e.CountForTask(ctx, task), units, opportunities)
}

// LastWriteError is the error of the most recent durable write, nil once a
// later write succeeds.
func (e *Engine) LastWriteError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writeErr
}

// Dirty reports whether in-memory state is ahead of the store.
func (e *Engine) Dirty() bool { return e.LastWriteError() != nil }

// persist writes the whole log. Failures are recorded, not returned: the
// command already changed memory and still succeeds.
func (e *Engine) persist(ctx context.Context, actorID string) {
	if err := e.Store.Save(ctx, e.log.All()); err != nil {
		e.writeErr = err
		e.Events.Error(ctx, "store.save_failed", "", actorID, fmt.Errorf("failed to save: %w", err))
		return
	}
	e.writeErr = nil
}
