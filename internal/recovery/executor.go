package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haloapp/sentinel/internal/events"
	"github.com/haloapp/sentinel/internal/guardian"
	"github.com/haloapp/sentinel/internal/journal"
	"github.com/haloapp/sentinel/internal/metrics"
	"github.com/haloapp/sentinel/internal/registry"
)

// relaunchDelay gives in-flight teardown a moment to settle before the app
// controller relaunches.
const relaunchDelay = 500 * time.Millisecond

// Result is the structured outcome of one execution. Strategy failures are
// values, never errors crossing the executor boundary.
type Result struct {
	Strategy StrategyID `json:"strategy"`
	Success  bool       `json:"success"`
	Message  string     `json:"message"`
}

// OrphanCleaner is the guardian capability an engine reset triggers.
type OrphanCleaner interface {
	CleanupOrphans(ctx context.Context) guardian.Report
}

// AppController relaunches the host app or clears its caches.
type AppController interface {
	Relaunch() error
	ClearCaches() error
}

// Action is the user's choice in the recovery dialog.
type Action string

const (
	ActionTryFix       Action = "tryFix"
	ActionRestart      Action = "restart"
	ActionFactoryReset Action = "factoryReset"
	ActionIgnore       Action = "ignore"
)

// DecideRequest is what the dialog presents to the user.
type DecideRequest struct {
	ConsecutiveFailures int
	ErrorMessage        string
	Suggested           StrategyID
}

// Decision carries the user's choice back from the dialog.
type Decision struct {
	Action         Action
	SuppressFuture bool
}

// Dialog collects the user's decision before a consent-gated strategy runs.
type Dialog interface {
	Decide(ctx context.Context, req DecideRequest) (Decision, error)
	ConfirmFactoryReset(ctx context.Context) (bool, error)
}

// Notifier surfaces recovery outcomes to the user.
type Notifier interface {
	Notify(title, message string)
}

// ExecutorOptions wires the executor's collaborators. Registry and Bus are
// required; everything else degrades gracefully when absent.
type ExecutorOptions struct {
	Policy         Policy
	Registry       *registry.Registry
	Cleaner        OrphanCleaner
	Bus            *events.Bus
	SessionCleanup func(ctx context.Context) error
	App            AppController
	Dialog         Dialog
	Notifier       Notifier
	Journal        *journal.DB
	Logger         *slog.Logger
}

// Executor runs recovery strategies under the policy's consent gates and
// rate limits.
type Executor struct {
	policy   Policy
	reg      *registry.Registry
	cleaner  OrphanCleaner
	bus      *events.Bus
	cleanup  func(ctx context.Context) error
	app      AppController
	dialog   Dialog
	notifier Notifier
	jrnl     *journal.DB
	logger   *slog.Logger

	mu         sync.Mutex
	attempts   []time.Time
	suppressed bool

	relaunchDelay time.Duration
}

// NewExecutor wires a recovery executor. A zero Policy falls back to the
// defaults; a nil logger selects slog.Default().
func NewExecutor(opts ExecutorOptions) *Executor {
	p := opts.Policy
	if p == (Policy{}) {
		p = DefaultPolicy()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		policy:        p,
		reg:           opts.Registry,
		cleaner:       opts.Cleaner,
		bus:           opts.Bus,
		cleanup:       opts.SessionCleanup,
		app:           opts.App,
		dialog:        opts.Dialog,
		notifier:      opts.Notifier,
		jrnl:          opts.Journal,
		logger:        logger,
		relaunchDelay: relaunchDelay,
	}
}

// Policy returns the thresholds the executor enforces.
func (e *Executor) Policy() Policy { return e.policy }

// Suppressed reports whether the user asked to stop recovery dialogs.
func (e *Executor) Suppressed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suppressed
}

// Execute runs one strategy. Consent-gated strategies refuse without
// consent, and the attempt cap inside the cooldown window refuses with a
// rate-limit message before the strategy body runs.
func (e *Executor) Execute(ctx context.Context, id StrategyID, consented bool) Result {
	st, ok := StrategyByID(id)
	if !ok {
		return Result{Strategy: id, Message: fmt.Sprintf("unknown strategy %q", id)}
	}
	if st.RequiresConsent && !consented {
		return e.finish(ctx, st, Result{Strategy: id, Message: st.Name + " requires user consent"}, false)
	}
	if !e.allowAttempt(time.Now()) {
		return e.finish(ctx, st, Result{Strategy: id, Message: "rate limited: attempt cap reached inside cooldown window"}, false)
	}
	return e.finish(ctx, st, e.run(ctx, st), true)
}

// RestartProcess drops one dead process entry so its owner recreates it on
// next use, reporting success immediately.
func (e *Executor) RestartProcess(ctx context.Context, procID string, kind registry.Kind) Result {
	st := mustStrategy(StrategyRestartProcess)
	if !e.allowAttempt(time.Now()) {
		return e.finish(ctx, st, Result{Strategy: st.ID, Message: "rate limited: attempt cap reached inside cooldown window"}, false)
	}
	e.reg.Unregister(procID, kind)
	res := Result{
		Strategy: st.ID,
		Success:  true,
		Message:  fmt.Sprintf("%s %s unregistered for lazy restart", kind, procID),
	}
	return e.finish(ctx, st, res, true)
}

// ExecuteInteractive runs a strategy with the user in the loop: gated
// strategies go through the dialog first, and picking a different strategy
// than suggested re-enters exactly once.
func (e *Executor) ExecuteInteractive(ctx context.Context, suggested StrategyID, failures int, errMsg string) Result {
	if e.Suppressed() {
		return Result{Strategy: suggested, Message: "recovery dialogs suppressed by user"}
	}
	id := suggested
	consented := false
	for hop := 0; hop <= 1; hop++ {
		st, ok := StrategyByID(id)
		if !ok {
			return Result{Strategy: id, Message: fmt.Sprintf("unknown strategy %q", id)}
		}
		if !st.RequiresConsent {
			return e.Execute(ctx, id, false)
		}
		if consented {
			if id == StrategyFactoryReset && !e.confirmFactoryReset(ctx) {
				return Result{Strategy: id, Message: "factory reset not confirmed"}
			}
			return e.Execute(ctx, id, true)
		}
		if e.dialog == nil {
			return e.Execute(ctx, id, false)
		}
		decision, err := e.dialog.Decide(ctx, DecideRequest{
			ConsecutiveFailures: failures,
			ErrorMessage:        errMsg,
			Suggested:           id,
		})
		if err != nil {
			return Result{Strategy: id, Message: fmt.Sprintf("decision dialog: %v", err)}
		}
		if decision.SuppressFuture {
			e.mu.Lock()
			e.suppressed = true
			e.mu.Unlock()
		}
		chosen, ok := strategyForAction(decision.Action)
		if !ok {
			return Result{Strategy: id, Message: "declined by user"}
		}
		consented = true
		id = chosen
	}
	return Result{Strategy: id, Message: "re-selection limit reached"}
}

func strategyForAction(a Action) (StrategyID, bool) {
	switch a {
	case ActionTryFix:
		return StrategyResetEngine, true
	case ActionRestart:
		return StrategyRestartApp, true
	case ActionFactoryReset:
		return StrategyFactoryReset, true
	}
	return "", false
}

// allowAttempt prunes attempts older than the cooldown window and admits a
// new one only while the cap has room.
func (e *Executor) allowAttempt(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := now.Add(-e.policy.Cooldown.Duration())
	kept := e.attempts[:0]
	for _, t := range e.attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.attempts = kept
	if len(e.attempts) >= e.policy.AttemptCap {
		return false
	}
	e.attempts = append(e.attempts, now)
	return true
}

// run executes one strategy body. Internal errors and panics become a
// failed Result.
func (e *Executor) run(ctx context.Context, st Strategy) (res Result) {
	res = Result{Strategy: st.ID}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("recovery strategy panicked", "strategy", st.ID, "panic", r)
			res.Success = false
			res.Message = fmt.Sprintf("strategy panicked: %v", r)
		}
	}()
	var err error
	switch st.ID {
	case StrategyRestartProcess:
		// Lazy by design: the targeted variant drops the entry.
	case StrategyResetEngine:
		err = e.resetEngine(ctx)
	case StrategyRestartApp:
		err = e.restartApp(ctx)
	case StrategyFactoryReset:
		err = e.factoryReset(ctx)
	}
	if err != nil {
		res.Message = err.Error()
		return res
	}
	res.Success = true
	res.Message = st.Name + " completed"
	return res
}

// resetEngine tears down sessions, sweeps orphans and forgets agent errors.
func (e *Executor) resetEngine(ctx context.Context) error {
	if err := e.teardownSessions(ctx); err != nil {
		return err
	}
	if e.cleaner != nil {
		rep := e.cleaner.CleanupOrphans(ctx)
		if rep.Failed > 0 {
			e.logger.Warn("engine reset left orphans behind", "failed", rep.Failed)
		}
	}
	if e.bus != nil {
		e.bus.ResetMatching("agent")
		e.bus.ResetMatching("session")
	}
	return nil
}

// restartApp marks the exit clean, tears everything down and relaunches.
func (e *Executor) restartApp(ctx context.Context) error {
	if e.app == nil {
		return errors.New("no app controller wired")
	}
	e.reg.MarkCleanExit()
	if err := e.teardownSessions(ctx); err != nil {
		return err
	}
	e.reg.ClearOrphanEntries()
	return e.relaunch(ctx)
}

// factoryReset is the S3 teardown plus cache clearing. Settings revert to
// defaults on next boot via the host config loader, not here.
func (e *Executor) factoryReset(ctx context.Context) error {
	if e.app == nil {
		return errors.New("no app controller wired")
	}
	if err := e.teardownSessions(ctx); err != nil {
		return err
	}
	e.reg.ClearOrphanEntries()
	if err := e.app.ClearCaches(); err != nil {
		return fmt.Errorf("clear caches: %w", err)
	}
	e.reg.MarkCleanExit()
	return e.relaunch(ctx)
}

func (e *Executor) teardownSessions(ctx context.Context) error {
	if e.cleanup == nil {
		return nil
	}
	if err := e.cleanup(ctx); err != nil {
		return fmt.Errorf("session teardown: %w", err)
	}
	return nil
}

func (e *Executor) relaunch(ctx context.Context) error {
	select {
	case <-time.After(e.relaunchDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := e.app.Relaunch(); err != nil {
		return fmt.Errorf("relaunch: %w", err)
	}
	return nil
}

func (e *Executor) confirmFactoryReset(ctx context.Context) bool {
	if e.dialog == nil {
		return false
	}
	ok, err := e.dialog.ConfirmFactoryReset(ctx)
	if err != nil {
		e.logger.Warn("factory reset confirmation failed", "error", err)
		return false
	}
	return ok
}

// finish journals, notifies and emits the outcome. attempted is false for
// refusals (consent, rate limit) so they reach the event stream without
// consuming notifications or journal rows.
func (e *Executor) finish(ctx context.Context, st Strategy, res Result, attempted bool) Result {
	if attempted {
		metrics.IncRecovery(string(st.ID), res.Success)
		e.journalAttempt(ctx, st, res)
		e.notify(st, res)
	}
	if e.bus != nil {
		typ := events.TypeInfo
		if !res.Success {
			typ = events.TypeWarning
		}
		e.bus.Emit(typ, events.CategoryRecovery, "recovery",
			fmt.Sprintf("%s: %s", st.Name, res.Message),
			map[string]any{"strategy": string(st.ID), "success": res.Success})
	}
	return res
}

func (e *Executor) journalAttempt(ctx context.Context, st Strategy, res Result) {
	if e.jrnl == nil {
		return
	}
	rec := journal.Record{
		InstanceID: e.reg.InstanceID(),
		Kind:       journal.KindRecovery,
		Subject:    string(st.ID),
		Success:    res.Success,
		Detail:     res.Message,
	}
	if err := e.jrnl.Append(ctx, rec); err != nil {
		e.logger.Warn("journal append failed", "strategy", st.ID, "error", err)
	}
}

func (e *Executor) notify(st Strategy, res Result) {
	if e.notifier == nil {
		return
	}
	// The app exits right after a successful restart or reset; a toast
	// would never be seen.
	if res.Success && (st.ID == StrategyRestartApp || st.ID == StrategyFactoryReset) {
		return
	}
	if res.Success {
		e.notifier.Notify("Recovery complete", st.Name+" finished successfully")
	} else {
		e.notifier.Notify("Recovery failed", res.Message)
	}
}
