// Package detector runs the xhci_hcd failure detection and recovery loop.
//
// The Orchestrator blocks on the kernel log, and when an entry matches the
// failure signature it walks a fixed sequence of states:
//
//	Idle -> Matched -> [PreHook] -> Unbinding -> RebindDelay -> Rebinding
//	     -> [PostHook] -> Cooldown -> Idle
//
// Hook states are skipped when the hook is not configured. A failed unbind
// or bind abandons the cycle and goes straight back to Idle. Only one cycle
// runs at a time; the next log entry is read after the cooldown ends.
package detector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/xhci-rebind/pkg/logger"
	"github.com/supporttools/xhci-rebind/pkg/remediators"
	"github.com/supporttools/xhci-rebind/pkg/types"
)

// State is a step of the recovery state machine.
type State int

const (
	Idle State = iota
	Matched
	PreHook
	Unbinding
	RebindDelay
	Rebinding
	PostHook
	Cooldown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Matched:
		return "Matched"
	case PreHook:
		return "PreHook"
	case Unbinding:
		return "Unbinding"
	case RebindDelay:
		return "RebindDelay"
	case Rebinding:
		return "Rebinding"
	case PostHook:
		return "PostHook"
	case Cooldown:
		return "Cooldown"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Hook stage names, passed to hooks in XHCI_REBIND_STAGE.
const (
	StagePreUnbind  = "pre-unbind"
	StagePostRebind = "post-rebind"
)

// EventSource yields log entries. AwaitNext returns (nil, nil) when the
// timeout elapses without an entry; types.WaitForever never times out.
type EventSource interface {
	AwaitNext(ctx context.Context, timeout time.Duration) (*types.LogEntry, error)
}

// FailureMatcher decides whether a log message is the failure signature.
type FailureMatcher interface {
	IsFailure(message string) bool
}

// BusController performs the driver unbind and bind writes.
type BusController interface {
	Unbind(busID string) error
	Bind(busID string) error
}

// HookRunner runs a hook program with a timeout.
type HookRunner interface {
	Run(ctx context.Context, path string, timeout time.Duration, env map[string]string) (*remediators.HookOutput, error)
}

// Notifier reports readiness and status to the service manager.
type Notifier interface {
	NotifyReady() error
	NotifyStatus(message string) error
}

// SleepFunc pauses for d or until ctx ends, returning ctx.Err() in the
// latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// TransitionFunc observes state changes.
type TransitionFunc func(from, to State)

// Dependencies are the collaborators the orchestrator drives.
type Dependencies struct {
	Source   EventSource
	Matcher  FailureMatcher
	Bus      BusController
	Hooks    HookRunner
	Notifier Notifier
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithSleeper replaces the sleep used for the rebind delay and cooldown.
func WithSleeper(sleep SleepFunc) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// WithWaitTimeout bounds each wait on the event source. The default is
// types.WaitForever.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.waitTimeout = d }
}

// WithHookTimeout overrides types.HookTimeout.
func WithHookTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.hookTimeout = d }
}

// WithTransitionObserver registers fn to be called on every state change.
func WithTransitionObserver(fn TransitionFunc) Option {
	return func(o *Orchestrator) { o.onTransition = fn }
}

// Orchestrator is the recovery state machine. It is driven by a single
// goroutine through Run.
type Orchestrator struct {
	config *types.WatchdogConfig
	deps   Dependencies

	sleep        SleepFunc
	waitTimeout  time.Duration
	hookTimeout  time.Duration
	onTransition TransitionFunc

	stats *Statistics
	log   *logrus.Entry

	state State
	entry *types.LogEntry // the entry that triggered the current cycle
}

// New creates an orchestrator. The configuration must already be validated
// and is not modified.
func New(config *types.WatchdogConfig, deps Dependencies, opts ...Option) (*Orchestrator, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if deps.Source == nil || deps.Matcher == nil || deps.Bus == nil || deps.Notifier == nil {
		return nil, fmt.Errorf("source, matcher, bus controller and notifier are required")
	}
	if deps.Hooks == nil && (config.PreUnbindHook != "" || config.PostRebindHook != "") {
		return nil, fmt.Errorf("hook runner is required when hooks are configured")
	}

	o := &Orchestrator{
		config:      config,
		deps:        deps,
		sleep:       sleepContext,
		waitTimeout: types.WaitForever,
		hookTimeout: types.HookTimeout,
		stats:       NewStatistics(),
		log: logger.WithFields(logrus.Fields{
			"component": "detector",
			"bus":       config.BusID,
		}),
		state: Idle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run notifies the service manager that the watchdog is ready and then
// processes log entries until ctx ends or a fatal error occurs. It returns
// ctx.Err() on cancellation, a *notify.NotifyRejectedError if readiness
// could not be reported, and a wrapped stream error if the log source fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Debug("Notify systemd that we are ready")
	if err := o.deps.Notifier.NotifyReady(); err != nil {
		return err
	}

	status := fmt.Sprintf("Start monitor xhci_hcd failure on bus %s", o.config.BusID)
	o.log.Debug(status)
	if err := o.deps.Notifier.NotifyStatus(status); err != nil {
		return err
	}

	o.log.WithFields(logrus.Fields{
		"rebindDelay":    o.config.RebindDelay(),
		"cooldown":       o.config.Cooldown(),
		"preUnbindHook":  o.config.PreUnbindHook,
		"postRebindHook": o.config.PostRebindHook,
	}).Info("Monitoring kernel log for xhci_hcd failures")

	o.state = Idle
	for {
		next, err := o.step(ctx)
		if err != nil {
			return err
		}
		o.transition(next)
	}
}

// Stats returns a snapshot of the orchestrator's counters.
func (o *Orchestrator) Stats() Snapshot {
	return o.stats.Snapshot()
}

// State returns the current state. Only meaningful from the Run goroutine
// or after Run returned.
func (o *Orchestrator) State() State {
	return o.state
}

func (o *Orchestrator) transition(next State) {
	prev := o.state
	o.state = next
	if next == Idle {
		o.entry = nil
	}
	if prev == next {
		return
	}
	o.log.WithFields(logrus.Fields{"from": prev, "to": next}).Debug("State transition")
	if o.onTransition != nil {
		o.onTransition(prev, next)
	}
}

// step performs the work of the current state and returns the next one. A
// non-nil error is fatal and ends Run.
func (o *Orchestrator) step(ctx context.Context) (State, error) {
	switch o.state {
	case Idle:
		return o.awaitFailure(ctx)

	case Matched:
		o.stats.recordMatch(time.Now())
		fields := logrus.Fields{"message": o.entry.Message()}
		if !o.entry.Timestamp.IsZero() {
			fields["kernelTime"] = o.entry.Timestamp.Format(time.RFC3339Nano)
		}
		o.log.WithFields(fields).Warn("Detected xhci_hcd failure")
		if o.config.PreUnbindHook != "" {
			return PreHook, nil
		}
		return Unbinding, nil

	case PreHook:
		if err := o.runHook(ctx, StagePreUnbind, o.config.PreUnbindHook); err != nil {
			return o.state, err
		}
		return Unbinding, nil

	case Unbinding:
		if err := o.deps.Bus.Unbind(o.config.BusID); err != nil {
			// The device state is unknown after a failed unbind; binding
			// blindly could make it worse.
			o.stats.recordUnbindFailure()
			o.log.WithError(err).Warn("Unbind bus failed, abandoning recovery")
			return Idle, nil
		}
		o.log.Infof("Unbind bus %s", o.config.BusID)
		return RebindDelay, nil

	case RebindDelay:
		if err := o.sleep(ctx, o.config.RebindDelay()); err != nil {
			return o.state, err
		}
		return Rebinding, nil

	case Rebinding:
		if err := o.deps.Bus.Bind(o.config.BusID); err != nil {
			o.stats.recordBindFailure()
			o.log.WithError(err).Warn("Rebind bus failed, device is left unbound and may need operator intervention")
			return Idle, nil
		}
		o.stats.recordRecovery(time.Now())
		o.log.Infof("Rebind bus %s", o.config.BusID)
		if o.config.PostRebindHook != "" {
			return PostHook, nil
		}
		return Cooldown, nil

	case PostHook:
		if err := o.runHook(ctx, StagePostRebind, o.config.PostRebindHook); err != nil {
			return o.state, err
		}
		return Cooldown, nil

	case Cooldown:
		o.log.Infof("Successfully rebind bus %s", o.config.BusID)
		o.logStats()
		o.log.Infof("Delay %d seconds for next bus failure checking", o.config.NextFailCheckDelay)
		if err := o.sleep(ctx, o.config.Cooldown()); err != nil {
			return o.state, err
		}
		return Idle, nil

	default:
		return Idle, fmt.Errorf("unknown state %v", o.state)
	}
}

// awaitFailure blocks for the next log entry and reports Matched when it is
// the failure signature. Source errors are fatal.
func (o *Orchestrator) awaitFailure(ctx context.Context) (State, error) {
	entry, err := o.deps.Source.AwaitNext(ctx, o.waitTimeout)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return Idle, ctxErr
		}
		return Idle, fmt.Errorf("kernel log stream failed: %w", err)
	}
	if entry == nil {
		return Idle, nil
	}

	o.stats.recordEntry()
	if !o.deps.Matcher.IsFailure(entry.Message()) {
		return Idle, nil
	}
	o.entry = entry
	return Matched, nil
}

// runHook runs one hook. Hook failures are logged and swallowed; only
// cancellation of ctx is returned.
func (o *Orchestrator) runHook(ctx context.Context, stage, path string) error {
	log := o.log.WithFields(logrus.Fields{"stage": stage, "hook": path})
	log.Info("Running hook")

	out, err := o.deps.Hooks.Run(ctx, path, o.hookTimeout, map[string]string{
		remediators.EnvBusID: o.config.BusID,
		remediators.EnvStage: stage,
	})
	if out != nil && out.Output != "" {
		log.WithField("exitCode", out.ExitCode).Debugf("Hook output: %s", out.Output)
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		o.stats.recordHookFailure()
		log.WithError(err).Warn("Hook failed, continuing recovery")
		return nil
	}

	log.WithField("duration", out.Duration).Info("Hook finished")
	return nil
}

func (o *Orchestrator) logStats() {
	s := o.stats.Snapshot()
	o.log.WithFields(logrus.Fields{
		"matched":        s.FailuresMatched,
		"recovered":      s.CyclesCompleted,
		"unbindFailures": s.UnbindFailures,
		"bindFailures":   s.BindFailures,
		"hookFailures":   s.HookFailures,
	}).Info("Recovery statistics")
}

// sleepContext waits for d or until ctx ends.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
