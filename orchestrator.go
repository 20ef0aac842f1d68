package taskjail

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RunResult is the terminal state of one task and the attempts that led to
// it.
type RunResult struct {
	TaskID string

	// State is always terminal once Run returns.
	State State

	// Attempts holds every synthesis round that produced an artifact, in
	// order. Its length never exceeds the request's MaxAttempts.
	Attempts []Attempt

	// Err is set when the run ended for a reason other than the artifacts
	// themselves: an invalid request, an unavailable oracle, an executor
	// that could not run the artifact, or cancellation.
	Err error
}

// Last returns the most recent attempt, or nil if there is none.
func (r *RunResult) Last() *Attempt {
	if len(r.Attempts) == 0 {
		return nil
	}
	return &r.Attempts[len(r.Attempts)-1]
}

// Orchestrator drives the synthesize, guard, execute and repair loop. It
// holds no per-task state, so one Orchestrator serves concurrent tasks.
type Orchestrator struct {
	mu       sync.RWMutex
	cfg      *Config
	guard    *Guard
	synth    Synthesizer
	executor Executor
}

// NewOrchestrator validates cfg and returns an Orchestrator using synth to
// write artifacts and executor to run them.
func NewOrchestrator(cfg *Config, synth Synthesizer, executor Executor) (*Orchestrator, error) {
	if synth == nil {
		return nil, fmt.Errorf("%w: synthesizer must not be nil", ErrConfigInvalid)
	}
	if executor == nil {
		return nil, fmt.Errorf("%w: executor must not be nil", ErrConfigInvalid)
	}
	cfgCopy, err := prepareConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:      cfgCopy,
		guard:    NewGuard(cfgCopy.AllowedTools),
		synth:    synth,
		executor: executor,
	}, nil
}

// NewRequest builds a TaskRequest for description with the configured jail
// root, attempt budget and attempt timeout.
func (o *Orchestrator) NewRequest(description string) (TaskRequest, error) {
	cfg := o.snapshot()
	return NewTaskRequest(description, cfg.JailRoot, cfg.MaxAttempts, cfg.AttemptTimeout)
}

// Handle runs req and reports the outcome.
func (o *Orchestrator) Handle(ctx context.Context, req TaskRequest, opts ...Option) Outcome {
	return Report(o.Run(ctx, req, opts...))
}

// Run processes req until a terminal state is reached. At most
// req.MaxAttempts artifacts are synthesized, no artifact runs unless the
// Guard approved it, and nothing is synthesized after a success. A
// cancelled ctx kills the running artifact and stops the loop.
func (o *Orchestrator) Run(ctx context.Context, req TaskRequest, opts ...Option) *RunResult {
	ro := mergeRunOptions(opts...)
	cfg, guard := o.snapshotWithGuard()
	if ro.toolsSet {
		guard = guard.WithAllowedTools(ro.allowedTools)
	}

	r := &run{
		res:    &RunResult{TaskID: ro.taskID, State: StateStart},
		logger: loggerOrNop(cfg.Logger),
		notify: ro.observer,
	}
	if r.res.TaskID == "" {
		r.res.TaskID = uuid.NewString()
	}
	r.logger = r.logger.With(zap.String("task_id", r.res.TaskID))

	if err := req.Validate(); err != nil {
		r.fail(err)
		return r.res
	}
	r.logger.Info("task accepted",
		zap.String("jail_root", req.JailRoot),
		zap.Int("max_attempts", req.MaxAttempts),
		zap.Duration("timeout", req.Timeout))

	for round := 1; ; round++ {
		r.round = round
		if err := ctx.Err(); err != nil {
			r.fail(err)
			return r.res
		}

		r.to(StateSynthesizing)
		oracleCtx, cancel := context.WithTimeout(ctx, cfg.OracleTimeout)
		artifact, err := o.synth.Synthesize(oracleCtx, req.Description, req.JailRoot, r.res.Attempts)
		cancel()
		if err != nil {
			if !errors.Is(err, ErrOracleUnavailable) {
				err = &OracleError{Err: err}
			}
			r.fail(err)
			return r.res
		}

		r.to(StateGuarding, zap.String("language", string(artifact.Language)))
		attempt := Attempt{Round: round, Artifact: artifact, Verdict: guard.Evaluate(artifact, req.JailRoot)}
		if !attempt.Verdict.Approved {
			r.res.Attempts = append(r.res.Attempts, attempt)
			r.logger.Info("artifact rejected",
				zap.Int("round", round),
				zap.String("rule", attempt.Verdict.Violation.Rule),
				zap.String("violation", attempt.Verdict.Violation.String()))
			if round >= req.MaxAttempts {
				r.to(StateRejected)
				return r.res
			}
			continue
		}

		r.to(StateExecuting)
		out, err := o.executor.Run(ctx, artifact, req.JailRoot, req.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				attempt.Outcome = &out
			}
			r.res.Attempts = append(r.res.Attempts, attempt)
			r.fail(err)
			return r.res
		}
		attempt.Outcome = &out
		r.res.Attempts = append(r.res.Attempts, attempt)
		r.logger.Info("artifact executed",
			zap.Int("round", round),
			zap.Stringer("outcome", out.Kind),
			zap.Int("exit_code", out.ExitCode),
			zap.Duration("duration", out.Duration),
			zap.Bool("sandboxed", out.Sandboxed))

		if out.Kind == OutcomeSuccess {
			r.to(StateSucceeded)
			return r.res
		}
		if round >= req.MaxAttempts {
			r.to(StateFailed, zap.String("reason", out.Reason()))
			return r.res
		}
	}
}

// run is the mutable state of one Run call.
type run struct {
	res    *RunResult
	round  int
	logger *zap.Logger
	notify func(Transition)
}

func (r *run) to(s State, fields ...zap.Field) {
	from := r.res.State
	r.res.State = s
	fields = append([]zap.Field{zap.Int("round", r.round), zap.Stringer("state", s)}, fields...)
	if s.Terminal() {
		fields = append(fields, zap.Int("attempts", len(r.res.Attempts)))
	}
	r.logger.Info("task transition", fields...)
	if r.notify != nil {
		r.notify(Transition{TaskID: r.res.TaskID, Round: r.round, From: from, To: s})
	}
}

func (r *run) fail(err error) {
	r.res.Err = err
	r.to(StateFailed, zap.Error(err))
}

// ReadFile reads path inside the configured jail. See ReadFile.
func (o *Orchestrator) ReadFile(path string) ([]byte, error) {
	return ReadFile(o.snapshot().JailRoot, path)
}

// Executor returns the executor artifacts run on.
func (o *Orchestrator) Executor() Executor {
	return o.executor
}

// UpdateConfig validates cfg and applies it to subsequent runs, including
// the executor's configuration. Runs in flight are unaffected.
func (o *Orchestrator) UpdateConfig(cfg *Config) error {
	cfgCopy, err := prepareConfig(cfg)
	if err != nil {
		return err
	}
	if err := o.executor.UpdateConfig(cfgCopy); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if cfgCopy.Logger == nil {
		cfgCopy.Logger = o.cfg.Logger
	}
	o.cfg = cfgCopy
	o.guard = o.guard.WithAllowedTools(cfgCopy.AllowedTools)
	return nil
}

func (o *Orchestrator) snapshot() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return *o.cfg
}

func (o *Orchestrator) snapshotWithGuard() (Config, *Guard) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return *o.cfg, o.guard
}
