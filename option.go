package taskjail

// Option configures a single Orchestrator.Run call.
type Option func(*runOptions)

// runOptions holds per-run configuration applied via Option functions.
type runOptions struct {
	taskID       string
	observer     func(Transition)
	allowedTools []string
	toolsSet     bool
}

// Transition is reported to an observer each time a run changes state.
type Transition struct {
	TaskID string
	Round  int
	From   State
	To     State
}

// WithTaskID sets the task identifier used in logs and the result. By
// default a random UUID is generated.
func WithTaskID(id string) Option {
	return func(o *runOptions) {
		o.taskID = id
	}
}

// WithObserver registers fn to be called synchronously on every state
// transition of the run.
func WithObserver(fn func(Transition)) Option {
	return func(o *runOptions) {
		o.observer = fn
	}
}

// WithToolAllowList overrides the configured tool allow-list for a single
// run. An empty list disables the allow-list rule for that run.
func WithToolAllowList(tools ...string) Option {
	cpy := append([]string(nil), tools...)
	return func(o *runOptions) {
		o.allowedTools = cpy
		o.toolsSet = true
	}
}

func mergeRunOptions(opts ...Option) *runOptions {
	ro := &runOptions{}
	for _, opt := range opts {
		opt(ro)
	}
	return ro
}
