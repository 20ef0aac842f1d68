package taskjail

// NewNopExecutor creates an Executor that runs artifacts without the
// platform sandbox. The Guard still vets every artifact before it gets
// here, and the child still runs in the jail with a scrubbed environment,
// a process group and a timeout. Useful for tests and for development
// machines without Landlock.
func NewNopExecutor(cfg *Config) (Executor, error) {
	cfgCopy, err := prepareConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfgCopy.Sandbox.FallbackPolicy = FallbackWarn
	return &executor{cfg: cfgCopy}, nil
}
