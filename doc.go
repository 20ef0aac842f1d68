// Package taskjail turns natural-language file tasks into small programs and
// runs them against a single jailed data directory.
//
// A task goes through a bounded loop. A Synthesizer asks a language-model
// oracle for a candidate artifact (a Python, Bash or Go program). The Guard
// inspects the artifact statically and rejects anything that reaches outside
// the jail, deletes data, or calls a tool that is not allowed. Approved
// artifacts run through an Executor, which wraps the process with the
// platform sandbox (Linux namespaces, Landlock and seccomp) as a second line
// of defense. Rejections and failures are fed back to the oracle until the
// attempt budget is spent.
//
// Basic usage:
//
//	cfg := taskjail.DefaultConfig()
//	cfg.JailRoot = "/srv/data"
//	ex, err := taskjail.NewExecutor(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ex.Cleanup(context.Background())
//
//	orch, err := taskjail.NewOrchestrator(cfg, taskjail.NewSynthesizer(backend), ex)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	req, _ := orch.NewRequest("Count the Wednesdays in dates.txt")
//	out := taskjail.Report(orch.Run(ctx, req))
//
// Programs that embed taskjail must call MaybeChildInit at the very start of
// main so the re-executed sandbox and Go runner children can take over.
package taskjail
