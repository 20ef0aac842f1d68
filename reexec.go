package taskjail

import (
	"os"

	"github.com/zhangyunhao116/taskjail/internal/gorun"
)

// sandboxInitFn enters the platform sandbox helper when the process was
// re-executed for it. Platform files replace it from init.
var sandboxInitFn = func() bool { return false }

// osExitFn is overridden in tests.
var osExitFn = os.Exit

// MaybeChildInit checks whether the current process was started by an
// Executor as a child helper: the platform sandbox helper, which applies
// the sandbox and execs the artifact interpreter, or the go artifact
// runner. In either case the process exits without returning. Otherwise
// it returns false.
//
// Call this at the very beginning of main() before any other initialization:
//
//	func main() {
//	    if taskjail.MaybeChildInit() {
//	        return
//	    }
//	    // ... rest of main
//	}
func MaybeChildInit() bool {
	if sandboxInitFn() {
		return true
	}
	if len(os.Args) > 1 && os.Args[1] == goRunnerArg {
		osExitFn(gorun.Main(os.Args[2:]))
		return true
	}
	return false
}
