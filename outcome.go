package taskjail

import (
	"path"
	"regexp"
	"strings"
)

const (
	// maxErrorLines and maxErrorBytes bound the stderr tail kept in
	// ExecutionOutcome.Error for the repair prompt.
	maxErrorLines = 40
	maxErrorBytes = 4 << 10
)

var (
	calledProcessRe = regexp.MustCompile(`CalledProcessError: Command '(?:\[')?([^'\s,\]]+)`)
	notFoundRe      = regexp.MustCompile(`(?m)([\w.+-]+): (?:command )?not found\s*$`)
	fileNotFoundRe  = regexp.MustCompile(`FileNotFoundError: \[Errno 2\] No such file or directory: '([^']+)'`)
	goExecRe        = regexp.MustCompile(`exec: "([^"]+)": executable file not found`)
)

// classifyOutcome turns a raw process result into an ExecutionOutcome.
// timedOut reports whether the attempt deadline fired.
func classifyOutcome(res *execResult, artifact CandidateArtifact, sandboxed, timedOut bool) ExecutionOutcome {
	out := ExecutionOutcome{
		Kind:      OutcomeRuntimeFailure,
		ExitCode:  res.ExitCode,
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		Duration:  res.Duration,
		Sandboxed: sandboxed,
		Truncated: res.Truncated,
	}
	switch {
	case res.ExitCode == 0 && !timedOut:
		out.Kind = OutcomeSuccess
		return out
	case timedOut:
		out.Kind = OutcomeTimeout
	default:
		if tool, ok := failedTool(res.Stderr, artifact.Tools); ok {
			out.Kind = OutcomeToolFailure
			out.Tool = tool
		}
	}

	out.Error = tail(res.Stderr, maxErrorLines, maxErrorBytes)
	if sandboxed {
		out.Error = annotateStderrWithViolations(out.Error, sandboxDenials(res.Stderr))
	}
	return out
}

// failedTool finds the external tool a failing artifact tripped over. A
// missing program is recognised whatever its name; an error line prefixed
// by a program name counts only for the tools the artifact declared.
func failedTool(stderr string, declared []string) (string, bool) {
	if m := calledProcessRe.FindStringSubmatch(stderr); m != nil {
		return path.Base(m[1]), true
	}
	if m := goExecRe.FindStringSubmatch(stderr); m != nil {
		return path.Base(m[1]), true
	}
	if m := notFoundRe.FindStringSubmatch(stderr); m != nil {
		return path.Base(m[1]), true
	}
	if m := fileNotFoundRe.FindStringSubmatch(stderr); m != nil {
		if name := path.Base(m[1]); isDeclared(name, declared) {
			return name, true
		}
	}
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		for _, t := range declared {
			name := path.Base(t)
			if name != "" && name != "." && strings.HasPrefix(line, name+": ") {
				return name, true
			}
		}
	}
	return "", false
}

func isDeclared(name string, declared []string) bool {
	for _, t := range declared {
		if path.Base(t) == name {
			return true
		}
	}
	return false
}

// tail returns at most the last maxLines lines and maxBytes bytes of s.
func tail(s string, maxLines, maxBytes int) string {
	s = strings.TrimRight(s, "\n")
	if len(s) > maxBytes {
		s = s[len(s)-maxBytes:]
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
	}
	lines := strings.Split(s, "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}
