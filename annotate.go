package taskjail

import "strings"

// denialMarkers are the error texts a process sees when Landlock, seccomp or
// a missing namespace capability refuses an operation.
var denialMarkers = []string{
	"Permission denied",
	"Operation not permitted",
	"Read-only file system",
	"PermissionError",
}

// maxDenials bounds how many denial lines are quoted back to the oracle.
const maxDenials = 5

// sandboxDenials returns the stderr lines that look like sandbox refusals.
func sandboxDenials(stderr string) []string {
	var out []string
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, m := range denialMarkers {
			if strings.Contains(line, m) {
				out = append(out, line)
				break
			}
		}
		if len(out) == maxDenials {
			break
		}
	}
	return out
}

// annotateStderrWithViolations appends sandbox violation information to the
// diagnostic handed to the repair round, so the oracle learns that the
// operation was refused by policy rather than by a bug in its code.
// If there are no violations, the original stderr string is returned unchanged.
func annotateStderrWithViolations(stderr string, violations []string) string {
	if len(violations) == 0 {
		return stderr
	}
	var b strings.Builder
	b.WriteString(stderr)
	b.WriteString("\n<sandbox_violations>\n")
	for _, v := range violations {
		b.WriteString(v)
		b.WriteString("\n")
	}
	b.WriteString("</sandbox_violations>")
	return b.String()
}
