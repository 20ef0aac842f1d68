package taskjail

import (
	"bytes"
	"errors"
	"io"
	"os/exec"
	"time"
)

// execHelper runs cmd in its own process group, captures its output with a
// size limit and returns the raw result. A non-zero exit (including death by
// signal) is reported through ExitCode, not as a Go error; an error is
// returned only when the process could not be started or waited on.
//
// maxOutput limits captured stdout/stderr each; 0 means no limit.
func execHelper(cmd *exec.Cmd, maxOutput int) (*execResult, error) {
	var stdout, stderr bytes.Buffer
	var stdoutWriter, stderrWriter io.Writer = &stdout, &stderr
	var outLimit, errLimit *limitedWriter
	if maxOutput > 0 {
		outLimit = &limitedWriter{buf: &stdout, limit: maxOutput}
		errLimit = &limitedWriter{buf: &stderr, limit: maxOutput}
		stdoutWriter, stderrWriter = outLimit, errLimit
	}
	cmd.Stdout = stdoutWriter
	cmd.Stderr = stderrWriter

	setupProcessGroup(cmd)

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, err
		}
		exitCode = exitErr.ExitCode()
	}

	return &execResult{
		ExitCode:  exitCode,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  duration,
		Truncated: outLimit.truncated() || errLimit.truncated(),
	}, nil
}

// limitedWriter wraps a bytes.Buffer and stops writing after limit bytes.
type limitedWriter struct {
	buf     *bytes.Buffer
	limit   int
	dropped bool
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			w.dropped = true
		}
		return len(p), nil // discard but report success
	}
	if len(p) <= remaining {
		return w.buf.Write(p)
	}
	// Write only what fits, but report full length to avoid io.ErrShortWrite.
	if _, err := w.buf.Write(p[:remaining]); err != nil {
		return 0, err
	}
	w.dropped = true
	return len(p), nil
}

func (w *limitedWriter) truncated() bool {
	return w != nil && w.dropped
}
