package taskjail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zhangyunhao116/taskjail/internal/pathutil"
	"github.com/zhangyunhao116/taskjail/internal/scan"
)

// Oracle is the external language model that writes artifacts. Complete
// sends one system and one user message and returns the raw reply.
type Oracle interface {
	// Name identifies the backend in errors and logs.
	Name() string

	Complete(ctx context.Context, system, user string) (string, error)
}

// Synthesizer turns a task description into a candidate artifact. On repair
// rounds prior holds the attempts so far, most recent last.
type Synthesizer interface {
	Synthesize(ctx context.Context, description, jailRoot string, prior []Attempt) (CandidateArtifact, error)
}

// NewSynthesizer returns a Synthesizer backed by oracle. It never runs what
// the oracle returns; it only packages it and declares the paths and tools
// it can detect statically.
func NewSynthesizer(oracle Oracle) Synthesizer {
	return &synthesizer{oracle: oracle}
}

type synthesizer struct {
	oracle Oracle
}

func (s *synthesizer) Synthesize(ctx context.Context, description, jailRoot string, prior []Attempt) (CandidateArtifact, error) {
	reply, err := s.oracle.Complete(ctx, systemPrompt(jailRoot), userPrompt(description, jailRoot, prior))
	if err != nil {
		return CandidateArtifact{}, &OracleError{Backend: s.oracle.Name(), Err: err}
	}
	artifact, err := parseArtifact(reply)
	if err != nil {
		return CandidateArtifact{}, &OracleError{Backend: s.oracle.Name(), Err: err}
	}
	return declareDetected(ctx, artifact), nil
}

// systemPrompt states the jail rules and the reply format.
func systemPrompt(jailRoot string) string {
	return fmt.Sprintf(`You write short programs that carry out data tasks described in natural language, including multilingual and informal requests.

Choose the language that fits the task best: "python", "bash" or "go" (a complete package main using only the standard library).

Security rules, enforced before your program runs:
1. Read and write files only under %[1]s. Relative paths resolve against %[1]s, which is the working directory.
2. Never delete, move, rename or truncate a file, never change permissions, and never drop or empty a database table. Write results to new files or overwrite output files in place.
3. Do not use eval, exec, dynamic imports or shell commands built from variables.
4. Call external programs directly, by name, with literal arguments where possible, and list each of them in "tools".

Handle date formats (ISO, day-month-year, datetime) and multilingual content carefully. Print the result of the task to standard output.

Reply with JSON only, in this format:
{
  "language": "python" | "bash" | "go",
  "code": "the complete program",
  "paths": ["every file or directory the program reads or writes"],
  "tools": ["every external program the program runs"]
}`, jailRoot)
}

// userPrompt is the task, plus on repair rounds the last failed artifact and
// why it failed.
func userPrompt(description, jailRoot string, prior []Attempt) string {
	if len(prior) == 0 {
		return fmt.Sprintf("Task: %s\nData directory: %s", description, jailRoot)
	}
	last := prior[len(prior)-1]

	var b strings.Builder
	fmt.Fprintf(&b, "The previous attempt (%d of the budget) failed. Fix the program and try again.\n\n", len(prior))
	fmt.Fprintf(&b, "Task: %s\nData directory: %s\n\n", description, jailRoot)
	fmt.Fprintf(&b, "Previous %s program:\n%s\n\n", last.Artifact.Language, last.Artifact.Source)
	fmt.Fprintf(&b, "Failure: %s\n", last.Failure())
	switch {
	case !last.Verdict.Approved:
		b.WriteString("The program was not run. Rewrite it so it satisfies the security rules.\n")
	case last.Outcome != nil && last.Outcome.Error != "":
		fmt.Fprintf(&b, "Error output:\n%s\n", last.Outcome.Error)
	}
	return b.String()
}

// oracleReply is the JSON the oracle is asked for. application_type is the
// older name of language.
type oracleReply struct {
	Language        string   `json:"language"`
	ApplicationType string   `json:"application_type"`
	Code            string   `json:"code"`
	Paths           []string `json:"paths"`
	Tools           []string `json:"tools"`
}

var errNoArtifact = errors.New("reply contains no artifact")

// parseArtifact extracts the artifact from an oracle reply. The JSON may be
// wrapped in a Markdown code fence or surrounded by prose.
func parseArtifact(reply string) (CandidateArtifact, error) {
	body := strings.TrimSpace(reply)
	if body == "" {
		return CandidateArtifact{}, fmt.Errorf("%w: empty reply", errNoArtifact)
	}
	start, end := strings.IndexByte(body, '{'), strings.LastIndexByte(body, '}')
	if start < 0 || end < start {
		return CandidateArtifact{}, fmt.Errorf("%w: no JSON object in reply", errNoArtifact)
	}

	var r oracleReply
	if err := json.Unmarshal([]byte(body[start:end+1]), &r); err != nil {
		return CandidateArtifact{}, fmt.Errorf("%w: %w", errNoArtifact, err)
	}
	name := r.Language
	if name == "" {
		name = r.ApplicationType
	}
	lang, err := ParseLanguage(name)
	if err != nil {
		return CandidateArtifact{}, err
	}
	if strings.TrimSpace(r.Code) == "" {
		return CandidateArtifact{}, fmt.Errorf("%w: empty code", errNoArtifact)
	}
	return CandidateArtifact{
		Language: lang,
		Source:   r.Code,
		Paths:    appendUnique(nil, r.Paths...),
		Tools:    appendUnique(nil, r.Tools...),
	}, nil
}

// declareDetected adds the paths and external programs found by scanning
// the source to what the oracle declared. A source that does not scan is
// returned unchanged; the Guard rejects it.
func declareDetected(ctx context.Context, a CandidateArtifact) CandidateArtifact {
	rep, err := scan.Source(ctx, string(a.Language), []byte(a.Source))
	if err != nil {
		return a
	}
	commands := make(map[string]bool, len(rep.Commands))
	for _, c := range rep.Commands {
		commands[c.Name] = true
	}
	for _, p := range rep.Paths {
		if !p.Partial && !commands[p.Value] && pathutil.LooksLikePath(p.Value) {
			a.Paths = appendUnique(a.Paths, p.Value)
		}
	}
	for _, c := range rep.Commands {
		if base := c.Base(); base != "." && !shellBuiltins[base] {
			a.Tools = appendUnique(a.Tools, base)
		}
	}
	return a
}

// appendUnique appends the non-empty values of vs that dst does not hold.
func appendUnique(dst []string, vs ...string) []string {
	for _, v := range vs {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		dup := false
		for _, d := range dst {
			if d == v {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}
