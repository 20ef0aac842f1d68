package taskjail

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/zhangyunhao116/taskjail/internal/pathutil"
	"github.com/zhangyunhao116/taskjail/internal/scan"
)

// ViolationKind identifies the policy rule an artifact broke.
type ViolationKind int

const (
	// ViolationUnanalyzable indicates the artifact cannot be proven safe:
	// it does not parse, is written in an unsupported language, or uses a
	// construct whose filesystem effect is decided at run time. It is the
	// zero value, so an unset violation still reads as a rejection.
	ViolationUnanalyzable ViolationKind = iota

	// ViolationPathEscape indicates a path resolves outside the jail root.
	ViolationPathEscape

	// ViolationDestructiveOperation indicates a delete, move, truncate or
	// permission change.
	ViolationDestructiveOperation

	// ViolationUnauthorizedTool indicates an external executable outside
	// the allow-list.
	ViolationUnauthorizedTool
)

// String returns the string representation of a ViolationKind.
func (k ViolationKind) String() string {
	switch k {
	case ViolationUnanalyzable:
		return "unanalyzable"
	case ViolationPathEscape:
		return "path_escape"
	case ViolationDestructiveOperation:
		return "destructive_operation"
	case ViolationUnauthorizedTool:
		return "unauthorized_tool"
	default:
		return unknownStr
	}
}

// Violation describes why the Guard rejected an artifact.
type Violation struct {
	// Kind is the violation class.
	Kind ViolationKind

	// Rule is the identifier of the rule that matched (e.g. "containment").
	Rule string

	// Path is the offending path as written in the artifact, if any.
	Path string

	// Resolved is Path after normalization and symlink resolution.
	Resolved string

	// Operation is the offending call, command or construct, if any.
	Operation string

	// Line is the 1-based source line, or 0 when unknown.
	Line int

	// Reason is a human-readable explanation.
	Reason string
}

// String renders the violation for logs and repair prompts.
func (v Violation) String() string {
	var b strings.Builder
	b.WriteString(v.Kind.String())
	if v.Operation != "" {
		b.WriteString(" ")
		b.WriteString(v.Operation)
	}
	if v.Path != "" {
		fmt.Fprintf(&b, " %q", v.Path)
		if v.Resolved != "" && v.Resolved != v.Path {
			fmt.Fprintf(&b, " (resolves to %q)", v.Resolved)
		}
	}
	if v.Line > 0 {
		fmt.Fprintf(&b, " at line %d", v.Line)
	}
	if v.Reason != "" {
		b.WriteString(": ")
		b.WriteString(v.Reason)
	}
	return b.String()
}

// PolicyVerdict is the Guard's decision over one artifact. Approval is all
// or nothing; the zero value is a rejection.
type PolicyVerdict struct {
	Approved  bool
	Violation Violation
}

// Guard statically vets candidate artifacts against the jail and
// no-destruction policy before anything runs. Rules are evaluated in order
// and the first violation wins. When in doubt a rule rejects.
//
// A Guard is immutable and safe for concurrent use.
type Guard struct {
	rules   []guardRule
	allowed map[string]struct{}
	resolve pathutil.Resolver
}

// NewGuard returns a Guard with the built-in rules. An empty allowedTools
// disables the tool allow-list rule.
func NewGuard(allowedTools []string) *Guard {
	g := &Guard{
		rules:   defaultGuardRules(),
		resolve: pathutil.ResolveExisting,
	}
	return g.WithAllowedTools(allowedTools)
}

// WithAllowedTools returns a copy of g using allowedTools as its allow-list.
func (g *Guard) WithAllowedTools(allowedTools []string) *Guard {
	cpy := *g
	cpy.allowed = nil
	if len(allowedTools) > 0 {
		cpy.allowed = make(map[string]struct{}, len(allowedTools))
		for _, t := range allowedTools {
			cpy.allowed[strings.TrimSpace(t)] = struct{}{}
		}
	}
	return &cpy
}

// Evaluate returns the verdict for artifact against jailRoot.
func (g *Guard) Evaluate(artifact CandidateArtifact, jailRoot string) PolicyVerdict {
	in := &guardInput{
		artifact: artifact,
		jail:     jailRoot,
		allowed:  g.allowed,
		resolve:  g.resolve,
	}
	if jailRoot != "" {
		in.jail = filepath.Clean(jailRoot)
	}
	if artifact.Language.Valid() && strings.TrimSpace(artifact.Source) != "" {
		rep, err := scan.Source(context.Background(), string(artifact.Language), []byte(artifact.Source))
		if err != nil {
			in.scanErr = err
		} else {
			in.report = rep
		}
	}

	for _, r := range g.rules {
		if v, ok := r.Check(in); ok {
			v.Rule = r.Name
			return PolicyVerdict{Violation: v}
		}
	}
	return PolicyVerdict{Approved: true}
}

// guardInput is what every rule sees: the artifact, the jail and the
// artifact's scan report.
type guardInput struct {
	artifact CandidateArtifact
	jail     string
	report   *scan.Report
	scanErr  error
	allowed  map[string]struct{}
	resolve  pathutil.Resolver
}
