package taskjail

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/zhangyunhao116/taskjail/internal/pathutil"
	"github.com/zhangyunhao116/taskjail/internal/scan"
)

// guardRule is a single policy rule. Check returns a Violation and true if
// the artifact breaks the rule, or a zero value and false otherwise.
type guardRule struct {
	// Name is a short, unique identifier for this rule (e.g. "containment").
	Name string

	Check func(in *guardInput) (Violation, bool)
}

// defaultGuardRules returns the built-in rules in evaluation order.
func defaultGuardRules() []guardRule {
	return []guardRule{
		{Name: "analyzable", Check: checkAnalyzable},
		{Name: "containment", Check: checkContainment},
		{Name: "opaque-construct", Check: checkOpaque},
		{Name: "no-destruction", Check: checkDestruction},
		{Name: "tool-allow-list", Check: checkToolAllowList},
	}
}

// ---------------------------------------------------------------------------
// analyzable
// ---------------------------------------------------------------------------

func checkAnalyzable(in *guardInput) (Violation, bool) {
	reject := func(reason string, line int) (Violation, bool) {
		return Violation{Kind: ViolationUnanalyzable, Line: line, Reason: reason}, true
	}
	switch {
	case in.jail == "" || !filepath.IsAbs(in.jail):
		return reject(fmt.Sprintf("jail root %q is not an absolute path", in.jail), 0)
	case !in.artifact.Language.Valid():
		return reject(fmt.Sprintf("unsupported language %q", in.artifact.Language), 0)
	case strings.TrimSpace(in.artifact.Source) == "":
		return reject("empty program", 0)
	case in.scanErr != nil:
		return reject(fmt.Sprintf("cannot parse program: %v", in.scanErr), 0)
	case in.report == nil:
		return reject("program was not analyzed", 0)
	case len(in.report.SyntaxErrors) > 0:
		return reject("syntax error", in.report.SyntaxErrors[0])
	}
	return Violation{}, false
}

// ---------------------------------------------------------------------------
// containment
// ---------------------------------------------------------------------------

// maxWorkingDirs bounds the directories a program may change into.
const maxWorkingDirs = 64

// checkContainment resolves every declared and detected path against the
// jail. Declared paths are checked first so that the oracle's own
// declaration is what the repair prompt quotes back.
func checkContainment(in *guardInput) (Violation, bool) {
	bases, v, bad := workingDirs(in)
	if bad {
		return v, true
	}
	for _, p := range in.artifact.Paths {
		for _, base := range bases {
			if v, ok := containPath(in, base, p, false, 0); ok {
				return v, true
			}
		}
	}

	// A program name such as "/usr/bin/sqlite3" is covered by the tool
	// allow-list, not by containment.
	commands := make(map[string]struct{}, len(in.report.Commands))
	for _, c := range in.report.Commands {
		commands[c.Name] = struct{}{}
	}
	for _, lit := range in.report.Paths {
		if _, ok := commands[lit.Value]; ok {
			continue
		}
		for _, base := range bases {
			if v, ok := containPath(in, base, lit.Value, lit.Partial, lit.Line); ok {
				return v, true
			}
		}
	}
	return Violation{}, false
}

// workingDirs returns every directory a relative path may be resolved
// against: the jail root and each directory the program changes into. A
// change of directory may sit in a branch that never runs, so the earlier
// directories stay in the set.
func workingDirs(in *guardInput) ([]string, Violation, bool) {
	bases := []string{in.jail}
	for _, d := range in.report.Dirs {
		next := slices.Clone(bases)
		for _, base := range bases {
			if v, ok := containPath(in, base, d.Value, false, d.Line); ok {
				return nil, v, true
			}
			dir := d.Value
			if !filepath.IsAbs(dir) {
				dir = filepath.Join(base, dir)
			}
			if dir = filepath.Clean(dir); !slices.Contains(next, dir) {
				next = append(next, dir)
			}
		}
		if len(next) > maxWorkingDirs {
			return nil, Violation{
				Kind:   ViolationUnanalyzable,
				Line:   d.Line,
				Reason: "changes into too many directories to follow",
			}, true
		}
		bases = next
	}
	return bases, Violation{}, false
}

// containPath checks one path, resolving a relative one against base. For
// a partial path only the static prefix is known; it must already be inside
// the jail and must not be able to extend the jail root's own name
// ("/data" + x could be "/database").
func containPath(in *guardInput, base, raw string, partial bool, line int) (Violation, bool) {
	escape := func(resolved, reason string) (Violation, bool) {
		return Violation{
			Kind:     ViolationPathEscape,
			Path:     raw,
			Resolved: resolved,
			Line:     line,
			Reason:   reason,
		}, true
	}

	p := strings.TrimSpace(raw)
	if p == "" || p == "-" {
		return Violation{}, false
	}
	if pathutil.ContainsNullByte(p) {
		return escape("", "path contains a null byte")
	}
	if strings.HasPrefix(p, "~") {
		return escape("", "home directory paths are outside the jail")
	}
	if filepath.IsAbs(p) && pathutil.IsPseudoDevice(p) {
		return Violation{}, false
	}
	if pathutil.IsGlobPattern(p) {
		p = pathutil.StaticPrefix(p)
	}
	if !filepath.IsAbs(p) {
		dir := strings.HasSuffix(p, "/")
		p = filepath.Join(base, p)
		if dir {
			p += "/"
		}
	}
	if partial && !strings.HasSuffix(p, "/") && filepath.Clean(p) == in.jail {
		return escape("", "a computed suffix could extend the jail root's name")
	}

	resolved, err := pathutil.Contain(in.jail, p, in.resolve)
	if err == nil {
		return Violation{}, false
	}
	if errors.Is(err, pathutil.ErrOutside) {
		return escape(resolved, "resolves outside the jail root "+in.jail)
	}
	return Violation{
		Kind:   ViolationUnanalyzable,
		Path:   raw,
		Line:   line,
		Reason: fmt.Sprintf("cannot resolve path: %v", err),
	}, true
}

// ---------------------------------------------------------------------------
// opaque-construct
// ---------------------------------------------------------------------------

func checkOpaque(in *guardInput) (Violation, bool) {
	if len(in.report.Opaque) == 0 {
		return Violation{}, false
	}
	c := in.report.Opaque[0]
	return Violation{
		Kind:      ViolationUnanalyzable,
		Operation: c.What,
		Line:      c.Line,
		Reason:    "its filesystem effect cannot be determined before running",
	}, true
}

// ---------------------------------------------------------------------------
// no-destruction
// ---------------------------------------------------------------------------

// destructiveCalls are fully qualified functions that delete, move, truncate
// or change the permissions of their argument.
var destructiveCalls = map[string]string{
	// python
	"os.remove":     "remove",
	"os.unlink":     "remove",
	"os.rmdir":      "remove",
	"os.removedirs": "remove",
	"shutil.rmtree": "remove",
	"shutil.move":   "move",
	"os.rename":     "move",
	"os.renames":    "move",
	"os.replace":    "move",
	"os.truncate":   "truncate",
	"os.ftruncate":  "truncate",
	"os.chmod":      "chmod",
	"os.lchmod":     "chmod",
	"os.fchmod":     "chmod",
	"os.chflags":    "chmod",
	"os.lchflags":   "chmod",
	"os.chown":      "chown",
	"os.lchown":     "chown",
	"os.fchown":     "chown",
	"shutil.chown":  "chown",
	// go
	"os.Remove":    "remove",
	"os.RemoveAll": "remove",
	"os.Rename":    "move",
	"os.Truncate":  "truncate",
	"os.Chmod":     "chmod",
	"os.Chown":     "chown",
	"os.Lchown":    "chown",
}

// destructiveMethods are destructive whatever the receiver
// (pathlib.Path().unlink(), f.truncate(), (*os.File).Chmod).
var destructiveMethods = map[string]string{
	"unlink":    "remove",
	"rmdir":     "remove",
	"rmtree":    "remove",
	"truncate":  "truncate",
	"chmod":     "chmod",
	"lchmod":    "chmod",
	"chown":     "chown",
	"Remove":    "remove",
	"RemoveAll": "remove",
	"Truncate":  "truncate",
	"Chmod":     "chmod",
	"Chown":     "chown",
}

// moveMethods move their receiver when given a single target, as
// Path.rename(target) does. str.replace takes two arguments.
var moveMethods = map[string]bool{"rename": true, "replace": true, "Rename": true}

// copyCalls overwrite their destination with the content of the source.
var copyCalls = map[string]bool{
	"shutil.copy": true, "shutil.copy2": true, "shutil.copyfile": true,
}

func checkDestruction(in *guardInput) (Violation, bool) {
	if len(in.report.Effects) > 0 {
		e := in.report.Effects[0]
		return destructive(e.Op, e.Target, e.Line), true
	}
	for _, c := range in.report.Calls {
		if op, target, ok := destructiveCall(c); ok {
			return destructive(strings.TrimPrefix(c.Qualified, ".")+"() ["+op+"]", target, c.Line), true
		}
	}
	for _, cmd := range in.report.Commands {
		if op, target, ok := destructiveCommand(cmd); ok {
			return destructive(cmd.Base()+" ["+op+"]", target, cmd.Line), true
		}
	}
	return Violation{}, false
}

func destructive(op, target string, line int) Violation {
	return Violation{
		Kind:      ViolationDestructiveOperation,
		Operation: op,
		Path:      target,
		Line:      line,
		Reason:    "deleting, moving, truncating or changing permissions of files is not allowed, even inside the jail",
	}
}

// destructiveCall classifies a function call. It returns the kind of
// operation and the path it applies to, when that is a literal.
func destructiveCall(c scan.Call) (op, target string, ok bool) {
	if len(c.Args) > 0 {
		target = c.Args[0]
	}
	if op, ok := destructiveCalls[c.Qualified]; ok {
		return op, target, true
	}
	if op, ok := destructiveMethods[c.Name]; ok {
		return op, target, true
	}
	if moveMethods[c.Name] && (c.Positional == 1 || c.Ref) {
		return "move", target, true
	}
	if copyCalls[c.Qualified] && len(c.Args) > 1 && c.Args[0] == "/dev/null" {
		return "truncate", c.Args[1], true
	}
	return "", "", false
}

// destructiveCommand classifies an external command. It returns the kind of
// operation and the first operand.
//
//nolint:gocyclo // one case per command family
func destructiveCommand(cmd scan.Command) (op, target string, ok bool) {
	args := cmd.Strings()
	target = firstOperand(args)
	switch cmd.Base() {
	case "rm", "rmdir", "unlink", "shred", "srm", "wipe":
		return "remove", target, true
	case "mv":
		return "move", target, true
	case "truncate":
		return "truncate", target, true
	case "chmod", "chown", "chgrp", "chattr", "setfacl":
		return cmd.Base(), target, true
	case "find":
		if hasArg(args, "-delete") {
			return "remove", target, true
		}
	case "ln":
		if hasArg(args, "--force") || hasShortFlag(args, 'f') {
			return "overwrite link", target, true
		}
	case "dd":
		for _, a := range args {
			if strings.HasPrefix(a, "of=") {
				return "overwrite", strings.TrimPrefix(a, "of="), true
			}
		}
	case "cp", "install":
		if hasArg(args, "/dev/null") {
			return "truncate", lastOperand(args), true
		}
	case "rsync":
		for _, a := range args {
			if strings.HasPrefix(a, "--delete") || a == "--remove-source-files" {
				return "remove", target, true
			}
		}
	case "tar":
		if hasArg(args, "--remove-files") {
			return "remove", target, true
		}
	case "zip":
		if hasArg(args, "-m", "--move", "-d", "--delete") {
			return "remove", target, true
		}
	case "git":
		return gitDestructive(args)
	}
	return "", "", false
}

// gitDestructive flags subcommands that delete files or discard changes in
// the working tree.
func gitDestructive(args []string) (string, string, bool) {
	sub := ""
	rest := args
	for i, a := range args {
		if !strings.HasPrefix(a, "-") {
			sub, rest = a, args[i+1:]
			break
		}
	}
	switch sub {
	case "rm", "clean":
		return "remove", firstOperand(rest), true
	case "restore":
		return "discard changes", firstOperand(rest), true
	case "reset":
		if hasArg(rest, "--hard") {
			return "discard changes", "", true
		}
	case "checkout":
		if hasArg(rest, "--", "-f", "--force", ".") {
			return "discard changes", lastOperand(rest), true
		}
	}
	return "", "", false
}

func hasArg(args []string, want ...string) bool {
	for _, a := range args {
		for _, w := range want {
			if a == w {
				return true
			}
		}
	}
	return false
}

// hasShortFlag reports whether flag appears alone or combined ("-sf").
func hasShortFlag(args []string, flag byte) bool {
	for _, a := range args {
		if len(a) > 1 && a[0] == '-' && a[1] != '-' && strings.IndexByte(a[1:], flag) >= 0 {
			return true
		}
	}
	return false
}

func firstOperand(args []string) string {
	for _, a := range args {
		if a != "" && !strings.HasPrefix(a, "-") {
			return a
		}
	}
	return ""
}

func lastOperand(args []string) string {
	for i := len(args) - 1; i >= 0; i-- {
		if a := args[i]; a != "" && !strings.HasPrefix(a, "-") {
			return a
		}
	}
	return ""
}

// ---------------------------------------------------------------------------
// tool-allow-list
// ---------------------------------------------------------------------------

// shellBuiltins never start an external program. exec, command, builtin
// and time run their argument; scan's unwrap reports that inner command, so
// keep the two lists in step.
var shellBuiltins = map[string]bool{
	"cd": true, "echo": true, "printf": true, "test": true, "[": true, "[[": true,
	"true": true, "false": true, ":": true, "export": true, "read": true,
	"set": true, "unset": true, "local": true, "return": true, "exit": true,
	"shift": true, "declare": true, "typeset": true, "readonly": true,
	"pwd": true, "wait": true, "trap": true, "let": true, "break": true,
	"continue": true, "getopts": true, "type": true, "hash": true,
	"ulimit": true, "umask": true, "alias": true, "unalias": true,
	"command": true, "builtin": true, "exec": true, "time": true,
	"mapfile": true, "readarray": true, "pushd": true, "popd": true,
}

func checkToolAllowList(in *guardInput) (Violation, bool) {
	if len(in.allowed) == 0 {
		return Violation{}, false
	}
	check := func(tool string, line int) (Violation, bool) {
		base := path.Base(strings.TrimSpace(tool))
		if base == "" || base == "." || shellBuiltins[base] {
			return Violation{}, false
		}
		if _, ok := in.allowed[base]; ok {
			return Violation{}, false
		}
		return Violation{
			Kind:      ViolationUnauthorizedTool,
			Operation: base,
			Line:      line,
			Reason:    fmt.Sprintf("%q is not in the tool allow-list", base),
		}, true
	}
	for _, t := range in.artifact.Tools {
		if v, ok := check(t, 0); ok {
			return v, true
		}
	}
	for _, c := range in.report.Commands {
		if v, ok := check(c.Name, c.Line); ok {
			return v, true
		}
	}
	return Violation{}, false
}
