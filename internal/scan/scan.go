// Package scan extracts the filesystem-relevant facts of a generated program
// without running it: the path literals it mentions, the functions it calls,
// the external commands it launches and the constructs whose effect cannot
// be determined statically. Python and bash are parsed with tree-sitter, Go
// with go/parser. Policy decisions are left to the caller; this package only
// reports.
package scan

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"slices"
	"strings"

	"github.com/zhangyunhao116/taskjail/internal/pathutil"
)

// Supported languages.
const (
	Python = "python"
	Bash   = "bash"
	Go     = "go"
)

// ErrUnsupported is returned for a language this package cannot parse.
var ErrUnsupported = errors.New("scan: unsupported language")

// maxNesting bounds how deep inline programs (bash -c, python -c,
// subprocess strings) are followed before the scan gives up.
const maxNesting = 4

// Literal is a string constant that names, or may name, a filesystem path.
type Literal struct {
	Value string
	Line  int

	// Operand is set when the literal is passed where a path is expected
	// (a command argument, a redirect target, the first argument of open).
	// Such literals are checked even when they do not look like paths.
	Operand bool

	// Partial is set when only a static prefix of the value is known, as
	// in f"/data/{name}" or "/tmp/$x".
	Partial bool
}

// Call is a function or method call found in Python or Go source.
type Call struct {
	// Name is the last component of the callee ("remove", "unlink").
	Name string
	// Qualified is the callee with import aliases resolved
	// ("os.remove", "pathlib.Path().unlink", "p.unlink").
	Qualified  string
	Positional int
	Keywords   []string
	// Args holds the literal value of each positional argument, or "" when
	// the argument is not a string literal.
	Args []string
	Line int
	// Ref is set when the function is named without being called, as in
	// "rm = os.remove". Its arguments are then unknown.
	Ref bool
}

// Arg is one argument of an external command.
type Arg struct {
	Value string
	// Dynamic is set when the argument is computed at run time; Value then
	// holds the static prefix, possibly empty.
	Dynamic bool
}

// Command is an external program launched by the artifact, either directly
// from a shell script or through a process-spawning API.
type Command struct {
	Name string
	Args []Arg
	Line int
}

// Strings returns the static argument values.
func (c Command) Strings() []string {
	out := make([]string, 0, len(c.Args))
	for _, a := range c.Args {
		out = append(out, a.Value)
	}
	return out
}

// Base returns the command name without its directory.
func (c Command) Base() string {
	return path.Base(c.Name)
}

// Effect is a destructive effect recognized from program structure rather
// than from a call name, such as "> file" with no command.
type Effect struct {
	Op     string
	Target string
	Line   int
}

// Construct is a piece of code whose filesystem effect cannot be decided.
type Construct struct {
	What string
	Line int
}

// Report is everything a scan learned about one program.
type Report struct {
	Language string
	Paths    []Literal
	// Dirs lists, in program order, the directories the program changes
	// into with cd, os.chdir or a subprocess cwd. Relative paths may be
	// resolved against any of them.
	Dirs         []Literal
	Calls        []Call
	Commands     []Command
	Effects      []Effect
	Opaque       []Construct
	Imports      []string
	SyntaxErrors []int
}

// Source scans src written in language.
func Source(ctx context.Context, language string, src []byte) (*Report, error) {
	s := &scanner{ctx: ctx, rep: &Report{Language: language}}
	if err := s.run(language, src); err != nil {
		return nil, err
	}
	s.rep.dedupe()
	return s.rep, nil
}

type scanner struct {
	ctx   context.Context
	rep   *Report
	depth int
	// loops counts the enclosing loops and function bodies, where a
	// statement may run more than once.
	loops int
}

func (s *scanner) run(language string, src []byte) error {
	switch language {
	case Python:
		return s.python(src)
	case Bash:
		return s.bash(src)
	case Go:
		return s.golang(src)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupported, language)
	}
}

func (s *scanner) opaque(what string, line int) {
	s.rep.Opaque = append(s.rep.Opaque, Construct{What: what, Line: line})
}

func (s *scanner) syntaxError(line int) {
	s.rep.SyntaxErrors = append(s.rep.SyntaxErrors, line)
}

func (s *scanner) effect(op, target string, line int) {
	s.rep.Effects = append(s.rep.Effects, Effect{Op: op, Target: target, Line: line})
}

// literal records a string constant: it may be a path and it may carry a
// destructive SQL statement.
func (s *scanner) literal(v string, line int, partial bool) {
	if pathutil.LooksLikePath(v) {
		s.rep.Paths = append(s.rep.Paths, Literal{Value: v, Line: line, Partial: partial})
	}
	s.sql(v, line)
}

// operand records a value passed where a path is expected.
func (s *scanner) operand(v string, line int, partial bool) {
	if v == "" {
		return
	}
	s.rep.Paths = append(s.rep.Paths, Literal{Value: v, Line: line, Operand: true, Partial: partial})
}

// pathArg records a value passed where a path is expected. A value with no
// static prefix cannot be checked and makes the program opaque.
func (s *scanner) pathArg(v value, what string, line int) {
	switch v.state {
	case valueKnown:
		for _, p := range v.strs {
			s.operand(p, line, false)
		}
	case valuePrefix:
		for _, p := range v.strs {
			if p == "" {
				s.opaque(what+" with a path computed at run time", line)
				return
			}
		}
		for _, p := range v.strs {
			s.operand(p, line, true)
		}
	case valueUnknown:
		s.opaque(what+" with a path computed at run time", line)
	}
}

// chdir records a change of working directory. The target must be known:
// every later relative path is checked against it.
func (s *scanner) chdir(v value, what string, line int) {
	if v.state != valueKnown {
		s.opaque(what+" to a directory computed at run time", line)
		return
	}
	for _, d := range v.strs {
		switch {
		case d == "":
			s.opaque(what+" to an empty directory name", line)
			return
		case s.loops > 0 && !path.IsAbs(d):
			s.opaque(what+" to a relative directory in code that may run more than once", line)
			return
		}
	}
	for _, d := range v.strs {
		s.rep.Dirs = append(s.rep.Dirs, Literal{Value: d, Line: line, Operand: true})
	}
}

// argAlts lists the possible values of one command argument. A number is
// never a path and stays static.
func argAlts(v value) []Arg {
	switch v.state {
	case valueKnown, valuePrefix:
		out := make([]Arg, len(v.strs))
		for i, s := range v.strs {
			out[i] = Arg{Value: s, Dynamic: v.state == valuePrefix}
		}
		return out
	case valueText:
		return []Arg{{}}
	}
	return []Arg{{Dynamic: true}}
}

// expandArgs turns per-argument alternatives into whole argument lists.
func expandArgs(alts [][]Arg) ([][]Arg, bool) {
	out := [][]Arg{nil}
	for _, as := range alts {
		if len(out)*len(as) > maxAlts {
			return nil, false
		}
		next := make([][]Arg, 0, len(out)*len(as))
		for _, head := range out {
			for _, a := range as {
				next = append(next, append(slices.Clip(head), a))
			}
		}
		out = next
	}
	return out, true
}

var (
	sqlDropRe      = regexp.MustCompile(`(?i)\b(drop\s+(table|database|schema)|truncate\s+table)\b`)
	sqlDeleteAllRe = regexp.MustCompile(`(?i)\bdelete\s+from\s+[\w."\[\]` + "`" + `]+\s*(;|$)`)
)

func (s *scanner) sql(v string, line int) {
	switch {
	case sqlDropRe.MatchString(v):
		s.effect("sql-drop", strings.TrimSpace(v), line)
	case sqlDeleteAllRe.MatchString(strings.TrimSpace(v)):
		s.effect("sql-delete-all", strings.TrimSpace(v), line)
	}
}

// nested scans an inline program found inside another one. Every finding is
// attributed to the line of the enclosing call.
func (s *scanner) nested(language, code string, line int) {
	if s.depth >= maxNesting {
		s.opaque("inline "+language+" program nested too deeply", line)
		return
	}
	child := &scanner{ctx: s.ctx, rep: &Report{Language: language}, depth: s.depth + 1}
	if err := child.run(language, []byte(code)); err != nil {
		s.opaque("inline "+language+" program could not be parsed", line)
		return
	}
	s.rep.merge(child.rep, line)
}

func (r *Report) merge(o *Report, line int) {
	for _, p := range o.Paths {
		p.Line = line
		r.Paths = append(r.Paths, p)
	}
	for _, d := range o.Dirs {
		d.Line = line
		r.Dirs = append(r.Dirs, d)
	}
	for _, c := range o.Calls {
		c.Line = line
		r.Calls = append(r.Calls, c)
	}
	for _, c := range o.Commands {
		c.Line = line
		r.Commands = append(r.Commands, c)
	}
	for _, e := range o.Effects {
		e.Line = line
		r.Effects = append(r.Effects, e)
	}
	for _, c := range o.Opaque {
		c.Line = line
		r.Opaque = append(r.Opaque, c)
	}
	if len(o.SyntaxErrors) > 0 {
		r.Opaque = append(r.Opaque, Construct{What: "inline " + o.Language + " program has syntax errors", Line: line})
	}
	r.Imports = append(r.Imports, o.Imports...)
}

func (r *Report) dedupe() {
	type key struct {
		v       string
		operand bool
	}
	seen := make(map[key]struct{}, len(r.Paths))
	out := r.Paths[:0]
	for _, p := range r.Paths {
		k := key{p.Value, p.Operand}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, p)
	}
	r.Paths = out
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

var shells = map[string]bool{"sh": true, "bash": true, "dash": true, "zsh": true, "ksh": true, "ash": true}

// foreignInterpreters run code this package cannot parse.
var foreignInterpreters = map[string]bool{
	"perl": true, "ruby": true, "node": true, "nodejs": true, "php": true,
	"lua": true, "Rscript": true, "deno": true, "bun": true, "osascript": true,
}

var pythonRe = regexp.MustCompile(`^python(\d+(\.\d+)?)?$`)

// addCommand records cmd, follows inline programs passed to interpreters and
// records the commands it runs on behalf of its arguments.
func (s *scanner) addCommand(cmd Command) {
	s.rep.Commands = append(s.rep.Commands, cmd)

	base := cmd.Base()
	if base == "cd" || base == "pushd" {
		s.changeDir(cmd)
		return
	}
	code := -1
	switch {
	case shells[base]:
		code = s.interpreter(cmd, Bash, "-c")
	case pythonRe.MatchString(base):
		code = s.interpreter(cmd, Python, "-c")
	case foreignInterpreters[base]:
		if hasNonFlag(cmd.Args) || hasFlag(cmd.Args, "-e", "-r", "--eval", "-E", "-p", "--print") {
			s.opaque(base+" runs code that cannot be inspected", cmd.Line)
		}
	case base == "eval" || base == "source" || base == ".":
		s.opaque(base+" runs code built at run time", cmd.Line)
	case base == "awk" || base == "gawk" || base == "mawk" || base == "nawk":
		for _, a := range cmd.Args {
			if strings.Contains(a.Value, "system(") || strings.Contains(a.Value, "| getline") {
				s.opaque(base+" program spawns commands", cmd.Line)
				break
			}
		}
	}

	pattern := patternCommands[base]
	for i, a := range cmd.Args {
		if i == code {
			continue
		}
		// The first operand of grep, sed, awk and jq is a program or a
		// pattern, unless a flag has already supplied one.
		isPattern := false
		if pattern && !strings.HasPrefix(a.Value, "-") {
			isPattern = !(i > 0 && fileFlags[cmd.Args[i-1].Value])
			pattern = false
		}
		if a.Dynamic {
			v := a.Value
			if strings.HasPrefix(v, "-") {
				eq := strings.IndexByte(v, '=')
				if eq < 0 {
					continue
				}
				v = v[eq+1:]
			}
			switch {
			case textCommands[base] || isPattern:
			case v != "":
				s.operand(v, cmd.Line, true)
			case i > 0 && !cmd.Args[i-1].Dynamic && textFlags[base][cmd.Args[i-1].Value]:
			default:
				s.opaque(base+" argument computed at run time", cmd.Line)
			}
			continue
		}
		if strings.HasPrefix(a.Value, "-") {
			if eq := strings.IndexByte(a.Value, '='); eq > 0 && pathutil.LooksLikePath(a.Value[eq+1:]) {
				s.operand(a.Value[eq+1:], cmd.Line, false)
			}
			continue
		}
		s.operand(a.Value, cmd.Line, false)
		s.sql(a.Value, cmd.Line)
	}

	for _, inner := range unwrap(cmd) {
		s.addCommand(inner)
	}
}

// textCommands never treat their arguments as file names.
var textCommands = map[string]bool{
	"echo": true, "printf": true, "test": true, "[": true, "expr": true,
	"let": true, "export": true, "local": true, "declare": true, "typeset": true,
	"readonly": true, "read": true, "set": true, "shift": true, "return": true,
	"exit": true, "true": true, "false": true, ":": true, "date": true,
	"seq": true, "sleep": true, "basename": true, "dirname": true, "tr": true,
	"numfmt": true, "factor": true, "printenv": true,
}

// patternCommands take a pattern or a program before their file operands.
var patternCommands = map[string]bool{
	"grep": true, "egrep": true, "fgrep": true, "rg": true, "sed": true,
	"awk": true, "gawk": true, "mawk": true, "nawk": true, "jq": true,
}

// fileFlags supply the pattern or program from a file, so the next operand
// is a file again.
var fileFlags = map[string]bool{"-f": true, "--file": true, "--from-file": true}

// textFlags lists, per command, the flags whose value is never a file name.
var textFlags = map[string]map[string]bool{
	"head":  {"-n": true, "-c": true},
	"tail":  {"-n": true, "-c": true},
	"cut":   {"-d": true, "-f": true, "-c": true, "-b": true},
	"sort":  {"-k": true, "-t": true},
	"uniq":  {"-f": true, "-s": true, "-w": true},
	"grep":  {"-e": true, "-m": true, "-A": true, "-B": true, "-C": true},
	"sed":   {"-e": true},
	"jq":    {"--arg": true, "--argjson": true, "--indent": true},
	"git":   {"-m": true, "--message": true, "--author": true},
	"paste": {"-d": true},
	"join":  {"-t": true},
	"fold":  {"-w": true},
	"split": {"-l": true, "-b": true},
	"xargs": {"-I": true, "-n": true, "-P": true, "-d": true},
	"find": {
		"-name": true, "-iname": true, "-type": true, "-mtime": true, "-mmin": true,
		"-size": true, "-maxdepth": true, "-mindepth": true, "-regex": true, "-iregex": true,
	},
}

// changeDir handles cd and pushd. The working directory only moves to a
// directory named literally.
func (s *scanner) changeDir(cmd Command) {
	for _, a := range cmd.Args {
		if !a.Dynamic && (a.Value == "-P" || a.Value == "-L" || a.Value == "-e" || a.Value == "-n" || a.Value == "--") {
			continue
		}
		switch {
		case a.Dynamic:
			s.opaque(cmd.Base()+" to a directory computed at run time", cmd.Line)
		case a.Value == "-" || strings.HasPrefix(a.Value, "+"):
			s.opaque(cmd.Base()+" to a directory from the directory stack", cmd.Line)
		default:
			s.chdir(known(a.Value), cmd.Base(), cmd.Line)
		}
		return
	}
	s.opaque(cmd.Base()+" without a directory", cmd.Line)
}

// interpreter handles a shell or python invocation. It returns the index of
// the inline code argument, or -1.
func (s *scanner) interpreter(cmd Command, language, codeFlag string) int {
	for i, a := range cmd.Args {
		if a.Dynamic {
			s.opaque(cmd.Base()+" invoked with computed arguments", cmd.Line)
			return -1
		}
		v := a.Value
		isCode := v == codeFlag
		// Combined short flags such as "bash -ec".
		if language == Bash && len(v) > 2 && v[0] == '-' && v[1] != '-' && strings.HasSuffix(v, "c") {
			isCode = true
		}
		if isCode {
			if i+1 >= len(cmd.Args) {
				s.opaque(cmd.Base()+" "+v+" without a program", cmd.Line)
				return -1
			}
			next := cmd.Args[i+1]
			if next.Dynamic {
				s.opaque(cmd.Base()+" runs a program built at run time", cmd.Line)
				return i + 1
			}
			s.nested(language, next.Value, cmd.Line)
			return i + 1
		}
		if language == Python && v == "-m" {
			return -1
		}
		if v == "-" || !strings.HasPrefix(v, "-") {
			s.opaque(cmd.Base()+" runs a script that cannot be inspected", cmd.Line)
			return -1
		}
	}
	if language == Python && hasFlag(cmd.Args, "--version", "-V") {
		return -1
	}
	if language == Bash && hasFlag(cmd.Args, "--version") {
		return -1
	}
	s.opaque(cmd.Base()+" reads its program from standard input", cmd.Line)
	return -1
}

// valueFlags lists, per wrapper command, the flags that consume the next
// argument.
var valueFlags = map[string]map[string]bool{
	"sudo":    {"-u": true, "-g": true, "-C": true, "-h": true, "-p": true, "-U": true},
	"doas":    {"-u": true, "-C": true},
	"nice":    {"-n": true},
	"ionice":  {"-c": true, "-n": true, "-p": true},
	"timeout": {"-s": true, "-k": true, "--signal": true, "--kill-after": true},
	"xargs":   {"-I": true, "-n": true, "-P": true, "-d": true, "-L": true, "-s": true, "-a": true, "-E": true},
	"stdbuf":  {"-i": true, "-o": true, "-e": true},
	"env":     {"-u": true, "-C": true, "-S": true},
}

var wrappers = map[string]bool{
	"sudo": true, "doas": true, "env": true, "nohup": true, "time": true,
	"command": true, "builtin": true, "exec": true, "nice": true, "ionice": true,
	"timeout": true, "stdbuf": true, "xargs": true, "setsid": true, "chronic": true,
}

// unwrap returns the commands cmd runs on behalf of its arguments:
// "sudo rm x" runs rm, "find . -exec rm {} ;" runs rm.
func unwrap(cmd Command) []Command {
	base := cmd.Base()
	if base == "find" {
		return findExec(cmd)
	}
	if !wrappers[base] {
		return nil
	}
	flags := valueFlags[base]
	args := cmd.Args
	i := 0
	for i < len(args) {
		v := args[i].Value
		if args[i].Dynamic {
			break
		}
		if base == "env" && strings.Contains(v, "=") && !strings.HasPrefix(v, "-") {
			i++
			continue
		}
		if !strings.HasPrefix(v, "-") || v == "-" {
			break
		}
		if v == "--" {
			i++
			break
		}
		i++
		if flags[v] {
			i++
		}
	}
	// timeout takes a duration before the command.
	if base == "timeout" && i < len(args) {
		i++
	}
	if i >= len(args) {
		return nil
	}
	return []Command{{Name: args[i].Value, Args: args[i+1:], Line: cmd.Line}}
}

func findExec(cmd Command) []Command {
	var out []Command
	for i := 0; i < len(cmd.Args); i++ {
		switch cmd.Args[i].Value {
		case "-exec", "-execdir", "-ok", "-okdir":
		default:
			continue
		}
		j := i + 1
		for j < len(cmd.Args) && cmd.Args[j].Value != ";" && cmd.Args[j].Value != "+" {
			j++
		}
		if i+1 < j {
			out = append(out, Command{Name: cmd.Args[i+1].Value, Args: cmd.Args[i+2 : j], Line: cmd.Line})
		}
		i = j
	}
	return out
}

func hasNonFlag(args []Arg) bool {
	for _, a := range args {
		if a.Dynamic || !strings.HasPrefix(a.Value, "-") {
			return true
		}
	}
	return false
}

func hasFlag(args []Arg, flags ...string) bool {
	for _, a := range args {
		for _, f := range flags {
			if a.Value == f {
				return true
			}
		}
	}
	return false
}
