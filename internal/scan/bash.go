package scan

import (
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/bash"

	"github.com/zhangyunhao116/taskjail/internal/pathutil"
)

type bashScanner struct {
	*scanner
	src  []byte
	vars map[string][]bashBinding

	memo      map[string]value
	resolving map[string]bool
}

// bashBinding is one assignment of a variable: the assigned word, or the
// words a for loop runs over. unknown is set for read, mapfile, arrays and
// arithmetic loops.
type bashBinding struct {
	words   []*sitter.Node
	loop    bool
	unknown bool
}

// readers assign the variables named in their operands.
var readers = map[string]bool{"read": true, "mapfile": true, "readarray": true, "getopts": true}

func (s *scanner) bash(src []byte) error {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(bash.GetLanguage())

	tree, err := parser.ParseCtx(s.ctx, nil, src)
	if err != nil {
		return fmt.Errorf("scan: parse bash: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		s.syntaxError(firstErrorLine(root))
	}
	b := &bashScanner{
		scanner:   s,
		src:       src,
		vars:      make(map[string][]bashBinding),
		memo:      make(map[string]value),
		resolving: make(map[string]bool),
	}
	b.collect(root)
	b.walk(root)
	return nil
}

func (b *bashScanner) text(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	return n.Content(b.src)
}

// collect records every variable assignment ahead of the walk. Variables
// are resolved without regard to order: a variable assigned twice may hold
// either value.
func (b *bashScanner) collect(n *sitter.Node) {
	switch n.Type() {
	case "variable_assignment":
		name := b.text(n.ChildByFieldName("name"))
		val := n.ChildByFieldName("value")
		switch {
		case strings.Contains(b.text(n), "+="), val != nil && val.Type() == "array":
			b.unset(name)
		case val == nil:
			b.vars[name] = append(b.vars[name], bashBinding{})
		default:
			b.vars[name] = append(b.vars[name], bashBinding{words: []*sitter.Node{val}})
		}
	case "for_statement":
		var name string
		var words []*sitter.Node
		in := false
		for i := 0; i < int(n.ChildCount()); i++ {
			c := n.Child(i)
			switch {
			case c.Type() == "in":
				in = true
			case !c.IsNamed(), c.Type() == "comment", c.Type() == "do_group", c.Type() == "compound_statement":
			case name == "":
				name = b.text(c)
			default:
				words = append(words, c)
			}
		}
		if in {
			b.vars[name] = append(b.vars[name], bashBinding{words: words, loop: true})
		} else {
			b.unset(name)
		}
	case "c_style_for_statement":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if c := n.NamedChild(i); c.Type() != "do_group" && c.Type() != "compound_statement" {
				b.unsetAll(c)
			}
		}
	case "command":
		if !readers[b.text(n.ChildByFieldName("name"))] {
			break
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if c := n.NamedChild(i); c.Type() == "word" && !strings.HasPrefix(b.text(c), "-") {
				b.unset(b.text(c))
			}
		}
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		b.collect(n.NamedChild(i))
	}
}

func (b *bashScanner) unset(name string) {
	if name != "" {
		b.vars[name] = append(b.vars[name], bashBinding{unknown: true})
	}
}

// unsetAll makes every variable named under n unknown.
func (b *bashScanner) unsetAll(n *sitter.Node) {
	if n.Type() == "variable_name" {
		b.unset(b.text(n))
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		b.unsetAll(n.NamedChild(i))
	}
}

func (b *bashScanner) walk(n *sitter.Node) {
	switch n.Type() {
	case "comment", "heredoc_body":
		return
	case "command":
		b.command(n)
		return
	case "redirected_statement":
		b.redirected(n)
		return
	case "word", "string", "raw_string", "concatenation", "ansi_c_string":
		v := b.value(n)
		for _, s := range v.strs {
			b.literal(s, line(n), v.state == valuePrefix)
		}
	case "for_statement", "c_style_for_statement", "while_statement", "function_definition":
		b.loops++
		defer func() { b.loops-- }()
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		b.walk(n.NamedChild(i))
	}
}

func (b *bashScanner) command(n *sitter.Node) {
	var name *sitter.Node
	var alts [][]Arg
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		switch c.Type() {
		case "command_name":
			name = c
		case "variable_assignment":
			b.walk(c)
		case "file_redirect", "herestring_redirect", "heredoc_redirect":
			b.redirect(c)
		case "comment":
		default:
			alts = append(alts, argAlts(b.value(c)))
			b.substitutions(c)
		}
	}
	if name == nil {
		return
	}

	target := name
	if name.NamedChildCount() > 0 {
		target = name.NamedChild(0)
	}
	b.substitutions(target)
	cmds, ok := expandArgs(append([][]Arg{argAlts(b.value(target))}, alts...))
	if !ok {
		b.opaque("command with too many possible arguments", line(n))
		return
	}
	for _, args := range cmds {
		if args[0].Dynamic {
			b.opaque("command name computed at run time", line(n))
			return
		}
		b.addCommand(Command{Name: args[0].Value, Args: args[1:], Line: line(n)})
	}
}

// substitutions walks the command and process substitutions nested in an
// argument, which run commands of their own.
func (b *bashScanner) substitutions(n *sitter.Node) {
	switch n.Type() {
	case "command_substitution", "process_substitution", "subshell":
		b.walk(n)
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		b.substitutions(n.NamedChild(i))
	}
}

// truncatingOps replace the target file's content.
var truncatingOps = map[string]bool{">": true, ">|": true, "&>": true}

func (b *bashScanner) redirected(n *sitter.Node) {
	body := n.ChildByFieldName("body")
	var truncated []string
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if body != nil && c.StartByte() == body.StartByte() && c.EndByte() == body.EndByte() {
			continue
		}
		if targets, op := b.redirect(c); truncatingOps[op] {
			truncated = append(truncated, targets...)
		}
	}
	if body != nil {
		b.walk(body)
	}
	if len(truncated) > 0 && b.isNoop(body) {
		for _, t := range truncated {
			b.effect("truncate", t, line(n))
		}
	}
}

// redirect records the targets of a file redirect and returns them with
// its operator. A target computed at run time makes the program opaque.
func (b *bashScanner) redirect(n *sitter.Node) ([]string, string) {
	switch n.Type() {
	case "file_redirect":
	case "herestring_redirect":
		b.substitutions(n)
		return nil, ""
	default:
		return nil, ""
	}

	op := ""
	for i := 0; i < int(n.ChildCount()); i++ {
		if c := n.Child(i); !c.IsNamed() {
			op = c.Type()
			break
		}
	}
	dest := n.ChildByFieldName("destination")
	if dest == nil {
		if cnt := int(n.NamedChildCount()); cnt > 0 {
			dest = n.NamedChild(cnt - 1)
		}
	}
	if dest == nil {
		return nil, op
	}
	b.substitutions(dest)
	v := b.value(dest)
	// >&2 and <&- duplicate descriptors rather than naming files.
	if op == ">&" || op == "<&" || op == ">&-" || op == "<&-" {
		if s, ok := v.single(); ok && (s == "-" || isDigits(s)) {
			return nil, op
		}
	}
	if v.state != valueKnown {
		b.pathArg(v, "redirect", line(n))
		return nil, op
	}
	for _, s := range v.strs {
		b.operand(s, line(n), false)
	}
	return v.strs, op
}

// isNoop reports whether a redirected statement writes nothing, so that a
// truncating redirect empties its target.
func (b *bashScanner) isNoop(body *sitter.Node) bool {
	if body == nil {
		return true
	}
	if body.Type() != "command" {
		return false
	}
	var name string
	var args []string
	for i := 0; i < int(body.NamedChildCount()); i++ {
		c := body.NamedChild(i)
		switch c.Type() {
		case "command_name":
			name = b.word(c).Value
		case "file_redirect", "variable_assignment":
		default:
			args = append(args, b.word(c).Value)
		}
	}
	switch name {
	case ":", "true":
		return len(args) == 0
	case "echo", "printf":
		for _, a := range args {
			if a != "" && a != "-n" && a != "-e" && a != "-ne" && a != "-en" {
				return false
			}
		}
		return name == "printf" || containsString(args, "-n") || containsString(args, "-ne") || containsString(args, "-en")
	case "cat":
		return len(args) == 1 && args[0] == "/dev/null"
	}
	return false
}

// word returns the value of an argument node when it is a single string,
// or its static prefix.
func (b *bashScanner) word(n *sitter.Node) Arg {
	if n == nil {
		return Arg{Dynamic: true}
	}
	if alts := argAlts(b.value(n)); len(alts) == 1 {
		return alts[0]
	}
	return Arg{Dynamic: true}
}

// value works out what is known about the string a shell word expands to.
func (b *bashScanner) value(n *sitter.Node) value {
	switch n.Type() {
	case "command_name":
		if n.NamedChildCount() > 0 {
			return b.value(n.NamedChild(0))
		}
		return known(unescapeBash(b.text(n)))
	case "word", "number":
		return known(unescapeBash(b.text(n)))
	case "raw_string":
		return known(strings.TrimSuffix(strings.TrimPrefix(b.text(n), "'"), "'"))
	case "ansi_c_string":
		return known(unescapePy(strings.TrimSuffix(strings.TrimPrefix(b.text(n), "$'"), "'")))
	case "string":
		return b.stringValue(n)
	case "concatenation":
		v := known("")
		for i := 0; i < int(n.NamedChildCount()); i++ {
			v = concat(v, b.value(n.NamedChild(i)))
		}
		return v
	case "simple_expansion", "expansion":
		return b.expansion(n)
	}
	return value{}
}

// stringValue expands a double-quoted string.
func (b *bashScanner) stringValue(n *sitter.Node) value {
	start, end := int(n.StartByte())+1, int(n.EndByte())-1
	if end < start {
		return value{}
	}
	v := known("")
	pos := start
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		switch c.Type() {
		case "simple_expansion", "expansion", "command_substitution", "arithmetic_expansion":
		default:
			continue
		}
		if s := int(c.StartByte()); s >= pos {
			v = concat(v, known(unescapeDoubleQuoted(string(b.src[pos:s]))))
		}
		v = concat(v, b.value(c))
		pos = int(c.EndByte())
	}
	if pos <= end {
		v = concat(v, known(unescapeDoubleQuoted(string(b.src[pos:end]))))
	}
	return v
}

// expansion resolves $NAME and ${NAME}. An operator inside ${...} or a
// positional parameter makes the value unknown.
func (b *bashScanner) expansion(n *sitter.Node) value {
	name := ""
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if c := n.NamedChild(i); c.Type() == "variable_name" {
			name = b.text(c)
			break
		}
	}
	if t := b.text(n); name == "" || (t != "$"+name && t != "${"+name+"}") {
		return value{}
	}
	switch name {
	case "HOME":
		return known("~")
	case "PWD":
		return known(".")
	}
	return b.varValue(name)
}

// varValue is the union of every value assigned to name.
func (b *bashScanner) varValue(name string) value {
	if v, ok := b.memo[name]; ok {
		return v
	}
	if b.resolving[name] {
		return value{}
	}
	b.resolving[name] = true
	defer delete(b.resolving, name)

	var vs []value
	for _, bind := range b.vars[name] {
		var v value
		switch {
		case bind.unknown:
		case bind.loop:
			v = b.loopValue(bind.words)
		case len(bind.words) == 0:
			v = known("")
		default:
			v = b.value(bind.words[0])
		}
		if v.state == valueUnknown {
			vs = nil
			break
		}
		vs = append(vs, v)
	}
	v := either(vs...)
	b.memo[name] = v
	return v
}

// loopValue is the value of a for loop variable. Unquoted words are split
// on blanks and glob patterns stand for the files they match.
func (b *bashScanner) loopValue(words []*sitter.Node) value {
	vs := make([]value, 0, len(words))
	for _, w := range words {
		v := b.value(w)
		quoted := w.Type() == "string" || w.Type() == "raw_string" || w.Type() == "ansi_c_string"
		if v.state == valueKnown && !quoted {
			var fields []string
			glob := false
			for _, s := range v.strs {
				for _, f := range strings.Fields(s) {
					fields = append(fields, f)
					glob = glob || pathutil.IsGlobPattern(f)
				}
			}
			if len(fields) == 0 {
				continue
			}
			v = known(fields...)
			if glob {
				v = globbed(v)
			}
		}
		vs = append(vs, v)
	}
	return either(vs...)
}

func unescapeBash(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

func unescapeDoubleQuoted(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && strings.IndexByte("$`\"\\\n", s[i+1]) >= 0 {
			i++
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
