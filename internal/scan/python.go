package scan

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// sensitiveModules can reach the filesystem or spawn processes; reflective
// access to them hides what is being called.
var sensitiveModules = map[string]bool{
	"os": true, "shutil": true, "subprocess": true, "pathlib": true,
	"sys": true, "builtins": true, "io": true, "__builtins__": true,
}

// opaqueImports give generated code a way around static inspection.
var opaqueImports = map[string]bool{"ctypes": true, "cffi": true, "pty": true}

// opaquePyCalls evaluate code or resolve callables from strings.
var opaquePyCalls = map[string]bool{
	"eval": true, "exec": true, "compile": true, "__import__": true,
	"importlib.import_module": true, "importlib.__import__": true,
	"runpy.run_path": true, "runpy.run_module": true, "pty.spawn": true,
	"builtins.eval": true, "builtins.exec": true, "globals": true, "vars": true,
	"os.startfile": true, "os.fchdir": true,
}

// pyValueBuiltins hide their arguments when passed around as values.
var pyValueBuiltins = map[string]bool{
	"open": true, "eval": true, "exec": true, "compile": true,
	"__import__": true, "getattr": true,
}

// shellPyCalls take a shell command line as their first argument.
var shellPyCalls = map[string]bool{
	"os.system": true, "os.popen": true,
	"subprocess.getoutput": true, "subprocess.getstatusoutput": true,
	"asyncio.create_subprocess_shell": true,
}

// execPyCalls take an argv list, or a command line when shell=True.
var execPyCalls = map[string]bool{
	"subprocess.run": true, "subprocess.call": true, "subprocess.check_call": true,
	"subprocess.check_output": true, "subprocess.Popen": true,
	"asyncio.create_subprocess_exec": true,
}

// fileModules take file names as positional arguments.
var fileModules = map[string]bool{
	"os": true, "os.path": true, "shutil": true, "pathlib": true, "glob": true,
	"io": true, "codecs": true, "sqlite3": true, "tarfile": true, "zipfile": true,
}

// pyPathArgs lists, per function, the positional arguments that name a file.
// A value there that is computed at run time makes the program opaque. -1
// stands for every positional argument.
var pyPathArgs = map[string][]int{
	"open": {0}, "io.open": {0}, "codecs.open": {0}, "builtins.open": {0},
	"os.open": {0}, "os.listdir": {0}, "os.scandir": {0}, "os.walk": {0},
	"os.stat": {0}, "os.lstat": {0}, "os.access": {0}, "os.mkdir": {0}, "os.makedirs": {0},
	"os.remove": {0}, "os.unlink": {0}, "os.rmdir": {0}, "os.removedirs": {0},
	"os.rename": {0, 1}, "os.renames": {0, 1}, "os.replace": {0, 1},
	"os.link": {0, 1}, "os.symlink": {0, 1}, "os.readlink": {0},
	"os.chdir": {0}, "os.chmod": {0}, "os.chown": {0}, "os.truncate": {0}, "os.utime": {0},
	"os.path.exists": {0}, "os.path.isfile": {0}, "os.path.isdir": {0}, "os.path.islink": {0},
	"os.path.getsize": {0}, "os.path.getmtime": {0}, "os.path.getctime": {0}, "os.path.getatime": {0},
	"shutil.copy": {0, 1}, "shutil.copy2": {0, 1}, "shutil.copyfile": {0, 1}, "shutil.copytree": {0, 1},
	"shutil.move": {0, 1}, "shutil.rmtree": {0}, "shutil.chown": {0}, "shutil.make_archive": {0},
	"glob.glob": {0}, "glob.iglob": {0},
	"sqlite3.connect": {0}, "tarfile.open": {0}, "zipfile.ZipFile": {0},
	"pathlib.Path": {-1}, "pathlib.PosixPath": {-1},
	"pandas.read_csv": {0}, "pandas.read_json": {0}, "pandas.read_excel": {0}, "pandas.read_parquet": {0},
	"numpy.load": {0}, "numpy.save": {0}, "numpy.loadtxt": {0}, "numpy.savetxt": {0},
	"PIL.Image.open": {0},
}

// pyPathMethods name a file in their first argument whatever the receiver.
var pyPathMethods = map[string]bool{
	"to_csv": true, "to_json": true, "to_excel": true, "to_parquet": true,
	"to_pickle": true, "savefig": true, "symlink_to": true, "hardlink_to": true,
}

// pyPathKeywords name a file when given to a function of pyPathArgs.
var pyPathKeywords = map[string]bool{
	"file": true, "path": true, "filename": true, "fname": true, "src": true,
	"dst": true, "path_or_buf": true, "filepath_or_buffer": true, "database": true,
	"root_dir": true,
}

// pyOpenCalls return a file object opened with a mode argument.
var pyOpenCalls = map[string]bool{
	"open": true, "io.open": true, "codecs.open": true, "builtins.open": true,
}

// stringMethods take separators and patterns, not paths.
var stringMethods = map[string]bool{
	"join": true, "split": true, "rsplit": true, "strip": true, "lstrip": true,
	"rstrip": true, "replace": true, "startswith": true, "endswith": true,
	"find": true, "rfind": true, "index": true, "rindex": true, "count": true,
	"partition": true, "rpartition": true, "removeprefix": true, "removesuffix": true,
}

// pyBinding is one place a name is bound. A nil node stands for a binding
// that cannot be followed, such as a tuple target or an augmented
// assignment, and makes the name unknown.
type pyBinding struct {
	node *sitter.Node
	// loop is set when node is the iterable of a for statement or a
	// comprehension.
	loop bool
	// elem is the position of the name in an unpacked loop target, or -1.
	elem int
}

// pyParam is one parameter of a function definition.
type pyParam struct {
	name   string
	def    *sitter.Node
	splat  bool
	kwOnly bool
}

type pyScanner struct {
	*scanner
	src     []byte
	aliases map[string]string
	modules map[string]bool
	binds   map[string][]pyBinding

	// defs and calls connect module-level functions to their direct call
	// sites; escaped holds names used other than by calling them.
	defs    map[string][]*sitter.Node
	calls   map[string][]*sitter.Node
	escaped map[string]bool
	inClass int

	memo      map[string]value
	resolving map[string]bool
}

func (s *scanner) python(src []byte) error {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(s.ctx, nil, src)
	if err != nil {
		return fmt.Errorf("scan: parse python: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		s.syntaxError(firstErrorLine(root))
	}

	p := &pyScanner{
		scanner:   s,
		src:       src,
		aliases:   make(map[string]string),
		modules:   make(map[string]bool),
		binds:     make(map[string][]pyBinding),
		defs:      make(map[string][]*sitter.Node),
		calls:     make(map[string][]*sitter.Node),
		escaped:   make(map[string]bool),
		memo:      make(map[string]value),
		resolving: make(map[string]bool),
	}
	p.collect(root)
	p.bindParams()
	p.resolveAliases()
	p.walk(root)
	return nil
}

func (p *pyScanner) text(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	return n.Content(p.src)
}

// collect records imports, name bindings and function call sites ahead of
// the walk so that names resolve regardless of position.
//
//nolint:gocyclo // one case per binding form
func (p *pyScanner) collect(n *sitter.Node) {
	switch n.Type() {
	case "import_statement":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			switch c.Type() {
			case "dotted_name":
				name := p.text(c)
				top, _, _ := strings.Cut(name, ".")
				p.aliases[top] = top
				p.modules[top] = true
				p.importModule(name, line(c))
			case "aliased_import":
				name := p.text(c.ChildByFieldName("name"))
				top, _, _ := strings.Cut(name, ".")
				p.aliases[p.text(c.ChildByFieldName("alias"))] = name
				p.modules[top] = true
				p.importModule(name, line(c))
			}
		}
		return
	case "import_from_statement":
		mod := n.ChildByFieldName("module_name")
		if mod == nil {
			return
		}
		module := p.text(mod)
		top, _, _ := strings.Cut(module, ".")
		p.modules[top] = true
		p.importModule(module, line(n))
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			if c.StartByte() == mod.StartByte() {
				continue
			}
			switch c.Type() {
			case "dotted_name":
				p.aliases[p.text(c)] = module + "." + p.text(c)
			case "aliased_import":
				name := p.text(c.ChildByFieldName("name"))
				p.aliases[p.text(c.ChildByFieldName("alias"))] = module + "." + name
			case "wildcard_import":
				if sensitiveModules[module] {
					p.opaque("wildcard import from "+module, line(c))
				}
			}
		}
		return
	case "assignment":
		left := n.ChildByFieldName("left")
		right := n.ChildByFieldName("right")
		switch {
		case left == nil || right == nil:
		case left.Type() == "identifier":
			p.bind(p.text(left), pyBinding{node: right, elem: -1})
		default:
			p.unbind(left)
		}
	case "augmented_assignment":
		p.unbind(n.ChildByFieldName("left"))
	case "named_expression":
		if name := n.ChildByFieldName("name"); name != nil {
			p.bind(p.text(name), pyBinding{node: n.ChildByFieldName("value"), elem: -1})
		}
	case "for_statement", "for_in_clause":
		p.bindLoop(n.ChildByFieldName("left"), n.ChildByFieldName("right"))
	case "as_pattern":
		if alias := asAlias(n); alias != nil {
			p.bindTarget(alias, n.NamedChild(0))
		}
	case "except_clause":
		as := false
		for i := 0; i < int(n.ChildCount()); i++ {
			c := n.Child(i)
			if as && c.IsNamed() {
				p.unbind(c)
				break
			}
			as = c.Type() == "as"
		}
	case "class_definition":
		p.unbind(n.ChildByFieldName("name"))
		p.inClass++
		defer func() { p.inClass-- }()
	case "function_definition":
		name := n.ChildByFieldName("name")
		p.unbind(name)
		parent := n.Parent()
		if p.inClass > 0 || (parent != nil && parent.Type() == "decorated_definition") {
			for _, pr := range p.params(n.ChildByFieldName("parameters")) {
				p.unbindName(pr.name)
			}
		} else {
			p.defs[p.text(name)] = append(p.defs[p.text(name)], n)
		}
	case "lambda":
		for _, pr := range p.params(n.ChildByFieldName("parameters")) {
			p.unbindName(pr.name)
		}
	case "call":
		if fn := n.ChildByFieldName("function"); fn != nil && fn.Type() == "identifier" {
			p.calls[p.text(fn)] = append(p.calls[p.text(fn)], n)
		}
	case "identifier":
		if parent := n.Parent(); parent != nil {
			switch parent.Type() {
			case "call":
				if sameNode(parent.ChildByFieldName("function"), n) {
					return
				}
			case "function_definition":
				return
			}
		}
		p.escaped[p.text(n)] = true
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		p.collect(n.NamedChild(i))
	}
}

func (p *pyScanner) importModule(name string, ln int) {
	p.rep.Imports = append(p.rep.Imports, name)
	top, _, _ := strings.Cut(name, ".")
	if opaqueImports[top] {
		p.opaque("import of "+top, ln)
	}
}

func (p *pyScanner) bind(name string, b pyBinding) {
	p.binds[name] = append(p.binds[name], b)
}

func (p *pyScanner) unbindName(name string) {
	if name != "" {
		p.bind(name, pyBinding{elem: -1})
	}
}

// unbind makes every name in an assignment target unknown.
func (p *pyScanner) unbind(n *sitter.Node) {
	if n == nil {
		return
	}
	switch n.Type() {
	case "identifier":
		p.unbindName(p.text(n))
	case "attribute", "subscript":
	default:
		for i := 0; i < int(n.NamedChildCount()); i++ {
			p.unbind(n.NamedChild(i))
		}
	}
}

func (p *pyScanner) bindTarget(target, val *sitter.Node) {
	if target.Type() == "as_pattern_target" && target.NamedChildCount() == 1 {
		target = target.NamedChild(0)
	}
	if target.Type() == "identifier" && val != nil {
		p.bind(p.text(target), pyBinding{node: val, elem: -1})
		return
	}
	p.unbind(target)
}

func (p *pyScanner) bindLoop(left, right *sitter.Node) {
	if left == nil {
		return
	}
	switch left.Type() {
	case "identifier":
		p.bind(p.text(left), pyBinding{node: right, loop: true, elem: -1})
	case "pattern_list", "tuple_pattern", "list_pattern":
		for i := 0; i < int(left.NamedChildCount()); i++ {
			c := left.NamedChild(i)
			if c.Type() == "identifier" {
				p.bind(p.text(c), pyBinding{node: right, loop: true, elem: i})
				continue
			}
			p.unbind(c)
		}
	default:
		p.unbind(left)
	}
}

// asAlias returns the name an as clause binds.
func asAlias(n *sitter.Node) *sitter.Node {
	alias := n.ChildByFieldName("alias")
	if alias == nil && n.NamedChildCount() > 1 {
		alias = n.NamedChild(int(n.NamedChildCount()) - 1)
	}
	if alias != nil && alias.Type() == "as_pattern_target" && alias.NamedChildCount() == 1 {
		alias = alias.NamedChild(0)
	}
	return alias
}

func (p *pyScanner) params(n *sitter.Node) []pyParam {
	if n == nil {
		return nil
	}
	var out []pyParam
	kwOnly := false
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		pr := pyParam{kwOnly: kwOnly}
		switch c.Type() {
		case "identifier":
			pr.name = p.text(c)
		case "typed_parameter":
			first := c.NamedChild(0)
			if first == nil {
				continue
			}
			if first.Type() == "identifier" {
				pr.name = p.text(first)
			} else {
				pr.name, pr.splat = p.text(first.NamedChild(0)), true
			}
		case "default_parameter", "typed_default_parameter":
			pr.name = p.text(c.ChildByFieldName("name"))
			pr.def = c.ChildByFieldName("value")
		case "list_splat_pattern", "dictionary_splat_pattern":
			pr.name, pr.splat = p.text(c.NamedChild(0)), true
			kwOnly = true
		case "keyword_separator":
			kwOnly = true
			continue
		default:
			continue
		}
		out = append(out, pr)
	}
	return out
}

// bindParams binds the parameters of module-level functions to the
// arguments of their direct calls and to their defaults. A function that is
// defined twice, used as a value or called with unpacked arguments keeps
// unknown parameters.
func (p *pyScanner) bindParams() {
	names := make([]string, 0, len(p.defs))
	for name := range p.defs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		defs := p.defs[name]
		var params []pyParam
		for _, d := range defs {
			params = append(params, p.params(d.ChildByFieldName("parameters"))...)
		}
		if len(defs) > 1 || p.escaped[name] {
			for _, pr := range params {
				p.unbindName(pr.name)
			}
			continue
		}

		var positional []pyParam
		for _, pr := range params {
			switch {
			case pr.splat:
				p.unbindName(pr.name)
				continue
			case pr.def != nil:
				p.bind(pr.name, pyBinding{node: pr.def, elem: -1})
			}
			if !pr.kwOnly {
				positional = append(positional, pr)
			}
		}
		for _, call := range p.calls[name] {
			args, keywords, splat := p.arguments(call)
			if splat {
				for _, pr := range params {
					p.unbindName(pr.name)
				}
				continue
			}
			for i, a := range args {
				if i < len(positional) {
					p.bind(positional[i].name, pyBinding{node: a, elem: -1})
				}
			}
			for _, kw := range keywords {
				k := p.text(kw.ChildByFieldName("name"))
				for _, pr := range params {
					if pr.name == k && !pr.splat {
						p.bind(k, pyBinding{node: kw.ChildByFieldName("value"), elem: -1})
					}
				}
			}
		}
	}
}

// resolveAliases lets a name bound once to a module member or a builtin
// stand for it, so that after rm = os.remove a call rm(x) is os.remove(x).
func (p *pyScanner) resolveAliases() {
	for range 3 {
		for name, bs := range p.binds {
			if _, ok := p.aliases[name]; ok || len(bs) != 1 || bs[0].node == nil || bs[0].loop {
				continue
			}
			if t := bs[0].node.Type(); t != "identifier" && t != "attribute" {
				continue
			}
			q := p.qualify(bs[0].node)
			top, _, _ := strings.Cut(q, ".")
			if p.modules[top] || pyValueBuiltins[q] {
				p.aliases[name] = q
			}
		}
	}
}

func (p *pyScanner) walk(n *sitter.Node) {
	switch n.Type() {
	case "comment", "import_statement", "import_from_statement", "future_import_statement":
		return
	case "call":
		p.call(n)
	case "attribute", "identifier":
		p.reference(n)
	case "binary_operator":
		p.pathOperator(n)
	case "string":
		if !p.skipString(n) {
			v := p.stringValue(n)
			for _, s := range v.strs {
				p.literal(s, line(n), v.state == valuePrefix)
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if c := n.NamedChild(i); c.Type() == "interpolation" {
				p.walk(c)
			}
		}
		return
	case "for_statement", "while_statement", "function_definition", "lambda",
		"list_comprehension", "set_comprehension", "dictionary_comprehension", "generator_expression":
		p.loops++
		defer func() { p.loops-- }()
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		p.walk(n.NamedChild(i))
	}
}

// reference records a function named without being called, as in
// rm = os.remove or map(os.remove, paths).
//
//nolint:gocyclo // one case per syntactic position
func (p *pyScanner) reference(n *sitter.Node) {
	if parent := n.Parent(); parent != nil {
		switch parent.Type() {
		case "attribute":
			obj := parent.ChildByFieldName("object")
			if !sameNode(obj, n) || !strings.HasPrefix(p.text(parent.ChildByFieldName("attribute")), "__") {
				return
			}
		case "call":
			if sameNode(parent.ChildByFieldName("function"), n) {
				return
			}
		case "keyword_argument", "default_parameter", "typed_default_parameter",
			"function_definition", "class_definition":
			if sameNode(parent.ChildByFieldName("name"), n) {
				return
			}
		case "assignment", "augmented_assignment", "for_statement", "for_in_clause":
			if sameNode(parent.ChildByFieldName("left"), n) {
				return
			}
		case "parameters", "lambda_parameters", "typed_parameter", "as_pattern_target",
			"pattern_list", "tuple_pattern", "global_statement", "nonlocal_statement", "dotted_name":
			return
		}
	}

	q := p.qualify(n)
	if n.Type() == "identifier" {
		if pyValueBuiltins[q] && !p.aliasAssignment(n) {
			p.opaque(q+" used as a value", line(n))
		}
		if !strings.Contains(q, ".") {
			return
		}
	}
	name := q[strings.LastIndexByte(q, '.')+1:]
	top, _, _ := strings.Cut(q, ".")
	switch {
	case q == "sys.modules", sensitiveModules[top] && strings.HasPrefix(name, "__"):
		p.opaque(q+" reaches module internals", line(n))
		return
	}
	p.rep.Calls = append(p.rep.Calls, Call{Name: name, Qualified: q, Line: line(n), Ref: true})
}

// aliasAssignment reports whether n is the whole right side of name = n.
func (p *pyScanner) aliasAssignment(n *sitter.Node) bool {
	parent := n.Parent()
	if parent == nil || parent.Type() != "assignment" || !sameNode(parent.ChildByFieldName("right"), n) {
		return false
	}
	left := parent.ChildByFieldName("left")
	return left != nil && left.Type() == "identifier"
}

// pathOperator checks a pathlib path joined with the / operator.
func (p *pyScanner) pathOperator(n *sitter.Node) {
	if p.text(n.ChildByFieldName("operator")) != "/" {
		return
	}
	if parent := n.Parent(); parent != nil && parent.Type() == "binary_operator" &&
		p.text(parent.ChildByFieldName("operator")) == "/" && sameNode(parent.ChildByFieldName("left"), n) {
		return
	}
	if !p.value(n.ChildByFieldName("left")).isString() {
		return
	}
	p.pathArg(p.value(n), "path join", line(n))
}

// skipString reports whether a string literal is used as text rather than as
// a potential path: docstrings, separators handed to string methods,
// patterns handed to the re module, and membership tests.
func (p *pyScanner) skipString(n *sitter.Node) bool {
	parent := n.Parent()
	if parent != nil && parent.Type() == "concatenated_string" {
		parent = parent.Parent()
	}
	if parent == nil {
		return false
	}
	switch parent.Type() {
	case "expression_statement", "comparison_operator":
		return true
	case "attribute":
		attr := parent.ChildByFieldName("attribute")
		return attr != nil && stringMethods[p.text(attr)]
	case "argument_list":
		call := parent.Parent()
		if call == nil || call.Type() != "call" {
			return false
		}
		fn := call.ChildByFieldName("function")
		if fn == nil {
			return false
		}
		if fn.Type() == "attribute" {
			if attr := fn.ChildByFieldName("attribute"); attr != nil && stringMethods[p.text(attr)] {
				return true
			}
		}
		return strings.HasPrefix(p.qualify(fn), "re.")
	}
	return false
}

// qualify renders a callee expression with import aliases resolved.
func (p *pyScanner) qualify(n *sitter.Node) string {
	if n == nil {
		return "?"
	}
	switch n.Type() {
	case "identifier":
		name := p.text(n)
		if full, ok := p.aliases[name]; ok {
			return full
		}
		return name
	case "attribute":
		return p.qualify(n.ChildByFieldName("object")) + "." + p.text(n.ChildByFieldName("attribute"))
	case "call":
		return p.qualify(n.ChildByFieldName("function")) + "()"
	case "parenthesized_expression":
		if n.NamedChildCount() == 1 {
			return p.qualify(n.NamedChild(0))
		}
	}
	return "?"
}

// arguments splits the argument list of call n.
func (p *pyScanner) arguments(n *sitter.Node) (positional, keywords []*sitter.Node, splat bool) {
	args := n.ChildByFieldName("arguments")
	if args == nil {
		return nil, nil, false
	}
	if args.Type() == "generator_expression" {
		return []*sitter.Node{args}, nil, false
	}
	for i := 0; i < int(args.NamedChildCount()); i++ {
		a := args.NamedChild(i)
		switch a.Type() {
		case "keyword_argument":
			keywords = append(keywords, a)
		case "list_splat", "dictionary_splat":
			splat = true
		case "comment":
		default:
			positional = append(positional, a)
		}
	}
	return positional, keywords, splat
}

func (p *pyScanner) call(n *sitter.Node) {
	fn := n.ChildByFieldName("function")
	qual := p.qualify(fn)
	name := qual
	if i := strings.LastIndexByte(qual, '.'); i >= 0 {
		name = qual[i+1:]
	}
	c := Call{Name: name, Qualified: qual, Line: line(n)}

	positional, keywords, splat := p.arguments(n)
	kw := make(map[string]*sitter.Node, len(keywords))
	shell := false
	for _, k := range keywords {
		key := p.text(k.ChildByFieldName("name"))
		c.Keywords = append(c.Keywords, key)
		kw[key] = k.ChildByFieldName("value")
		if key == "shell" {
			shell = p.text(kw[key]) != "False"
		}
	}
	for _, a := range positional {
		v, _ := p.value(a).single()
		c.Args = append(c.Args, v)
	}
	c.Positional = len(positional)
	p.rep.Calls = append(p.rep.Calls, c)

	module := ""
	if i := strings.LastIndexByte(qual, '.'); i >= 0 {
		module = qual[:i]
	}
	method := fn != nil && fn.Type() == "attribute"
	if idx, ok := pyPathArgs[qual]; ok {
		p.pathArgs(qual, idx, positional, keywords, splat, c.Line)
	} else if fileModules[module] {
		for _, v := range c.Args {
			p.operand(v, c.Line, false)
		}
	}
	if method && pyPathMethods[name] && len(positional) > 0 {
		p.pathArg(p.value(positional[0]), qual, c.Line)
	}
	p.truncation(n, qual, positional, kw, c)

	switch {
	case opaquePyCalls[qual]:
		p.opaque(qual+"()", c.Line)
	case qual == "os.chdir" && len(positional) > 0:
		p.chdir(p.value(positional[0]), qual, c.Line)
	case qual == "getattr" || qual == "builtins.getattr":
		p.getattr(positional, c)
	case strings.HasPrefix(qual, "os.exec") || strings.HasPrefix(qual, "os.spawn") ||
		strings.HasPrefix(qual, "os.posix_spawn") || qual == "os.fork" || qual == "os.forkpty":
		p.opaque(qual+"()", c.Line)
	case shellPyCalls[qual]:
		p.workDir(kw["cwd"], qual, c.Line)
		if len(positional) == 0 {
			return
		}
		p.commandLine(positional[0], c.Line)
	case execPyCalls[qual]:
		p.workDir(kw["cwd"], qual, c.Line)
		if len(positional) == 0 {
			p.opaque(qual+" without a positional command", c.Line)
			return
		}
		p.argv(positional[0], shell, c.Line, 0)
	}
}

// pathArgs checks the arguments of a function that takes file names.
func (p *pyScanner) pathArgs(qual string, idx []int, positional, keywords []*sitter.Node, splat bool, ln int) {
	if splat {
		p.opaque(qual+" with unpacked arguments", ln)
		return
	}
	all := len(idx) == 1 && idx[0] == -1
	for i, a := range positional {
		if all || slices.Contains(idx, i) {
			p.pathArg(p.value(a), qual, ln)
		}
	}
	for _, k := range keywords {
		if pyPathKeywords[p.text(k.ChildByFieldName("name"))] {
			p.pathArg(p.value(k.ChildByFieldName("value")), qual, ln)
		}
	}
}

// getattr records the attribute fetched by name. Fetching from a module
// that reaches the filesystem, or fetching a computed name, is opaque.
func (p *pyScanner) getattr(args []*sitter.Node, c Call) {
	if len(args) < 2 {
		p.opaque("getattr without an attribute name", c.Line)
		return
	}
	target := p.qualify(args[0])
	top, _, _ := strings.Cut(target, ".")
	switch {
	case sensitiveModules[top]:
		p.opaque("getattr on module "+target, c.Line)
	case c.Args[1] == "":
		p.opaque("getattr with an attribute computed at run time", c.Line)
	default:
		p.rep.Calls = append(p.rep.Calls, Call{
			Name:      c.Args[1],
			Qualified: target + "." + c.Args[1],
			Line:      c.Line,
			Ref:       true,
		})
	}
}

// workDir records the cwd of a subprocess. Each subprocess starts from the
// current directory, so a loop does not compound it.
func (p *pyScanner) workDir(n *sitter.Node, what string, ln int) {
	if n == nil {
		return
	}
	v := p.value(n)
	if v.state == valueText {
		return
	}
	loops := p.loops
	p.loops = 0
	p.chdir(v, what+" cwd", ln)
	p.loops = loops
}

// truncation reports a file opened for writing that is never given
// content, which leaves it empty.
func (p *pyScanner) truncation(n *sitter.Node, qual string, args []*sitter.Node, kw map[string]*sitter.Node, c Call) {
	fn := n.ChildByFieldName("function")
	var recv value
	if fn != nil && fn.Type() == "attribute" {
		recv = p.value(fn.ChildByFieldName("object"))
	}

	var mode *sitter.Node
	target := ""
	switch {
	case pyOpenCalls[qual]:
		mode = kw["mode"]
		if len(args) > 1 {
			mode = args[1]
		}
		if len(c.Args) > 0 {
			target = c.Args[0]
		} else if f := kw["file"]; f != nil {
			target, _ = p.value(f).single()
		}
	case c.Name == "open" && recv.isString():
		mode = kw["mode"]
		if len(args) > 0 {
			mode = args[0]
		}
		target, _ = recv.single()
	case (c.Name == "write_text" || c.Name == "write_bytes") && len(args) > 0:
		if v, ok := p.value(args[0]).single(); ok && v == "" {
			target, _ = recv.single()
			p.effect("truncate", target, c.Line)
		}
		return
	case qual == "os.open" && len(args) > 1:
		if strings.Contains(p.flagText(args[1]), "O_TRUNC") && p.discarded(n) {
			p.effect("truncate", c.Args[0], c.Line)
		}
		return
	default:
		return
	}

	if mode == nil {
		return
	}
	m := p.value(mode)
	if m.state != valueKnown {
		p.opaque(qual+" with a mode computed at run time", c.Line)
		return
	}
	for _, s := range m.strs {
		if strings.Contains(s, "w") && p.discarded(n) {
			p.effect("truncate", target, c.Line)
			return
		}
	}
}

// flagText is the source of a flags expression, following one name.
func (p *pyScanner) flagText(n *sitter.Node) string {
	if n.Type() == "identifier" {
		if bs := p.binds[p.text(n)]; len(bs) == 1 && bs[0].node != nil {
			return p.text(bs[0].node)
		}
	}
	return p.text(n)
}

// discarded reports whether the file object returned by call n never gets
// content: it is dropped, only closed, or written an empty string.
func (p *pyScanner) discarded(n *sitter.Node) bool {
	parent := n.Parent()
	for parent != nil && parent.Type() == "parenthesized_expression" {
		parent = parent.Parent()
	}
	if parent == nil {
		return true
	}
	switch parent.Type() {
	case "expression_statement", "with_item":
		return true
	case "attribute":
		return p.idleUse(parent)
	case "as_pattern":
		alias := asAlias(parent)
		body := withBody(parent)
		if alias == nil || alias.Type() != "identifier" || body == nil {
			return false
		}
		return !p.usedIn(body, p.text(alias), nil)
	case "assignment":
		left := parent.ChildByFieldName("left")
		if left == nil || left.Type() != "identifier" {
			return false
		}
		return !p.usedIn(scopeOf(parent), p.text(left), left)
	}
	return false
}

// idleUse reports whether attr is x.close(), x.flush() or x.write("").
func (p *pyScanner) idleUse(attr *sitter.Node) bool {
	call := attr.Parent()
	if call == nil || call.Type() != "call" || !sameNode(call.ChildByFieldName("function"), attr) {
		return false
	}
	switch p.text(attr.ChildByFieldName("attribute")) {
	case "close", "flush":
		return true
	case "write":
		args, _, _ := p.arguments(call)
		if len(args) != 1 {
			return false
		}
		v, ok := p.value(args[0]).single()
		return ok && v == ""
	}
	return false
}

// usedIn reports whether name is read anywhere in scope other than to be
// closed or written nothing.
func (p *pyScanner) usedIn(scope *sitter.Node, name string, skip *sitter.Node) bool {
	if scope == nil || sameNode(scope, skip) {
		return false
	}
	if scope.Type() == "identifier" && p.text(scope) == name {
		parent := scope.Parent()
		if parent == nil {
			return true
		}
		switch parent.Type() {
		case "attribute":
			if sameNode(parent.ChildByFieldName("object"), scope) {
				return !p.idleUse(parent)
			}
		case "argument_list":
			call := parent.Parent()
			return call == nil || p.qualify(call.ChildByFieldName("function")) != "os.close"
		case "as_pattern_target":
			return false
		case "assignment":
			return !sameNode(parent.ChildByFieldName("left"), scope)
		}
		return true
	}
	for i := 0; i < int(scope.NamedChildCount()); i++ {
		if p.usedIn(scope.NamedChild(i), name, skip) {
			return true
		}
	}
	return false
}

// withBody returns the body of the with statement an as clause belongs to.
func withBody(n *sitter.Node) *sitter.Node {
	for a := n.Parent(); a != nil; a = a.Parent() {
		if a.Type() == "with_statement" {
			return a.ChildByFieldName("body")
		}
	}
	return nil
}

// scopeOf returns the body of the function enclosing n, or the module.
func scopeOf(n *sitter.Node) *sitter.Node {
	for a := n.Parent(); a != nil; a = a.Parent() {
		if a.Type() == "function_definition" {
			return a.ChildByFieldName("body")
		}
		if a.Parent() == nil {
			return a
		}
	}
	return n
}

func sameNode(a, b *sitter.Node) bool {
	return a != nil && b != nil && a.Type() == b.Type() &&
		a.StartByte() == b.StartByte() && a.EndByte() == b.EndByte()
}

// commandLine handles a shell command line given as a Python expression.
func (p *pyScanner) commandLine(n *sitter.Node, ln int) {
	v := p.value(n)
	if v.state != valueKnown {
		p.opaque("shell command built at run time", ln)
		return
	}
	for _, s := range v.strs {
		p.nested(Bash, s, ln)
	}
}

// argv handles the command argument of subprocess-style calls.
func (p *pyScanner) argv(n *sitter.Node, shell bool, ln, depth int) {
	switch n.Type() {
	case "list", "tuple":
		var alts [][]Arg
		for i := 0; i < int(n.NamedChildCount()); i++ {
			e := n.NamedChild(i)
			switch e.Type() {
			case "comment":
				continue
			case "list_splat":
				p.opaque("subprocess with unpacked arguments", ln)
				return
			}
			alts = append(alts, argAlts(p.value(e)))
		}
		cmds, ok := expandArgs(alts)
		if !ok {
			p.opaque("subprocess with too many possible commands", ln)
			return
		}
		for _, args := range cmds {
			if len(args) == 0 || args[0].Dynamic {
				p.opaque("subprocess with a computed program name", ln)
				return
			}
			p.addCommand(Command{Name: args[0].Value, Args: args[1:], Line: ln})
		}
	case "string", "concatenated_string", "binary_operator":
		v := p.value(n)
		if v.state != valueKnown {
			p.opaque("subprocess command built at run time", ln)
			return
		}
		for _, s := range v.strs {
			if shell || strings.ContainsAny(s, " \t;|&") {
				p.nested(Bash, s, ln)
				continue
			}
			p.addCommand(Command{Name: s, Line: ln})
		}
	case "identifier":
		if bs := p.binds[p.text(n)]; len(bs) == 1 && bs[0].node != nil && !bs[0].loop && depth < 3 {
			p.argv(bs[0].node, shell, ln, depth+1)
			return
		}
		p.opaque("subprocess with a computed command", ln)
	case "call":
		// shlex.split("...") is a static argv.
		if p.qualify(n.ChildByFieldName("function")) == "shlex.split" {
			if args, _, _ := p.arguments(n); len(args) > 0 {
				if v := p.value(args[0]); v.state == valueKnown {
					for _, s := range v.strs {
						p.nested(Bash, s, ln)
					}
					return
				}
			}
		}
		p.opaque("subprocess with a computed command", ln)
	default:
		p.opaque("subprocess with a computed command", ln)
	}
}

// value works out what is known about the string n evaluates to.
//
//nolint:gocyclo // one case per expression form
func (p *pyScanner) value(n *sitter.Node) value {
	if n == nil {
		return value{}
	}
	switch n.Type() {
	case "string":
		return p.stringValue(n)
	case "concatenated_string":
		v := known("")
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if c := n.NamedChild(i); c.Type() != "comment" {
				v = concat(v, p.value(c))
			}
		}
		return v
	case "parenthesized_expression":
		if n.NamedChildCount() == 1 {
			return p.value(n.NamedChild(0))
		}
	case "integer", "float", "true", "false", "none":
		return value{state: valueText}
	case "identifier":
		return p.nameValue(p.text(n))
	case "binary_operator":
		left := p.value(n.ChildByFieldName("left"))
		switch p.text(n.ChildByFieldName("operator")) {
		case "+":
			return concat(left, p.value(n.ChildByFieldName("right")))
		case "/":
			return joinPath(left, p.value(n.ChildByFieldName("right")))
		case "%":
			return cutAt(left, "%")
		}
	case "conditional_expression":
		if n.NamedChildCount() == 3 {
			return either(p.value(n.NamedChild(0)), p.value(n.NamedChild(2)))
		}
	case "boolean_operator":
		return either(p.value(n.ChildByFieldName("left")), p.value(n.ChildByFieldName("right")))
	case "call":
		return p.callValue(n)
	case "attribute":
		switch p.qualify(n) {
		case "os.sep":
			return known("/")
		case "os.curdir":
			return known(".")
		case "os.pardir":
			return known("..")
		case "sys.stdin", "sys.stdout", "sys.stderr":
			return value{state: valueText}
		}
		if p.text(n.ChildByFieldName("attribute")) == "parent" {
			return pyParent(p.value(n.ChildByFieldName("object")))
		}
	}
	return value{}
}

// nameValue is the union of every value bound to name. A name whose value
// depends on itself is unknown.
func (p *pyScanner) nameValue(name string) value {
	if v, ok := p.memo[name]; ok {
		return v
	}
	if p.resolving[name] {
		return value{}
	}
	p.resolving[name] = true
	defer delete(p.resolving, name)

	var vs []value
	for _, b := range p.binds[name] {
		var v value
		switch {
		case b.node == nil:
		case b.loop:
			v = p.iterValue(b.node, b.elem)
		default:
			v = p.value(b.node)
		}
		if v.state == valueUnknown {
			vs = nil
			break
		}
		vs = append(vs, v)
	}
	v := either(vs...)
	p.memo[name] = v
	return v
}

// stringValue decodes a Python string literal. The interpolations of an
// f-string are evaluated like any other expression.
func (p *pyScanner) stringValue(n *sitter.Node) value {
	raw := p.text(n)
	i := 0
	for i < len(raw) && strings.IndexByte("rRbBuUfF", raw[i]) >= 0 {
		i++
	}
	prefix := strings.ToLower(raw[:i])
	q := quoteLen(raw[i:])
	start, end := int(n.StartByte())+i+q, int(n.EndByte())-q
	if end < start {
		return value{}
	}
	fstring := strings.Contains(prefix, "f")
	decode := func(s string) string {
		if fstring {
			s = strings.ReplaceAll(s, "{{", "{")
			s = strings.ReplaceAll(s, "}}", "}")
		}
		if !strings.Contains(prefix, "r") {
			s = unescapePy(s)
		}
		return s
	}
	if !fstring {
		return known(decode(string(p.src[start:end])))
	}

	v := known("")
	pos := start
	for j := 0; j < int(n.NamedChildCount()); j++ {
		c := n.NamedChild(j)
		if c.Type() != "interpolation" {
			continue
		}
		if s := int(c.StartByte()); s >= pos {
			v = concat(v, known(decode(string(p.src[pos:s]))))
		}
		v = concat(v, p.interpolation(c))
		pos = int(c.EndByte())
	}
	if pos <= end {
		v = concat(v, known(decode(string(p.src[pos:end]))))
	}
	return v
}

// interpolation evaluates {expr} inside an f-string. A conversion or a
// format spec makes the text unknown.
func (p *pyScanner) interpolation(n *sitter.Node) value {
	if n.NamedChildCount() != 1 {
		return value{}
	}
	return p.value(n.NamedChild(0))
}

func quoteLen(body string) int {
	switch {
	case len(body) >= 6 && (strings.HasPrefix(body, `"""`) || strings.HasPrefix(body, `'''`)):
		return 3
	case len(body) >= 2:
		return 1
	}
	return 0
}

// callValue evaluates the calls that build or transform paths.
//
//nolint:gocyclo // one case per path function
func (p *pyScanner) callValue(n *sitter.Node) value {
	fn := n.ChildByFieldName("function")
	args, _, splat := p.arguments(n)
	if splat {
		return value{}
	}
	arg := func(i int) value {
		if i < len(args) {
			return p.value(args[i])
		}
		return value{}
	}
	fold := func(v value, from int) value {
		for i := from; i < len(args); i++ {
			v = joinPath(v, arg(i))
		}
		return v
	}

	switch p.qualify(fn) {
	case "os.path.join", "posixpath.join":
		return fold(arg(0), 1)
	case "pathlib.Path", "pathlib.PosixPath", "pathlib.PurePath", "pathlib.PurePosixPath":
		if len(args) == 0 {
			return known(".")
		}
		return fold(arg(0), 1)
	case "str", "os.fspath", "os.fsdecode", "os.path.normpath", "os.path.abspath",
		"os.path.realpath", "os.path.expanduser":
		if len(args) == 1 {
			return arg(0)
		}
		return value{}
	case "os.path.dirname":
		return pyDirname(arg(0))
	case "os.path.basename":
		if v := arg(0); v.state == valueKnown {
			return mapStrs(v, pyBase)
		}
		return value{}
	case "pathlib.Path.home":
		return known("~")
	case "open", "io.open", "codecs.open", "builtins.open", "io.StringIO", "io.BytesIO",
		"len", "int", "float", "bool", "range":
		return value{state: valueText}
	}

	if fn == nil || fn.Type() != "attribute" {
		return value{}
	}
	recv := p.value(fn.ChildByFieldName("object"))
	switch p.text(fn.ChildByFieldName("attribute")) {
	case "joinpath":
		return fold(recv, 0)
	case "resolve", "absolute", "expanduser":
		return recv
	case "with_name":
		return joinPath(pyParent(recv), arg(0))
	case "with_suffix", "with_stem":
		return dirPrefix(pyParent(recv))
	case "format":
		return cutAt(recv, "{")
	case "join":
		if sep, ok := recv.single(); ok && len(args) == 1 {
			return p.joinItems(sep, args[0])
		}
	}
	return value{}
}

// joinItems evaluates sep.join over a literal list.
func (p *pyScanner) joinItems(sep string, list *sitter.Node) value {
	switch list.Type() {
	case "list", "tuple":
	default:
		return value{}
	}
	v := known("")
	first := true
	for i := 0; i < int(list.NamedChildCount()); i++ {
		e := list.NamedChild(i)
		if e.Type() == "comment" {
			continue
		}
		if !first {
			v = concat(v, known(sep))
		}
		v = concat(v, p.value(e))
		first = false
	}
	return v
}

// iterValue evaluates the items produced by iterating n, or the elem-th
// part of each item when the loop unpacks them.
func (p *pyScanner) iterValue(n *sitter.Node, elem int) value {
	if n == nil {
		return value{}
	}
	switch n.Type() {
	case "list", "tuple", "set", "expression_list":
		var vs []value
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			if c.Type() == "comment" {
				continue
			}
			if elem >= 0 {
				if c = pyItem(c, elem); c == nil {
					return value{}
				}
			}
			vs = append(vs, p.value(c))
		}
		return either(vs...)
	case "parenthesized_expression":
		if n.NamedChildCount() == 1 {
			return p.iterValue(n.NamedChild(0), elem)
		}
	case "list_comprehension", "set_comprehension", "generator_expression":
		if body := n.ChildByFieldName("body"); body != nil && elem < 0 {
			return p.value(body)
		}
	case "identifier":
		key := "[]" + p.text(n)
		if p.resolving[key] {
			return value{}
		}
		p.resolving[key] = true
		defer delete(p.resolving, key)
		bs := p.binds[p.text(n)]
		vs := make([]value, 0, len(bs))
		for _, b := range bs {
			if b.node == nil || b.loop {
				return value{}
			}
			vs = append(vs, p.iterValue(b.node, elem))
		}
		return either(vs...)
	case "call":
		return p.callIter(n, elem)
	}
	return value{}
}

// pyItem returns the elem-th part of a literal tuple or list.
func pyItem(n *sitter.Node, elem int) *sitter.Node {
	switch n.Type() {
	case "tuple", "list", "parenthesized_expression":
	default:
		return nil
	}
	k := 0
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.Type() == "comment" {
			continue
		}
		if k == elem {
			return c
		}
		k++
	}
	return nil
}

// callIter evaluates the items of the iterables that list files.
func (p *pyScanner) callIter(n *sitter.Node, elem int) value {
	fn := n.ChildByFieldName("function")
	args, _, splat := p.arguments(n)
	if splat || fn == nil {
		return value{}
	}
	var first *sitter.Node
	if len(args) > 0 {
		first = args[0]
	}

	switch p.qualify(fn) {
	case "range":
		if elem < 0 {
			return value{state: valueText}
		}
	case "sorted", "list", "reversed", "set", "tuple", "iter":
		return p.iterValue(first, elem)
	case "enumerate":
		switch elem {
		case 0:
			return value{state: valueText}
		case 1:
			return p.iterValue(first, -1)
		}
	case "glob.glob", "glob.iglob":
		if elem < 0 {
			return globbed(p.value(first))
		}
	case "os.listdir":
		if elem < 0 {
			return prefixed("./")
		}
	case "os.walk":
		switch elem {
		case 0:
			return dirPrefix(p.value(first))
		case 1, 2:
			return prefixed("./")
		}
	}

	if fn.Type() != "attribute" || elem >= 0 {
		return value{}
	}
	recv := p.value(fn.ChildByFieldName("object"))
	switch p.text(fn.ChildByFieldName("attribute")) {
	case "glob":
		return globbed(joinPath(recv, p.value(first)))
	case "rglob":
		return globbed(joinPath(recv, concat(known("**/"), p.value(first))))
	case "iterdir":
		return globbed(joinPath(recv, known("*")))
	}
	return value{}
}

// pyDirname follows os.path.dirname. Only the directory part of a static
// prefix survives.
func pyDirname(v value) value {
	switch v.state {
	case valueKnown:
		return mapStrs(v, dirnameStr)
	case valuePrefix:
		return mapStrs(v, func(s string) string { return s[:strings.LastIndexByte(s, '/')+1] })
	}
	return value{}
}

// pyParent follows the parent attribute of a pathlib path.
func pyParent(v value) value {
	if v.state != valueKnown {
		return pyDirname(v)
	}
	return mapStrs(v, func(s string) string {
		if t := strings.TrimRight(s, "/"); t != "" {
			s = t
		}
		if d := dirnameStr(s); d != "" {
			return d
		}
		return "."
	})
}

func dirnameStr(s string) string {
	head := s[:strings.LastIndexByte(s, '/')+1]
	if head != "" && head != strings.Repeat("/", len(head)) {
		head = strings.TrimRight(head, "/")
	}
	return head
}

func pyBase(s string) string {
	return s[strings.LastIndexByte(s, '/')+1:]
}

// unescapePy decodes backslash escapes; sequences Go does not understand are
// kept verbatim.
func unescapePy(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for len(s) > 0 {
		r, _, tail, err := strconv.UnquoteChar(s, 0)
		if err != nil {
			b.WriteByte(s[0])
			s = s[1:]
			continue
		}
		b.WriteRune(r)
		s = tail
	}
	return b.String()
}

func line(n *sitter.Node) int {
	return int(n.StartPoint().Row) + 1
}

// firstErrorLine returns the line of the first ERROR or MISSING node.
func firstErrorLine(n *sitter.Node) int {
	if n.IsError() || n.IsMissing() {
		return line(n)
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c.HasError() || c.IsMissing() {
			return firstErrorLine(c)
		}
	}
	return line(n)
}
