package scan

import (
	"errors"
	"go/ast"
	"go/parser"
	goscanner "go/scanner"
	"go/token"
	"path"
	"slices"
	"strconv"
	"strings"
)

// opaqueGoImports reach the system below the os package.
var opaqueGoImports = map[string]bool{
	"unsafe": true, "syscall": true, "plugin": true, "C": true,
	"golang.org/x/sys/unix": true, "runtime/cgo": true,
}

// opaqueGoCalls start processes without an inspectable argv.
var opaqueGoCalls = map[string]bool{
	"os.StartProcess": true, "syscall.Exec": true, "syscall.ForkExec": true,
}

// fileGoPackages take file names as positional arguments.
var fileGoPackages = map[string]bool{"os": true, "io/ioutil": true, "path/filepath": true}

// goPathArgs lists, per function, the arguments that name a file. A value
// there that is computed at run time makes the program opaque.
var goPathArgs = map[string][]int{
	"os.Open": {0}, "os.OpenFile": {0}, "os.Create": {0}, "os.ReadFile": {0},
	"os.WriteFile": {0}, "os.ReadDir": {0}, "os.Stat": {0}, "os.Lstat": {0},
	"os.Mkdir": {0}, "os.MkdirAll": {0}, "os.Remove": {0}, "os.RemoveAll": {0},
	"os.Rename": {0, 1}, "os.Link": {0, 1}, "os.Symlink": {0, 1}, "os.Readlink": {0},
	"os.Chdir": {0}, "os.Chmod": {0}, "os.Chown": {0}, "os.Lchown": {0},
	"os.Truncate": {0}, "os.Chtimes": {0}, "os.DirFS": {0}, "os.MkdirTemp": {0},
	"os.CreateTemp": {0},
	"io/ioutil.ReadFile": {0}, "io/ioutil.WriteFile": {0}, "io/ioutil.ReadDir": {0},
	"io/ioutil.TempDir": {0}, "io/ioutil.TempFile": {0},
	"path/filepath.Walk": {0}, "path/filepath.WalkDir": {0}, "path/filepath.Glob": {0},
	"path/filepath.EvalSymlinks": {0},
}

// goIdleMethods leave a freshly created file empty.
var goIdleMethods = map[string]bool{"Close": true, "Sync": true, "Name": true, "Fd": true, "Stat": true}

// goBinding is one assignment of a variable. A nil expr makes it unknown.
type goBinding struct {
	expr ast.Expr
	// loop is set when the variable ranges over expr.
	loop bool
	// first is set when the variable takes the first result of the call
	// expr, as in abs, err := filepath.Abs(p).
	first bool
}

type goScanner struct {
	*scanner
	fset    *token.FileSet
	imports map[string]string
	binds   map[string][]goBinding

	// funcs and calls connect top-level functions to their direct call
	// sites. A nil entry in funcs is a name declared twice.
	funcs  map[string]*ast.FuncDecl
	calls  map[string][]*ast.CallExpr
	idents map[string]int

	callFuns map[*ast.SelectorExpr]bool
	stack    []ast.Node

	memo      map[string]value
	resolving map[string]bool
}

func (s *scanner) golang(src []byte) error {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "artifact.go", src, parser.SkipObjectResolution)
	if err != nil {
		var list goscanner.ErrorList
		if errors.As(err, &list) && len(list) > 0 {
			s.syntaxError(list[0].Pos.Line)
		} else {
			s.syntaxError(1)
		}
		return nil
	}

	g := &goScanner{
		scanner:   s,
		fset:      fset,
		imports:   make(map[string]string),
		binds:     make(map[string][]goBinding),
		funcs:     make(map[string]*ast.FuncDecl),
		calls:     make(map[string][]*ast.CallExpr),
		idents:    make(map[string]int),
		callFuns:  make(map[*ast.SelectorExpr]bool),
		memo:      make(map[string]value),
		resolving: make(map[string]bool),
	}
	g.importsOf(f)
	g.collect(f)
	g.bindParams()
	ast.Inspect(f, g.visit)
	return nil
}

func (g *goScanner) lineOf(n ast.Node) int { return g.fset.Position(n.Pos()).Line }

func (g *goScanner) importsOf(f *ast.File) {
	for _, spec := range f.Imports {
		p, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			continue
		}
		g.rep.Imports = append(g.rep.Imports, p)
		if opaqueGoImports[p] {
			g.opaque("import of "+p, g.lineOf(spec))
		}
		local := path.Base(p)
		if spec.Name != nil {
			switch spec.Name.Name {
			case "_":
				continue
			case ".":
				g.opaque("dot import of "+p, g.lineOf(spec))
				continue
			}
			local = spec.Name.Name
		}
		g.imports[local] = p
	}
}

func (g *goScanner) pkgSelector(x ast.Expr) (string, *ast.SelectorExpr, bool) {
	sel, ok := x.(*ast.SelectorExpr)
	if !ok {
		return "", nil, false
	}
	id, ok := sel.X.(*ast.Ident)
	if !ok {
		return "", sel, false
	}
	pkg, ok := g.imports[id.Name]
	return pkg, sel, ok
}

// collect records every assignment ahead of the walk. Variables are
// resolved without regard to scope or order: a variable assigned twice may
// hold either value.
func (g *goScanner) collect(f *ast.File) {
	for _, d := range f.Decls {
		if fd, ok := d.(*ast.FuncDecl); ok && fd.Recv == nil {
			if _, dup := g.funcs[fd.Name.Name]; dup {
				g.funcs[fd.Name.Name] = nil
			} else {
				g.funcs[fd.Name.Name] = fd
			}
		}
	}

	ast.Inspect(f, func(n ast.Node) bool {
		switch x := n.(type) {
		case *ast.AssignStmt:
			g.bindAssign(x.Lhs, x.Rhs, x.Tok == token.DEFINE || x.Tok == token.ASSIGN)
		case *ast.ValueSpec:
			lhs := make([]ast.Expr, len(x.Names))
			for i, name := range x.Names {
				lhs[i] = name
			}
			if len(x.Values) == 0 {
				for _, name := range x.Names {
					if t, ok := x.Type.(*ast.Ident); ok && t.Name == "string" {
						g.bind(name.Name, goBinding{expr: &ast.BasicLit{Kind: token.STRING, Value: `""`}})
					} else {
						g.unbind(name.Name)
					}
				}
				break
			}
			g.bindAssign(lhs, x.Values, true)
		case *ast.RangeStmt:
			if id, ok := x.Key.(*ast.Ident); ok {
				g.unbind(id.Name)
			}
			if id, ok := x.Value.(*ast.Ident); ok {
				g.bind(id.Name, goBinding{expr: x.X, loop: true})
			}
		case *ast.FuncDecl:
			if x.Recv != nil || g.funcs[x.Name.Name] != x {
				g.unbindFields(x.Type.Params)
			}
			g.unbindFields(x.Type.Results)
		case *ast.FuncLit:
			g.unbindFields(x.Type.Params)
			g.unbindFields(x.Type.Results)
		case *ast.CallExpr:
			if id, ok := x.Fun.(*ast.Ident); ok {
				g.calls[id.Name] = append(g.calls[id.Name], x)
			}
		case *ast.Ident:
			g.idents[x.Name]++
		}
		return true
	})
}

func (g *goScanner) bind(name string, b goBinding) {
	if name != "_" {
		g.binds[name] = append(g.binds[name], b)
	}
}

func (g *goScanner) unbind(name string) { g.bind(name, goBinding{}) }

func (g *goScanner) bindAssign(lhs, rhs []ast.Expr, plain bool) {
	for i, l := range lhs {
		id, ok := l.(*ast.Ident)
		if !ok {
			continue
		}
		switch {
		case plain && len(lhs) == len(rhs):
			g.bind(id.Name, goBinding{expr: rhs[i]})
		case plain && len(rhs) == 1 && i == 0:
			g.bind(id.Name, goBinding{expr: rhs[0], first: true})
		default:
			g.unbind(id.Name)
		}
	}
}

func (g *goScanner) unbindFields(fl *ast.FieldList) {
	if fl == nil {
		return
	}
	for _, f := range fl.List {
		for _, name := range f.Names {
			g.unbind(name.Name)
		}
	}
}

// bindParams binds the parameters of top-level functions to the arguments
// of their direct calls. A function that is also used as a value, or
// called with a spread slice, keeps unknown parameters.
func (g *goScanner) bindParams() {
	for name, fd := range g.funcs {
		if fd == nil || name == "main" || name == "init" {
			continue
		}
		var params []*ast.Ident
		variadic := false
		for _, f := range fd.Type.Params.List {
			_, variadic = f.Type.(*ast.Ellipsis)
			params = append(params, f.Names...)
		}
		// One use names the function in its declaration.
		if g.idents[name] > len(g.calls[name])+1 {
			g.unbindParams(params)
			continue
		}
		for _, call := range g.calls[name] {
			if call.Ellipsis.IsValid() {
				g.unbindParams(params)
				continue
			}
			for i, a := range call.Args {
				switch {
				case i >= len(params):
				case variadic && i >= len(params)-1:
					g.unbind(params[len(params)-1].Name)
				default:
					g.bind(params[i].Name, goBinding{expr: a})
				}
			}
		}
	}
}

func (g *goScanner) unbindParams(params []*ast.Ident) {
	for _, p := range params {
		g.unbind(p.Name)
	}
}

// isLoop reports whether n may run its body more than once.
func isLoop(n ast.Node) bool {
	switch x := n.(type) {
	case *ast.ForStmt, *ast.RangeStmt, *ast.FuncLit:
		return true
	case *ast.FuncDecl:
		return x.Name.Name != "main" && x.Name.Name != "init"
	}
	return false
}

func (g *goScanner) visit(n ast.Node) bool {
	if n == nil {
		top := g.stack[len(g.stack)-1]
		g.stack = g.stack[:len(g.stack)-1]
		if isLoop(top) {
			g.loops--
		}
		return true
	}
	g.stack = append(g.stack, n)
	if isLoop(n) {
		g.loops++
	}

	switch x := n.(type) {
	case *ast.BasicLit:
		if x.Kind == token.STRING {
			if v, err := strconv.Unquote(x.Value); err == nil {
				g.literal(v, g.lineOf(x), false)
			}
		}
	case *ast.CallExpr:
		g.call(x)
	case *ast.SelectorExpr:
		// A function value such as os.Remove passed around is as
		// dangerous as a direct call.
		if g.callFuns[x] {
			break
		}
		if pkg, sel, ok := g.pkgSelector(x); ok {
			g.rep.Calls = append(g.rep.Calls, Call{
				Name:      sel.Sel.Name,
				Qualified: pkg + "." + sel.Sel.Name,
				Line:      g.lineOf(x),
				Ref:       true,
			})
		}
	case *ast.AssignStmt:
		for i, l := range x.Lhs {
			if sel, ok := l.(*ast.SelectorExpr); ok && sel.Sel.Name == "Dir" && len(x.Lhs) == len(x.Rhs) {
				g.workDir(x.Rhs[i])
			}
		}
	case *ast.KeyValueExpr:
		if key, ok := x.Key.(*ast.Ident); ok && key.Name == "Dir" {
			if lit, ok := g.parent().(*ast.CompositeLit); ok {
				if pkg, sel, ok := g.pkgSelector(lit.Type); ok && pkg == "os/exec" && sel.Sel.Name == "Cmd" {
					g.workDir(x.Value)
				}
			}
		}
	}
	return true
}

// parent returns the node enclosing the one being visited.
func (g *goScanner) parent() ast.Node {
	if len(g.stack) < 2 {
		return nil
	}
	return g.stack[len(g.stack)-2]
}

// funcBody returns the body of the innermost function being visited.
func (g *goScanner) funcBody() *ast.BlockStmt {
	for i := len(g.stack) - 1; i >= 0; i-- {
		switch x := g.stack[i].(type) {
		case *ast.FuncDecl:
			return x.Body
		case *ast.FuncLit:
			return x.Body
		}
	}
	return nil
}

func (g *goScanner) call(x *ast.CallExpr) {
	ln := g.lineOf(x)
	args := make([]string, len(x.Args))
	for i, a := range x.Args {
		args[i], _ = g.value(a).single()
	}

	pkg, sel, isPkg := g.pkgSelector(x.Fun)
	if sel == nil {
		if id, ok := x.Fun.(*ast.Ident); ok {
			g.rep.Calls = append(g.rep.Calls, Call{Name: id.Name, Qualified: id.Name, Positional: len(x.Args), Args: args, Line: ln})
		}
		return
	}
	g.callFuns[sel] = true
	if !isPkg {
		g.rep.Calls = append(g.rep.Calls, Call{Name: sel.Sel.Name, Qualified: "." + sel.Sel.Name, Positional: len(x.Args), Args: args, Line: ln})
		if sel.Sel.Name == "Chdir" && len(x.Args) == 0 {
			g.opaque("Chdir on an open directory", ln)
		}
		return
	}

	qual := pkg + "." + sel.Sel.Name
	g.rep.Calls = append(g.rep.Calls, Call{Name: sel.Sel.Name, Qualified: qual, Positional: len(x.Args), Args: args, Line: ln})

	if idx, ok := goPathArgs[qual]; ok {
		for i, a := range x.Args {
			if slices.Contains(idx, i) {
				g.pathArg(g.value(a), qual, ln)
			}
		}
	} else if fileGoPackages[pkg] {
		for _, v := range args {
			g.operand(v, ln, false)
		}
	}
	g.truncation(x, qual, ln)

	switch {
	case opaqueGoCalls[qual]:
		g.opaque(qual+"()", ln)
	case qual == "os.Chdir" && len(x.Args) > 0:
		g.chdir(g.value(x.Args[0]), qual, ln)
	case pkg == "os/exec":
		g.command(x, sel.Sel.Name, ln)
	}
}

func (g *goScanner) command(x *ast.CallExpr, name string, ln int) {
	var argv []ast.Expr
	switch name {
	case "Command":
		argv = x.Args
	case "CommandContext":
		if len(x.Args) > 0 {
			argv = x.Args[1:]
		}
	default:
		return
	}
	if len(argv) == 0 {
		return
	}
	alts := make([][]Arg, 0, len(argv))
	for i, a := range argv {
		if x.Ellipsis.IsValid() && i == len(argv)-1 {
			alts = append(alts, []Arg{{Dynamic: true}})
			continue
		}
		alts = append(alts, argAlts(g.value(a)))
	}
	cmds, ok := expandArgs(alts)
	if !ok {
		g.opaque("exec.Command with too many possible commands", ln)
		return
	}
	for _, c := range cmds {
		if c[0].Dynamic {
			g.opaque("exec.Command with a computed program name", ln)
			return
		}
		g.addCommand(Command{Name: c[0].Value, Args: c[1:], Line: ln})
	}
}

// workDir records the Dir of an exec.Cmd. Each command starts from the
// current directory, so a loop does not compound it.
func (g *goScanner) workDir(e ast.Expr) {
	loops := g.loops
	g.loops = 0
	g.chdir(g.value(e), "exec.Cmd Dir", g.lineOf(e))
	g.loops = loops
}

// truncation reports files created or rewritten without content.
func (g *goScanner) truncation(x *ast.CallExpr, qual string, ln int) {
	target := ""
	if len(x.Args) > 0 {
		target, _ = g.value(x.Args[0]).single()
	}
	switch qual {
	case "os.WriteFile", "io/ioutil.WriteFile":
		if len(x.Args) > 1 && g.empty(x.Args[1], 0) {
			g.effect("truncate", target, ln)
		}
	case "os.Create":
		if g.unwritten() {
			g.effect("truncate", target, ln)
		}
	case "os.OpenFile":
		if len(x.Args) > 1 && g.hasTrunc(x.Args[1], 0) && g.unwritten() {
			g.effect("truncate", target, ln)
		}
	}
}

// empty reports whether e is a byte slice or a string with no content.
func (g *goScanner) empty(e ast.Expr, depth int) bool {
	switch x := e.(type) {
	case *ast.Ident:
		if x.Name == "nil" {
			return true
		}
		if bs := g.binds[x.Name]; len(bs) == 1 && bs[0].expr != nil && !bs[0].loop && !bs[0].first && depth < 3 {
			return g.empty(bs[0].expr, depth+1)
		}
	case *ast.CompositeLit:
		return len(x.Elts) == 0
	case *ast.CallExpr:
		if _, ok := x.Fun.(*ast.ArrayType); ok && len(x.Args) == 1 {
			return g.empty(x.Args[0], depth)
		}
	}
	v, ok := g.value(e).single()
	return ok && v == ""
}

// hasTrunc reports whether a flags expression includes O_TRUNC.
func (g *goScanner) hasTrunc(e ast.Expr, depth int) bool {
	found := false
	ast.Inspect(e, func(n ast.Node) bool {
		switch x := n.(type) {
		case *ast.SelectorExpr:
			found = found || x.Sel.Name == "O_TRUNC"
			return false
		case *ast.Ident:
			if bs := g.binds[x.Name]; len(bs) == 1 && bs[0].expr != nil && depth < 3 {
				found = found || g.hasTrunc(bs[0].expr, depth+1)
			}
		}
		return !found
	})
	return found
}

// unwritten reports whether the file returned by the call being visited is
// dropped or only closed.
func (g *goScanner) unwritten() bool {
	switch p := g.parent().(type) {
	case *ast.ExprStmt:
		return true
	case *ast.AssignStmt:
		if len(p.Rhs) != 1 || len(p.Lhs) == 0 {
			return false
		}
		id, ok := p.Lhs[0].(*ast.Ident)
		if !ok {
			return false
		}
		if id.Name == "_" {
			return true
		}
		body := g.funcBody()
		return body != nil && !goUsed(body, id)
	}
	return false
}

// goUsed reports whether the variable def is used in body other than to be
// closed.
func goUsed(body ast.Node, def *ast.Ident) bool {
	total, idle := 0, 0
	sels := make(map[*ast.Ident]bool)
	ast.Inspect(body, func(n ast.Node) bool {
		switch x := n.(type) {
		case *ast.SelectorExpr:
			sels[x.Sel] = true
		case *ast.CallExpr:
			if sel, ok := x.Fun.(*ast.SelectorExpr); ok {
				if id, ok := sel.X.(*ast.Ident); ok && id.Name == def.Name && goIdleMethods[sel.Sel.Name] {
					idle++
				}
			}
		case *ast.Ident:
			if x.Name == def.Name && x != def && !sels[x] {
				total++
			}
		}
		return true
	})
	return total > idle
}

// value works out what is known about the string e evaluates to.
func (g *goScanner) value(e ast.Expr) value {
	switch x := e.(type) {
	case *ast.BasicLit:
		if x.Kind != token.STRING {
			return value{state: valueText}
		}
		v, err := strconv.Unquote(x.Value)
		if err != nil {
			return value{}
		}
		return known(v)
	case *ast.Ident:
		switch x.Name {
		case "nil", "true", "false", "iota":
			return value{state: valueText}
		}
		return g.nameValue(x.Name)
	case *ast.ParenExpr:
		return g.value(x.X)
	case *ast.BinaryExpr:
		if x.Op == token.ADD {
			return concat(g.value(x.X), g.value(x.Y))
		}
	case *ast.CallExpr:
		return g.callValue(x)
	}
	return value{}
}

// nameValue is the union of every value assigned to name. A variable whose
// value depends on itself is unknown.
func (g *goScanner) nameValue(name string) value {
	if v, ok := g.memo[name]; ok {
		return v
	}
	if g.resolving[name] {
		return value{}
	}
	g.resolving[name] = true
	defer delete(g.resolving, name)

	var vs []value
	for _, b := range g.binds[name] {
		var v value
		switch {
		case b.expr == nil:
		case b.loop:
			v = g.iterValue(b.expr)
		case b.first:
			v = g.firstResult(b.expr, false)
		default:
			v = g.value(b.expr)
		}
		if v.state == valueUnknown {
			vs = nil
			break
		}
		vs = append(vs, v)
	}
	v := either(vs...)
	g.memo[name] = v
	return v
}

// callValue evaluates the calls that build or transform paths.
func (g *goScanner) callValue(x *ast.CallExpr) value {
	if x.Ellipsis.IsValid() {
		return value{}
	}
	arg := func(i int) value {
		if i < len(x.Args) {
			return g.value(x.Args[i])
		}
		return value{}
	}
	switch fun := x.Fun.(type) {
	case *ast.Ident:
		switch {
		case fun.Name == "string" && len(x.Args) == 1:
			return arg(0)
		case fun.Name == "len", fun.Name == "cap":
			return value{state: valueText}
		}
		return value{}
	case *ast.ArrayType:
		if len(x.Args) == 1 {
			return arg(0)
		}
		return value{}
	}

	pkg, sel, ok := g.pkgSelector(x.Fun)
	if !ok {
		return value{}
	}
	switch pkg + "." + sel.Sel.Name {
	case "path/filepath.Join", "path.Join":
		if len(x.Args) == 0 {
			return known("")
		}
		v := arg(0)
		for i := 1; i < len(x.Args); i++ {
			v = goJoin(v, arg(i))
		}
		return v
	case "path/filepath.Clean", "path.Clean", "path/filepath.FromSlash", "path/filepath.ToSlash":
		return arg(0)
	case "path/filepath.Dir", "path.Dir":
		if v := arg(0); v.state == valueKnown {
			return mapStrs(v, path.Dir)
		}
		return pyDirname(arg(0))
	case "path/filepath.Base", "path.Base":
		if v := arg(0); v.state == valueKnown {
			return mapStrs(v, path.Base)
		}
	case "fmt.Sprintf":
		return g.sprintf(x.Args)
	case "strings.Join":
		if sep, ok := arg(1).single(); ok && len(x.Args) == 2 {
			return g.joinElts(x.Args[0], sep)
		}
	case "strconv.Itoa", "strconv.FormatInt", "strconv.FormatFloat":
		return value{state: valueText}
	}
	return value{}
}

// firstResult evaluates the first result of a call with two results, or
// the items it returns when iter is set.
func (g *goScanner) firstResult(e ast.Expr, iter bool) value {
	x, ok := e.(*ast.CallExpr)
	if !ok || x.Ellipsis.IsValid() {
		return value{}
	}
	pkg, sel, ok := g.pkgSelector(x.Fun)
	if !ok {
		return value{}
	}
	qual := pkg + "." + sel.Sel.Name
	switch {
	case qual == "os.UserHomeDir" && !iter:
		return known("~")
	case len(x.Args) == 0:
	case qual == "path/filepath.Abs" && !iter:
		return g.value(x.Args[0])
	case qual == "path/filepath.Glob" && iter:
		return globbed(g.value(x.Args[0]))
	}
	return value{}
}

// iterValue evaluates the items a range statement over e produces.
func (g *goScanner) iterValue(e ast.Expr) value {
	switch x := e.(type) {
	case *ast.CompositeLit:
		vs := make([]value, 0, len(x.Elts))
		for _, elt := range x.Elts {
			if kv, ok := elt.(*ast.KeyValueExpr); ok {
				elt = kv.Value
			}
			vs = append(vs, g.value(elt))
		}
		return either(vs...)
	case *ast.Ident:
		key := "[]" + x.Name
		if g.resolving[key] {
			return value{}
		}
		g.resolving[key] = true
		defer delete(g.resolving, key)
		bs := g.binds[x.Name]
		vs := make([]value, 0, len(bs))
		for _, b := range bs {
			switch {
			case b.expr == nil, b.loop:
				return value{}
			case b.first:
				vs = append(vs, g.firstResult(b.expr, true))
			default:
				vs = append(vs, g.iterValue(b.expr))
			}
		}
		return either(vs...)
	}
	return value{}
}

// sprintf evaluates fmt.Sprintf as far as its verbs are %s or %v.
func (g *goScanner) sprintf(args []ast.Expr) value {
	if len(args) == 0 {
		return value{}
	}
	format, ok := g.value(args[0]).single()
	if !ok {
		return cutAt(g.value(args[0]), "%")
	}
	v := known("")
	next := 1
	for v.state == valueKnown {
		i := strings.IndexByte(format, '%')
		if i < 0 || i+1 >= len(format) {
			return concat(v, known(format))
		}
		v = concat(v, known(format[:i]))
		verb := format[i+1]
		format = format[i+2:]
		switch {
		case verb == '%':
			v = concat(v, known("%"))
		case (verb == 's' || verb == 'v') && next < len(args):
			v = concat(v, g.value(args[next]))
			next++
		default:
			v = concat(v, value{})
		}
	}
	return v
}

// joinElts evaluates strings.Join over a literal slice.
func (g *goScanner) joinElts(e ast.Expr, sep string) value {
	lit, ok := e.(*ast.CompositeLit)
	if !ok {
		return value{}
	}
	v := known("")
	for i, elt := range lit.Elts {
		if i > 0 {
			v = concat(v, known(sep))
		}
		v = concat(v, g.value(elt))
	}
	return v
}

// goJoin joins like filepath.Join, which never discards an absolute
// element: whatever b is, the result stays below a.
func goJoin(a, b value) value {
	if !a.isString() {
		return value{}
	}
	if a.state == valuePrefix {
		return a
	}
	if !b.isString() {
		b = prefixed("")
	}
	strs, ok := cross(a.strs, b.strs, func(x, y string) string {
		if b.state == valueKnown {
			return path.Join(x, y)
		}
		if x == "" {
			return y
		}
		return strings.TrimSuffix(x, "/") + "/" + y
	})
	if !ok {
		return value{}
	}
	return value{state: b.state, strs: strs}
}
