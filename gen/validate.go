package gen

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ReplyField is the envelope field holding the reply write-end.
const ReplyField = "Reply"

// reservedFields are the envelope field names taken by ReplyField and by the
// methods of message.Envelope.
var reservedFields = map[string]bool{ReplyField: true, "Method": true, "Done": true, "Discard": true}

// reservedMethods are the methods and fields of the generated client.
var reservedMethods = map[string]bool{"Clone": true, "Close": true, "svc": true}

// runtimeImports are the packages imported by every generated file, by name.
var runtimeImports = map[string]string{
	"context":    "context",
	"fmt":        "fmt",
	"message":    RuntimeModule + "/message",
	"middleware": RuntimeModule + "/middleware",
	"transport":  RuntimeModule + "/transport",
}

// reservedParams are identifiers used by generated client methods.
var reservedParams = map[string]bool{
	"c": true, "ctx": true, "err": true, "reply": true, "req": true, "result": true, "zero": true,
	"context": true, "message": true, "middleware": true, "transport": true,
}

// Validate checks that iface can be compiled. It reports every problem found,
// in source order, as a scanner.ErrorList.
func (iface *Interface) Validate() error {
	var errs scanner.ErrorList

	if !token.IsIdentifier(iface.Name) {
		errs.Add(iface.Pos, fmt.Sprintf("invalid interface name %q", iface.Name))
	}
	if len(iface.Methods) == 0 && len(iface.Embeds) == 0 {
		errs.Add(iface.Pos, fmt.Sprintf("interface %s has no methods", iface.Name))
	}
	for _, e := range iface.Embeds {
		errs.Add(e.Pos, fmt.Sprintf("embedded %s is not supported: declare its methods explicitly", e.Type))
	}

	seen := make(map[string]token.Position)
	for _, m := range iface.Methods {
		if prev, ok := seen[m.Name]; ok {
			errs.Add(m.Pos, fmt.Sprintf("duplicate method %s (previous declaration at %s)", m.Name, prev))
			continue
		}
		seen[m.Name] = m.Pos
		if reservedMethods[m.Name] {
			errs.Add(m.Pos, fmt.Sprintf("method name %s is reserved by the generated client", m.Name))
		}
		iface.validateMethod(&errs, m)
	}

	for _, imp := range iface.referencedImports() {
		name := imp.Name
		if name == "" {
			name = defaultImportName(imp.Path)
		}
		if p, ok := runtimeImports[name]; ok && p != imp.Path {
			errs.Add(iface.Pos, fmt.Sprintf("package %q is imported as %s, which generated code needs for %q: rename the import",
				imp.Path, name, p))
		}
	}

	errs.Sort()
	return errs.Err()
}

func (iface *Interface) validateMethod(errs *scanner.ErrorList, m Method) {
	fields := make(map[string]string)
	// a parameter named after a package would hide it from the client body
	pkgs := make(map[string]bool)
	m.qualifiers(pkgs)
	for _, p := range m.Params {
		switch {
		case p.Name == "":
			errs.Add(p.Pos, fmt.Sprintf("method %s: parameters must be named", m.Name))
			continue
		case p.Name == "_":
			errs.Add(p.Pos, fmt.Sprintf("method %s: blank parameter name", m.Name))
			continue
		case reservedParams[p.Name]:
			errs.Add(p.Pos, fmt.Sprintf("method %s: parameter name %s is reserved", m.Name, p.Name))
			continue
		case pkgs[p.Name]:
			errs.Add(p.Pos, fmt.Sprintf("method %s: parameter %s shadows package %s used in its signature", m.Name, p.Name, p.Name))
			continue
		case strings.HasPrefix(p.Type, "..."):
			errs.Add(p.Pos, fmt.Sprintf("method %s: variadic parameter %s is not supported", m.Name, p.Name))
			continue
		}

		field := ExportName(p.Name)
		if !token.IsExported(field) {
			errs.Add(p.Pos, fmt.Sprintf("method %s: parameter %s has no exported field name", m.Name, p.Name))
		} else if reservedFields[field] {
			errs.Add(p.Pos, fmt.Sprintf("method %s: parameter %s collides with the envelope's %s", m.Name, p.Name, field))
		} else if prev, ok := fields[field]; ok {
			errs.Add(p.Pos, fmt.Sprintf("method %s: parameters %s and %s both become field %s", m.Name, prev, p.Name, field))
		} else {
			fields[field] = p.Name
		}
		iface.checkType(errs, p.Pos, fmt.Sprintf("method %s: parameter %s", m.Name, p.Name), p.Type)
	}

	switch {
	case len(m.Results) > 2,
		len(m.Results) == 2 && (m.Results[0] == "error" || m.Results[1] != "error"):
		errs.Add(m.Pos, fmt.Sprintf("method %s: results must be (), (R), (error) or (R, error), got (%s)",
			m.Name, strings.Join(m.Results, ", ")))
	default:
		if r := m.Result(); r != "" {
			iface.checkType(errs, m.Pos, fmt.Sprintf("method %s: result", m.Name), r)
		}
	}
}

// checkType rejects types whose values cannot be carried by an envelope:
// sync primitives held by value in both modes, and in shared mode pointers
// that escape the garbage collector.
func (iface *Interface) checkType(errs *scanner.ErrorList, pos token.Position, what, typ string) {
	expr, err := parser.ParseExpr(typ)
	if err != nil {
		errs.Add(pos, fmt.Sprintf("%s: invalid type %s", what, typ))
		return
	}

	syncNames := map[string]bool{}
	for _, p := range []string{"sync", "sync/atomic"} {
		if n := iface.LocalName(p); n != "" {
			syncNames[n] = true
		}
	}
	unsafeName := iface.LocalName("unsafe")

	var walk func(e ast.Expr, byValue bool)
	walk = func(e ast.Expr, byValue bool) {
		switch e := e.(type) {
		case *ast.Ident:
			if !iface.Local && e.Name == "uintptr" {
				errs.Add(pos, fmt.Sprintf("%s: uintptr cannot be shared between goroutines, use local mode", what))
			}
		case *ast.SelectorExpr:
			x, ok := e.X.(*ast.Ident)
			if !ok {
				return
			}
			if byValue && syncNames[x.Name] && e.Sel.Name != "Locker" {
				errs.Add(pos, fmt.Sprintf("%s: %s.%s must not be copied, pass a pointer", what, x.Name, e.Sel.Name))
			}
			if !iface.Local && unsafeName != "" && x.Name == unsafeName && e.Sel.Name == "Pointer" {
				errs.Add(pos, fmt.Sprintf("%s: unsafe.Pointer cannot be shared between goroutines, use local mode", what))
			}
		case *ast.StarExpr:
			walk(e.X, false)
		case *ast.ArrayType:
			// arrays hold their elements, slices share them
			walk(e.Elt, byValue && e.Len != nil)
		case *ast.MapType:
			walk(e.Key, false)
			walk(e.Value, false)
		case *ast.ChanType:
			walk(e.Value, false)
		case *ast.ParenExpr:
			walk(e.X, byValue)
		case *ast.StructType:
			for _, f := range e.Fields.List {
				walk(f.Type, byValue)
			}
		case *ast.FuncType:
			// functions are carried as references
			return
		case *ast.IndexExpr:
			walk(e.X, byValue)
			walk(e.Index, false)
		case *ast.IndexListExpr:
			walk(e.X, byValue)
			for _, idx := range e.Indices {
				walk(idx, false)
			}
		}
	}
	walk(expr, true)
}

// commonInitialisms are exported in upper case.
var commonInitialisms = map[string]bool{
	"api": true, "http": true, "id": true, "ip": true, "json": true,
	"uri": true, "url": true, "uuid": true,
}

// ExportName returns the envelope field name for a parameter name.
func ExportName(name string) string {
	if commonInitialisms[strings.ToLower(name)] {
		return strings.ToUpper(name)
	}
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToUpper(r)) + name[size:]
}
