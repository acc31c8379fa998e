// Package gen compiles an interface declaration into the code that serves it
// over a chanrpc channel: a sealed request envelope with one case per method,
// a client stub and a server dispatcher.
//
// The declaration is a plain Go interface:
//
//	//chanrpc:local
//	type KV interface {
//		Read(ctx context.Context, id uint64) (*string, error)
//		Write(ctx context.Context, id uint64, v string) error
//		Noop()
//	}
//
// A leading context.Context parameter is optional. Results are one of (),
// (R), (error) or (R, error).
package gen

import (
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"go/types"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// LocalDirective marks an interface for local mode.
const LocalDirective = "//chanrpc:local"

// Interface describes a service contract.
type Interface struct {
	Name    string
	Package string

	// Local selects local mode: values are not required to be shareable
	// between goroutines.
	Local bool

	Methods []Method
	Embeds  []Embed

	// Imports of the declaring file; types refer to them by local name.
	Imports []Import

	Pos token.Position
}

// Method is one method of an Interface.
type Method struct {
	Name string

	// HasContext reports whether the method takes a leading
	// context.Context, which is not part of Params.
	HasContext bool

	Params  []Param
	Results []string // type expressions, in order
	Pos     token.Position
}

// Param is a named parameter. Variadic parameters have a Type starting
// with "...".
type Param struct {
	Name string
	Type string
	Pos  token.Position
}

// Embed is an embedded interface or type constraint, which is not
// supported.
type Embed struct {
	Type string
	Pos  token.Position
}

// Import is an import of the declaring file. Name is empty unless the
// import is renamed.
type Import struct {
	Name string
	Path string
}

// Result returns the result type of m, or "" if m returns nothing but
// possibly an error.
func (m Method) Result() string {
	if len(m.Results) > 0 && m.Results[0] != "error" {
		return m.Results[0]
	}
	return ""
}

// HasError reports whether the last result of m is an error.
func (m Method) HasError() bool {
	return len(m.Results) > 0 && m.Results[len(m.Results)-1] == "error"
}

// LocalName returns the name the declaring file uses for the package at
// importPath, or "" if it does not import it.
func (iface *Interface) LocalName(importPath string) string {
	for _, imp := range iface.Imports {
		if imp.Path != importPath {
			continue
		}
		if imp.Name != "" {
			return imp.Name
		}
		return defaultImportName(imp.Path)
	}
	return ""
}

var majorVersion = regexp.MustCompile(`^v[0-9]+$`)

func defaultImportName(importPath string) string {
	base := path.Base(importPath)
	if majorVersion.MatchString(base) {
		base = path.Base(path.Dir(importPath))
	}
	return strings.ReplaceAll(base, "-", "_")
}

// ParseFile reads filename and parses the interface called name.
func ParseFile(filename, name string) (*Interface, error) {
	src, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Parse(filename, src, name)
}

// Parse parses the interface called name from the Go source src. Syntax
// errors and an unknown or generic name are reported as a
// scanner.ErrorList; the contract itself is checked by Validate.
func Parse(filename string, src []byte, name string) (*Interface, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, parser.ParseComments|parser.SkipObjectResolution)
	if err != nil {
		return nil, err
	}

	iface := &Interface{Name: name, Package: file.Name.Name}
	for _, spec := range file.Imports {
		p, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			continue
		}
		imp := Import{Path: p}
		if spec.Name != nil {
			imp.Name = spec.Name.Name
		}
		iface.Imports = append(iface.Imports, imp)
	}

	spec, decl := findType(file, name)
	var errs scanner.ErrorList
	switch {
	case spec == nil:
		errs.Add(fset.Position(file.Name.Pos()), "type "+name+" not found")
		return nil, errs
	case spec.TypeParams != nil:
		errs.Add(fset.Position(spec.Pos()), "generic interface "+name+" is not supported")
		return nil, errs
	}
	it, ok := spec.Type.(*ast.InterfaceType)
	if !ok {
		errs.Add(fset.Position(spec.Pos()), name+" is not an interface")
		return nil, errs
	}

	iface.Pos = fset.Position(spec.Pos())
	iface.Local = hasDirective(decl.Doc) || hasDirective(spec.Doc)

	contextName := iface.LocalName("context")
	for _, field := range it.Methods.List {
		ft, isMethod := field.Type.(*ast.FuncType)
		if !isMethod || len(field.Names) == 0 {
			iface.Embeds = append(iface.Embeds, Embed{
				Type: types.ExprString(field.Type),
				Pos:  fset.Position(field.Pos()),
			})
			continue
		}
		iface.Methods = append(iface.Methods, parseMethod(fset, field.Names[0], ft, contextName))
	}
	return iface, nil
}

func parseMethod(fset *token.FileSet, name *ast.Ident, ft *ast.FuncType, contextName string) Method {
	m := Method{Name: name.Name, Pos: fset.Position(name.Pos())}

	for _, field := range ft.Params.List {
		typ := types.ExprString(field.Type)
		if len(field.Names) == 0 {
			m.Params = append(m.Params, Param{Type: typ, Pos: fset.Position(field.Pos())})
			continue
		}
		for _, n := range field.Names {
			m.Params = append(m.Params, Param{Name: n.Name, Type: typ, Pos: fset.Position(n.Pos())})
		}
	}
	if contextName != "" && len(m.Params) > 0 && m.Params[0].Type == contextName+".Context" {
		m.HasContext = true
		m.Params = m.Params[1:]
	}

	if ft.Results != nil {
		for _, field := range ft.Results.List {
			typ := types.ExprString(field.Type)
			n := max(len(field.Names), 1)
			for range n {
				m.Results = append(m.Results, typ)
			}
		}
	}
	return m
}

func findType(file *ast.File, name string) (*ast.TypeSpec, *ast.GenDecl) {
	for _, d := range file.Decls {
		decl, ok := d.(*ast.GenDecl)
		if !ok || decl.Tok != token.TYPE {
			continue
		}
		for _, s := range decl.Specs {
			if spec := s.(*ast.TypeSpec); spec.Name.Name == name {
				return spec, decl
			}
		}
	}
	return nil, nil
}

func hasDirective(doc *ast.CommentGroup) bool {
	if doc == nil {
		return false
	}
	for _, c := range doc.List {
		if strings.TrimSpace(c.Text) == LocalDirective {
			return true
		}
	}
	return false
}
