package gen

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/parser"
	"sort"
	"strings"
	"text/template"

	"golang.org/x/tools/imports"
)

// RuntimeModule is the module path of the packages generated code imports.
const RuntimeModule = "chanrpc"

// Options tune the generated file.
type Options struct {
	// Package overrides the package clause. It defaults to the package of
	// the declaring file.
	Package string
}

// Generate validates iface and returns the formatted source of its envelope,
// client stub and server dispatcher.
func Generate(iface *Interface, opts Options) ([]byte, error) {
	if err := iface.Validate(); err != nil {
		return nil, err
	}

	data := newFileData(iface)
	if opts.Package != "" {
		data.Package = opts.Package
	}

	var buf bytes.Buffer
	if err := fileTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("gen: execute template: %w", err)
	}
	out, err := imports.Process("", buf.Bytes(), &imports.Options{
		Comments:   true,
		TabIndent:  true,
		TabWidth:   8,
		FormatOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("gen: format %s: %w", iface.Name, err)
	}
	return out, nil
}

// referencedImports returns the imports of the declaring file that parameter
// and result types refer to, sorted by path. Dot and blank imports are never
// referenced by name.
func (iface *Interface) referencedImports() []Import {
	names := make(map[string]bool)
	for _, m := range iface.Methods {
		m.qualifiers(names)
	}

	var out []Import
	for _, imp := range iface.Imports {
		name := imp.Name
		if name == "" {
			name = defaultImportName(imp.Path)
		}
		if name == "_" || name == "." || !names[name] {
			continue
		}
		out = append(out, imp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// qualifiers adds to names the package names qualifying the parameter and
// result types of m.
func (m Method) qualifiers(names map[string]bool) {
	collect := func(typ string) {
		expr, err := parser.ParseExpr(typ)
		if err != nil {
			return
		}
		ast.Inspect(expr, func(n ast.Node) bool {
			if sel, ok := n.(*ast.SelectorExpr); ok {
				if x, ok := sel.X.(*ast.Ident); ok {
					names[x.Name] = true
				}
			}
			return true
		})
	}
	for _, p := range m.Params {
		collect(strings.TrimPrefix(p.Type, "..."))
	}
	for _, r := range m.Results {
		collect(r)
	}
}

type fileData struct {
	Name    string
	Package string
	Local   bool
	Imports []Import

	Request   string
	Seal      string
	Client    string
	NewClient string
	Server    string
	NewServer string
	Methods   string

	Cases []caseData
}

type caseData struct {
	Method string
	Label  string
	Type   string

	Fields    []fieldData
	ReplyType string

	// client method
	Params    string
	Init      string
	Results   string
	HasResult bool

	// server case body
	Body string
}

type fieldData struct {
	Name string
	Type string
}

func newFileData(iface *Interface) fileData {
	d := fileData{
		Name:      iface.Name,
		Package:   iface.Package,
		Local:     iface.Local,
		Request:   iface.Name + "Request",
		Seal:      "is" + ExportName(iface.Name) + "Request",
		Client:    iface.Name + "Client",
		NewClient: constructor(iface.Name, "Client"),
		Server:    iface.Name + "Server",
		NewServer: constructor(iface.Name, "Server"),
		Methods:   iface.Name + "Methods",
	}
	for _, imp := range iface.referencedImports() {
		if p, ok := runtimeImports[imp.Name]; ok && p == imp.Path {
			continue
		}
		if imp.Name == "" {
			if _, ok := runtimeImports[defaultImportName(imp.Path)]; ok {
				continue
			}
		}
		d.Imports = append(d.Imports, imp)
	}
	for _, m := range iface.Methods {
		d.Cases = append(d.Cases, newCaseData(iface, m))
	}
	return d
}

// constructor returns the name of the constructor of the generated type
// name+suffix, unexported when name is.
func constructor(name, suffix string) string {
	if ExportName(name) == name {
		return "New" + name + suffix
	}
	return "new" + ExportName(name) + suffix
}

func newCaseData(iface *Interface, m Method) caseData {
	c := caseData{
		Method:    m.Name,
		Label:     iface.Name + "." + m.Name,
		Type:      iface.Name + m.Name + "Request",
		ReplyType: m.Result(),
		HasResult: m.Result() != "",
	}
	if c.ReplyType == "" {
		c.ReplyType = "struct{}"
	}

	params := []string{"ctx context.Context"}
	var init, args []string
	if m.HasContext {
		args = append(args, "ctx")
	}
	for _, p := range m.Params {
		field := ExportName(p.Name)
		c.Fields = append(c.Fields, fieldData{Name: field, Type: p.Type})
		params = append(params, p.Name+" "+p.Type)
		init = append(init, field+": "+p.Name+", ")
		args = append(args, "req."+field)
	}
	c.Params = strings.Join(params, ", ")
	c.Init = strings.Join(init, "")
	if c.HasResult {
		c.Results = "(" + c.ReplyType + ", error)"
	} else {
		c.Results = "error"
	}

	call := "s.impl." + m.Name + "(" + strings.Join(args, ", ") + ")"
	switch {
	case c.HasResult && m.HasError():
		c.Body = "return " + call
	case c.HasResult:
		c.Body = "return " + call + ", nil"
	case m.HasError():
		c.Body = "return struct{}{}, " + call
	default:
		c.Body = call + "\n\treturn struct{}{}, nil"
	}
	return c
}

var fileTemplate = template.Must(template.New("file").Funcs(template.FuncMap{
	"runtime": func() string { return RuntimeModule },
}).Parse(`// Code generated by chanrpcgen. DO NOT EDIT.
{{- $x := .}}

package {{.Package}}

import (
	"context"
	"fmt"

	"{{runtime}}/message"
	"{{runtime}}/middleware"
	"{{runtime}}/transport"
{{- if .Imports}}
{{range .Imports}}
	{{if .Name}}{{.Name}} {{end}}"{{.Path}}"
{{- end}}
{{- end}}
)

// {{.Request}} is a call to {{.Name}}. Its cases are the *{{.Name}}<Method>Request
// types, one per method.
type {{.Request}} interface {
	message.Envelope
	{{.Seal}}()
}

// {{.Methods}} lists the methods of {{.Name}} in declaration order.
var {{.Methods}} = []string{
{{- range .Cases}}
	"{{.Method}}",
{{- end}}
}
{{range .Cases}}
// {{.Type}} carries the arguments of {{.Label}} and the slot its
// result is written to.
type {{.Type}} struct {
{{- range .Fields}}
	{{.Name}} {{.Type}}
{{- end}}
	Reply *transport.ReplyWriter[{{.ReplyType}}]
}

func (*{{.Type}}) {{$x.Seal}}() {}

func (*{{.Type}}) Method() string { return "{{.Label}}" }

func (r *{{.Type}}) Done() <-chan struct{} { return r.Reply.Done() }

func (r *{{.Type}}) Discard() { r.Reply.Discard() }
{{end}}
// {{.Client}} calls {{.Name}} through a service carrying {{.Request}}
// envelopes, usually a *client.Channel wrapped in middleware.
type {{.Client}} struct {
	svc middleware.Service[{{.Request}}, message.Ack]
}

func {{.NewClient}}(svc middleware.Service[{{.Request}}, message.Ack]) *{{.Client}} {
	return &{{.Client}}{svc: svc}
}

// Clone returns a client on a new handle of the underlying service.
func (c *{{.Client}}) Clone() *{{.Client}} {
	return &{{.Client}}{svc: middleware.Clone(c.svc)}
}

// Close releases the handle of the underlying service.
func (c *{{.Client}}) Close() error {
	return middleware.Close(c.svc)
}
{{range .Cases}}
func (c *{{$x.Client}}) {{.Method}}({{.Params}}) {{.Results}} {
	reply, result := transport.NewReply[{{.ReplyType}}]()
	req := &{{.Type}}{ {{- .Init}}Reply: reply}
	if _, err := middleware.Oneshot[{{$x.Request}}](ctx, c.svc, req); err != nil {
{{- if .HasResult}}
		var zero {{.ReplyType}}
		return zero, err
{{- else}}
		return err
{{- end}}
	}
{{- if .HasResult}}
	return result.Await(ctx)
{{- else}}
	_, err := result.Await(ctx)
	return err
{{- end}}
}
{{end}}
// {{.Server}} dispatches {{.Request}} envelopes to a {{.Name}}. Each call
// runs on its own goroutine under the server's context.
{{- if .Local}}
//
// {{.Name}} is local: its values are not checked for sharing between
// goroutines.
{{- end}}
type {{.Server}} struct {
	impl {{.Name}}
}

var _ middleware.Service[{{.Request}}, message.Ack] = (*{{.Server}})(nil)

func {{.NewServer}}(impl {{.Name}}) *{{.Server}} {
	return &{{.Server}}{impl: impl}
}

func (s *{{.Server}}) Ready(context.Context) error { return nil }

func (s *{{.Server}}) Call(ctx context.Context, req {{.Request}}) middleware.Future[message.Ack] {
	return middleware.Go(func() (message.Ack, error) {
		return message.Ack{}, s.dispatch(ctx, req)
	})
}

func (s *{{.Server}}) dispatch(ctx context.Context, req {{.Request}}) error {
	switch req := req.(type) {
{{- range .Cases}}
	case *{{.Type}}:
		return message.Complete(req.Reply, func() ({{.ReplyType}}, error) {
			{{.Body}}
		})
{{- end}}
	default:
		return fmt.Errorf("{{.Name}}: unexpected request %T", req)
	}
}
`))
