package gen

import (
	"go/scanner"
	"testing"

	"github.com/stretchr/testify/require"
)

// diagnose parses the interface S declared by decl and returns what Validate
// reports about it.
func diagnose(t *testing.T, decl string) []string {
	t.Helper()
	src := `package p

import (
	"context"
	"sync"
	"unsafe"

	"example.com/transport"
)

var _ = context.Background
var _ sync.Mutex
var _ unsafe.Pointer
var _ transport.Conn

` + decl
	iface, err := Parse("p.go", []byte(src), "S")
	require.NoError(t, err)

	err = iface.Validate()
	if err == nil {
		return nil
	}
	var list scanner.ErrorList
	require.ErrorAs(t, err, &list)
	msgs := make([]string, len(list))
	for i, e := range list {
		msgs[i] = e.Msg
	}
	return msgs
}

func TestValidateAccepts(t *testing.T) {
	require.Empty(t, diagnose(t, `type S interface {
	Get(ctx context.Context, id uint64) (*string, error)
	Put(key string, value []byte) error
	Len() int
	Reset()
	Lock(mu *sync.Mutex, l sync.Locker)
	Each(fn func(sync.Mutex))
	Tag(sync string) error
}`))
}

func TestValidateRejects(t *testing.T) {
	for _, tc := range []struct {
		name string
		decl string
		want []string
	}{
		{
			name: "no methods",
			decl: `type S interface{}`,
			want: []string{"interface S has no methods"},
		},
		{
			name: "embedded interface",
			decl: `type S interface {
	context.Context
}`,
			want: []string{"embedded context.Context is not supported: declare its methods explicitly"},
		},
		{
			name: "unnamed parameter",
			decl: `type S interface{ Get(uint64) string }`,
			want: []string{"method Get: parameters must be named"},
		},
		{
			name: "blank parameter",
			decl: `type S interface{ Get(_ uint64) string }`,
			want: []string{"method Get: blank parameter name"},
		},
		{
			name: "reserved parameter",
			decl: `type S interface{ Get(reply string) }`,
			want: []string{"method Get: parameter name reply is reserved"},
		},
		{
			name: "variadic parameter",
			decl: `type S interface{ Get(ids ...uint64) }`,
			want: []string{"method Get: variadic parameter ids is not supported"},
		},
		{
			name: "envelope field collision",
			decl: `type S interface{ Get(done bool) }`,
			want: []string{"method Get: parameter done collides with the envelope's Done"},
		},
		{
			name: "field name collision",
			decl: `type S interface{ Get(name string, Name string) }`,
			want: []string{"method Get: parameters name and Name both become field Name"},
		},
		{
			name: "unexportable parameter",
			decl: `type S interface{ Get(_x int) }`,
			want: []string{"method Get: parameter _x has no exported field name"},
		},
		{
			name: "result shape",
			decl: `type S interface{ Get() (error, string) }`,
			want: []string{"method Get: results must be (), (R), (error) or (R, error), got (error, string)"},
		},
		{
			name: "too many results",
			decl: `type S interface{ Get() (int, int, error) }`,
			want: []string{"method Get: results must be (), (R), (error) or (R, error), got (int, int, error)"},
		},
		{
			name: "reserved method",
			decl: `type S interface{ Close() error }`,
			want: []string{"method name Close is reserved by the generated client"},
		},
		{
			name: "client field as method",
			decl: `type S interface{ svc() }`,
			want: []string{"method name svc is reserved by the generated client"},
		},
		{
			name: "parameter shadows parameter package",
			decl: `type S interface{ Get(sync *sync.Mutex) }`,
			want: []string{"method Get: parameter sync shadows package sync used in its signature"},
		},
		{
			name: "parameter shadows result package",
			decl: `type S interface{ Get(sync string) (*sync.Mutex, error) }`,
			want: []string{"method Get: parameter sync shadows package sync used in its signature"},
		},
		{
			name: "sync value",
			decl: `type S interface{ Get(mu sync.Mutex) }`,
			want: []string{"method Get: parameter mu: sync.Mutex must not be copied, pass a pointer"},
		},
		{
			name: "sync value in array",
			decl: `type S interface{ Get() [2]sync.WaitGroup }`,
			want: []string{"method Get: result: sync.WaitGroup must not be copied, pass a pointer"},
		},
		{
			name: "uintptr",
			decl: `type S interface{ Addr() uintptr }`,
			want: []string{"method Addr: result: uintptr cannot be shared between goroutines, use local mode"},
		},
		{
			name: "unsafe pointer",
			decl: `type S interface{ Get(p []unsafe.Pointer) }`,
			want: []string{"method Get: parameter p: unsafe.Pointer cannot be shared between goroutines, use local mode"},
		},
		{
			name: "shadowed runtime import",
			decl: `type S interface{ Dial(addr string) (*transport.Conn, error) }`,
			want: []string{`package "example.com/transport" is imported as transport, which generated code needs for "chanrpc/transport": rename the import`},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, diagnose(t, tc.decl))
		})
	}
}

func TestValidateLocalAllowsUnsharedTypes(t *testing.T) {
	msgs := diagnose(t, `//chanrpc:local
type S interface {
	Addr() uintptr
	Raw(p unsafe.Pointer)
	Bad(mu sync.Mutex)
}`)
	// sync values are rejected in both modes
	require.Equal(t, []string{"method Bad: parameter mu: sync.Mutex must not be copied, pass a pointer"}, msgs)
}

func TestValidateCollectsEveryProblemInOrder(t *testing.T) {
	msgs := diagnose(t, `type S interface {
	Get(uint64) (error, int)
	Get(id uint64) int
	Put(ctx string, v sync.Mutex)
}`)
	require.Equal(t, []string{
		"method Get: results must be (), (R), (error) or (R, error), got (error, int)",
		"method Get: parameters must be named",
		"duplicate method Get (previous declaration at p.go:17:2)",
		"method Put: parameter name ctx is reserved",
		"method Put: parameter v: sync.Mutex must not be copied, pass a pointer",
	}, msgs)
}

func TestExportName(t *testing.T) {
	for in, want := range map[string]string{
		"id":    "ID",
		"url":   "URL",
		"v":     "V",
		"value": "Value",
		"Key":   "Key",
		"éclat": "Éclat",
		"_x":    "_x",
	} {
		require.Equal(t, want, ExportName(in), in)
	}
}
