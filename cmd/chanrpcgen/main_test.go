package main

import (
	"bytes"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const greeterSource = `package greet

import "context"

type Greeter interface {
	Greet(ctx context.Context, name string) (string, error)
}
`

func writeSource(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "greet.go")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestGenerateWritesNextToSource(t *testing.T) {
	path := writeSource(t, greeterSource)
	var stdout, stderr bytes.Buffer

	err := newApp(&stdout, &stderr).Run([]string{"chanrpcgen", "--type", "Greeter", "--verbose", path})
	require.NoError(t, err)
	require.Contains(t, stderr.String(), "generated")

	out, err := os.ReadFile(filepath.Join(filepath.Dir(path), "greeter_chanrpc.go"))
	require.NoError(t, err)
	file, err := parser.ParseFile(token.NewFileSet(), "", out, 0)
	require.NoError(t, err)
	require.Equal(t, "greet", file.Name.Name)
}

func TestGenerateToStdout(t *testing.T) {
	path := writeSource(t, greeterSource)
	var stdout, stderr bytes.Buffer

	err := newApp(&stdout, &stderr).Run([]string{"chanrpcgen", "-t", "Greeter", "-o", "-", "--package", "other", path})
	require.NoError(t, err)
	require.Contains(t, stdout.String(), "package other")
	require.Contains(t, stdout.String(), "type GreeterClient struct")
	require.Empty(t, stderr.String())
}

func TestGenerateUsesGOFILE(t *testing.T) {
	path := writeSource(t, greeterSource)
	t.Setenv("GOFILE", path)
	var stdout, stderr bytes.Buffer

	err := newApp(&stdout, &stderr).Run([]string{"chanrpcgen", "--type", "Greeter", "-o", "-"})
	require.NoError(t, err)
	require.Contains(t, stdout.String(), "func NewGreeterServer(impl Greeter) *GreeterServer")
}

func TestGeneratePrintsDiagnostics(t *testing.T) {
	path := writeSource(t, `package greet

type Greeter interface {
	Greet(string) string
	Greet(name string) (error, string)
}
`)
	var stdout, stderr bytes.Buffer

	err := newApp(&stdout, &stderr).Run([]string{"chanrpcgen", "--type", "Greeter", path})
	require.ErrorIs(t, err, errInvalid)
	require.Contains(t, stderr.String(), path+":4:8: method Greet: parameters must be named\n")
	require.Contains(t, stderr.String(), path+":5:2: duplicate method Greet")

	_, err = os.Stat(filepath.Join(filepath.Dir(path), "greeter_chanrpc.go"))
	require.True(t, os.IsNotExist(err))
}

func TestGenerateUnknownType(t *testing.T) {
	path := writeSource(t, greeterSource)
	var stdout, stderr bytes.Buffer

	err := newApp(&stdout, &stderr).Run([]string{"chanrpcgen", "--type", "Missing", path})
	require.ErrorIs(t, err, errInvalid)
	require.Contains(t, stderr.String(), "type Missing not found")
}
