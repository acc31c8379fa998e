// Command chanrpcgen generates the request envelope, client stub and server
// dispatcher of a Go interface. It is meant to be run by go generate:
//
//	//go:generate chanrpcgen --type KV
//
// The declaring file defaults to $GOFILE and the output to
// <type>_chanrpc.go next to it.
package main

import (
	"errors"
	"fmt"
	"go/scanner"
	"io"
	"os"
	"path/filepath"
	"strings"

	"chanrpc/gen"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// errInvalid is returned after the diagnostics of an invalid interface have
// been printed.
var errInvalid = errors.New("invalid interface")

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		if !errors.Is(err, errInvalid) {
			fmt.Fprintln(os.Stderr, "chanrpcgen:", err)
		}
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "chanrpcgen",
		Usage:     "generate a chanrpc client and server for a Go interface",
		ArgsUsage: "[file.go]",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "type",
				Aliases:  []string{"t"},
				Usage:    "name of the interface",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "output file, - for stdout",
			},
			&cli.StringFlag{
				Name:  "package",
				Usage: "package clause of the output, defaults to the declaring file's",
			},
			&cli.BoolFlag{
				Name:  "local",
				Usage: "generate in local mode, as if the interface carried " + gen.LocalDirective,
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log progress",
			},
		},
		Action: func(c *cli.Context) error {
			logger := newLogger(stderr, c.Bool("verbose"))
			defer logger.Sync() //nolint:errcheck

			return generate(c, logger, stderr)
		},
	}
}

func generate(c *cli.Context, logger *zap.Logger, stderr io.Writer) error {
	file := c.Args().First()
	if file == "" {
		file = os.Getenv("GOFILE")
	}
	if file == "" {
		return errors.New("no input file and $GOFILE is not set")
	}
	name := c.String("type")

	iface, err := gen.ParseFile(file, name)
	if err != nil {
		return report(stderr, err)
	}
	if c.Bool("local") {
		iface.Local = true
	}
	logger.Debug("parsed interface",
		zap.String("file", file),
		zap.String("type", name),
		zap.Int("methods", len(iface.Methods)),
		zap.Bool("local", iface.Local))

	out, err := gen.Generate(iface, gen.Options{Package: c.String("package")})
	if err != nil {
		return report(stderr, err)
	}

	output := c.String("output")
	if output == "-" {
		_, err := c.App.Writer.Write(out)
		return err
	}
	if output == "" {
		output = filepath.Join(filepath.Dir(file), strings.ToLower(name)+"_chanrpc.go")
	}
	if err := os.WriteFile(output, out, 0o644); err != nil {
		return err
	}
	logger.Info("generated", zap.String("type", name), zap.String("output", output))
	return nil
}

// report prints diagnostics as file:line:col: message, one per line.
func report(stderr io.Writer, err error) error {
	var list scanner.ErrorList
	if !errors.As(err, &list) {
		return err
	}
	scanner.PrintError(stderr, list)
	return errInvalid
}

func newLogger(w io.Writer, verbose bool) *zap.Logger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), level)
	return zap.New(core).Named("chanrpcgen")
}
