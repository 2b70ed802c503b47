// Command lucidlearn scores analyzer output, records verdicts and inspects
// what the engine has learned. Every command prints JSON on stdout.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/scottgal/lucidrag-sub005/internal/engine"
	"github.com/scottgal/lucidrag-sub005/internal/store"
)

var version = "dev"

// #region exit-codes

// Exit codes by error kind.
const (
	exitOK          = 0
	exitOther       = 1
	exitUsage       = 2
	exitNotFound    = 3
	exitAnnotated   = 4
	exitDuplicate   = 5
	exitConflict    = 6
	exitUnavailable = 7
)

var errUsage = errors.New("usage")

func usagef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

func kindOf(err error) string {
	if errors.Is(err, errUsage) || errors.Is(err, engine.ErrInvalidAnalysis) {
		return "usage"
	}
	return store.Kind(err)
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	switch kindOf(err) {
	case "usage":
		return exitUsage
	case "not_found":
		return exitNotFound
	case "already_annotated":
		return exitAnnotated
	case "duplicate_id":
		return exitDuplicate
	case "transient_conflict":
		return exitConflict
	case "backend_unavailable":
		return exitUnavailable
	default:
		return exitOther
	}
}

// #endregion exit-codes

// #region main

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command line and returns the process exit code. Failures
// are reported on stderr as {"error": ..., "kind": ...}.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	s := &session{stdout: stdout, stderr: stderr}
	err := newApp(s).RunContext(ctx, args)
	if cerr := s.close(ctx); err == nil {
		err = cerr
	}
	if err == nil {
		return exitOK
	}
	_ = json.NewEncoder(stderr).Encode(map[string]string{"error": err.Error(), "kind": kindOf(err)})
	return exitCode(err)
}

func newApp(s *session) *cli.App {
	onUsage := func(_ *cli.Context, err error, _ bool) error { return usagef("%v", err) }
	app := &cli.App{
		Name:    "lucidlearn",
		Usage:   "score analyses and learn which signals predict accepted results",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"LEARNER_CONFIG"}},
			&cli.StringFlag{Name: "db", Usage: "sqlite database path (overrides store settings)"},
			&cli.StringFlag{Name: "remote", Usage: "learnerd gRPC address; runs against a server instead of a local store", EnvVars: []string{"LEARNER_REMOTE"}},
			&cli.StringFlag{Name: "log-level", Value: "warn", Usage: "debug, info, warn or error"},
		},
		Commands:       commands(s),
		Writer:         s.stdout,
		ErrWriter:      s.stderr,
		OnUsageError:   onUsage,
		ExitErrHandler: func(*cli.Context, error) {},
	}
	for _, cmd := range app.Commands {
		cmd.OnUsageError = onUsage
	}
	return app
}

// #endregion main
