// Package main provides the faktura CLI.
// Usage: faktura migrate
//        faktura next --org <uuid> [--request-key <key>]
//        faktura peek --org <uuid> [--year 2026]
//        faktura seed --org <uuid> --value 1200
//        faktura history --org <uuid>
//        faktura set-prefix --org <uuid> --prefix FA
//        faktura prune-receipts --older-than 720h
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"faktura/internal/core/apperror"
	appctx "faktura/internal/core/context"
	"faktura/internal/infrastructure/config"
	"faktura/pkg/logger"
)

// Exit codes. exitTempFail follows sysexits EX_TEMPFAIL.
const (
	exitError    = 1
	exitUsage    = 2
	exitTempFail = 75
)

// command registers its flags in setup and returns the action to run once
// they are parsed.
type command struct {
	name  string
	usage string
	setup func(fs *flag.FlagSet) action
}

type action func(ctx context.Context, a *app) error

var commands = []command{
	{"migrate", "Apply schema migrations (--down rolls back)", migrateCmd},
	{"next", "Issue the next invoice number", nextCmd},
	{"peek", "Show the number the next call would issue", peekCmd},
	{"seed", "Start this year's counter after a known last issued value", seedCmd},
	{"history", "List the counters of an organization", historyCmd},
	{"set-prefix", "Set the numbering prefix of an organization", setPrefixCmd},
	{"prune-receipts", "Forget request keys older than a given age", pruneReceiptsCmd},
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsage)
	}

	switch os.Args[1] {
	case "help", "--help", "-h":
		printUsage()
		return
	}

	cmd, ok := findCommand(os.Args[1])
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(exitUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := execute(ctx, cmd, os.Args[2:])
	stop()
	if err != nil {
		os.Exit(report(err))
	}
}

func findCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// errUsagePrinted marks flag errors the flag package already reported.
var errUsagePrinted = errors.New("invalid arguments")

func execute(ctx context.Context, cmd command, args []string) error {
	fs := flag.NewFlagSet(cmd.name, flag.ContinueOnError)
	configFile := fs.String("config", os.Getenv("FAKTURA_CONFIG"), "path to config file")
	run := cmd.setup(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return errUsagePrinted
	}
	if fs.NArg() > 0 {
		return usagef("unexpected arguments: %v", fs.Args())
	}

	cfg, err := config.Load(config.Options{ConfigFile: *configFile})
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	ctx = appctx.WithTrace(ctx, appctx.NewTraceContext(ctx))
	ctx = logger.WithLogger(ctx, log)

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	return run(ctx, a)
}

func printUsage() {
	fmt.Println(`faktura - gapless invoice numbering

Usage:
  faktura <command> [options]

Commands:`)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(w, "  %s\t%s\n", c.name, c.usage)
	}
	fmt.Fprintf(w, "  %s\t%s\n", "help", "Show this help")
	_ = w.Flush()
	fmt.Println(`
Every command accepts --config <file>. Without it faktura.yaml is searched
in ., ./config and /etc/faktura. Environment variables override the file:

  FAKTURA_DATABASE_DRIVER      pgx, gorm-postgres or gorm-sqlite
  FAKTURA_DATABASE_DSN         Connection string (required)
  FAKTURA_NUMBERING_TIMEZONE   Time zone that decides the invoice year
  FAKTURA_LOG_LEVEL            debug, info, warn or error

Examples:
  faktura migrate
  faktura set-prefix --org 3f0c... --prefix FA
  faktura next --org 3f0c...
  faktura next --org 3f0c... --request-key order-1187
  faktura seed --org 3f0c... --value 1200`)
}

// report prints err and returns the exit code for it.
func report(err error) int {
	if errors.Is(err, flag.ErrHelp) || errors.Is(err, errUsagePrinted) {
		return exitUsage
	}
	var usage usageError
	if errors.As(err, &usage) {
		fmt.Fprintf(os.Stderr, "Error: %s\n", usage.msg)
		return exitUsage
	}
	if appErr, ok := apperror.AsAppError(err); ok {
		fmt.Fprintf(os.Stderr, "Error [%s]: %s\n", appErr.Code, appErr.Message)
		if appErr.Err != nil {
			fmt.Fprintf(os.Stderr, "  cause: %v\n", appErr.Err)
		}
		for k, v := range appErr.Details {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", k, v)
		}
		if appErr.Retryable {
			return exitTempFail
		}
		return exitError
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return exitError
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}
