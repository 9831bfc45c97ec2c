// Command pericia runs the case record store: the long-lived serve process
// plus one-shot maintenance commands over the same configuration.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

var exitFunc = os.Exit

const usage = `usage: pericia [-config file] <command> [flags]

commands:
  serve     run the store with inbox watcher, backups, mirror and ops endpoints
  export    write a snapshot of the store
  import    merge a snapshot into the store
  migrate   upgrade the stored schema and report versions
  history   print the history entries of one case
  backup    write a backup to the blob store
  restore   import a backup from the blob store
  mirror    push changes and deletions to the record service once
  pull      replace one record with the record service's copy
`

// main runs the command-line interface and exits with its status code.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	exitFunc(code)
}

type command func(ctx context.Context, a *app, args []string, stdout io.Writer) error

var commands = map[string]command{
	"serve":   runServe,
	"export":  runExport,
	"import":  runImport,
	"migrate": runMigrate,
	"history": runHistory,
	"backup":  runBackup,
	"restore": runRestore,
	"mirror":  runMirror,
	"pull":    runPull,
}

func cli(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pericia", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	var configPath string
	fs.StringVar(&configPath, "config", os.Getenv("PERICIA_CONFIG"), "path to YAML config file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	name := fs.Arg(0)
	run, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", name)
		fs.Usage()
		return 2
	}

	a, err := openApp(ctx, configPath, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "pericia: %v\n", err)
		return 1
	}
	defer a.Close()
	if err := run(ctx, a, fs.Args()[1:], stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		a.logger.Error("command failed", "command", name, "error", err)
		fmt.Fprintf(stderr, "pericia %s: %v\n", name, err)
		return 1
	}
	return 0
}
