package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/udl-tools/go-uploadkit/config"
)

type command struct {
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"upload":  {summary: "upload files, folders or glob patterns", run: uploadCommand},
	"history": {summary: "list or show uploads from the local history", run: historyCommand},
	"query":   {summary: "search the transaction feed of a node", run: queryCommand},
	"fetch":   {summary: "download an upload from the gateway", run: fetchCommand},
	"balance": {summary: "show the funded balance of an address on a node", run: balanceCommand},
	"price":   {summary: "show what a node charges for a number of bytes", run: priceCommand},
	"serve":   {summary: "serve the HTTP API", run: serveCommand},
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	flags := flag.NewFlagSet("uploadkit", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config", "", "path of a YAML config file")
	envFile := flags.String("env-file", "", "path of a .env file (default: .env when present)")
	debug := flags.Bool("debug", false, "enable debug logs")
	flags.Usage = func() { usage(flags, stderr) }

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if flags.NArg() == 0 {
		usage(flags, stderr)
		return 2
	}
	cmd, ok := commands[flags.Arg(0)]
	if !ok {
		_, _ = fmt.Fprintf(stderr, "unknown command: %s\n\n", flags.Arg(0))
		usage(flags, stderr)
		return 2
	}

	logger := log.NewLogger()
	logger.EnableDebugLog(*debug)

	cfg, err := config.Load(config.LoadOptions{ConfigFile: *configFile, DotEnvFile: *envFile}, logger)
	if err != nil {
		logger.Errorf("Failed to load configuration: %s", err)
		return 1
	}
	logger.EnableDebugLog(*debug || cfg.Debug)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := newApp(cfg, logger)
	defer a.close()

	if err := cmd.run(ctx, a, flags.Args()[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		logger.Errorf("%s", err)
		return 1
	}
	return 0
}

func usage(flags *flag.FlagSet, w io.Writer) {
	_, _ = fmt.Fprintf(w, "Usage: uploadkit [flags] <command> [command flags]\n\nCommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "  %-8s %s\n", name, commands[name].summary)
	}
	_, _ = fmt.Fprintf(w, "\nFlags:\n")
	flags.PrintDefaults()
}
