// Package main is the entry point for the sbtree CLI.
//
// sbtree reads and writes the tree metadata of scrapbooks hosted by a
// WebScrapBook compatible backend. The backend location is read from a YAML
// settings file, the SBTREE_SERVER_ROOT environment variable or the -root
// flag, in increasing order of precedence.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/maruel/sbtree/internal/server"
	"github.com/maruel/sbtree/internal/settings"
	"github.com/maruel/sbtree/internal/transport"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "sbtree: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	configPath := flag.String("config", "", "Settings file (YAML)")
	root := flag.String("root", "", "Backend root URL, overrides the settings file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	timeout := flag.Duration("timeout", 0, "Per request timeout, overrides the settings file")
	flag.Usage = usage
	flag.Parse()

	if *version {
		printVersion()
		return nil
	}
	args := flag.Args()
	if len(args) == 0 {
		usage()
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			val := a.Value.Any()
			skip := false
			switch t := val.(type) {
			case string:
				skip = t == ""
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)

	st, err := settings.Load(*configPath)
	if err != nil {
		return err
	}
	st.ApplyEnv()

	// Flags explicitly set win over the settings file.
	var ov overrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "root":
			ov.root = root
		case "log-level":
			ov.logLevel = logLevel
		case "timeout":
			ov.timeout = timeout
		}
	})
	ov.apply(st)
	if err := st.Validate(); err != nil {
		return err
	}

	switch st.LogLevel {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "info", "":
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level: %q", st.LogLevel)
	}

	c := &cli{
		settings: st,
		flags:    ov,
		out:      os.Stdout,
	}
	c.session = server.New(c, transport.NewHTTPClient(transport.Options{
		Timeout:           st.Timeout,
		RequestsPerSecond: st.RequestsPerSecond,
		BearerToken:       st.BearerToken,
		Logger:            logger,
	}), server.WithLogger(logger))
	return c.run(ctx, *configPath, args)
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: sbtree [flags] <command> [args]

Commands:
  config                      Print the server config
  schema                      Print the JSON schema of the server config
  books                       List the books
  files <book>                List the tree files of a book
  meta <book>                 Print the meta table of a book
  toc <book>                  Print the toc table of a book
  tree <book>                 Print the item hierarchy of a book
  save-meta <book> <file>     Replace the meta table of a book with a JSON file
  save-toc <book> <file>      Replace the toc table of a book with a JSON file
  watch                       Reload the settings file and the server config on change

Flags:
`)
	flag.PrintDefaults()
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("sbtree %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}
