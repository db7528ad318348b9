// Command auvault runs and inspects a versioned web-archive content
// repository.
//
// Usage:
//
//	auvault <command> [flags] [args]
//
// Run "auvault help" for the list of commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/pflag"

	"github.com/marmos91/auvault/internal/logger"
	"github.com/marmos91/auvault/pkg/config"
	"github.com/marmos91/auvault/pkg/registry"
	"github.com/marmos91/auvault/pkg/repository"
)

type command struct {
	summary string
	run     func(ctx context.Context, args []string) error
}

var commands = map[string]command{
	"init":     {"Write a default configuration file", runInit},
	"serve":    {"Open the shards and run background work until interrupted", runServe},
	"put":      {"Store a new version of a URL", runPut},
	"get":      {"Write the content of a version to stdout", runGet},
	"versions": {"List the versions of a URL", runVersions},
	"delete":   {"Mark a URL or one of its versions deleted", runDelete},
	"undelete": {"Clear the deleted mark of a URL or one of its versions", runUndelete},
	"ls":       {"List the files of an AU", runList},
	"du":       {"Report content size and disk usage of an AU", runDiskUsage},
	"check":    {"Check the consistency of an AU", runCheck},
	"archive":  {"Upload sealed segments to S3", runArchive},
	"gc":       {"Remove segments no version references", runGC},
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	name := os.Args[1]
	if name == "help" || name == "-h" || name == "--help" {
		usage(os.Stdout)
		return
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		usage(os.Stderr)
		os.Exit(2)
	}

	if err := cmd.run(context.Background(), os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "auvault %s: %v\n", name, err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: auvault <command> [flags] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")

	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-9s %s\n", name, commands[name].summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, `Run "auvault <command> --help" for the flags of a command.`)
}

// globalFlags are accepted by every command.
type globalFlags struct {
	configPath string
	logLevel   string
}

func newFlagSet(name, usageLine string) (*pflag.FlagSet, *globalFlags) {
	g := &globalFlags{}
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVarP(&g.configPath, "config", "c", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	fs.StringVar(&g.logLevel, "log-level", "", "Override the configured log level (DEBUG, INFO, WARN, ERROR)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: auvault %s %s\n\nFlags:\n", name, usageLine)
		fs.PrintDefaults()
	}
	return fs, g
}

// parse parses args and treats --help as success.
func parse(fs *pflag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// loadConfig loads the configuration and applies the logging section.
func loadConfig(g *globalFlags) (*config.Config, io.Closer, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = strings.ToUpper(g.logLevel)
		if err := config.Validate(cfg); err != nil {
			return nil, nil, err
		}
	}

	closer, err := config.ConfigureLogging(&cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, closer, nil
}

// openRegistry opens the configured shards and installs them as the process
// registry. The returned function tears everything down.
func openRegistry(ctx context.Context, g *globalFlags, m *config.MetricsResult) (*config.Config, *registry.Registry, func(), error) {
	cfg, closer, err := loadConfig(g)
	if err != nil {
		return nil, nil, nil, err
	}

	reg, err := config.InitializeRegistry(ctx, cfg, m)
	if err != nil {
		_ = closer.Close()
		return nil, nil, nil, err
	}
	if err := registry.Init(reg); err != nil {
		_ = reg.Close()
		_ = closer.Close()
		return nil, nil, nil, err
	}

	cleanup := func() {
		if err := registry.Reset(); err != nil {
			logger.Error("Failed to close shards: %v", err)
		}
		_ = closer.Close()
	}
	return cfg, reg, cleanup, nil
}

// openAU opens the repository of auID through the process registry.
func openAU(ctx context.Context, g *globalFlags, auID string) (*repository.AuRepository, func(), error) {
	if auID == "" {
		return nil, nil, fmt.Errorf("--au is required")
	}

	_, _, cleanup, err := openRegistry(ctx, g, nil)
	if err != nil {
		return nil, nil, err
	}

	reg, err := registry.Default()
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	au, err := reg.AuRepository(ctx, auID)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return au, cleanup, nil
}

func runInit(ctx context.Context, args []string) error {
	fs, g := newFlagSet("init", "[--force] [--config path]")
	force := fs.BoolP("force", "f", false, "Overwrite an existing config file")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	path := g.configPath
	if path == "" {
		written, err := config.InitConfig(*force)
		if err != nil {
			return err
		}
		path = written
	} else if err := config.InitConfigToPath(path, *force); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", path)
	return nil
}
