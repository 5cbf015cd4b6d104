package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hpungsan/mneme/internal/character"
	"github.com/hpungsan/mneme/internal/config"
	"github.com/hpungsan/mneme/internal/logging"
	"github.com/hpungsan/mneme/internal/mcp"
	"github.com/hpungsan/mneme/internal/memory"
	"github.com/hpungsan/mneme/internal/summarize"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"sessions": true, "history": true, "search": true, "events": true,
	"replay": true, "export": true, "characters": true, "web": true,
	"help": true,
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	if cliCommands[arg] {
		return true
	}
	if arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" {
		return true
	}
	return false
}

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, _ := os.Stdin.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

func printBanner() {
	fmt.Println(`
   _ __ ___  _ __   ___ _ __ ___   ___
  | '_ ` + "`" + ` _ \| '_ \ / _ \ '_ ` + "`" + ` _ \ / _ \
  | | | | | | | | |  __/ | | | | |  __/
  |_| |_| |_|_| |_|\___|_| |_| |_|\___|

  Conversation memory for character chat

  Usage: mneme <command> [options]
         mneme --help

  MCP server mode requires piped input.`)
}

// baseDir returns $MNEME_HOME or ~/.mneme.
func baseDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("MNEME_HOME")); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".mneme"), nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return
	}

	// --help/--version need no storage
	if isHelpOrVersion() {
		app := newCLIApp(nil)
		if err := app.Run(os.Args); err != nil {
			fatal("%v", err)
		}
		return
	}

	if !isCLIMode() && len(os.Args) >= 2 && isTerminal() {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "Run 'mneme --help' for usage.\n")
		os.Exit(1)
	}

	dir, err := baseDir()
	if err != nil {
		fatal("%v", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = dir
	}
	cfg, err := config.LoadWithRepo(dir, cwd)
	if err != nil {
		fatal("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("invalid config: %v", err)
	}

	// stdout carries the MCP protocol, so logs go to stderr
	log := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()
	store, closeStore, err := openStore(ctx, cfg, dir)
	if err != nil {
		fatal("failed to open %s storage: %v", cfg.StorageBackend, err)
	}
	defer closeStore()

	catalog, err := character.Load(resolvePath(dir, cfg.CharactersFile))
	if err != nil {
		fatal("failed to load characters: %v", err)
	}

	summarizer := summarize.New(cfg)
	mem, err := memory.NewFromConfig(cfg, store, summarizer, catalog, log)
	if err != nil {
		fatal("failed to build memory manager: %v", err)
	}
	defer mem.Close()

	if isCLIMode() {
		app := newCLIApp(&appEnv{cfg: cfg, baseDir: dir, store: store, mem: mem, log: log, out: os.Stdout, in: os.Stdin})
		if err := app.Run(os.Args); err != nil {
			mem.Close()
			closeStore()
			fatal("%v", err)
		}
		return
	}

	if unknown := mcp.ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
		log.Warn("unknown tools in disabled_tools", "tools", strings.Join(unknown, ", "))
	}
	log.Info("starting MCP server",
		"version", Version,
		"storage", cfg.StorageBackend,
		"summarizer", summarizer.Name(),
		"characters", catalog.Len())

	mem.Start(ctx)
	if err := mcp.Run(mem, cfg, Version); err != nil {
		mem.Close()
		closeStore()
		fatal("%v", err)
	}
}

// resolvePath resolves a relative path against dir.
func resolvePath(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
