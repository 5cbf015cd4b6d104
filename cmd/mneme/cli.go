package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/mneme/internal/config"
	"github.com/hpungsan/mneme/internal/convo"
	"github.com/hpungsan/mneme/internal/errors"
	"github.com/hpungsan/mneme/internal/events"
	"github.com/hpungsan/mneme/internal/logging"
	"github.com/hpungsan/mneme/internal/memory"
	"github.com/hpungsan/mneme/internal/persist"
	"github.com/hpungsan/mneme/internal/transcript"
	"github.com/hpungsan/mneme/internal/web"
)

// appEnv is what commands run against. It is nil for --help/--version.
type appEnv struct {
	cfg     *config.Config
	baseDir string
	store   persist.Store
	mem     *memory.Manager
	log     logging.Logger
	out     io.Writer
	in      io.Reader
}

// newCLIApp creates the CLI application with all commands.
func newCLIApp(e *appEnv) *cli.App {
	app := &cli.App{
		Name:    "mneme",
		Usage:   "Conversation memory for character chat (MCP server when run without a command)",
		Version: Version,
		Commands: []*cli.Command{
			sessionsCmd(e),
			historyCmd(e),
			searchCmd(e),
			eventsCmd(e),
			replayCmd(e),
			exportCmd(e),
			charactersCmd(e),
			webCmd(e),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// sessionsCmd creates the sessions command.
func sessionsCmd(e *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "List stored sessions, most recently active first",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "character", Aliases: []string{"c"}, Usage: "Filter by character ID"},
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "Filter by participant"},
			&cli.BoolFlag{Name: "open", Usage: "Only sessions that are not closed"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: 20, Usage: "Maximum items to return"},
			&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Value: 0, Usage: "Items to skip"},
		},
		Action: func(c *cli.Context) error {
			items, err := e.store.ListSessions(c.Context, persist.SessionFilter{
				CharacterID: c.String("character"),
				UserID:      c.String("user"),
				OpenOnly:    c.Bool("open"),
				Limit:       c.Int("limit"),
				Offset:      c.Int("offset"),
			})
			if err != nil {
				return outputError(err)
			}
			return e.outputJSON(map[string]any{"sessions": items, "count": len(items)})
		},
	}
}

// historyCmd creates the history command.
func historyCmd(e *appEnv) *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Print the turns of a session in order",
		ArgsUsage: "<session_id>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: 0, Usage: "Only the latest N turns (0 = all)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return outputError(errors.NewInvalidRequest("session_id is required"))
			}
			turns, err := e.mem.GetSessionHistory(c.Context, c.Args().First(), c.Int("limit"))
			if err != nil {
				return outputError(err)
			}
			return e.outputJSON(map[string]any{"turns": turns, "count": len(turns)})
		},
	}
}

// searchCmd creates the search command.
func searchCmd(e *appEnv) *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Find turns containing text, most important first",
		ArgsUsage: "<query>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "Restrict to one session"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: persist.DefaultSearchLimit, Usage: "Maximum results"},
		},
		Action: func(c *cli.Context) error {
			query := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if query == "" {
				return outputError(errors.NewInvalidRequest("query is required"))
			}
			turns, err := e.mem.SearchMemories(c.Context, query, c.String("session"), c.Int("limit"))
			if err != nil {
				return outputError(err)
			}
			return e.outputJSON(map[string]any{"turns": turns, "count": len(turns)})
		},
	}
}

// eventsCmd creates the events command.
func eventsCmd(e *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Show the observability event log, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "Filter by session ID"},
			&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Usage: "Filter by event type"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: 50, Usage: "Maximum items to return"},
		},
		Action: func(c *cli.Context) error {
			el, ok := e.store.(persist.EventLog)
			if !ok {
				return outputError(errors.NewInvalidRequest(
					fmt.Sprintf("storage backend %q does not keep an event log", e.cfg.StorageBackend)))
			}
			items, err := el.ListEvents(c.Context, persist.EventFilter{
				SessionID: c.String("session"),
				Type:      events.Type(c.String("type")),
				Limit:     c.Int("limit"),
			})
			if err != nil {
				return outputError(err)
			}
			return e.outputJSON(map[string]any{"events": items, "count": len(items)})
		},
	}
}

// replayCmd creates the replay command.
func replayCmd(e *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "replay",
		Usage: "Feed a JSONL transcript through a new session and print the resulting memory",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "character", Aliases: []string{"c"}, Required: true, Usage: "Character ID"},
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Value: "replay", Usage: "User ID that owns the session"},
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Transcript file, e.g. from export (default: stdin)"},
			&cli.BoolFlag{Name: "compress", Usage: "Force a compression after the last turn"},
		},
		Action: func(c *cli.Context) error {
			var (
				lines []transcript.Line
				err   error
			)
			if path := c.String("path"); path != "" {
				lines, err = transcript.ReadFile(path, c.String("user"))
			} else {
				lines, err = transcript.Read(e.in, c.String("user"))
			}
			if err != nil {
				return outputError(err)
			}
			out, err := replay(c.Context, e.mem, c.String("character"), c.String("user"), lines, c.Bool("compress"))
			if err != nil {
				return outputError(err)
			}
			return e.outputJSON(out)
		},
	}
}

// exportCmd creates the export command.
func exportCmd(e *appEnv) *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Export a session's history to a JSONL transcript",
		ArgsUsage: "<session_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Export file path (default: ~/.mneme/exports/<character>-<session>-<timestamp>.jsonl)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return outputError(errors.NewInvalidRequest("session_id is required"))
			}
			out, err := transcript.Export(c.Context, e.store, transcript.ExportInput{
				SessionID:  c.Args().First(),
				Path:       c.String("path"),
				ExportsDir: filepath.Join(e.baseDir, "exports"),
			})
			if err != nil {
				return outputError(err)
			}
			return e.outputJSON(out)
		},
	}
}

// replayOutput is printed by replay.
type replayOutput struct {
	SessionID  string          `json:"session_id"`
	TurnsAdded int             `json:"turns_added"`
	Summary    *memory.Summary `json:"summary"`
	Prompt     string          `json:"prompt"`
}

func replay(ctx context.Context, mem *memory.Manager, characterID, userID string, lines []transcript.Line, force bool) (*replayOutput, error) {
	s, err := mem.StartSession(ctx, characterID, "", userID, convo.Metadata{"source": "replay"})
	if err != nil {
		return nil, err
	}
	for _, l := range lines {
		if _, err := mem.AddTurn(ctx, s.SessionID, l.SpeakerID, l.SpeakerType, l.Message, l.Metadata); err != nil {
			return nil, err
		}
	}

	var cc *convo.CompressedContext
	if force {
		cc, err = mem.ForceCompress(ctx, s.SessionID)
	} else {
		cc, err = mem.GetContext(ctx, s.SessionID)
	}
	if err != nil {
		return nil, err
	}
	summary, err := mem.GetSessionSummary(ctx, s.SessionID)
	if err != nil {
		return nil, err
	}
	return &replayOutput{
		SessionID:  s.SessionID,
		TurnsAdded: len(lines),
		Summary:    summary,
		Prompt:     cc.ToPrompt(),
	}, nil
}

// charactersCmd creates the characters command.
func charactersCmd(e *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "characters",
		Usage: "List characters from the catalog",
		Action: func(c *cli.Context) error {
			items := e.mem.Characters().List()
			return e.outputJSON(map[string]any{"characters": items, "count": len(items)})
		},
	}
}

// webCmd creates the web command.
func webCmd(e *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "web",
		Usage: "Serve the read-only memory inspector",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Usage: "Address to bind (default from config)"},
			&cli.IntFlag{Name: "port", Usage: "Port to listen on (default from config)"},
		},
		Action: func(c *cli.Context) error {
			bind := e.cfg.WebBind
			if c.IsSet("bind") {
				bind = c.String("bind")
			}
			port := e.cfg.WebPort
			if c.IsSet("port") {
				port = c.Int("port")
			}

			srv, err := web.NewServer(web.Options{
				Store:   e.store,
				Memory:  e.mem,
				Version: Version,
				Bind:    bind,
				Port:    port,
				Log:     e.log,
			})
			if err != nil {
				return outputError(errors.NewInternal(err))
			}
			if err := web.Run(c.Context, srv, e.log); err != nil {
				return outputError(errors.NewInternal(err))
			}
			return nil
		},
	}
}

// Helper functions

// outputJSON marshals v to the command's output as indented JSON.
func (e *appEnv) outputJSON(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats err as "[CODE] message" with exit status 1.
func outputError(err error) error {
	mErr := errors.As(err)
	return cli.Exit(fmt.Sprintf("[%s] %s", mErr.Code, mErr.Message), 1)
}
