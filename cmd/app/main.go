package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/tessera/internal"
	"github.com/starford/tessera/internal/mcpserver"
	"github.com/starford/tessera/internal/source"
	pkgconfig "github.com/starford/tessera/pkg/config"
)

var version = "dev"

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	configPath := cmd.String("config")

	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// withCore opens the data directory for a one-shot command. Logs go to
// stderr so stdout stays machine-readable.
func withCore(cmd *cli.Command, fn func(*internal.Core) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.App.LogLevel}))
	core, err := internal.Open(internal.WithConfig(cfg), internal.WithLogger(logger))
	if err != nil {
		return err
	}
	defer core.Close()
	return fn(core)
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
	}

	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}

	return nil
}

func ingest(ctx context.Context, cmd *cli.Command) error {
	dir := cmd.Args().First()
	if dir == "" {
		dir = "."
	}
	return withCore(cmd, func(core *internal.Core) error {
		reps, err := core.Service.IngestDir(ctx, core.Corpus, dir)
		if err != nil {
			return err
		}
		return printReports(reps)
	})
}

func verify(ctx context.Context, cmd *cli.Command) error {
	uris := cmd.Args().Slice()
	if len(uris) == 0 {
		return fmt.Errorf("verify: at least one pointer URI is required")
	}
	return withCore(cmd, func(core *internal.Core) error {
		results, err := core.Service.Verify(ctx, uris)
		if err != nil {
			return err
		}
		if err := printVerify(results); err != nil {
			return err
		}
		for _, r := range results {
			if !r.Valid {
				return cli.Exit("", 2)
			}
		}
		return nil
	})
}

func explain(ctx context.Context, cmd *cli.Command) error {
	child := cmd.Args().First()
	if child == "" {
		return fmt.Errorf("explain: message ID is required")
	}
	return withCore(cmd, func(core *internal.Core) error {
		ex, err := core.Service.ExplainLink(ctx, child)
		if err != nil {
			return err
		}
		return printJSON(ex)
	})
}

func audit(ctx context.Context, cmd *cli.Command) error {
	subject := cmd.Args().First()
	return withCore(cmd, func(core *internal.Core) error {
		entries, err := core.Service.Audit(ctx, subject)
		if err != nil {
			return err
		}
		return printAudit(entries)
	})
}

func export(ctx context.Context, cmd *cli.Command) error {
	outDir := cmd.Args().First()
	if outDir == "" {
		return fmt.Errorf("export: output directory is required")
	}
	return withCore(cmd, func(core *internal.Core) error {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return fmt.Errorf("export: %w", err)
		}
		out, err := source.NewDir(outDir)
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		names, err := core.Service.Export(ctx, out)
		if err != nil {
			return err
		}
		return printExport(outDir, names)
	})
}

func serveMCP(_ context.Context, cmd *cli.Command) error {
	return withCore(cmd, func(core *internal.Core) error {
		return mcpserver.New(core.Service, version).ServeStdio()
	})
}

func main() {
	cmd := &cli.Command{
		Name:    "tessera",
		Usage:   "Evidence integrity and thread reconstruction for mailbox corpora",
		Version: version,
		Action:  serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Serve the HTTP API, the corpus watcher and the verification sweep",
				Action: serve,
			},
			{
				Name:      "ingest",
				Usage:     "Ingest every .eml file under a corpus directory",
				ArgsUsage: "[dir]",
				Action:    ingest,
			},
			{
				Name:      "verify",
				Usage:     "Verify pointer URIs; exits 2 when any is invalid",
				ArgsUsage: "<uri>...",
				Action:    verify,
			},
			{
				Name:      "explain",
				Usage:     "Explain the current parent link of a message",
				ArgsUsage: "<message-id>",
				Action:    explain,
			},
			{
				Name:      "audit",
				Usage:     "Print the audit trail of a subject",
				ArgsUsage: "<subject>",
				Action:    audit,
			},
			{
				Name:      "export",
				Usage:     "Write one JSON file per thread",
				ArgsUsage: "<out-dir>",
				Action:    export,
			},
			{
				Name:   "mcp",
				Usage:  "Serve MCP tools on stdio",
				Action: serveMCP,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
