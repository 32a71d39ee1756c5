package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"storyline/internal/app"
	"storyline/internal/backlog"
	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/gate"
	"storyline/internal/ledger"
	"storyline/internal/loop"
	"storyline/internal/migrate"
	"storyline/internal/repo"
	"storyline/internal/server"
	slsignal "storyline/internal/signal"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Storyline CLI",
	Long: `Storyline drives a story backlog to completion, one story at a time.
Core concepts:
- Workspace: the .storyline directory holding the database; storyline.yml next to it configures the runner.
- Backlog: a YAML document of stories for one domain, imported with 'sl backlog import'.
- Story: a unit of work with acceptance criteria, dependencies, and an iteration budget; statuses go pending -> in_progress -> completed, or any state -> blocked.
- Run: 'sl run' selects eligible stories in priority order, attempts each one, and verifies every attempt with the gate command before marking anything complete.
- Gate: the external pass/fail command ('go build ./...' by default); a story only completes on a pass.
- Signals: completion tokens printed as <promise>TOKEN</promise> so a supervising harness can react.
- Progress: an append-only ledger per backlog, mirrored to progress-<backlog>.md.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STORYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("backlog", "", "backlog id (defaults to the workspace's single backlog)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("backlog", rootCmd.PersistentFlags().Lookup("backlog"))
}

func registerCommands() {
	rootCmd.AddCommand(backlogCmd())
	rootCmd.AddCommand(storyCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(signalsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func backlogCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "backlog",
		Short: "Manage backlogs",
		Long:  "Backlogs are YAML story documents. Validate one with 'sl backlog validate', then import it to start working.",
	}
	b.AddCommand(backlogImportCmd())
	b.AddCommand(backlogValidateCmd())
	b.AddCommand(backlogListCmd())
	b.AddCommand(backlogShowCmd())
	return b
}

func backlogImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a backlog document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			doc, err := backlog.ParseFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.ImportBacklog(ctx, doc, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrPlain(b)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "backlog YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func backlogValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a backlog document without importing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			doc, err := backlog.ParseFile(file)
			if err != nil {
				return err
			}
			fmt.Printf("ok: backlog %s with %d stories\n", doc.Backlog.ID, len(doc.Stories))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "backlog YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func backlogListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List imported backlogs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListBacklogs(ctx)
				if err != nil {
					return err
				}
				return printJSONOrPlain(items)
			})
		},
	}
	return cmd
}

func backlogShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				b, err := app.ResolveBacklog(ctx, viper.GetString("backlog"), r)
				if err != nil {
					return err
				}
				return printJSONOrPlain(b)
			})
		},
	}
	return cmd
}

func storyCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "story",
		Short: "Inspect and manage stories",
	}
	s.AddCommand(storyListCmd())
	s.AddCommand(storyShowCmd())
	s.AddCommand(storyEligibleCmd())
	s.AddCommand(storyAcceptanceCmd())
	s.AddCommand(storyProgressCmd())
	return s
}

func storyListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				b, err := app.ResolveBacklog(ctx, viper.GetString("backlog"), r)
				if err != nil {
					return err
				}
				stories, err := r.ListStories(ctx, repo.StoryFilters{BacklogID: b.ID, Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stories)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Priority", "Iterations", "Budget", "Depends On"})
				for _, s := range stories {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Status, s.Priority, s.Iterations, s.Budget, strings.Join(s.DependsOn, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func storyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <story-id>",
		Short: "Show a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetStory(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrPlain(s)
			})
		},
	}
	return cmd
}

func storyEligibleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eligible",
		Short: "List stories ready for selection",
		Long:  "Pending stories whose dependencies are all completed, in the order the run loop would pick them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				b, err := app.ResolveBacklog(ctx, viper.GetString("backlog"), r)
				if err != nil {
					return err
				}
				stories, err := r.ListEligibleStories(ctx, b.ID)
				if err != nil {
					return err
				}
				return printJSONOrPlain(stories)
			})
		},
	}
	return cmd
}

func storyAcceptanceCmd() *cobra.Command {
	var criteria []string
	cmd := &cobra.Command{
		Use:   "acceptance <story-id>",
		Short: "Replace a story's acceptance criteria",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.UpdateAcceptance(ctx, args[0], criteria, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrPlain(s)
			})
		},
	}
	cmd.Flags().StringArrayVar(&criteria, "criterion", []string{}, "acceptance criterion (repeatable)")
	return cmd
}

func storyProgressCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "progress <story-id>",
		Short: "Show a story's ledger entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ListProgress(ctx, repo.ProgressFilters{StoryID: args[0], Limit: n})
				if err != nil {
					return err
				}
				return printJSONOrPlain(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 0, "max entries (0 for all)")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show backlog status",
		Long:  "The scoreboard for the active backlog: story counts per status and whether the backlog is done.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				b, err := app.ResolveBacklog(ctx, viper.GetString("backlog"), r)
				if err != nil {
					return err
				}
				counts, err := r.CountStoriesByStatus(ctx, b.ID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"backlog_id": b.ID,
					"domain":     b.Domain,
					"counts":     counts,
					"done":       counts.Done(),
					"complete":   counts.AllComplete(),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Backlog: %s (%s)\n", b.ID, b.Domain)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Count"})
				for _, status := range []string{domain.StatusPending, domain.StatusInProgress, domain.StatusCompleted, domain.StatusBlocked} {
					tw.AppendRow(table.Row{status, counts[status]})
				}
				tw.Render()
				if counts.AllComplete() {
					fmt.Println("All stories completed.")
				} else if counts.Done() {
					fmt.Println("No workable stories left; some are blocked.")
				}
				return nil
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	var attemptCommand string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the execution loop",
		Long: `Work the active backlog until every story completes, nothing workable
remains, or the run is interrupted. Each iteration runs the attempt
command for the selected story, then the verification gate; a story
completes only on a gate pass. Interrupt with Ctrl-C: the current
iteration is discarded and the run can be resumed later.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := app.ResolveBacklog(ctx, viper.GetString("backlog"), e.Repo)
				if err != nil {
					return err
				}
				command := attemptCommand
				if command == "" {
					command = e.Config.Runner.AttemptCommand
				}
				if command == "" {
					return fmt.Errorf("no attempt command; set runner.attempt_command in storyline.yml or pass --attempt")
				}

				runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				l := &loop.Loop{
					Engine:    e,
					Gate:      gate.Runner{Timeout: e.Config.GateTimeout()},
					Attempter: loop.CommandAttempter{Command: command},
					Emitter:   slsignal.New(os.Stdout, e.Repo),
					Ledger:    ledger.Ledger{Workspace: viper.GetString("workspace"), Repo: e.Repo},
					Backlog:   b,
					ActorID:   viper.GetString("actor-id"),
					Trace: func(s loop.State, storyID string) {
						if storyID != "" {
							fmt.Fprintf(os.Stderr, "[%s] %s\n", s, storyID)
						}
					},
				}
				out, err := l.Run(runCtx)
				if err != nil {
					return fmt.Errorf("run ended with intervention needed: %w", err)
				}
				fmt.Fprintf(os.Stderr, "run finished: %s\n", out.Reason)
				for status, c := range out.Counts {
					fmt.Fprintf(os.Stderr, "  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&attemptCommand, "attempt", "", "attempt command (overrides runner.attempt_command)")
	return cmd
}

func signalsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "signals",
		Short: "Show emitted completion tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSignals(ctx, n)
				if err != nil {
					return err
				}
				return printJSONOrPlain(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of signals")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: imports, status changes, iterations, and session boundaries.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, viper.GetString("backlog"), evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrPlain(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP API",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rawKey := "sl_" + strings.ReplaceAll(uuid.New().String(), "-", "")
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(rawKey),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				// raw key is shown once and never stored
				return printJSONOrPlain(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      rawKey,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrPlain(items)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("STORYLINE_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("STORYLINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(e)
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Storyline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrPlain(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
