package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gatekeeper/internal/app"
	"gatekeeper/internal/config"
	"gatekeeper/internal/db"
	"gatekeeper/internal/dispatch"
	"gatekeeper/internal/domain"
	"gatekeeper/internal/engine"
	"gatekeeper/internal/migrate"
	"gatekeeper/internal/repo"
	"gatekeeper/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gk",
	Short: "Gatekeeper CLI",
	Long: `Gatekeeper orchestrates quality gates and merge decisions.
- Workspace: the .gatekeeper directory holding the database; policy configs live in the DB.
- Queue: validation and review jobs flow queued -> processing -> completed/failed; workers claim them by capability.
- Collector: tool outputs (lint, build, test, coverage, performance) normalize into validation records.
- Review: a free-form review document is parsed into an approval verdict with severity counts.
- Decision: the merge guard combines check status, the latest verdict, and recent alerts into approve / needs_changes / block, with reasons.
- Dashboard: a read-only snapshot of everything above.`,
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
	viper.SetEnvPrefix("GATEKEEPER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides single-project default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(alertCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(workersCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectConfigCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn)
			p, err := e.InitProject(cmd.Context(), id, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				return e.Repo.DeleteProject(ctx, projectID)
			})
		},
	}
}

func projectUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "GATEKEEPER_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set GATEKEEPER_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project policy config",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	cfg.AddCommand(projectConfigInitCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				cfg, err := e.ResolveConfig(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				target := cfg.Project.ID
				if target == "" {
					target = projectID
				}
				if err := e.Repo.UpsertProjectConfig(ctx, target, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func projectConfigInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Print a default config template",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = "my-project"
			}
			fmt.Print(config.GenerateDefault(id))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id for the template")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show freshness-resolved check status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				status, err := e.ProjectStatus(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(status)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Check", "Status", "Timestamp", "Metrics"})
				for _, kind := range domain.CheckKinds() {
					check := status.Checks[kind]
					ts, metrics := "", ""
					if check.Record != nil {
						ts = check.Record.Timestamp
						parts := make([]string, 0, len(check.Record.Metrics))
						for k, v := range check.Record.Metrics {
							parts = append(parts, k+"="+v)
						}
						metrics = strings.Join(parts, " ")
					}
					tw.AppendRow(table.Row{kind, check.Status, ts, metrics})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "queue",
		Short: "Manage the work queue",
	}
	q.AddCommand(queueAddCmd())
	q.AddCommand(queueListCmd())
	q.AddCommand(queueGetCmd())
	q.AddCommand(queueCancelCmd())
	q.AddCommand(queuePurgeCmd())
	return q
}

func queueAddCmd() *cobra.Command {
	var kind, desc string
	var priority int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Enqueue a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" {
				return fmt.Errorf("--kind required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				item, err := e.EnqueueWork(ctx, projectID, kind, desc, priority, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "work kind (lint, build, test, coverage, performance, ai-review, custom)")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (higher is more urgent)")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func queueListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				items, err := e.Repo.ListWorkItems(ctx, projectID, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Priority", "Status", "Worker", "Retries", "Created"})
				for _, w := range items {
					worker := ""
					if w.AssignedWorker != nil {
						worker = *w.AssignedWorker
					}
					tw.AppendRow(table.Row{w.ID, w.Kind, w.Priority, w.Status, worker, w.Retries, w.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max items")
	return cmd
}

func queueGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				item, err := e.Repo.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
}

func queueCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				item, err := e.Queue.Cancel(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
}

func queuePurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Purge finished work items past retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				n, err := e.PurgeProject(ctx, projectID)
				if err != nil {
					return err
				}
				fmt.Printf("purged %d work items\n", n)
				return nil
			})
		},
	}
}

func ingestCmd() *cobra.Command {
	var check, file, logRef string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest raw tool output as a validation record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if check == "" {
				return fmt.Errorf("--check required")
			}
			raw, err := readInput(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				rec, err := e.IngestValidation(ctx, projectID, check, raw, logRef, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&check, "check", "", "check kind (lint, build, test, coverage, performance)")
	cmd.Flags().StringVar(&file, "file", "", "output file (defaults to stdin)")
	cmd.Flags().StringVar(&logRef, "log-ref", "", "reference to the raw log")
	_ = cmd.MarkFlagRequired("check")
	return cmd
}

func reviewCmd() *cobra.Command {
	r := &cobra.Command{Use: "review", Short: "Review verdicts"}
	r.AddCommand(reviewSubmitCmd())
	r.AddCommand(reviewListCmd())
	return r
}

func reviewSubmitCmd() *cobra.Command {
	var file, docRef string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Extract a verdict from a review document",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readInput(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				v, err := e.RecordVerdict(ctx, projectID, doc, docRef, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "review document (defaults to stdin)")
	cmd.Flags().StringVar(&docRef, "doc-ref", "", "source document reference")
	return cmd
}

func reviewListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List review verdicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				items, err := e.Repo.ListReviewVerdicts(ctx, projectID, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max verdicts")
	return cmd
}

func alertCmd() *cobra.Command {
	a := &cobra.Command{Use: "alert", Short: "Alert events"}
	a.AddCommand(alertRaiseCmd())
	a.AddCommand(alertListCmd())
	return a
}

func alertRaiseCmd() *cobra.Command {
	var level, message string
	cmd := &cobra.Command{
		Use:   "raise",
		Short: "Raise an alert event",
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" {
				return fmt.Errorf("--message required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				a, err := e.PublishAlert(ctx, projectID, level, message, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&level, "level", "info", "level (critical, error, warning, info)")
	cmd.Flags().StringVar(&message, "message", "", "alert message")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func alertListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alert events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				items, err := e.Repo.ListAlerts(ctx, projectID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Level", "Timestamp", "Message"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.Level, a.Timestamp, a.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max alerts")
	return cmd
}

func decisionCmd() *cobra.Command {
	d := &cobra.Command{Use: "decision", Short: "Merge decisions"}
	d.AddCommand(decisionEvaluateCmd())
	d.AddCommand(decisionShowCmd())
	d.AddCommand(decisionListCmd())
	return d
}

func decisionEvaluateCmd() *cobra.Command {
	var strict, lenient bool
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate the merge guard",
		RunE: func(cmd *cobra.Command, args []string) error {
			var strictFlag *bool
			if strict && lenient {
				return fmt.Errorf("--strict and --lenient are mutually exclusive")
			}
			if strict {
				t := true
				strictFlag = &t
			}
			if lenient {
				f := false
				strictFlag = &f
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				d, err := e.EvaluateDecision(ctx, projectID, viper.GetString("actor-id"), strictFlag)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("Outcome: %s (strict=%v)\n", d.Outcome, d.Strict)
				for _, reason := range d.Reasons {
					fmt.Printf("  - %s\n", reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "force strict mode for this evaluation")
	cmd.Flags().BoolVar(&lenient, "lenient", false, "force lenient mode for this evaluation")
	return cmd
}

func decisionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the latest merge decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				d, err := e.Repo.LatestMergeDecision(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func decisionListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List merge decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				items, err := e.Repo.ListMergeDecisions(ctx, projectID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Timestamp", "Outcome", "Strict", "Reasons"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.Timestamp, d.Outcome, d.Strict, strings.Join(d.Reasons, "; ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max decisions")
	return cmd
}

func dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Dashboard snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				snap, err := e.Snapshot(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(snap)
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				events, err := e.Repo.LatestEvents(ctx, projectID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func workersCmd() *cobra.Command {
	w := &cobra.Command{Use: "workers", Short: "Run worker pools"}
	w.AddCommand(workersRunCmd())
	return w
}

func workersRunCmd() *cobra.Command {
	var poll, sweep int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run capability worker pools against the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				cfg, err := e.ResolveConfig(ctx, projectID)
				if err != nil {
					return err
				}
				pools := map[string]int{}
				workers := map[string]dispatch.Worker{}
				for capability, wc := range cfg.Workers {
					pools[capability] = wc.Pool
					workers[capability] = dispatch.CommandWorker{Class: capability, Command: wc.Command}
				}
				d := &dispatch.Dispatcher{
					Queue:         e.Queue,
					Completer:     e,
					Pools:         pools,
					Workers:       workers,
					PollInterval:  time.Duration(poll) * time.Second,
					SweepInterval: time.Duration(sweep) * time.Second,
					ItemTimeout:   cfg.ProcessingTimeout(),
					MaxRetries:    cfg.Queue.MaxRetries,
					Batch:         cfg.Queue.DequeueBatch,
				}
				fmt.Printf("Running workers for project %s (%d capability classes)\n", projectID, len(pools))
				err = d.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&poll, "poll-seconds", 2, "queue poll interval")
	cmd.Flags().IntVar(&sweep, "sweep-seconds", 30, "liveness sweep interval")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), viper.GetString("project"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("GATEKEEPER_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("GATEKEEPER_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Webhooks: cfg.Webhooks})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Gatekeeper API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func apikeyCmd() *cobra.Command {
	a := &cobra.Command{Use: "apikey", Short: "API keys"}
	a.AddCommand(apikeyCreateCmd())
	return a
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name, key string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Store a hashed API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" || key == "" {
				return fmt.Errorf("--actor and --key required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				k := domain.APIKey{
					ID:        repo.HashAPIKey(key)[:12],
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				fmt.Printf("stored API key %s for actor %s\n", k.ID, actor)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	cmd.Flags().StringVar(&key, "key", "", "the API key value")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine, string) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	projectID, _, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn), projectID)
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

func readInput(file string) (string, error) {
	if file == "" || file == "-" {
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := os.ReadFile(file)
	return string(data), err
}

func printJSONOrTable(v any) error {
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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
