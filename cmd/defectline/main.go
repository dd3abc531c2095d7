package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"defectline/internal/config"
	"defectline/internal/db"
	"defectline/internal/domain"
	"defectline/internal/engine"
	"defectline/internal/events"
	"defectline/internal/migrate"
	"defectline/internal/repo"
	"defectline/internal/server"
)

const exitLineHalted = 3

var rootCmd = &cobra.Command{
	Use:   "defectline",
	Short: "Defectline CLI",
	Long: `Defectline tracks manufacturing-line defects from report to resolution.
- Report: floor workers log defects against a task; a critical defect halts the line.
- Triage: 'defectline list' shows open defects first, heavier severity first, newest first.
- Resolve: managers close defects by hand or apply the suggested fix.
- Clear: resolved defects can be purged once reviewed.
- Sigma: DPMO and sigma level per task for a given production volume.
- Audit: every change lands in the events table and .defectline/audit.log.
Manager commands need --password (or DEFECTLINE_PASSWORD).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// lineHaltError stops the CLI with exitLineHalted after a critical report.
type lineHaltError struct {
	message string
}

func (e lineHaltError) Error() string { return e.message }

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		var halt lineHaltError
		if errors.As(err, &halt) {
			fmt.Fprintln(os.Stderr, halt.message)
			os.Exit(exitLineHalted)
		}
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DEFECTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "Worker", "name recorded as reporter or resolver")
	rootCmd.PersistentFlags().String("password", "", "manager password")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("password", rootCmd.PersistentFlags().Lookup("password"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(suggestCmd())
	rootCmd.AddCommand(applyFixCmd())
	rootCmd.AddCommand(clearCmd())
	rootCmd.AddCommand(countCmd())
	rootCmd.AddCommand(sigmaCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace config and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.EnsureDefault(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.MigrateContext(cmd.Context(), conn); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{
					"config":   config.Path(workspace),
					"database": db.Path(workspace),
					"store":    cfg.Store.Driver,
				})
			}
			fmt.Printf("Workspace ready: config %s, database %s (store: %s)\n", config.Path(workspace), db.Path(workspace), cfg.Store.Driver)
			return nil
		},
	}
}

func reportCmd() *cobra.Command {
	var id, task, desc, severity, detail string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report a defect",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !domain.ValidID(id) {
				return fmt.Errorf("invalid id %q: expected D-XXX", id)
			}
			if strings.TrimSpace(task) == "" || strings.TrimSpace(desc) == "" {
				return errors.New("--task and --desc are required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, ws *workspaceEnv) error {
				d := domain.NewDefect(severity, strings.ToUpper(id), task, desc, viper.GetString("actor-id"), detail, time.Now())
				res, err := ws.Engine.Report(ctx, d)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(map[string]any{
						"defect":       res.Defect,
						"outcome":      res.Outcome.String(),
						"halt_message": res.HaltMessage,
					}); err != nil {
						return err
					}
				} else {
					fmt.Printf("Logged %s (%s) on %s\n", res.Defect.ID, res.Defect.ImpactLevel(), res.Defect.TaskName)
				}
				if res.Halted() {
					return lineHaltError{message: res.HaltMessage}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "defect id (D-XXX)")
	cmd.Flags().StringVar(&task, "task", "", "task or station name")
	cmd.Flags().StringVar(&desc, "desc", "", "defect description")
	cmd.Flags().StringVar(&severity, "severity", "minor", "minor or critical")
	cmd.Flags().StringVar(&detail, "detail", "N/A", "cosmetic area (minor) or safety risk (critical)")
	return cmd
}

func resolveCmd() *cobra.Command {
	var details string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a defect (manager)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, ws *workspaceEnv) error {
				d, err := ws.Engine.Resolve(ctx, args[0], viper.GetString("actor-id"), details)
				if err != nil {
					return err
				}
				return printDefect(d)
			})
		},
	}
	cmd.Flags().StringVar(&details, "details", "Fixed by manual protocol.", "resolution details")
	return cmd
}

func listCmd() *cobra.Command {
	var search string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List defects in triage order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, ws *workspaceEnv) error {
				items := ws.Engine.Search(ctx, search)
				if viper.GetBool("json") {
					return printJSON(items)
				}
				now := time.Now()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Impact", "Status", "Aging", "Logged By", "Description"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.TaskName, d.ImpactLevel(), d.Status(), domain.FormatAging(d.AgingAt(now)), d.LoggedBy, d.Description})
				}
				tw.AppendFooter(table.Row{"", "", "", "", "", "Total", len(items)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "filter by id, task, impact, reporter or description")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a defect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, ws *workspaceEnv) error {
				d, err := ws.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printDefect(d)
			})
		},
	}
}

func suggestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suggest <id>",
		Short: "Suggest a fix for an open defect (manager)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, ws *workspaceEnv) error {
				s, err := ws.Engine.Suggest(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Smart Fix for %s [%s]:\n%s\n", s.DefectID, s.Category, s.Text)
				return nil
			})
		},
	}
}

func applyFixCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply-fix <id>",
		Short: "Resolve a defect with its suggested fix (manager)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, ws *workspaceEnv) error {
				d, err := ws.Engine.ApplySuggestion(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printDefect(d)
			})
		},
	}
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Permanently remove resolved defects (manager)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, ws *workspaceEnv) error {
				n, err := ws.Engine.ClearResolved(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"removed": n})
				}
				fmt.Printf("Cleared %d resolved defect(s)\n", n)
				return nil
			})
		},
	}
}

func countCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count <task>",
		Short: "Count defects logged against a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, ws *workspaceEnv) error {
				n := ws.Engine.CountForTask(ctx, args[0])
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task_name": args[0], "count": n})
				}
				fmt.Printf("%s: %d defect(s)\n", args[0], n)
				return nil
			})
		},
	}
}

func sigmaCmd() *cobra.Command {
	var units, opportunities int
	cmd := &cobra.Command{
		Use:   "sigma <task>",
		Short: "Six Sigma metrics for a task (manager)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, ws *workspaceEnv) error {
				rep, err := ws.Engine.Sigma(ctx, args[0], units, opportunities)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Defects", "Units", "Opportunities", "DPMO", "Yield %", "Sigma"})
				tw.AppendRow(table.Row{rep.TaskName, rep.Defects, rep.Units, rep.Opportunities,
					fmt.Sprintf("%.1f", rep.DPMO), fmt.Sprintf("%.2f", rep.Yield), rep.SigmaLevel})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&units, "units", 100, "units produced")
	cmd.Flags().IntVar(&opportunities, "opportunities", 5, "defect opportunities per unit")
	return cmd
}

func loginCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Check credentials and print an API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.EnsureDefault(workspace)
			if err != nil {
				return err
			}
			role = strings.ToLower(strings.TrimSpace(role))
			if role == server.RoleManager && !cfg.CheckAdminPassword(viper.GetString("password")) {
				return errors.New("access denied")
			}
			authCfg := server.AuthConfig{JWTSecret: jwtSecret(cfg)}
			if authCfg.JWTSecret == "" {
				fmt.Printf("Access granted (%s). Set DEFECTLINE_JWT_SECRET to issue API tokens.\n", role)
				return nil
			}
			token, exp, err := server.IssueToken(authCfg, viper.GetString("actor-id"), role)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token, "role": role, "expires_at": exp.UTC().Format(time.RFC3339)})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", server.RoleWorker, "manager or worker")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Audit log",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityID, level string
	var fromFile bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *workspaceEnv) error {
				if fromFile {
					for _, line := range ws.Logbook.Tail(n) {
						fmt.Println(line)
					}
					return nil
				}
				evts, err := ws.Repo.LatestEvents(ctx, repo.EventFilters{Type: evtType, EntityID: entityID, Level: level, Limit: n})
				if err != nil {
					return err
				}
				return printEvents(os.Stdout, evts)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "defect id filter")
	cmd.Flags().StringVar(&level, "level", "", "info or error")
	cmd.Flags().BoolVar(&fromFile, "file", false, "read the audit log file instead of the events table")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, ws *workspaceEnv) error {
				if addr == "" {
					addr = ws.Config.Server.Addr
				}
				if basePath == "" {
					basePath = ws.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:  jwtSecret(ws.Config),
					AdminCheck: ws.Config.CheckAdminPassword,
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("DEFECTLINE_JWT_SECRET (or server.jwt_secret) is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: ws.Engine, Events: ws.Repo, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Defectline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

// workspaceEnv is everything a command needs from an opened workspace.
type workspaceEnv struct {
	Config  *config.Config
	Conn    *sql.DB
	Repo    repo.Repo
	Logbook *events.Logbook
	Engine  *engine.Engine
}

func withWorkspace(ctx context.Context, fn func(context.Context, *workspaceEnv) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.EnsureDefault(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	auditPath := cfg.Audit.File
	if auditPath != "" && !filepath.IsAbs(auditPath) {
		auditPath = filepath.Join(workspace, auditPath)
	}
	var lb *events.Logbook
	if auditPath != "" {
		if lb, err = events.NewLogbook(auditPath); err != nil {
			return err
		}
	}
	return fn(ctx, &workspaceEnv{Config: cfg, Conn: conn, Repo: repo.Repo{DB: conn}, Logbook: lb})
}

func withEngine(ctx context.Context, fn func(context.Context, *workspaceEnv) error) error {
	return withWorkspace(ctx, func(ctx context.Context, ws *workspaceEnv) error {
		store, closeStore, err := openStore(ctx, ws)
		if err != nil {
			return err
		}
		defer closeStore()
		sinks := events.Tee{events.Writer{DB: ws.Conn}}
		if ws.Logbook != nil {
			sinks = append(sinks, ws.Logbook)
		}
		ws.Engine = engine.Open(ctx, store, sinks)
		return fn(ctx, ws)
	})
}

func withManager(ctx context.Context, fn func(context.Context, *workspaceEnv) error) error {
	return withEngine(ctx, func(ctx context.Context, ws *workspaceEnv) error {
		if !ws.Config.CheckAdminPassword(viper.GetString("password")) {
			ws.Engine.Events.Error(ctx, "auth.denied", "", viper.GetString("actor-id"), errors.New("manager password rejected"))
			return errors.New("access denied: manager password required")
		}
		return fn(ctx, ws)
	})
}

func openStore(ctx context.Context, ws *workspaceEnv) (engine.Store, func(), error) {
	switch ws.Config.Store.Driver {
	case config.DriverPostgres:
		pg, err := repo.OpenPg(ctx, ws.Config.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return ws.Repo, func() {}, nil
	}
}

func jwtSecret(cfg *config.Config) string {
	if s := viper.GetString("jwt-secret"); s != "" {
		return s
	}
	return cfg.Server.JWTSecret
}

func printDefect(d domain.Defect) error {
	if viper.GetBool("json") {
		return printJSON(d)
	}
	resolvedBy := d.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = "None"
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", d.ID},
		{"Task", d.TaskName},
		{"Impact", d.ImpactLevel()},
		{d.Severity.DetailName(), d.Detail},
		{"Description", d.Description},
		{"Logged By", d.LoggedBy},
		{"Logged At", d.LoggedAt.Local().Format("2006-01-02 15:04:05")},
		{"Status", d.Status()},
		{"Resolved By", resolvedBy},
		{"Resolution", d.ResolutionDetails},
		{"Aging", domain.FormatAging(d.Aging())},
	})
	tw.Render()
	return nil
}

func printEvents(w io.Writer, evts []domain.Event) error {
	if viper.GetBool("json") {
		return printJSON(evts)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Time", "Level", "Type", "Defect", "Actor", "Payload"})
	for _, e := range evts {
		entity := e.EntityID
		if entity == "" {
			entity = "-"
		}
		tw.AppendRow(table.Row{e.ID, e.TS, e.Level, e.Type, entity, e.ActorID, e.Payload})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
