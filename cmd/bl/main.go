package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"breakline/internal/app"
	"breakline/internal/config"
	"breakline/internal/domain"
	"breakline/internal/engine"
	"breakline/internal/logger"
	"breakline/internal/server"
	"breakline/internal/views"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Breakline CLI",
	Long: `Breakline tracks equipment breakdown reports from filing to fix.
- Reporters file reports and follow them on their dashboard.
- Managers assign pending reports to technicians and provision staff accounts.
- Technicians start work on their assigned reports and resolve them with fix details.
Local commands open the workspace database directly and act as the account
named by --as. 'bl serve' exposes the same operations over HTTP and 'bl watch'
follows a dashboard live from a running server.`,
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BREAKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("as", "", "email of the account local commands act as")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("as", rootCmd.PersistentFlags().Lookup("as"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(viewCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	var secret, mgrName, mgrEmail, mgrPassword string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create breakline.yml and the workspace database",
		Long:  "Writes a default breakline.yml with a fresh signing secret, migrates the database and optionally creates the first manager.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if secret == "" {
				secret = uuid.NewString()
			}
			path, created, err := app.InitWorkspace(workspace, secret)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("Wrote %s\n", path)
			} else {
				fmt.Printf("%s already exists, left unchanged\n", path)
			}
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			if mgrEmail == "" {
				return nil
			}
			rt.Config.Bootstrap.Manager = &config.BootstrapAccount{Name: mgrName, Email: mgrEmail, Password: mgrPassword}
			acct, created, err := rt.Engine.EnsureBootstrapManager(cmd.Context())
			if err != nil {
				return err
			}
			if !created {
				fmt.Printf("Manager %s already exists\n", acct.Email)
				return nil
			}
			return printAccounts([]domain.Account{acct})
		},
	}
	cmd.Flags().StringVar(&secret, "jwt-secret", "", "token signing secret (generated when empty)")
	cmd.Flags().StringVar(&mgrName, "manager-name", "Manager", "first manager display name")
	cmd.Flags().StringVar(&mgrEmail, "manager-email", "", "first manager email")
	cmd.Flags().StringVar(&mgrPassword, "manager-password", "", "first manager password")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect breakline.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			c.Auth.JWTSecret = "<redacted>"
			if c.Bootstrap.Manager != nil {
				c.Bootstrap.Manager.Password = "<redacted>"
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate breakline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			if strings.TrimSpace(rt.Config.Auth.JWTSecret) == "" {
				return fmt.Errorf("auth.jwt_secret or BREAKLINE_JWT_SECRET is required")
			}
			if addr == "" {
				addr = rt.Config.Addr()
			}
			if basePath == "" {
				basePath = rt.Config.BasePath()
			}
			handler, err := server.New(server.Config{
				Engine:             rt.Engine,
				BasePath:           basePath,
				LoginRatePerMinute: rt.Config.LoginRatePerMinute(),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if d := server.NewWebhookDispatcher(rt.Engine); d != nil {
				g.Go(func() error { return d.Run(ctx) })
			}
			logger.Default().WithField("addr", addr).Infof("serving Breakline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)", addr, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage accounts"}

	var name, email, password, role string
	add := &cobra.Command{
		Use:   "add",
		Short: "Provision a technician or manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				acct, err := e.ProvisionUser(ctx, p, name, email, password, domain.Role(role))
				if err != nil {
					return err
				}
				return printAccounts([]domain.Account{acct})
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&email, "email", "", "email")
	add.Flags().StringVar(&password, "password", "", "password")
	add.Flags().StringVar(&role, "role", string(domain.RoleTechnician), "technician or manager")
	_ = add.MarkFlagRequired("email")

	var techOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				var items []domain.Account
				var err error
				if techOnly {
					items, err = e.Technicians(ctx, p)
				} else {
					items, err = e.ListUsers(ctx, p)
				}
				if err != nil {
					return err
				}
				return printAccounts(items)
			})
		},
	}
	list.Flags().BoolVar(&techOnly, "technicians", false, "only technicians")

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove an account record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				return e.DeprovisionUser(ctx, p, args[0])
			})
		},
	}

	usr.AddCommand(add, list, rm)
	return usr
}

func reportCmd() *cobra.Command {
	rep := &cobra.Command{Use: "report", Short: "Manage breakdown reports"}

	rep.AddCommand(&cobra.Command{
		Use:   "create <message>",
		Short: "File a report",
		Args:  cobra.ExactArgs(1),
		RunE: reportAction(func(ctx context.Context, e engine.Engine, p domain.Principal, args []string) (domain.Report, error) {
			return e.CreateReport(ctx, p, args[0])
		}),
	})
	rep.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a report",
		Args:  cobra.ExactArgs(1),
		RunE: reportAction(func(ctx context.Context, e engine.Engine, p domain.Principal, args []string) (domain.Report, error) {
			return e.GetReport(ctx, p, args[0])
		}),
	})
	rep.AddCommand(&cobra.Command{
		Use:   "edit <id> <message>",
		Short: "Replace a report's message",
		Args:  cobra.ExactArgs(2),
		RunE: reportAction(func(ctx context.Context, e engine.Engine, p domain.Principal, args []string) (domain.Report, error) {
			return e.EditReport(ctx, p, args[0], args[1])
		}),
	})

	var tech string
	assign := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign a pending report to a technician",
		Args:  cobra.ExactArgs(1),
		RunE: reportAction(func(ctx context.Context, e engine.Engine, p domain.Principal, args []string) (domain.Report, error) {
			techID := tech
			if strings.Contains(tech, "@") {
				acct, err := e.Accounts.ByEmail(ctx, tech)
				if err != nil {
					return domain.Report{}, fmt.Errorf("technician %s: %w", tech, err)
				}
				techID = acct.ID
			}
			return e.AssignReport(ctx, p, args[0], techID)
		}),
	}
	assign.Flags().StringVar(&tech, "tech", "", "technician account id or email")
	_ = assign.MarkFlagRequired("tech")
	rep.AddCommand(assign)

	rep.AddCommand(&cobra.Command{
		Use:   "start <id>",
		Short: "Start work on an assigned report",
		Args:  cobra.ExactArgs(1),
		RunE: reportAction(func(ctx context.Context, e engine.Engine, p domain.Principal, args []string) (domain.Report, error) {
			return e.StartReport(ctx, p, args[0])
		}),
	})

	var fix string
	resolve := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a report with fix details",
		Args:  cobra.ExactArgs(1),
		RunE: reportAction(func(ctx context.Context, e engine.Engine, p domain.Principal, args []string) (domain.Report, error) {
			return e.ResolveReport(ctx, p, args[0], fix)
		}),
	}
	resolve.Flags().StringVar(&fix, "fix", "", "what was done")
	rep.AddCommand(resolve)

	rep.AddCommand(&cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				return e.DeleteReport(ctx, p, args[0])
			})
		},
	})
	return rep
}

func reportAction(fn func(context.Context, engine.Engine, domain.Principal, []string) (domain.Report, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
			r, err := fn(ctx, e, p, args)
			if err != nil {
				return err
			}
			return printReports([]domain.Report{r})
		})
	}
}

func viewCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:       "view <reporter|manager|technician>",
		Short:     "Show a dashboard view",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(views.KindReporter), string(views.KindManager), string(views.KindTechnician)},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				proj, err := e.View(ctx, p, views.Kind(args[0]), status)
				if err != nil {
					return err
				}
				return printProjection(proj)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter for the manager view (all, pending, assigned, in-progress, resolved)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every write to the store leaves an event: who changed which record and how.",
	}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind (users, breakdowns)")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	log.AddCommand(tail)
	return log
}

func openRuntime(ctx context.Context) (*app.Runtime, error) {
	return app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		JWTSecret: viper.GetString("jwt_secret"),
		LogLevel:  viper.GetString("log-level"),
	})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

// withPrincipal runs fn as the account named by --as.
func withPrincipal(ctx context.Context, fn func(context.Context, engine.Engine, domain.Principal) error) error {
	email := strings.TrimSpace(viper.GetString("as"))
	if email == "" {
		return fmt.Errorf("--as <email> (or BREAKLINE_AS) is required")
	}
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		p, err := e.PrincipalByEmail(ctx, email)
		if err != nil {
			return err
		}
		ctx, _ = logger.WithIdentity(ctx, p.Email)
		return fn(ctx, e, p)
	})
}

func printAccounts(items []domain.Account) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Email", "Role"})
	for _, a := range items {
		tw.AppendRow(table.Row{a.ID, a.Name, a.Email, a.Role})
	}
	tw.Render()
	return nil
}

func printReports(items []domain.Report) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	renderReports(items)
	return nil
}

func renderReports(items []domain.Report) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Status", "Reporter", "Technician", "Message", "Fix", "Created"})
	for _, r := range items {
		tech := ""
		if r.AssignedTechnician != nil {
			tech = r.AssignedTechnician.Name
		}
		fix := ""
		if r.FixDetails != nil {
			fix = *r.FixDetails
		}
		created := time.UnixMilli(r.Timestamps.Created).Format("2006-01-02 15:04")
		tw.AppendRow(table.Row{r.ID, r.Status, r.ReporterName, tech, r.Message, fix, created})
	}
	tw.Render()
}

func printProjection(p views.Projection) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	renderReports(p.Items)
	s := p.Stats
	fmt.Printf("total %d  pending %d  assigned %d  in-progress %d  resolved %d\n",
		s.Total, s.Pending, s.Assigned, s.InProgress, s.Resolved)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
