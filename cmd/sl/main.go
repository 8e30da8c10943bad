package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"siteline/internal/app"
	"siteline/internal/catalog"
	"siteline/internal/config"
	"siteline/internal/db"
	"siteline/internal/domain"
	"siteline/internal/engine"
	"siteline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Siteline CLI",
	Long: `Siteline tracks where each construction project stands in its workflow
and who owes the next step.

- Workspace: the .siteline directory holding the database; catalog and
  config are stored in the DB and seeded on first use.
- Catalog: the ordered ladder of phases, sections and line items every
  project climbs (lead -> prospect -> approved -> execution ->
  second supplement -> completion).
- Completions: the append-only ledger of finished line items; completing
  the same item twice is a no-op.
- Position: the first line item without a completion, recomputed from the
  ledger on every change.
- Alerts: one live alert per position, assigned through the role
  directory; see 'sl alert list'.
- Reconcile: rebuilds tracker and alerts from the ledger when anything
  drifts ('sl reconcile').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
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
	viper.SetEnvPrefix("SITELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	rootCmd.PersistentFlags().String("run", "", "workflow run id (defaults to the live run)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("run", rootCmd.PersistentFlags().Lookup("run"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(completionsCmd())
	rootCmd.AddCommand(positionCmd())
	rootCmd.AddCommand(itemsCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(alertCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if a.Engine.Config.Project.ID == "" {
					a.Engine.Config.Project.ID = id
				}
				p, err := a.Engine.InitProject(ctx, id, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				projects, err := a.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(projects)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Created"})
				for _, p := range projects {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func catalogCmd() *cobra.Command {
	cat := &cobra.Command{Use: "catalog", Short: "Workflow catalog"}
	cat.AddCommand(catalogShowCmd())
	cat.AddCommand(catalogImportCmd())
	return cat
}

func catalogShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the stored catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				cat := a.Engine.Catalog
				if viper.GetBool("json") {
					return printJSON(cat)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Phase", "Section", "Line Item", "Role", "Lead Days"})
				for _, p := range cat.Phases {
					for _, s := range cat.SectionsInPhase(p.ID) {
						for _, it := range cat.ItemsInSection(s.ID) {
							tw.AppendRow(table.Row{p.Type, s.Name, it.ID, it.ResponsibleRole, it.AlertLeadDays})
						}
					}
				}
				tw.Render()
				return nil
			})
		},
	}
}

func catalogImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a catalog YAML into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			cat, err := catalog.FromYAML(data)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Repo.UpsertCatalog(ctx, cat.Kind, string(data)); err != nil {
					return err
				}
				fmt.Printf("imported catalog %s (%d line items)\n", cat.Kind, len(cat.Items()))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "catalog YAML path")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default siteline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			projectID := viper.GetString("project")
			if projectID == "" {
				projectID = "my-project"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return printJSON(a.Engine.Config)
			})
		},
	})
	return cfg
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Workflow runs"}
	var kind string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Start a workflow run for the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.Context, projectID string) error {
				run, pos, err := a.Engine.InitWorkflow(ctx, projectID, kind, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"run": run, "position": pos})
			})
		},
	}
	initCmd.Flags().StringVar(&kind, "kind", "", "workflow kind (defaults to the catalog's)")
	wf.AddCommand(initCmd)
	wf.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List runs for the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.Context, projectID string) error {
				runs, err := a.Repo.ListRuns(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSON(runs)
			})
		},
	})
	return wf
}

func completeCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "complete <line-item-id>",
		Short: "Complete a line item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.Context, projectID string) error {
				userID := user
				if userID == "" {
					userID = viper.GetString("actor-id")
				}
				res, err := a.Engine.CompleteLineItem(ctx, engine.CompleteOptions{
					ProjectID:  projectID,
					RunID:      viper.GetString("run"),
					LineItemID: args[0],
					UserID:     userID,
				})
				if err != nil {
					return err
				}
				if res.AlreadyCompleted {
					fmt.Printf("%s was already complete; position unchanged\n", args[0])
				}
				return printJSON(map[string]any{
					"already_completed": res.AlreadyCompleted,
					"position":          res.Updated,
				})
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "completing user (defaults to actor)")
	return cmd
}

func completionsCmd() *cobra.Command {
	comp := &cobra.Command{Use: "completions", Short: "Completion ledger"}
	comp.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recorded completions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.Context, projectID string) error {
				run, err := a.Engine.Run(ctx, projectID, viper.GetString("run"))
				if err != nil {
					return err
				}
				recs, err := a.Repo.ListCompletions(ctx, run.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Line Item", "By", "At"})
				for _, c := range recs {
					tw.AppendRow(table.Row{c.LineItemID, c.CompletedBy, c.CompletedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	comp.AddCommand(&cobra.Command{
		Use:   "reset <line-item-id>",
		Short: "Delete one completion and reconcile (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.Context, projectID string) error {
				res, err := a.Engine.ResetCompletion(ctx, projectID, viper.GetString("run"), args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	})
	return comp
}

func positionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "position",
		Short: "Current workflow position",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.Context, projectID string) error {
				pos, err := a.Engine.GetCurrentPosition(ctx, projectID, viper.GetString("run"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pos)
				}
				printPosition(pos)
				return nil
			})
		},
	}
}

func printPosition(pos domain.Position) {
	if pos.Complete {
		fmt.Println("workflow complete")
		return
	}
	fmt.Printf("phase:     %s (%s)\n", pos.Phase.Name, pos.Phase.Type)
	fmt.Printf("section:   %s\n", pos.Section.Name)
	fmt.Printf("line item: %s (%s)\n", pos.LineItem.Name, pos.LineItem.ID)
	fmt.Printf("owner:     %s\n", pos.LineItem.ResponsibleRole)
}

func itemsCmd() *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "items",
		Short: "Incomplete items of a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			if phase == "" {
				return fmt.Errorf("--phase required (one of %s)", strings.Join(catalog.PhaseTypes, ", "))
			}
			return withProject(cmd.Context(), func(ctx context.Context, a *app.Context, projectID string) error {
				items, err := a.Engine.IncompleteItems(ctx, projectID, viper.GetString("run"), phase)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Line Item", "Name", "Role"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Name, it.ResponsibleRole})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase type")
	return cmd
}

func gateCmd() *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Check whether a phase can be left",
		RunE: func(cmd *cobra.Command, args []string) error {
			if phase == "" {
				return fmt.Errorf("--phase required")
			}
			return withProject(cmd.Context(), func(ctx context.Context, a *app.Context, projectID string) error {
				gate, err := a.Engine.CanAdvancePhase(ctx, projectID, viper.GetString("run"), phase)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(gate)
				}
				if gate.Ready {
					fmt.Printf("phase %s is ready to advance\n", phase)
				} else {
					fmt.Printf("phase %s blocked: %d item(s) remain, next is %s\n", phase, gate.Remaining, gate.Blocker.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase type")
	return cmd
}

func alertCmd() *cobra.Command {
	alert := &cobra.Command{Use: "alert", Short: "Alerts"}
	alert.AddCommand(alertListCmd())
	alert.AddCommand(alertAckCmd())
	alert.AddCommand(alertReassignCmd())
	return alert
}

func alertListCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Live alerts for the project or a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.Context, projectID string) error {
				var alerts []domain.Alert
				var err error
				if user != "" {
					alerts, err = a.Engine.AlertsForUser(ctx, user)
				} else {
					alerts, err = a.Engine.AlertsForProject(ctx, projectID)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(alerts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Line Item", "Assigned To", "Status", "Due"})
				for _, al := range alerts {
					tw.AppendRow(table.Row{al.ID, al.LineItemID, al.AssignedTo, al.Status, al.DueDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "list alerts assigned to this user instead")
	return cmd
}

func alertAckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ack <alert-id>",
		Short: "Acknowledge an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				al, err := a.Engine.AcknowledgeAlert(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(al)
			})
		},
	}
}

func alertReassignCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "reassign <alert-id>",
		Short: "Reassign an alert to another user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				return fmt.Errorf("--user required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				al, err := a.Engine.ReassignAlert(ctx, args[0], user, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(al)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "new assignee")
	return cmd
}

func assignCmd() *cobra.Command {
	assign := &cobra.Command{Use: "assign", Short: "Role directory"}
	var role, user string
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Bind a responsible role to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" || user == "" {
				return fmt.Errorf("--role and --user required")
			}
			return withProject(cmd.Context(), func(ctx context.Context, a *app.Context, projectID string) error {
				as, err := a.Engine.AssignRole(ctx, projectID, role, user, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(as)
			})
		},
	}
	setCmd.Flags().StringVar(&role, "role", "", "responsible role")
	setCmd.Flags().StringVar(&user, "user", "", "user id")
	assign.AddCommand(setCmd)
	assign.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List role assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.Context, projectID string) error {
				as, err := a.Repo.ListAssignments(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSON(as)
			})
		},
	})
	return assign
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Users"}
	var id, name string
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				u := domain.User{
					ID:        id,
					Name:      name,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Repo.InsertUser(ctx, u); err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	}
	addCmd.Flags().StringVar(&id, "id", "", "user id")
	addCmd.Flags().StringVar(&name, "name", "", "display name")
	user.AddCommand(addCmd)
	user.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				users, err := a.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				return printJSON(users)
			})
		},
	})
	return user
}

func reconcileCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild derived state from the completion ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := viper.GetString("actor-id")
			if all {
				return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
					results, err := a.Engine.ReconcileAll(ctx, actorID)
					if err != nil {
						return err
					}
					return printJSON(results)
				})
			}
			return withProject(cmd.Context(), func(ctx context.Context, a *app.Context, projectID string) error {
				res, err := a.Engine.Reconcile(ctx, projectID, viper.GetString("run"), actorID)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "reconcile every run in the workspace")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Audit trackers against the catalog and ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				violations, err := a.Engine.Validate(ctx)
				if err != nil {
					return err
				}
				if len(violations) == 0 {
					fmt.Println("ok")
					return nil
				}
				for _, v := range violations {
					fmt.Println(v.String())
				}
				return fmt.Errorf("%d violation(s)", len(violations))
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.Context, projectID string) error {
				events, err := a.Repo.LatestEvents(ctx, n, projectID, evtType, "", "")
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	log.AddCommand(tail)
	return log
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("SITELINE_JWT_SECRET")}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
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
				fmt.Printf("Serving Siteline API on http://%s%s\n", addr, basePath)
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

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), "")
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withProject(ctx context.Context, fn func(context.Context, *app.Context, string) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.Context) error {
		projectID, err := app.ResolveProject(ctx, a.Repo, viper.GetString("project"), a.Engine.Config)
		if err != nil {
			return err
		}
		return fn(ctx, a, projectID)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
