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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"factorypulse/internal/config"
	"factorypulse/internal/db"
	"factorypulse/internal/domain"
	"factorypulse/internal/engine"
	"factorypulse/internal/migrate"
	"factorypulse/internal/repo"
	"factorypulse/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fp",
	Short: "Factory Pulse CLI",
	Long: `Factory Pulse tracks manufacturing quotes and orders through a configurable
stage pipeline. Projects enter at intake, move stage to stage through the
transition engine, and every move lands in an append-only history ledger.
Prerequisite checks gate each move; managers may bypass a failed gate with a
recorded reason. Configuration lives in factorypulse.yml and is stored per
org at bootstrap.`,
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
	viper.SetEnvPrefix("FACTORYPULSE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "", "org id (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
}

func registerCommands() {
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(customerCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- org ---

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage the organization"}
	org.AddCommand(orgInitCmd())
	org.AddCommand(orgShowCmd())
	org.AddCommand(orgConfigCmd())
	return org
}

func orgInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Bootstrap the org and its stage catalog from factorypulse.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				org, stages, err := e.BootstrapOrg(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"org": org, "stages": stages})
				}
				fmt.Printf("Bootstrapped org %s (%s) with %d stages\n", org.ID, org.Name, len(stages))
				return nil
			})
		},
	}
	return cmd
}

func orgShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the org",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				org, err := e.Repo.GetOrg(ctx, orgID(e))
				if err != nil {
					return err
				}
				return printJSONOrTable(org)
			})
		},
	}
	return cmd
}

func orgConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage org config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the stored org config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				stored, err := e.Repo.GetOrgConfig(ctx, orgID(e))
				if err != nil {
					return err
				}
				return printJSON(stored)
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Write a default factorypulse.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			id := viper.GetString("org")
			if id == "" {
				id = "acme"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	})
	return cfg
}

// --- stages ---

func stageCmd() *cobra.Command {
	stage := &cobra.Command{Use: "stage", Short: "Workflow stages"}
	stage.AddCommand(stageListCmd())
	stage.AddCommand(stageAddCmd())
	stage.AddCommand(stageDisableCmd())
	return stage
}

func stageListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active stages in pipeline order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				stages, err := e.Stages.WorkflowStages(ctx, orgID(e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stages)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Order", "Name", "ID", "Est. Days", "Color"})
				for _, s := range stages {
					days := ""
					if s.EstimatedDays != nil {
						days = fmt.Sprintf("%d", *s.EstimatedDays)
					}
					tw.AppendRow(table.Row{s.Order, s.Name, s.ID, days, s.Color})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func stageAddCmd() *cobra.Command {
	var name, desc, color string
	var order, days int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a workflow stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				in := engine.CreateStageInput{
					OrgID:       orgID(e),
					Name:        name,
					Description: desc,
					Order:       order,
					Color:       color,
					ActorID:     viper.GetString("actor-id"),
				}
				if days > 0 {
					in.EstimatedDays = &days
				}
				s, err := e.CreateStage(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "stage name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().IntVar(&order, "order", 0, "pipeline order")
	cmd.Flags().IntVar(&days, "estimated-days", 0, "estimated days in stage")
	cmd.Flags().StringVar(&color, "color", "", "presentation color")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("order")
	return cmd
}

func stageDisableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disable <stage-id>",
		Short: "Deactivate a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.SetStageActive(ctx, orgID(e), args[0], false)
			})
		},
	}
	return cmd
}

// --- projects ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var title, desc, priority, customer, contact string
	var value float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project (intake)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				in := engine.CreateProjectInput{
					OrgID:       orgID(e),
					Title:       title,
					Description: desc,
					Priority:    priority,
					CustomerID:  customer,
					ContactID:   contact,
					ActorID:     viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("estimated-value") {
					in.EstimatedValue = &value
				}
				p, err := e.CreateProject(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "project title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "low, normal, high, urgent")
	cmd.Flags().Float64Var(&value, "estimated-value", 0, "estimated value")
	cmd.Flags().StringVar(&customer, "customer", "", "customer id")
	cmd.Flags().StringVar(&contact, "contact", "", "contact id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func projectListCmd() *cobra.Command {
	var stageID, priority, customer string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.ListProjects(ctx, repo.ProjectFilters{
					OrgID:      orgID(e),
					StageID:    stageID,
					Priority:   priority,
					CustomerID: customer,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Priority", "Stage", "Entered"})
				for _, p := range items {
					stage := ""
					if p.CurrentStageID != nil {
						stage = *p.CurrentStageID
					}
					entered := ""
					if p.StageEnteredAt != nil {
						entered = *p.StageEnteredAt
					}
					tw.AppendRow(table.Row{p.ID, p.Title, p.Priority, stage, entered})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "filter by current stage id")
	cmd.Flags().StringVar(&priority, "priority", "", "filter by priority")
	cmd.Flags().StringVar(&customer, "customer", "", "filter by customer id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var title, desc, notes, priority, po string
	var value float64
	var bom int
	cmd := &cobra.Command{
		Use:   "update <project-id>",
		Short: "Update project fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var u repo.ProjectUpdate
				if cmd.Flags().Changed("title") {
					u.Title = &title
				}
				if cmd.Flags().Changed("description") {
					u.Description = &desc
				}
				if cmd.Flags().Changed("notes") {
					u.Notes = &notes
				}
				if cmd.Flags().Changed("priority") {
					u.Priority = &priority
				}
				if cmd.Flags().Changed("estimated-value") {
					u.EstimatedValue = &value
				}
				if cmd.Flags().Changed("po-number") {
					u.PONumber = &po
				}
				if cmd.Flags().Changed("bom-items") {
					u.BOMItemCount = &bom
				}
				p, err := e.UpdateProject(ctx, args[0], u, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().Float64Var(&value, "estimated-value", 0, "estimated value")
	cmd.Flags().StringVar(&po, "po-number", "", "customer purchase order number")
	cmd.Flags().IntVar(&bom, "bom-items", 0, "bill of materials item count")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Repo.DeleteProject(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- transitions ---

func transitionCmd() *cobra.Command {
	tr := &cobra.Command{Use: "transition", Short: "Stage transitions"}
	tr.AddCommand(transitionValidateCmd())
	tr.AddCommand(transitionExecuteCmd())
	tr.AddCommand(transitionRecommendCmd())
	tr.AddCommand(transitionHistoryCmd())
	return tr
}

func transitionValidateCmd() *cobra.Command {
	var toStage string
	cmd := &cobra.Command{
		Use:   "validate <project-id>",
		Short: "Validate a move without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				to, err := resolveStage(ctx, e, toStage)
				if err != nil {
					return err
				}
				res, err := e.ValidateTransition(ctx, args[0], to)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Check", "Status", "Required", "Detail"})
				for _, c := range res.Checks {
					tw.AppendRow(table.Row{c.Name, c.Status, c.Required, c.Description})
				}
				tw.Render()
				fmt.Printf("required passed: %v\n", res.RequiredPassed)
				for _, crit := range res.ExitCriteria {
					fmt.Printf("exit criteria: %s\n", crit)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&toStage, "to", "", "target stage id or name")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func transitionExecuteCmd() *cobra.Command {
	var toStage, reason, bypassReason string
	var bypass bool
	cmd := &cobra.Command{
		Use:   "execute <project-id>",
		Short: "Execute a stage move",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				to, err := resolveStage(ctx, e, toStage)
				if err != nil {
					return err
				}
				out, err := e.ExecuteTransition(ctx, args[0], to, engine.TransitionOptions{
					ActorID:      viper.GetString("actor-id"),
					Reason:       reason,
					Bypass:       bypass,
					BypassReason: bypassReason,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("committed: %v  history recorded: %v\n", out.Committed, out.HistoryRecorded)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&toStage, "to", "", "target stage id or name")
	cmd.Flags().StringVar(&reason, "reason", "", "transition reason")
	cmd.Flags().BoolVar(&bypass, "bypass", false, "bypass failed prerequisites")
	cmd.Flags().StringVar(&bypassReason, "bypass-reason", "", "reason for the bypass")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func transitionRecommendCmd() *cobra.Command {
	var toStage string
	cmd := &cobra.Command{
		Use:   "recommend <project-id>",
		Short: "Show blockers, recommendations, and warnings for a move",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				to, err := resolveStage(ctx, e, toStage)
				if err != nil {
					return err
				}
				rec, err := e.TransitionRecommendations(ctx, args[0], to)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Printf("can proceed: %v\n", rec.CanProceed)
				for _, b := range rec.Blockers {
					fmt.Println("blocker:", b)
				}
				for _, r := range rec.Recommendations {
					fmt.Println("recommend:", r)
				}
				for _, w := range rec.Warnings {
					fmt.Println("warning:", w)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&toStage, "to", "", "target stage id or name")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func transitionHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <project-id>",
		Short: "Show the transition ledger for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.TransitionHistory(ctx, repo.TransitionFilters{ProjectID: args[0], Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"At", "From", "To", "Actor", "Bypass", "Reason"})
				for _, t := range items {
					from := ""
					if t.FromStageID != nil {
						from = *t.FromStageID
					}
					tw.AppendRow(table.Row{t.CreatedAt, from, t.ToStageID, t.ActorID, t.BypassUsed, t.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

// --- customers ---

func customerCmd() *cobra.Command {
	cust := &cobra.Command{Use: "customer", Short: "Customers and contacts"}
	cust.AddCommand(customerAddCmd())
	cust.AddCommand(customerListCmd())
	cust.AddCommand(contactAddCmd())
	return cust
}

func customerAddCmd() *cobra.Command {
	var name, company, email, phone string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a customer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.CreateCustomer(ctx, domain.Customer{
					OrgID:   orgID(e),
					Name:    name,
					Company: company,
					Email:   email,
					Phone:   phone,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "customer name")
	cmd.Flags().StringVar(&company, "company", "", "company")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&phone, "phone", "", "phone")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func customerListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List customers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListCustomers(ctx, orgID(e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Company", "Email"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Name, c.Company, c.Email})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func contactAddCmd() *cobra.Command {
	var customer, name, email, phone, role string
	cmd := &cobra.Command{
		Use:   "add-contact",
		Short: "Add a contact to a customer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.CreateContact(ctx, orgID(e), domain.Contact{
					CustomerID: customer,
					Name:       name,
					Email:      email,
					Phone:      phone,
					Role:       role,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&customer, "customer", "", "customer id")
	cmd.Flags().StringVar(&name, "name", "", "contact name")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&phone, "phone", "", "phone")
	cmd.Flags().StringVar(&role, "role", "", "role at the customer")
	_ = cmd.MarkFlagRequired("customer")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// --- reviews ---

func reviewCmd() *cobra.Command {
	rev := &cobra.Command{Use: "review", Short: "Discipline reviews"}
	rev.AddCommand(reviewSubmitCmd())
	rev.AddCommand(reviewDecideCmd())
	rev.AddCommand(reviewListCmd())
	return rev
}

func reviewSubmitCmd() *cobra.Command {
	var project, discipline, reviewer, summary string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				v, err := e.SubmitReview(ctx, engine.SubmitReviewInput{
					ProjectID:  project,
					Discipline: discipline,
					ReviewerID: reviewer,
					Summary:    summary,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().StringVar(&discipline, "discipline", "", "engineering, qa, or production")
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer id (defaults to actor)")
	cmd.Flags().StringVar(&summary, "summary", "", "summary")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("discipline")
	return cmd
}

func reviewDecideCmd() *cobra.Command {
	var status, summary string
	cmd := &cobra.Command{
		Use:   "decide <review-id>",
		Short: "Approve or reject a review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				v, err := e.DecideReview(ctx, args[0], status, summary, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "approved or rejected")
	cmd.Flags().StringVar(&summary, "summary", "", "decision summary")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func reviewListCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reviews for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListReviewsByProject(ctx, project)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

// --- roles and api keys ---

func roleCmd() *cobra.Command {
	role := &cobra.Command{Use: "role", Short: "Org roles"}
	role.AddCommand(&cobra.Command{
		Use:   "grant <actor-id> <role>",
		Short: "Grant a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.AssignRole(ctx, orgID(e), args[0], args[1], viper.GetString("actor-id"))
			})
		},
	})
	role.AddCommand(&cobra.Command{
		Use:   "revoke <actor-id> <role>",
		Short: "Revoke a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.RevokeRole(ctx, orgID(e), args[0], args[1], viper.GetString("actor-id"))
			})
		},
	})
	role.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List org roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListOrgRoles(ctx, orgID(e))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	return role
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				plain, k, err := e.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": plain, "api_key": k})
				}
				fmt.Printf("key: %s\nid:  %s\n", plain, k.ID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	key.AddCommand(create)
	key.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List own API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	key.AddCommand(&cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	})
	return key
}

// --- event log ---

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: intakes, stage moves, reviews, and admin changes.",
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
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, orgID(e), evtType, entityKind, entityID)
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
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(runCtx, func(ctx context.Context, e *engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret:       os.Getenv("FACTORYPULSE_JWT_SECRET"),
					DevLoginEnabled: devLogin,
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("FACTORYPULSE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				dispatcher := server.StartDispatcher(e)
				defer dispatcher.Stop()
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Factory Pulse API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable the unauthenticated dev token endpoint")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	cfg, err := resolveConfig(ctx, workspace, repo.Repo{DB: conn})
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, nil)
	return fn(ctx, e)
}

// resolveConfig prefers the config stored at bootstrap; the workspace file
// (or built-in default) covers the pre-bootstrap commands.
func resolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	id := viper.GetString("org")
	if id == "" {
		id = fileCfg.Org.ID
	}
	if stored, err := r.GetOrgConfig(ctx, id); err == nil {
		return stored, nil
	}
	fileCfg.Org.ID = id
	return fileCfg, nil
}

// resolveStage accepts a stage id or a stage name, so --to works with
// either "Quoting" or the uuid from `fp stage list`.
func resolveStage(ctx context.Context, e *engine.Engine, ref string) (string, error) {
	org := orgID(e)
	if s, err := e.Stages.StageByID(ctx, org, ref); err == nil {
		return s.ID, nil
	}
	s, err := e.Stages.StageByName(ctx, org, ref)
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

func orgID(e *engine.Engine) string {
	if id := viper.GetString("org"); id != "" {
		return id
	}
	return e.Config.Org.ID
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
