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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vintrack/internal/app"
	"vintrack/internal/config"
	"vintrack/internal/db"
	"vintrack/internal/domain"
	"vintrack/internal/engine"
	"vintrack/internal/engine/auth"
	"vintrack/internal/migrate"
	"vintrack/internal/repo"
	"vintrack/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "vt",
	Short: "Vintrack CLI",
	Long: `Vintrack tracks winemaking protocol compliance per fermentation batch.
Core concepts:
- Protocol: a versioned per-varietal template of steps; drafts are edited, approved protocols are frozen.
- Instance: a fermentation's own copy of a protocol, customizable within bounds before it starts.
- Execution: the live record of completions and skips, scored 0-100 for compliance.
- Deviation: an append-only finding when a step ran late, early, skipped, or with a bad reading.
- Alert: a routed notification (in-app, SMS, email) with per-user quiet hours and an offline cache.`,
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
	viper.SetEnvPrefix("VINTRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().StringSlice("roles", nil, "roles asserted for the actor")
	rootCmd.PersistentFlags().String("winery", "", "winery id (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("roles", rootCmd.PersistentFlags().Lookup("roles"))
	_ = viper.BindPFlag("winery", rootCmd.PersistentFlags().Lookup("winery"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(protocolCmd())
	rootCmd.AddCommand(fermentationCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(executionCmd())
	rootCmd.AddCommand(deviationCmd())
	rootCmd.AddCommand(alertCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var wineryID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace with a default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if wineryID == "" {
				return fmt.Errorf("--winery-id required")
			}
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(wineryID)), 0o644); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				_, _, err := app.ResolveWinery(ctx, workspace, wineryID, viper.GetString("actor-id"), r)
				if err != nil {
					return err
				}
				fmt.Printf("Initialized %s for winery %s\n", path, wineryID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&wineryID, "winery-id", "", "winery id")
	_ = cmd.MarkFlagRequired("winery-id")
	return cmd
}

func protocolCmd() *cobra.Command {
	p := &cobra.Command{Use: "protocol", Short: "Manage protocol templates"}
	p.AddCommand(protocolCreateCmd())
	p.AddCommand(protocolListCmd())
	p.AddCommand(protocolShowCmd())
	p.AddCommand(protocolAddStepCmd())
	p.AddCommand(protocolApproveCmd())
	p.AddCommand(protocolVersionCmd())
	p.AddCommand(protocolLatestCmd())
	return p
}

func protocolCreateCmd() *cobra.Command {
	var varietal, stepsFile string
	var version int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			var specs []engine.StepSpec
			if stepsFile != "" {
				data, err := os.ReadFile(stepsFile)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &specs); err != nil {
					return fmt.Errorf("steps file: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, steps, err := e.CreateProtocol(ctx, engine.ProtocolCreateOptions{
					WineryID:     e.Config.Winery.ID,
					VarietalCode: varietal,
					Version:      version,
					Steps:        specs,
					Actor:        cliActor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"protocol": p, "steps": steps})
			})
		},
	}
	cmd.Flags().StringVar(&varietal, "varietal", "", "varietal code")
	cmd.Flags().IntVar(&version, "version", 1, "protocol version")
	cmd.Flags().StringVar(&stepsFile, "steps-file", "", "JSON file with step definitions")
	_ = cmd.MarkFlagRequired("varietal")
	return cmd
}

func protocolListCmd() *cobra.Command {
	var varietal, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List protocols",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProtocols(ctx, repo.ProtocolFilters{
					WineryID:     e.Config.Winery.ID,
					VarietalCode: varietal,
					Status:       status,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Varietal", "Version", "Status", "Created By"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.VarietalCode, p.Version, p.Status, p.CreatedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&varietal, "varietal", "", "varietal filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter (draft, final, deprecated)")
	return cmd
}

func protocolShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <protocol-id>",
		Short: "Show a protocol with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, steps, err := e.GetProtocol(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"protocol": p, "steps": steps})
			})
		},
	}
	return cmd
}

func protocolAddStepCmd() *cobra.Command {
	var spec engine.StepSpec
	var expected, low, high float64
	cmd := &cobra.Command{
		Use:   "add-step <protocol-id>",
		Short: "Add a step to a draft protocol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("expected-value") {
				spec.ExpectedValue = &expected
			}
			if cmd.Flags().Changed("expected-low") {
				spec.ExpectedLow = &low
			}
			if cmd.Flags().Changed("expected-high") {
				spec.ExpectedHigh = &high
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.AddStep(ctx, args[0], spec, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().IntVar(&spec.Sequence, "sequence", 0, "step sequence (1-based)")
	cmd.Flags().StringVar(&spec.Name, "name", "", "step name")
	cmd.Flags().StringVar(&spec.TriggerType, "trigger", domain.TriggerDayOffset, "trigger type (day_offset, measurement_threshold)")
	cmd.Flags().Float64Var(&spec.TriggerValue, "trigger-value", 0, "day offset or threshold value")
	cmd.Flags().IntVar(&spec.ToleranceHours, "tolerance-hours", 24, "tolerance window in hours")
	cmd.Flags().StringVar(&spec.Measurement, "measurement", "", "measurement name (brix, temp, ph)")
	cmd.Flags().BoolVar(&spec.Critical, "critical", false, "critical step")
	cmd.Flags().Float64Var(&expected, "expected-value", 0, "expected measurement value")
	cmd.Flags().Float64Var(&low, "expected-low", 0, "lowest acceptable measurement")
	cmd.Flags().Float64Var(&high, "expected-high", 0, "highest acceptable measurement")
	_ = cmd.MarkFlagRequired("sequence")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func protocolApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <protocol-id>",
		Short: "Approve a draft protocol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ApproveProtocol(ctx, args[0], cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func protocolVersionCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "version <protocol-id>",
		Short: "Deprecate a final protocol and open the next version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				next, err := e.NewVersion(ctx, args[0], version, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(next)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "next version (default current+1)")
	return cmd
}

func protocolLatestCmd() *cobra.Command {
	var varietal string
	cmd := &cobra.Command{
		Use:   "latest",
		Short: "Show the latest final protocol for a varietal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.LatestFinal(ctx, e.Config.Winery.ID, varietal)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&varietal, "varietal", "", "varietal code")
	_ = cmd.MarkFlagRequired("varietal")
	return cmd
}

func fermentationCmd() *cobra.Command {
	f := &cobra.Command{Use: "fermentation", Short: "Manage fermentation batches"}
	var batch, start string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a fermentation batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ferm, err := e.CreateFermentation(ctx, domain.Fermentation{
					WineryID:  e.Config.Winery.ID,
					BatchName: batch,
					StartDate: start,
				}, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(ferm)
			})
		},
	}
	create.Flags().StringVar(&batch, "batch", "", "batch name")
	create.Flags().StringVar(&start, "start-date", "", "start date (RFC3339, default now)")
	_ = create.MarkFlagRequired("batch")

	list := &cobra.Command{
		Use:   "list",
		Short: "List fermentation batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListFermentations(ctx, e.Config.Winery.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Batch", "Start", "Status"})
				for _, fm := range items {
					tw.AppendRow(table.Row{fm.ID, fm.BatchName, fm.StartDate, fm.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	f.AddCommand(create, list)
	return f
}

func instanceCmd() *cobra.Command {
	in := &cobra.Command{Use: "instance", Short: "Manage protocol instances"}
	in.AddCommand(instanceCreateCmd())
	in.AddCommand(instanceShowCmd())
	in.AddCommand(instanceCustomizeCmd())
	return in
}

func instanceCreateCmd() *cobra.Command {
	var protocolID, fermentationID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Instantiate a final protocol for a fermentation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, exec, err := e.Instantiate(ctx, protocolID, fermentationID, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"instance": in, "execution": exec})
			})
		},
	}
	cmd.Flags().StringVar(&protocolID, "protocol", "", "protocol id")
	cmd.Flags().StringVar(&fermentationID, "fermentation", "", "fermentation id")
	_ = cmd.MarkFlagRequired("protocol")
	_ = cmd.MarkFlagRequired("fermentation")
	return cmd
}

func instanceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <instance-id>",
		Short: "Show an instance with steps and customizations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, steps, customs, err := e.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"instance": in, "steps": steps, "customizations": customs})
			})
		},
	}
	return cmd
}

func instanceCustomizeCmd() *cobra.Command {
	var stepID, kind, notes, reason string
	var tolerance int
	var triggerValue float64
	cmd := &cobra.Command{
		Use:   "customize <instance-id>",
		Short: "Customize a copied step before start",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.CustomizeOptions{
				InstanceID:     args[0],
				StepID:         stepID,
				Kind:           kind,
				ToleranceHours: tolerance,
				Notes:          notes,
				Reason:         reason,
				Actor:          cliActor(),
			}
			if cmd.Flags().Changed("trigger-value") {
				opts.TriggerValue = &triggerValue
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				step, err := e.Customize(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(step)
			})
		},
	}
	cmd.Flags().StringVar(&stepID, "step", "", "instance step id")
	cmd.Flags().StringVar(&kind, "kind", "", "tolerance_adjustment, timing_adjustment or notes_addition")
	cmd.Flags().IntVar(&tolerance, "tolerance-hours", 0, "new tolerance window in hours")
	cmd.Flags().Float64Var(&triggerValue, "trigger-value", 0, "new day offset")
	cmd.Flags().StringVar(&notes, "notes", "", "note text to append")
	cmd.Flags().StringVar(&reason, "reason", "", "why the step is customized")
	_ = cmd.MarkFlagRequired("step")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func executionCmd() *cobra.Command {
	ex := &cobra.Command{Use: "execution", Short: "Track protocol executions"}
	ex.AddCommand(executionListCmd())
	ex.AddCommand(executionStartCmd())
	ex.AddCommand(executionCompleteCmd())
	ex.AddCommand(executionSkipCmd())
	ex.AddCommand(executionStatusCmd())
	return ex
}

func executionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListActiveExecutions(ctx, e.Config.Winery.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Fermentation", "Status", "Done/Total", "Score"})
				for _, x := range items {
					tw.AppendRow(table.Row{x.ID, x.FermentationID, x.Status,
						fmt.Sprintf("%d/%d", x.CompletedSteps+x.SkippedSteps, x.TotalSteps),
						fmt.Sprintf("%.1f", x.ComplianceScore)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func executionStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <execution-id>",
		Short: "Start an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec, err := e.Start(ctx, args[0], cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(exec)
			})
		},
	}
	return cmd
}

func executionCompleteCmd() *cobra.Command {
	var stepID, at, note string
	var measured float64
	cmd := &cobra.Command{
		Use:   "complete <execution-id>",
		Short: "Record a step completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.RecordOptions{
				ExecutionID: args[0],
				StepID:      stepID,
				CompletedAt: at,
				Note:        note,
				Actor:       cliActor(),
			}
			if cmd.Flags().Changed("measured") {
				opts.MeasuredValue = &measured
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RecordCompletion(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&stepID, "step", "", "instance step id")
	cmd.Flags().StringVar(&at, "at", "", "completion time (RFC3339, default now)")
	cmd.Flags().Float64Var(&measured, "measured", 0, "measured value")
	cmd.Flags().StringVar(&note, "note", "", "free-form note")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}

func executionSkipCmd() *cobra.Command {
	var stepID, reason, note string
	cmd := &cobra.Command{
		Use:   "skip <execution-id>",
		Short: "Record a step skip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RecordSkip(ctx, engine.RecordOptions{
					ExecutionID: args[0],
					StepID:      stepID,
					SkipReason:  reason,
					Note:        note,
					Actor:       cliActor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&stepID, "step", "", "instance step id")
	cmd.Flags().StringVar(&reason, "reason", "", "skip reason code")
	cmd.Flags().StringVar(&note, "note", "", "free-form note")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}

func executionStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show current, upcoming and missed steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	return cmd
}

func deviationCmd() *cobra.Command {
	d := &cobra.Command{Use: "deviation", Short: "Review deviations"}
	var executionID, kind, severity string
	var unacked, investigate bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List deviations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDeviations(ctx, repo.DeviationFilters{
					ExecutionID: executionID,
					Kind:        kind,
					Severity:    severity,
					Unacked:     unacked,
					Investigate: investigate,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Severity", "Reason", "Ack"})
				for _, dv := range items {
					ack := ""
					if dv.AckAt != nil {
						ack = *dv.AckAt
					}
					tw.AppendRow(table.Row{dv.ID, dv.Kind, dv.Severity, dv.ReasonCode, ack})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&executionID, "execution", "", "execution filter")
	list.Flags().StringVar(&kind, "kind", "", "kind filter")
	list.Flags().StringVar(&severity, "severity", "", "severity filter")
	list.Flags().BoolVar(&unacked, "unacked", false, "only unacknowledged")
	list.Flags().BoolVar(&investigate, "investigate", false, "only those requiring investigation")

	var note string
	ack := &cobra.Command{
		Use:   "ack <deviation-id>",
		Short: "Acknowledge a deviation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				dv, err := e.AcknowledgeDeviation(ctx, args[0], note, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(dv)
			})
		},
	}
	ack.Flags().StringVar(&note, "note", "", "review note")

	d.AddCommand(list, ack)
	return d
}

func alertCmd() *cobra.Command {
	a := &cobra.Command{Use: "alert", Short: "Review and raise alerts"}
	a.AddCommand(alertListCmd())
	a.AddCommand(alertRaiseCmd())
	a.AddCommand(alertAckCmd())
	a.AddCommand(alertPrefsCmd())
	a.AddCommand(alertCachedCmd())
	return a
}

func alertListCmd() *cobra.Command {
	var executionID, severity, alertType string
	var unacked bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAlerts(ctx, repo.AlertFilters{
					ExecutionID: executionID,
					Severity:    severity,
					Type:        alertType,
					Unacked:     unacked,
					Limit:       limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Severity", "Title", "Created"})
				for _, al := range items {
					tw.AppendRow(table.Row{al.ID, al.Type, al.Severity, al.Title, al.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&executionID, "execution", "", "execution filter")
	cmd.Flags().StringVar(&severity, "severity", "", "severity filter")
	cmd.Flags().StringVar(&alertType, "type", "", "alert type filter")
	cmd.Flags().BoolVar(&unacked, "unacked", false, "only unacknowledged")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func alertRaiseCmd() *cobra.Command {
	var alertType, executionID, fermentationID, title, message, action string
	cmd := &cobra.Command{
		Use:   "raise",
		Short: "Raise an operator-reported alert",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				al, err := e.RaiseAlert(ctx, engine.RaiseAlertOptions{
					Type:           alertType,
					WineryID:       e.Config.Winery.ID,
					ExecutionID:    executionID,
					FermentationID: fermentationID,
					Title:          title,
					Message:        message,
					Action:         action,
					Actor:          cliActor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(al)
			})
		},
	}
	cmd.Flags().StringVar(&alertType, "type", "", "alert type (contamination_detected, equipment_failure, ...)")
	cmd.Flags().StringVar(&executionID, "execution", "", "execution id")
	cmd.Flags().StringVar(&fermentationID, "fermentation", "", "fermentation id")
	cmd.Flags().StringVar(&title, "title", "", "alert title")
	cmd.Flags().StringVar(&message, "message", "", "alert message")
	cmd.Flags().StringVar(&action, "action", "", "recommended action")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func alertAckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ack <alert-id>",
		Short: "Acknowledge an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				al, err := e.AcknowledgeAlert(ctx, args[0], cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(al)
			})
		},
	}
	return cmd
}

func alertPrefsCmd() *cobra.Command {
	prefs := &cobra.Command{Use: "prefs", Short: "Manage delivery preferences"}
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the actor's preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetAlertPreference(ctx, viper.GetString("actor-id"), e.Config.Winery.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	var inApp, sms, email, suppressLow bool
	var quietStart, quietEnd, dndUntil, smsTo, emailTo string
	set := &cobra.Command{
		Use:   "set",
		Short: "Set the actor's preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pref := domain.AlertPreference{
					UserID:         viper.GetString("actor-id"),
					WineryID:       e.Config.Winery.ID,
					InAppEnabled:   inApp,
					SMSEnabled:     sms,
					EmailEnabled:   email,
					SuppressLow:    suppressLow,
					QuietStart:     quietStart,
					QuietEnd:       quietEnd,
					SMSRecipient:   smsTo,
					EmailRecipient: emailTo,
				}
				if dndUntil != "" {
					pref.DNDUntil = &dndUntil
				}
				p, err := e.SetAlertPreference(ctx, pref)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	set.Flags().BoolVar(&inApp, "in-app", true, "enable in-app delivery")
	set.Flags().BoolVar(&sms, "sms", false, "enable SMS delivery")
	set.Flags().BoolVar(&email, "email", true, "enable email delivery")
	set.Flags().BoolVar(&suppressLow, "suppress-low", false, "drop low severity alerts")
	set.Flags().StringVar(&quietStart, "quiet-start", "", "quiet hours start (HH:MM)")
	set.Flags().StringVar(&quietEnd, "quiet-end", "", "quiet hours end (HH:MM)")
	set.Flags().StringVar(&dndUntil, "dnd-until", "", "do-not-disturb until (RFC3339)")
	set.Flags().StringVar(&smsTo, "sms-to", "", "SMS recipient")
	set.Flags().StringVar(&emailTo, "email-to", "", "email recipient")
	prefs.AddCommand(show, set)
	return prefs
}

func alertCachedCmd() *cobra.Command {
	cached := &cobra.Command{Use: "cached", Short: "Offline alert feed"}
	var fermentationID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the actor's cached alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.CachedAlerts(ctx, viper.GetString("actor-id"), fermentationID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().StringVar(&fermentationID, "fermentation", "", "fermentation filter")
	ack := &cobra.Command{
		Use:   "ack <cached-id>",
		Short: "Acknowledge a cached alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.AcknowledgeCachedAlert(ctx, args[0], cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cached.AddCommand(list, ack)
	return cached
}

func roleCmd() *cobra.Command {
	r := &cobra.Command{Use: "role", Short: "Manage winery roles"}
	var actorID, role string
	assign := &cobra.Command{
		Use:   "assign",
		Short: "Assign a winery role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
					return err
				}
				if err := e.Repo.AssignWineryRole(ctx, tx, e.Config.Winery.ID, actorID, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	assign.Flags().StringVar(&actorID, "actor", "", "actor id")
	assign.Flags().StringVar(&role, "role", "", "role name")

	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a winery role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.RevokeWineryRole(ctx, tx, e.Config.Winery.ID, actorID, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	revoke.Flags().StringVar(&actorID, "actor", "", "actor id")
	revoke.Flags().StringVar(&role, "role", "", "role name")
	r.AddCommand(assign, revoke)
	return r
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.NewString() + uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("API key created (shown once): %s\n", raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the actor's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	del := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	k.AddCommand(create, list, del)
	return k
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the audit log"}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Winery.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	l.AddCommand(tail)
	return l
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveWinery(cmd.Context(), workspace, viper.GetString("winery"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			e = server.StartAlerting(cmd.Context(), e)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("VINTRACK_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("VINTRACK_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Vintrack API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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

// --- helpers ---

func cliActor() auth.Actor {
	return auth.Actor{
		ID:    viper.GetString("actor-id"),
		Roles: viper.GetStringSlice("roles"),
	}
}

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
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveWinery(ctx, workspace, viper.GetString("winery"), viper.GetString("actor-id"), r)
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
