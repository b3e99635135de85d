package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/repairplanner/config"
	"github.com/c360studio/repairplanner/fault"
)

// sampleFault is processed by "run" when no faults file is given.
var sampleFault = fault.DiagnosedFault{
	MachineID: "M-123",
	FaultType: "curing_temperature_excessive",
	RootCause: "Heater element drift",
	Severity:  "high",
}

func runCmd(opts *globalOptions) *cobra.Command {
	var faultsPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ensure the planning agent and process faults",
		Long: `Ensure the planning agent, then process the faults in --faults (a JSON or
YAML list) or the built-in sample fault. Created work orders are printed as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			faults := []fault.DiagnosedFault{sampleFault}
			if faultsPath != "" {
				var err error
				if faults, err = loadFaults(faultsPath); err != nil {
					return err
				}
			}
			return processFaults(cmd, opts, faults)
		},
	}

	cmd.Flags().StringVarP(&faultsPath, "faults", "f", "", "Faults file (JSON or YAML list)")
	return cmd
}

func planCmd(opts *globalOptions) *cobra.Command {
	var f fault.DiagnosedFault

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan and persist a work order for a single fault",
		RunE: func(cmd *cobra.Command, args []string) error {
			return processFaults(cmd, opts, []fault.DiagnosedFault{f})
		},
	}

	cmd.Flags().StringVar(&f.MachineID, "machine", "", "Machine ID")
	cmd.Flags().StringVar(&f.FaultType, "fault-type", "", "Diagnosed fault type")
	cmd.Flags().StringVar(&f.RootCause, "root-cause", "", "Diagnosed root cause")
	cmd.Flags().StringVar(&f.Severity, "severity", "medium", "Severity (low, medium, high, critical)")
	_ = cmd.MarkFlagRequired("machine")
	_ = cmd.MarkFlagRequired("fault-type")
	return cmd
}

func processFaults(cmd *cobra.Command, opts *globalOptions, faults []fault.DiagnosedFault) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	app := NewApp(cfg, nil)
	defer app.Shutdown()

	ctx := cmd.Context()
	if err := app.StartPipeline(ctx); err != nil {
		return err
	}

	report, err := app.orchestrator.ProcessBatch(ctx, faults)
	if report != nil {
		if werr := writeJSON(cmd.OutOrStdout(), report.WorkOrders()); werr != nil {
			return werr
		}
	}
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d faults failed", report.Failed, len(faults))
	}
	return nil
}

func ensureAgentCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-agent",
		Short: "Synchronize the planning agent definition and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			app := NewApp(cfg, nil)
			defer app.Shutdown()

			if err := app.StartStore(cmd.Context()); err != nil {
				return err
			}
			res, err := app.agents.EnsureVersion(cmd.Context(), app.agentSpec())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"action":     res.Action,
				"definition": res.Definition,
			})
		},
	}
}

func workOrdersCmd(opts *globalOptions) *cobra.Command {
	var machineID string

	cmd := &cobra.Command{
		Use:   "workorders",
		Short: "List stored work orders for a machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			app := NewApp(cfg, nil)
			defer app.Shutdown()

			if err := app.StartStore(cmd.Context()); err != nil {
				return err
			}
			orders, err := app.store.ListByMachine(cmd.Context(), machineID)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), orders)
		},
	}

	cmd.Flags().StringVar(&machineID, "machine", "", "Machine ID")
	_ = cmd.MarkFlagRequired("machine")
	return cmd
}

func mapCmd(opts *globalOptions) *cobra.Command {
	var f fault.DiagnosedFault

	cmd := &cobra.Command{
		Use:   "map",
		Short: "Print the repair context for a fault type",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			mapper, err := loadMapper(cfg.Taxonomy.Path)
			if err != nil {
				return err
			}
			rc, err := mapper.Map(f)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), rc)
		},
	}

	cmd.Flags().StringVar(&f.MachineID, "machine", "", "Machine ID")
	cmd.Flags().StringVar(&f.FaultType, "fault-type", "", "Diagnosed fault type")
	cmd.Flags().StringVar(&f.Severity, "severity", "medium", "Severity (low, medium, high, critical)")
	_ = cmd.MarkFlagRequired("fault-type")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the user configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default user config unless one exists, and print its path",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.NewLoader(slog.Default()).EnsureUserConfig()
			if err != nil {
				return fmt.Errorf("init user config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	})
	return cmd
}

// loadFaults reads a list of faults from a JSON or YAML file. A single fault
// object is accepted too.
func loadFaults(path string) ([]fault.DiagnosedFault, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read faults: %w", err)
	}

	var faults []fault.DiagnosedFault
	if err := yaml.Unmarshal(data, &faults); err != nil {
		var single fault.DiagnosedFault
		if serr := yaml.Unmarshal(data, &single); serr != nil {
			return nil, fmt.Errorf("parse faults %s: %w", path, err)
		}
		faults = []fault.DiagnosedFault{single}
	}
	if len(faults) == 0 {
		return nil, errors.New("faults file is empty")
	}
	return faults, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
