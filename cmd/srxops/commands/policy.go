package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/srxops/srxops/pkg/config"
	"github.com/srxops/srxops/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and test change and readiness policies",
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			pe, err := newPolicyEngine(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			policies := pe.ListPolicies()
			if jsonOutput {
				return printJSON(cmd, policies)
			}
			t := newTable(cmd.OutOrStdout(), "NAME", "KIND", "SEVERITY", "ENABLED", "SOURCE")
			for _, p := range policies {
				t.row(p.Name, string(p.Kind), string(p.Severity), fmt.Sprint(p.Enabled), orDash(p.Source))
			}
			return t.flush()
		},
	}
}

func newPolicyCheckCommand() *cobra.Command {
	var (
		deviceRef   string
		commands    []string
		file        string
		diffFile    string
		description string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate set commands against the change policies",
		Long: `Evaluate set commands against the change policies without touching a
device. The exit status is non-zero when the change would be denied.`,
		Example: `  srxops policy check --command "delete security policies" --description "cleanup"
  srxops policy check --device srx-branch-01 --file changes.set`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if file != "" {
				fromFile, err := readCommands(file)
				if err != nil {
					return err
				}
				commands = append(commands, fromFile...)
			}
			if len(commands) == 0 {
				return fmt.Errorf("no commands given")
			}

			input := &policy.ChangeInput{
				Device:      policy.DeviceInfo{Hostname: "unknown"},
				Commands:    commands,
				Description: description,
				RequestedBy: actor,
			}
			if diffFile != "" {
				diff, err := os.ReadFile(diffFile)
				if err != nil {
					return err
				}
				input.Diff = string(diff)
			}

			var cfg *config.Config
			if deviceRef != "" {
				a, err := openApp(ctx)
				if err != nil {
					return err
				}
				defer a.Close()
				dev, err := a.resolveDevice(ctx, deviceRef)
				if err != nil {
					return err
				}
				input.Device = policy.DeviceInfo{
					ID:       dev.ID,
					Hostname: dev.Hostname,
					Model:    dev.Model,
					Site:     dev.Site,
					Region:   dev.Region,
					Tags:     dev.Tags,
				}
				cfg = a.cfg
			} else {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			pe, err := newPolicyEngine(ctx, cfg)
			if err != nil {
				return err
			}
			decision, err := pe.EvaluateChange(ctx, input)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(cmd, decision); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				for _, v := range decision.Violations {
					fmt.Fprintf(out, "DENY  %s\n", v.String())
				}
				for _, w := range decision.Warnings {
					fmt.Fprintf(out, "WARN  %s\n", w.String())
				}
				fmt.Fprintf(out, "%d policies evaluated\n", len(decision.EvaluatedPolicies))
			}

			if !decision.Allowed {
				return fmt.Errorf("change denied by %d policy violations", len(decision.Violations))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&deviceRef, "device", "d", "", "evaluate in the context of this device")
	cmd.Flags().StringArrayVar(&commands, "command", nil, "set command (repeatable)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "file with one set command per line")
	cmd.Flags().StringVar(&diffFile, "diff", "", "file holding the candidate diff")
	cmd.Flags().StringVar(&description, "description", "", "change description")

	return cmd
}
