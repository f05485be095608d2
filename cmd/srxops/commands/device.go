package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srxops/srxops/pkg/config"
	"github.com/srxops/srxops/pkg/engine"
)

func newDeviceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "device",
		Aliases: []string{"devices"},
		Short:   "Manage the device inventory",
	}

	cmd.AddCommand(newDeviceAddCommand())
	cmd.AddCommand(newDeviceListCommand())
	cmd.AddCommand(newDeviceShowCommand())
	cmd.AddCommand(newDeviceRemoveCommand())
	cmd.AddCommand(newDeviceImportCommand())

	return cmd
}

func newDeviceAddCommand() *cobra.Command {
	var (
		spec     config.DeviceSpec
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a device",
		Example: `  srxops device add --hostname srx-branch-01 --ip 192.0.2.10 \
    --region west --site "Branch 12" --tag pilot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if disabled {
				enabled := false
				spec.Enabled = &enabled
			}
			if err := spec.Validate(); err != nil {
				return err
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			dev := spec.Device()
			if err := a.store.CreateDevice(ctx, dev); err != nil {
				return err
			}
			a.audit(ctx, "device.created", dev.ID, map[string]string{"hostname": dev.Hostname, "mgmt_ip": dev.MgmtIP})

			if jsonOutput {
				return printJSON(cmd, dev)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s) as %s\n", dev.Hostname, dev.MgmtIP, dev.ID)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&spec.Hostname, "hostname", "", "device host name")
	f.StringVar(&spec.MgmtIP, "ip", "", "management IP address")
	f.StringVar(&spec.Site, "site", "", "site name")
	f.StringVar(&spec.City, "city", "", "city")
	f.StringVar(&spec.State, "state", "", "state")
	f.StringVar(&spec.Region, "region", "", "region")
	f.StringVar(&spec.Entity, "entity", "", "owning entity")
	f.StringVar(&spec.Model, "model", "", "hardware model")
	f.StringVar(&spec.Subnet, "subnet", "", "LAN subnet (CIDR)")
	f.StringVar(&spec.WANType, "wan-type", "", "WAN circuit type")
	f.StringVar(&spec.ISPProvider, "isp", "", "ISP provider")
	f.StringVar(&spec.AccountNumber, "account", "", "ISP account number")
	f.StringVar(&spec.Technician, "technician", "", "responsible technician")
	f.StringVar(&spec.SSHUser, "ssh-user", "", "SSH user override")
	f.StringVar(&spec.SSHPassword, "ssh-password", "", "SSH password override")
	f.IntVar(&spec.SSHPort, "ssh-port", 22, "SSH port")
	f.StringSliceVar(&spec.Tags, "tag", nil, "tag (repeatable)")
	f.StringVar(&spec.Notes, "notes", "", "free-form notes")
	f.BoolVar(&disabled, "disabled", false, "exclude from scheduled jobs")
	_ = cmd.MarkFlagRequired("hostname")
	_ = cmd.MarkFlagRequired("ip")

	return cmd
}

func newDeviceListCommand() *cobra.Command {
	var (
		enabledOnly bool
		region      string
		tag         string
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			all, err := a.store.ListDevices(ctx, enabledOnly)
			if err != nil {
				return err
			}
			devices := all[:0]
			for _, d := range all {
				if region != "" && d.Region != region {
					continue
				}
				if tag != "" && !hasTag(d, tag) {
					continue
				}
				devices = append(devices, d)
			}

			if jsonOutput {
				return printJSON(cmd, devices)
			}
			t := newTable(cmd.OutOrStdout(), "ID", "HOSTNAME", "MGMT IP", "REGION", "SITE", "MODEL", "VERSION", "ENABLED", "LAST BACKUP")
			for _, d := range devices {
				t.row(shortID(d.ID), d.Hostname, d.MgmtIP, orDash(d.Region), orDash(d.Site), orDash(d.Model),
					orDash(d.FirmwareVersion), strconv.FormatBool(d.Enabled), when(d.LastBackupAt))
			}
			return t.flush()
		},
	}

	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "only enabled devices")
	cmd.Flags().StringVar(&region, "region", "", "filter by region")
	cmd.Flags().StringVar(&tag, "tag", "", "filter by tag")

	return cmd
}

func hasTag(d *engine.Device, tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func newDeviceShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <device>",
		Short: "Show a device with its recent jobs and backups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			dev, err := a.resolveDevice(ctx, args[0])
			if err != nil {
				return err
			}
			jobs, err := a.store.ListJobs(ctx, engine.JobFilter{DeviceID: dev.ID, Limit: 5})
			if err != nil {
				return err
			}
			versions, err := a.store.ListConfigVersions(ctx, dev.ID, 5)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd, map[string]any{"device": dev, "jobs": jobs, "versions": versions})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:          %s\n", dev.ID)
			fmt.Fprintf(out, "Hostname:    %s\n", dev.Hostname)
			fmt.Fprintf(out, "Mgmt IP:     %s:%d\n", dev.MgmtIP, dev.SSHPort)
			fmt.Fprintf(out, "Location:    %s\n", orDash(strings.Trim(strings.Join([]string{dev.Site, dev.City, dev.State, dev.Region}, ", "), ", ")))
			fmt.Fprintf(out, "Model:       %s\n", orDash(dev.Model))
			fmt.Fprintf(out, "Serial:      %s\n", orDash(dev.SerialNumber))
			fmt.Fprintf(out, "Firmware:    %s\n", orDash(dev.FirmwareVersion))
			fmt.Fprintf(out, "Enabled:     %t\n", dev.Enabled)
			fmt.Fprintf(out, "Last seen:   %s\n", when(dev.LastSeenAt))
			fmt.Fprintf(out, "Last backup: %s\n", when(dev.LastBackupAt))
			if len(dev.Tags) > 0 {
				fmt.Fprintf(out, "Tags:        %s\n", strings.Join(dev.Tags, ", "))
			}

			fmt.Fprintln(out, "\nRecent jobs:")
			jt := newTable(out, "ID", "TYPE", "STATUS", "QUEUED")
			for _, j := range jobs {
				jt.row(shortID(j.ID), string(j.Type), string(j.Status), when(&j.QueuedAt))
			}
			if err := jt.flush(); err != nil {
				return err
			}

			fmt.Fprintln(out, "\nRecent backups:")
			vt := newTable(out, "TOKEN", "TYPE", "LINES", "STORED")
			for _, v := range versions {
				vt.row(shortToken(v.VersionToken), string(v.BackupType), strconv.Itoa(v.Lines), when(&v.StoredAt))
			}
			return vt.flush()
		},
	}
}

func newDeviceRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <device>",
		Aliases: []string{"rm"},
		Short:   "Remove a device with its jobs and backup history",
		Long: `Remove a device together with its jobs, configuration versions and lease.
Stored configuration files are kept. Devices with a pending or running job
cannot be removed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			dev, err := a.resolveDevice(ctx, args[0])
			if err != nil {
				return err
			}
			if err := a.store.DeleteDevice(ctx, dev.ID); err != nil {
				return err
			}
			a.audit(ctx, "device.deleted", dev.ID, map[string]string{"hostname": dev.Hostname})
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", dev.Hostname)
			return nil
		},
	}
}

func newDeviceImportCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "import <file|dir>",
		Short: "Import devices from a CUE, YAML or CSV inventory",
		Long: `Import devices from an inventory file.

Supported formats are chosen by extension: .cue files or directories of CUE
files, .yaml/.yml documents with a devices list, and .csv spreadsheet
exports with "Site Name" and "Public IP" columns. Devices are matched by
management IP; existing devices are updated and new ones created.`,
		Example: `  srxops device import inventory.cue
  srxops device import --dry-run srx_inventory.csv`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			inv, err := config.LoadInventory(ctx, args[0])
			if err != nil {
				return err
			}
			if !inv.Valid() {
				for _, ve := range inv.Errors {
					fmt.Fprintln(cmd.ErrOrStderr(), ve.Error())
				}
				return fmt.Errorf("inventory has %d errors", len(inv.Errors))
			}

			if dryRun {
				if jsonOutput {
					return printJSON(cmd, inv)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d devices valid, %d rows skipped\n", len(inv.Devices), inv.Skipped)
				return nil
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := config.Import(ctx, a.store, inv)
			if err != nil {
				return err
			}
			a.audit(ctx, "device.imported", args[0], stats)

			if jsonOutput {
				return printJSON(cmd, stats)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d, updated %d, failed %d, skipped %d\n",
				stats.Imported, stats.Updated, stats.Failed, stats.Skipped)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate only")

	return cmd
}
