package commands

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Browse stored configuration versions",
	}

	cmd.AddCommand(newConfigHistoryCommand())
	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigDiffCommand())

	return cmd
}

func newConfigHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <device>",
		Short: "List configuration versions of a device, newest first",
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
			versions, err := a.artifacts.History(ctx, dev, limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd, versions)
			}
			t := newTable(cmd.OutOrStdout(), "TOKEN", "TYPE", "SIZE", "LINES", "STORED", "BY", "MESSAGE")
			for _, v := range versions {
				t.row(shortToken(v.VersionToken), string(v.BackupType), humanize.Bytes(uint64(v.Size)),
					strconv.Itoa(v.Lines), when(&v.StoredAt), v.TriggeredBy, v.Message)
			}
			return t.flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of versions")

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <token>",
		Short: "Print a stored configuration",
		Long:  "Print a stored configuration. The token may be abbreviated to any unique prefix of at least six characters.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			token, err := a.artifacts.Resolve(args[0])
			if err != nil {
				return err
			}
			content, err := a.artifacts.Read(ctx, token)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(content)
			return err
		},
	}
}

func newConfigDiffCommand() *cobra.Command {
	var deviceRef string

	cmd := &cobra.Command{
		Use:   "diff [<from> <to>]",
		Short: "Diff two stored configurations",
		Example: `  srxops config diff 3f9a1c 8e02bd
  srxops config diff --device srx-branch-01`,
		Args: cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if (deviceRef == "") == (len(args) == 0) || (len(args) != 0 && len(args) != 2) {
				return fmt.Errorf("give two tokens or --device")
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			var from, to string
			if deviceRef != "" {
				dev, err := a.resolveDevice(ctx, deviceRef)
				if err != nil {
					return err
				}
				versions, err := a.artifacts.History(ctx, dev, 2)
				if err != nil {
					return err
				}
				if len(versions) < 2 {
					return fmt.Errorf("%s has fewer than two stored versions", dev.Hostname)
				}
				from, to = versions[1].VersionToken, versions[0].VersionToken
			} else {
				if from, err = a.artifacts.Resolve(args[0]); err != nil {
					return err
				}
				if to, err = a.artifacts.Resolve(args[1]); err != nil {
					return err
				}
			}

			diff, err := a.artifacts.Diff(ctx, from, to)
			if err != nil {
				return err
			}
			if diff == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "configurations are identical")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), diff)
			return nil
		},
	}

	cmd.Flags().StringVarP(&deviceRef, "device", "d", "", "diff the two newest versions of a device")

	return cmd
}

func newFirmwareCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "firmware",
		Short: "Inspect the firmware catalog",
	}

	cmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List firmware images, newest version first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			images, err := a.catalog.List()
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, images)
			}
			t := newTable(cmd.OutOrStdout(), "VERSION", "MAJOR", "SIZE", "FILE")
			for _, img := range images {
				t.row(img.Version, img.Major, humanize.Bytes(uint64(img.Size)), img.File)
			}
			if err := t.flush(); err != nil {
				return err
			}
			if len(images) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no images under %s\n", a.catalog.Dir())
			}
			return nil
		},
	})

	return cmd
}
