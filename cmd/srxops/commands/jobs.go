package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srxops/srxops/pkg/engine"
)

func newChangeCommand() *cobra.Command {
	var (
		deviceRef   string
		commands    []string
		file        string
		description string
		timeout     int
		wait        bool
	)

	cmd := &cobra.Command{
		Use:   "change",
		Short: "Apply configuration commands with commit confirmed",
		Long: `Queue a configuration change for one device.

The worker snapshots the running configuration, loads the set commands,
checks the diff against the change policies, commits with a confirmed
rollback timer, verifies it can still reach the device and confirms the
commit. If the device cannot be reached the timer rolls the change back.`,
		Example: `  srxops change --device srx-branch-01 \
    --command "set system ntp server 192.0.2.1" \
    --description "Add NTP server" --wait

  srxops change --device 192.0.2.10 --file changes.set --description "VPN rekey"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if file != "" {
				fromFile, err := readCommands(file)
				if err != nil {
					return err
				}
				commands = append(commands, fromFile...)
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			dev, err := a.resolveDevice(ctx, deviceRef)
			if err != nil {
				return err
			}
			job, err := a.submit(ctx, engine.EnqueueRequest{
				Type:        engine.JobTypeConfigChange,
				DeviceID:    dev.ID,
				RequestedBy: a.requester(),
				Params: engine.JobParams{
					Commands:       commands,
					Description:    description,
					ConfirmTimeout: timeout,
				},
			}, wait)
			if err != nil {
				return err
			}
			return printJob(cmd, job)
		},
	}

	cmd.Flags().StringVarP(&deviceRef, "device", "d", "", "device ID, hostname or management IP")
	cmd.Flags().StringArrayVar(&commands, "command", nil, "set command (repeatable)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "file with one set command per line")
	cmd.Flags().StringVar(&description, "description", "", "change description used in the commit log")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "commit confirmed timeout in minutes (default from config)")
	cmd.Flags().BoolVar(&wait, "wait", false, "run the job in this process and wait for the result")
	_ = cmd.MarkFlagRequired("device")

	return cmd
}

// readCommands reads set commands, ignoring blank lines and # comments.
func readCommands(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var commands []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		commands = append(commands, line)
	}
	return commands, scanner.Err()
}

func newUpgradeCommand() *cobra.Command {
	var (
		deviceRef string
		version   string
		wait      bool
	)

	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade device firmware",
		Long: `Queue a firmware upgrade for one device.

The image for the target version is taken from the firmware directory of
the artifact store. The worker runs readiness checks, backs up the
configuration, uploads and installs the image, reboots, waits for the
device to come back and compares its state with the state before.`,
		Example: `  srxops upgrade --device srx-branch-01 --version 21.4R3-S5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.catalog.Find(version); err != nil {
				return fmt.Errorf("firmware %s: %w", version, err)
			}
			dev, err := a.resolveDevice(ctx, deviceRef)
			if err != nil {
				return err
			}
			job, err := a.submit(ctx, engine.EnqueueRequest{
				Type:        engine.JobTypeUpgrade,
				DeviceID:    dev.ID,
				RequestedBy: a.requester(),
				Params:      engine.JobParams{FirmwareVersion: version},
			}, wait)
			if err != nil {
				return err
			}
			return printJob(cmd, job)
		},
	}

	cmd.Flags().StringVarP(&deviceRef, "device", "d", "", "device ID, hostname or management IP")
	cmd.Flags().StringVar(&version, "version", "", "target firmware version")
	cmd.Flags().BoolVar(&wait, "wait", false, "run the job in this process and wait for the result")
	_ = cmd.MarkFlagRequired("device")
	_ = cmd.MarkFlagRequired("version")

	return cmd
}

func newBackupCommand() *cobra.Command {
	return newFleetJobCommand(engine.JobTypeBackup, "backup", "Back up running configurations",
		`  srxops backup --device srx-branch-01 --wait
  srxops backup --all --region west`)
}

func newHealthCommand() *cobra.Command {
	return newFleetJobCommand(engine.JobTypeHealth, "health", "Check device health and refresh facts",
		`  srxops health --device srx-branch-01 --wait`)
}

// newFleetJobCommand builds the backup and health commands, which target one
// device or every enabled device.
func newFleetJobCommand(jobType engine.JobType, use, short, example string) *cobra.Command {
	var (
		deviceRef string
		all       bool
		region    string
		wait      bool
	)

	cmd := &cobra.Command{
		Use:     use,
		Short:   short,
		Example: example,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (deviceRef == "") == !all {
				return fmt.Errorf("exactly one of --device or --all is required")
			}

			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			var targets []*engine.Device
			if all {
				devices, err := a.store.ListDevices(ctx, true)
				if err != nil {
					return err
				}
				for _, d := range devices {
					if region == "" || d.Region == region {
						targets = append(targets, d)
					}
				}
			} else {
				dev, err := a.resolveDevice(ctx, deviceRef)
				if err != nil {
					return err
				}
				targets = append(targets, dev)
			}

			var jobs []*engine.Job
			for _, dev := range targets {
				job, err := a.submit(ctx, engine.EnqueueRequest{
					Type:        jobType,
					DeviceID:    dev.ID,
					RequestedBy: a.requester(),
				}, wait)
				if err != nil {
					return fmt.Errorf("%s: %w", dev.Hostname, err)
				}
				jobs = append(jobs, job)
			}

			if len(jobs) == 1 && !all {
				return printJob(cmd, jobs[0])
			}
			return printJobs(cmd, jobs)
		},
	}

	cmd.Flags().StringVarP(&deviceRef, "device", "d", "", "device ID, hostname or management IP")
	cmd.Flags().BoolVar(&all, "all", false, "every enabled device")
	cmd.Flags().StringVar(&region, "region", "", "limit --all to a region")
	cmd.Flags().BoolVar(&wait, "wait", false, "run the jobs in this process and wait for the results")

	return cmd
}

func printJobs(cmd *cobra.Command, jobs []*engine.Job) error {
	if jsonOutput {
		return printJSON(cmd, jobs)
	}
	t := newTable(cmd.OutOrStdout(), "ID", "TYPE", "DEVICE", "STATUS", "PHASE", "QUEUED", "REQUESTED BY")
	for _, j := range jobs {
		t.row(shortID(j.ID), string(j.Type), shortID(j.DeviceID), string(j.Status), orDash(j.Phase),
			when(&j.QueuedAt), j.RequestedBy.Label())
	}
	return t.flush()
}

func newJobCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "job",
		Aliases: []string{"jobs"},
		Short:   "Inspect and control jobs",
	}

	cmd.AddCommand(newJobListCommand())
	cmd.AddCommand(newJobShowCommand())
	cmd.AddCommand(newJobCancelCommand())
	cmd.AddCommand(newJobDrainCommand())

	return cmd
}

func newJobListCommand() *cobra.Command {
	var (
		deviceRef string
		jobType   string
		status    string
		limit     int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			filter := engine.JobFilter{Type: engine.JobType(jobType), Status: engine.JobStatus(status), Limit: limit}
			if jobType != "" {
				if err := filter.Type.Validate(); err != nil {
					return err
				}
			}
			if status != "" {
				if err := filter.Status.Validate(); err != nil {
					return err
				}
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if deviceRef != "" {
				dev, err := a.resolveDevice(ctx, deviceRef)
				if err != nil {
					return err
				}
				filter.DeviceID = dev.ID
			}

			jobs, err := a.store.ListJobs(ctx, filter)
			if err != nil {
				return err
			}
			return printJobs(cmd, jobs)
		},
	}

	cmd.Flags().StringVarP(&deviceRef, "device", "d", "", "filter by device")
	cmd.Flags().StringVar(&jobType, "type", "", "filter by type: backup, health, config_change, upgrade")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs")

	return cmd
}

func newJobShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job with its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.store.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJob(cmd, job)
		},
	}
}

func newJobCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending job or ask a running one to stop",
		Long: `Cancel a job. Pending jobs are cancelled at once. Running jobs stop at
the next point where the device has not been changed yet; once a commit or
an install has started the job runs to completion.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.store.CancelJob(ctx, args[0])
			if err != nil {
				return err
			}
			a.audit(ctx, "job.cancelled", job.ID, map[string]string{"status": string(job.Status)})
			return printJob(cmd, job)
		},
	}
}

func newJobDrainCommand() *cobra.Command {
	var queues []string

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Run pending jobs in this process until the queue is empty",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			runner, _, err := a.newRunner(ctx)
			if err != nil {
				return err
			}
			poolCfg := a.cfg.Worker.PoolConfig()
			if len(queues) > 0 {
				poolCfg.Queues = nil
				for _, q := range queues {
					poolCfg.Queues = append(poolCfg.Queues, engine.Queue(q))
				}
			}

			count, err := engine.NewPool(runner, a.store, poolCfg).Drain(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "ran %d jobs\n", count)
			return err
		},
	}

	cmd.Flags().StringSliceVar(&queues, "queues", nil, "queues to drain (default all)")

	return cmd
}
