package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/ctrtools/internal/config"
	"github.com/danmuck/ctrtools/internal/observability"
	"github.com/danmuck/ctrtools/internal/provision"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newProvisionCmd(opts *cliOptions) *cobra.Command {
	var only []string
	var failFast bool

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Download each tool, mark it executable, smoke-test it, and list the directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			aopts := appOptions{withLedger: true}
			if cmd.Flags().Changed("fail-fast") {
				aopts.failFast = &failFast
			}
			a, err := loadApp(opts, aopts)
			if err != nil {
				return err
			}
			defer a.Close()

			descriptors, err := a.selectTools(only)
			if err != nil {
				return err
			}
			report, runErr := a.provisioner.Provision(cmd.Context(), descriptors)
			return finishRun(cmd.Context(), cmd.OutOrStdout(), opts, report, runErr)
		},
	}
	cmd.Flags().StringArrayVar(&only, "only", nil, "tool id glob to include (repeatable)")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "stop at the first tool that fails")
	return cmd
}

func newVerifyCmd(opts *cliOptions) *cobra.Command {
	var only []string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Smoke-test tools already in the directory without downloading",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(opts, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			descriptors, err := a.selectTools(only)
			if err != nil {
				return err
			}
			report, runErr := a.provisioner.Verify(cmd.Context(), descriptors)
			return finishRun(cmd.Context(), cmd.OutOrStdout(), opts, report, runErr)
		},
	}
	cmd.Flags().StringArrayVar(&only, "only", nil, "tool id glob to include (repeatable)")
	return cmd
}

func newListCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the tools directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(opts, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.provisioner.List()
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), a.provisioner.Dir(), entries, opts.jsonOutput)
		},
	}
}

func newStatusCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Compare the ledger with the tools directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(opts, appOptions{withLedger: true})
			if err != nil {
				return err
			}
			defer a.Close()

			statuses, err := a.provisioner.Status(a.ledger, a.registry.List())
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), statuses, opts.jsonOutput)
		},
	}
}

func newConfigCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or validate the configuration file",
	}

	var output string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config template with the default tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target := output
			if target == "" {
				target = config.DefaultPath()
			}
			if err := config.WriteTemplate(target, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote config template to %s\n", target)
			return nil
		},
	}
	initCmd.Flags().StringVar(&output, "output", "", "output path (default: user config dir)")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	var input string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := input
			if path == "" {
				path = opts.configPath
			}
			if path == "" {
				path = config.DefaultPath()
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "validated %s: %d tools, dir=%s\n", path, len(cfg.Tools), cfg.Dir)
			return nil
		},
	}
	validateCmd.Flags().StringVar(&input, "input", "", "config path (default: --config or user config dir)")

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}

// finishRun prints the report, writes metrics, and maps tool failures to exit 1.
func finishRun(ctx context.Context, w io.Writer, opts *cliOptions, report provision.Report, runErr error) error {
	if err := observability.WriteTextfile(opts.metricsFile); err != nil {
		log.Warn().Err(err).Str("path", opts.metricsFile).Msg("metrics textfile")
	}
	if printErr := printReport(w, report, opts.jsonOutput); printErr != nil {
		return printErr
	}
	if runErr == nil {
		return nil
	}
	if errors.Is(runErr, context.Canceled) && ctx.Err() != nil {
		return exitError{code: 130, message: "interrupted"}
	}
	if len(report.Failed()) > 0 {
		log.Error().Err(runErr).Int("failed", len(report.Failed())).Msg(string(report.Stage) + " incomplete")
		return exitSilent(1)
	}
	return runErr
}
