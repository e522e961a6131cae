package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/ctrtools/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const envPrefix = "CTRTOOLS_"

// envBound lists the persistent flags that fall back to CTRTOOLS_<NAME>.
var envBound = map[string]bool{
	"config":       true,
	"dir":          true,
	"ledger":       true,
	"metrics-file": true,
	"no-color":     true,
}

type cliOptions struct {
	configPath  string
	dir         string
	ledgerPath  string
	metricsFile string
	jsonOutput  bool
	noColor     bool
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   "ctrtools",
		Short: "Download, mark executable, and smoke-test prebuilt Nintendo 3DS (CTR) ROM tools",
		Long: "ctrtools fetches ctrtool, makerom, and 3dstool into a tools directory, sets the\n" +
			"executable bit, runs each with its help flag, and lists the directory.\n" +
			"Running it without a subcommand is the same as `ctrtools provision`.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logging.ConfigureRuntime()
			if err := applyEnvBindings(cmd.Flags()); err != nil {
				return err
			}
			applyColor(opts)
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default: user config dir ctrtools/config.toml when present)")
	flags.StringVar(&opts.dir, "dir", "", "tools directory (overrides config dir)")
	flags.StringVar(&opts.ledgerPath, "ledger", "", "ledger database path (overrides config ledger)")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "write prometheus textfile metrics to this path after the run")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output JSON")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	provision := newProvisionCmd(opts)
	root.RunE = provision.RunE
	root.Flags().AddFlagSet(provision.Flags())

	root.AddCommand(
		provision,
		newVerifyCmd(opts),
		newListCmd(opts),
		newStatusCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

func envName(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// applyEnvBindings fills flags left unset on the command line from the environment.
func applyEnvBindings(flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Changed || !envBound[f.Name] {
			return
		}
		value, ok := os.LookupEnv(envName(f.Name))
		if !ok || strings.TrimSpace(value) == "" {
			return
		}
		if setErr := flags.Set(f.Name, strings.TrimSpace(value)); setErr != nil {
			err = fmt.Errorf("%s: %w", envName(f.Name), setErr)
		}
	})
	return err
}
