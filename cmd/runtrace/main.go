// Instrumented task runner
// Runs a YAML task file through a registered runner and exports one trace per invocation
package main

import (
	"fmt"
	"os"

	"github.com/andrewh/runtrace/pkg/runner"
	"github.com/andrewh/runtrace/pkg/taskfile"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	runner.Version = version
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		cfgFile string
		v       = viper.New()
	)

	root := &cobra.Command{
		Use:          "runtrace",
		Short:        "Run tasks and trace every invocation with OpenTelemetry",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd, v, cfgFile)
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.runtrace.yaml if present)")

	root.AddCommand(runCmd(v))
	root.AddCommand(validateCmd())
	root.AddCommand(historyCmd(v))
	root.AddCommand(versionCmd())

	return root
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <tasks.yaml>",
		Short: "Parse and validate a task file",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing task file\n\nUsage: runtrace validate <tasks.yaml>")
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := taskfile.Load(args[0])
			if err != nil {
				return err
			}
			if err := taskfile.Validate(f); err != nil {
				return err
			}
			label := "tasks"
			if len(f.Tasks) == 1 {
				label = "task"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task file valid: %d %s, runner %s\n\n"+
				"To run the tasks and print their trace:\n"+
				"  runtrace run --stdout %s\n",
				len(f.Tasks), label, f.RunnerName(), args[0])
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "runtrace %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
}
