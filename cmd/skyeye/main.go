// Command skyeye flies a survey mission while sampling video, detecting
// objects and recording geotagged evidence.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dj-oyu/skyeye-pipeline/internal/logger"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "skyeye",
		Short:         "Aerial survey pipeline: mission execution, frame sampling and geotagged detection",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error, silent)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(g),
		newPlanCmd(),
		newQueryCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "skyeye %s\n", version)
		},
	}
}

// initLogger sets up the global logger. Flags win over the config file.
func initLogger(level, format string) error {
	lv, err := logger.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.Init(lv, os.Stderr, format)
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
