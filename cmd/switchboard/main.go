package main

import (
	"fmt"
	"os"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/spf13/cobra"
)

var (
	version = "dev"

	envFile string
)

func newRootCommand() (*cobra.Command, error) {
	root := &cobra.Command{
		Use:   "switchboard",
		Short: "switchboard multiplexes chat transport sessions behind an HTTP and websocket API",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logging.InitLoggerFromCobra(cmd)
		},
		SilenceUsage: true,
	}
	// registers --log-level, --log-format, --log-file and --with-caller
	if err := clay.InitGlazed("switchboard", root); err != nil {
		return nil, err
	}

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, root)

	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to read before the environment is parsed")
	root.AddCommand(newServeCommand(), newVersionCommand())
	return root, nil
}

func main() {
	root, err := newRootCommand()
	cobra.CheckErr(err)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
