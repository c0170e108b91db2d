// Command fileaudit watches files and directory trees and records every
// create, modify and delete into a persistent operation log.
//
//	fileaudit run                 start the monitor and the HTTP endpoints
//	fileaudit targets list        show stored watch targets
//	fileaudit records --limit 20  show the latest operation records
//	fileaudit audit verify FILE   check an audit trail's hash chain
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tripwire/fileaudit/internal/config"
	"github.com/tripwire/fileaudit/internal/logging"
)

func main() {
	if err := newRootCmd(os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fileaudit: %v\n", err)
		os.Exit(1)
	}
}

// app carries what every subcommand resolves from the persistent flags.
type app struct {
	configPath string
	logOut     io.Writer

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd(logOut io.Writer) *cobra.Command {
	a := &app{logOut: logOut}
	root := &cobra.Command{
		Use:           "fileaudit",
		Short:         "File operation auditing service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to the YAML configuration file (defaults apply when empty)")

	root.AddCommand(
		newRunCmd(a),
		newTargetsCmd(a),
		newRecordsCmd(a),
		newAuditCmd(a),
	)
	return root
}

func (a *app) load() error {
	if a.configPath == "" {
		a.cfg = config.Default()
	} else {
		cfg, err := config.LoadConfig(a.configPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
	}
	a.logger = logging.New(a.logOut, a.cfg.LogLevel, a.cfg.LogFormat)
	slog.SetDefault(a.logger)
	return nil
}
