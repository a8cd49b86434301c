package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/postpulse/am"
	"github.com/teranos/postpulse/cmd/postpulse/commands"
	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/postpulse/sym"
)

var rootCmd = &cobra.Command{
	Use:   "postpulse",
	Short: sym.Pulse + " postpulse - scheduled publishing for Xiaohongshu notes",
	Long: sym.Pulse + ` postpulse - scheduled publishing for Xiaohongshu notes.

postpulse stores posts and schedules in SQLite, polls for due schedules and
publishes them through an MCP server's publish tool, retrying failures and
rescheduling recurring posts.

Available commands:
  serve     - Run the scheduler daemon and HTTP API
  schedule  - Create and manage scheduled publishes
  post      - Add and list posts
  history   - Show the publish audit trail
  am        - Manage configuration ("I am")
  db        - Migrate and inspect the database
  version   - Show build information

Examples:
  postpulse am init                                  # Write ./am.toml
  postpulse post add --title "Hello" --content "..."  # Add a post
  postpulse schedule create --post 1 --type daily --time 09:00
  postpulse serve                                    # Start the daemon`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		return initLogger(cmd, verbosity)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

// initLogger sets up logging for cmd. The daemon logs at log.level; one-off
// commands stay quiet unless -v is given so their output is readable.
func initLogger(cmd *cobra.Command, verbosity int) error {
	jsonOutput := false
	level := logger.VerbosityToLevel(verbosity)

	var (
		cfg *am.Config
		err error
	)
	if commands.ConfigFile != "" {
		cfg, err = am.LoadFromFile(commands.ConfigFile)
	} else {
		cfg, err = am.Load()
	}
	if err == nil {
		jsonOutput = cfg.Log.JSON
		if cmd.Name() == commands.ServeCmd.Name() && verbosity == 0 {
			level = logger.ParseLevel(cfg.Log.Level)
		}
	}

	if err := logger.InitializeWithLevel(jsonOutput, level); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().StringVarP(&commands.ConfigFile, "config", "c", "", "Config file (skips the system/user/project cascade)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.PostCmd)
	rootCmd.AddCommand(commands.HistoryCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintln(os.Stderr, "Hint:", hint)
		}
		os.Exit(1)
	}
}
