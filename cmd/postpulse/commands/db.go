package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/postpulse/db"
	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/postpulse/pulse/schedule"
	"github.com/teranos/postpulse/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the postpulse database",
	Long: sym.DB + ` db - Manage postpulse database operations

Examples:
  postpulse db migrate            # Apply pending migrations
  postpulse db stats              # Schema version, job counts and recent publishing
  postpulse db prune              # Apply retention now instead of waiting for retention.cron`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Args:  cobra.NoArgs,
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	Args:  cobra.NoArgs,
	RunE:  runDbStats,
}

var dbPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete execution logs and history older than retention.days",
	Args:  cobra.NoArgs,
	RunE:  runDbPrune,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbPruneCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := cfg.GetDatabasePath()
	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Migrate(database, logger.Logger); err != nil {
		return errors.Wrapf(err, "failed to run migrations on %s", path)
	}
	versions, err := db.AppliedVersions(database)
	if err != nil {
		return err
	}

	latest := "-"
	if len(versions) > 0 {
		latest = versions[len(versions)-1]
	}
	pterm.Success.WithWriter(cmd.OutOrStdout()).Printfln("%s is at schema version %s (%d migrations applied)",
		path, latest, len(versions))
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := newStack(cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	versions, err := db.AppliedVersions(st.db)
	if err != nil {
		return err
	}
	counts, err := st.service.CountByStatus(ctx)
	if err != nil {
		return err
	}
	_, historyTotal, err := st.history.ListHistory(ctx, schedule.HistoryFilter{Limit: 1})
	if err != nil {
		return err
	}
	today := time.Now().UTC().Format(time.DateOnly)
	days, err := st.history.GetDailyStats(ctx, today, today)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	path := cfg.GetDatabasePath()
	size := "-"
	if info, err := os.Stat(path); err == nil {
		size = fmt.Sprintf("%.1f KiB", float64(info.Size())/1024)
	}
	schemaVersion := "-"
	if len(versions) > 0 {
		schemaVersion = versions[len(versions)-1]
	}

	fmt.Fprintf(out, "%s Database Statistics\n", sym.DB)
	fmt.Fprintf(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Fprintf(out, "Database Path:    %s\n", path)
	fmt.Fprintf(out, "Size:             %s\n", size)
	fmt.Fprintf(out, "Schema Version:   %s (%d migrations)\n", schemaVersion, len(versions))
	fmt.Fprintf(out, "History Records:  %d\n", historyTotal)
	fmt.Fprintln(out)

	rows := make([][]string, 0, 4)
	for _, status := range []schedule.Status{schedule.StatusPending, schedule.StatusCompleted, schedule.StatusFailed, schedule.StatusCancelled} {
		rows = append(rows, []string{string(status), fmt.Sprint(counts[status])})
	}
	if err := renderTable(out, []string{"STATUS", "SCHEDULES"}, rows, ""); err != nil {
		return err
	}

	fmt.Fprintln(out)
	if len(days) == 0 {
		fmt.Fprintln(out, "No publish attempts today (UTC)")
		return nil
	}
	d := days[0]
	fmt.Fprintf(out, "Today (UTC): %d attempts, %d published, %d failed, %.0f%% success\n",
		d.TotalAttempts, d.SuccessfulPublishes, d.FailedPublishes, d.SuccessRate()*100)
	return nil
}

func runDbPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := newStack(cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer st.Close()

	janitor, err := schedule.NewJanitor(st.logs, st.history, st.clock, schedule.JanitorConfig{
		Schedule: cfg.Retention.Cron,
		Days:     cfg.Retention.Days,
		Location: st.calc.Location(),
	}, logger.Logger)
	if err != nil {
		return err
	}

	logsDeleted, historyDeleted, err := janitor.RunOnce(cmd.Context())
	if err != nil {
		return err
	}
	pterm.Success.WithWriter(cmd.OutOrStdout()).Printfln("Deleted %d execution logs and %d history records older than %d days",
		logsDeleted, historyDeleted, cfg.Retention.Days)
	return nil
}
