package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/internal/util"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/postpulse/pulse/schedule"
	"github.com/teranos/postpulse/server"
	"github.com/teranos/postpulse/sym"
)

// ScheduleCmd manages scheduled publishes directly against the database
var ScheduleCmd = &cobra.Command{
	Use:     "schedule",
	Aliases: []string{"sched"},
	Short:   sym.Pulse + " Manage scheduled publishes",
	Long: sym.Pulse + ` schedule - create, inspect and control scheduled publishes.

These commands work on the database directly, so they are available whether
or not the daemon is running. Times given with --at are RFC3339; --time is a
wall-clock HH:MM in scheduler.timezone.

Examples:
  postpulse schedule create --post 3 --type once --at 2026-11-01T09:00:00+08:00
  postpulse schedule create --post 3 --type daily --time 09:30
  postpulse schedule create --post 3 --type weekly --day-of-week 1 --time 18:00
  postpulse schedule create --post 3 --type monthly --day-of-month 31
  postpulse schedule ls --status failed
  postpulse schedule logs JB_...
  postpulse schedule update JB_... --time 10:00   # also revives a failed job
  postpulse schedule run JB_...                   # publish now`,
}

var scheduleCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a schedule for a post",
	Args:  cobra.NoArgs,
	RunE:  runScheduleCreate,
}

var scheduleListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List schedules, soonest first",
	Args:    cobra.NoArgs,
	RunE:    runScheduleList,
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleShow,
}

var scheduleLogsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Show execution attempts for a schedule, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleLogs,
}

var scheduleUpdateCmd = &cobra.Command{
	Use:   "update <job-id>",
	Short: "Change timing or retries; resets the schedule to pending",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleUpdate,
}

var scheduleCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleCancel,
}

var scheduleRemoveCmd = &cobra.Command{
	Use:     "rm <job-id>",
	Aliases: []string{"delete"},
	Short:   "Delete a schedule and its execution logs",
	Args:    cobra.ExactArgs(1),
	RunE:    runScheduleRemove,
}

var scheduleRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Publish a pending schedule now",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRun,
}

// scheduleFlags holds the flags shared by create and update
type scheduleFlags struct {
	postID     int64
	recurrence string
	at         string
	timeOfDay  string
	dayOfWeek  int
	dayOfMonth int
	maxRetries int
	accountID  string
}

var (
	createFlags scheduleFlags
	updateFlags scheduleFlags

	listStatus string
	listPostID int64
	listType   string
	listLimit  int
	jsonOutput bool
)

func init() {
	f := scheduleCreateCmd.Flags()
	f.Int64Var(&createFlags.postID, "post", 0, "Post ID to publish (required)")
	f.StringVar(&createFlags.recurrence, "type", "once", "Recurrence: once, daily, weekly, monthly")
	f.StringVar(&createFlags.accountID, "account", "", "Publishing account (default publisher.account_id)")
	addTimingFlags(f, &createFlags)
	_ = scheduleCreateCmd.MarkFlagRequired("post")

	addTimingFlags(scheduleUpdateCmd.Flags(), &updateFlags)

	lf := scheduleListCmd.Flags()
	lf.StringVar(&listStatus, "status", "", "Filter by status: pending, completed, failed, cancelled")
	lf.Int64Var(&listPostID, "post", 0, "Filter by post ID")
	lf.StringVar(&listType, "type", "", "Filter by recurrence type")
	lf.IntVar(&listLimit, "limit", 0, "Maximum rows (0 = all)")

	for _, c := range []*cobra.Command{scheduleCreateCmd, scheduleListCmd, scheduleShowCmd, scheduleLogsCmd, scheduleUpdateCmd, scheduleRunCmd} {
		c.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output JSON")
	}

	ScheduleCmd.AddCommand(scheduleCreateCmd)
	ScheduleCmd.AddCommand(scheduleListCmd)
	ScheduleCmd.AddCommand(scheduleShowCmd)
	ScheduleCmd.AddCommand(scheduleLogsCmd)
	ScheduleCmd.AddCommand(scheduleUpdateCmd)
	ScheduleCmd.AddCommand(scheduleCancelCmd)
	ScheduleCmd.AddCommand(scheduleRemoveCmd)
	ScheduleCmd.AddCommand(scheduleRunCmd)
}

func addTimingFlags(f *pflag.FlagSet, sf *scheduleFlags) {
	f.StringVar(&sf.at, "at", "", "Publish instant for once schedules (RFC3339)")
	f.StringVar(&sf.timeOfDay, "time", "", "Wall-clock time HH:MM for recurring schedules")
	f.IntVar(&sf.dayOfWeek, "day-of-week", 0, "Weekly: 0=Sunday ... 6=Saturday")
	f.IntVar(&sf.dayOfMonth, "day-of-month", 0, "Monthly: 1-31, clamped to the month's last day")
	f.IntVar(&sf.maxRetries, "max-retries", schedule.DefaultMaxRetries, "Failed attempts before the schedule is marked failed")
}

// withStack builds the scheduler from config for one command and closes it after
func withStack(fn func(ctx context.Context, st *stack) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := newStack(cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(context.Background(), st)
}

// applyTiming copies the timing flags that were set on cmd into cfg and
// returns the parsed --at instant, if any
func applyTiming(cmd *cobra.Command, sf *scheduleFlags, cfg *schedule.RecurrenceConfig) (*time.Time, bool, error) {
	flags := cmd.Flags()
	changed := false
	if flags.Changed("time") {
		cfg.Time = sf.timeOfDay
		changed = true
	}
	if flags.Changed("day-of-week") {
		cfg.DayOfWeek = util.Ptr(sf.dayOfWeek)
		changed = true
	}
	if flags.Changed("day-of-month") {
		cfg.DayOfMonth = util.Ptr(sf.dayOfMonth)
		changed = true
	}
	if !flags.Changed("at") {
		return nil, changed, nil
	}
	at, err := time.Parse(time.RFC3339, sf.at)
	if err != nil {
		return nil, changed, errors.WithHint(
			errors.NewInvalidArgumentError("--at %q is not an RFC3339 time", sf.at),
			"use e.g. 2026-11-01T09:00:00+08:00")
	}
	return &at, changed, nil
}

func runScheduleCreate(cmd *cobra.Command, args []string) error {
	req := schedule.CreateScheduleRequest{
		PostID:         createFlags.postID,
		RecurrenceType: createFlags.recurrence,
		AccountID:      createFlags.accountID,
	}
	var cfg schedule.RecurrenceConfig
	at, hasConfig, err := applyTiming(cmd, &createFlags, &cfg)
	if err != nil {
		return err
	}
	req.ScheduledTime = at
	if hasConfig {
		req.RecurrenceConfig = &cfg
	}
	if cmd.Flags().Changed("max-retries") {
		req.MaxRetries = util.Ptr(createFlags.maxRetries)
	}

	return withStack(func(ctx context.Context, st *stack) error {
		if _, err := st.posts.GetPost(ctx, req.PostID); err != nil {
			return err
		}
		job, err := st.service.CreateSchedule(ctx, req)
		if err != nil {
			return err
		}
		return printJob(cmd, st, job, "Schedule created")
	})
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	filter := schedule.JobFilter{
		Status:         schedule.Status(listStatus),
		PostID:         listPostID,
		RecurrenceType: schedule.RecurrenceType(listType),
		Limit:          listLimit,
	}
	return withStack(func(ctx context.Context, st *stack) error {
		jobs, err := st.service.ListSchedules(ctx, filter)
		if err != nil {
			return err
		}
		if jsonOutput {
			out := make([]server.ScheduleResponse, 0, len(jobs))
			for _, job := range jobs {
				out = append(out, server.NewScheduleResponse(job))
			}
			return printJSON(cmd.OutOrStdout(), out)
		}

		loc := st.calc.Location()
		rows := make([][]string, 0, len(jobs))
		for _, job := range jobs {
			rows = append(rows, []string{
				job.ID,
				strconv.FormatInt(job.PostID, 10),
				truncate(orDash(job.PostTitle), 24),
				string(job.RecurrenceType()),
				string(job.Status),
				displayTime(&job.NextRunAt, loc),
				fmt.Sprintf("%d/%d", job.RetryCount, job.MaxRetries),
				truncate(orDash(job.LastError), 40),
			})
		}
		return renderTable(cmd.OutOrStdout(),
			[]string{"ID", "POST", "TITLE", "TYPE", "STATUS", "NEXT RUN", "RETRIES", "LAST ERROR"},
			rows, "No schedules found")
	})
}

func runScheduleShow(cmd *cobra.Command, args []string) error {
	return withStack(func(ctx context.Context, st *stack) error {
		job, err := st.service.GetSchedule(ctx, args[0])
		if err != nil {
			return err
		}
		return printJob(cmd, st, job, "")
	})
}

func runScheduleLogs(cmd *cobra.Command, args []string) error {
	return withStack(func(ctx context.Context, st *stack) error {
		entries, err := st.service.GetExecutionLogs(ctx, args[0])
		if err != nil {
			return err
		}
		total, err := st.service.CountExecutions(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), server.ExecutionLogsResponse{JobID: args[0], Logs: entries, Total: total})
		}

		loc := st.calc.Location()
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			executedAt := e.ExecutedAt
			rows = append(rows, []string{
				e.ID,
				displayTime(&executedAt, loc),
				string(e.Status),
				fmt.Sprintf("%dms", e.DurationMs),
				truncate(orDash(e.ErrorMessage), 60),
			})
		}
		if err := renderTable(cmd.OutOrStdout(),
			[]string{"EXECUTION", "AT", "STATUS", "DURATION", "ERROR"},
			rows, "No executions recorded"); err != nil {
			return err
		}
		if total > len(entries) {
			fmt.Fprintf(cmd.OutOrStdout(), "Showing the latest %d of %d attempts\n", len(entries), total)
		}
		return nil
	})
}

func runScheduleUpdate(cmd *cobra.Command, args []string) error {
	return withStack(func(ctx context.Context, st *stack) error {
		current, err := st.service.GetSchedule(ctx, args[0])
		if err != nil {
			return err
		}

		var req schedule.UpdateScheduleRequest
		cfg := current.Recurrence.Config()
		at, hasConfig, err := applyTiming(cmd, &updateFlags, &cfg)
		if err != nil {
			return err
		}
		req.ScheduledTime = at
		if hasConfig {
			req.RecurrenceConfig = &cfg
		}
		if cmd.Flags().Changed("max-retries") {
			req.MaxRetries = util.Ptr(updateFlags.maxRetries)
		}

		job, err := st.service.UpdateSchedule(ctx, args[0], req)
		if err != nil {
			return err
		}
		return printJob(cmd, st, job, "Schedule updated")
	})
}

func runScheduleCancel(cmd *cobra.Command, args []string) error {
	return withStack(func(ctx context.Context, st *stack) error {
		if err := st.service.CancelSchedule(ctx, args[0]); err != nil {
			return err
		}
		pterm.Success.WithWriter(cmd.OutOrStdout()).Printfln("Schedule %s cancelled", args[0])
		return nil
	})
}

func runScheduleRemove(cmd *cobra.Command, args []string) error {
	return withStack(func(ctx context.Context, st *stack) error {
		if err := st.service.DeleteSchedule(ctx, args[0]); err != nil {
			return err
		}
		pterm.Success.WithWriter(cmd.OutOrStdout()).Printfln("Schedule %s deleted", args[0])
		return nil
	})
}

func runScheduleRun(cmd *cobra.Command, args []string) error {
	return withStack(func(ctx context.Context, st *stack) error {
		entry, err := st.service.ExecuteNow(ctx, args[0])
		if entry == nil {
			return err
		}
		if err != nil {
			// The attempt happened; only its bookkeeping failed
			pterm.Warning.WithWriter(cmd.ErrOrStderr()).Printfln("Execution recorded with errors: %v", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), entry)
		}
		out := cmd.OutOrStdout()
		if entry.Succeeded() {
			pterm.Success.WithWriter(out).Printfln("Published in %dms (execution %s)", entry.DurationMs, entry.ID)
			return nil
		}
		pterm.Error.WithWriter(out).Printfln("Publish failed after %dms: %s", entry.DurationMs, entry.ErrorMessage)
		return nil
	})
}

// printJob renders one job as JSON or a key/value block
func printJob(cmd *cobra.Command, st *stack, job *schedule.Job, headline string) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, server.NewScheduleResponse(job))
	}
	if headline != "" {
		pterm.Success.WithWriter(out).Println(headline)
	}

	loc := st.calc.Location()
	cfg := job.Recurrence.Config()
	rows := [][]string{
		{"ID", job.ID},
		{"Post", fmt.Sprintf("%d %s", job.PostID, job.PostTitle)},
		{"Account", orDash(job.AccountID)},
		{"Recurrence", string(job.RecurrenceType()) + " " + cfg.JSON()},
		{"Status", string(job.Status)},
		{"Scheduled", displayTime(job.ScheduledTime, loc)},
		{"Next run", displayTime(&job.NextRunAt, loc)},
		{"Last run", displayTime(job.LastRunAt, loc)},
		{"Retries", fmt.Sprintf("%d/%d", job.RetryCount, job.MaxRetries)},
		{"Last error", orDash(job.LastError)},
	}
	return renderTable(out, []string{"FIELD", "VALUE"}, rows, "")
}
