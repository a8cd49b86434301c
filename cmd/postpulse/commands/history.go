package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/pulse/schedule"
	"github.com/teranos/postpulse/server"
	"github.com/teranos/postpulse/sym"
)

// HistoryCmd shows the publish audit trail
var HistoryCmd = &cobra.Command{
	Use:   "history",
	Short: sym.Post + " Show publish history",
	Long: sym.Post + ` history - the audit trail of publish attempts.

History outlives the schedules that produced it and is pruned only by the
retention janitor.

Examples:
  postpulse history                     # Last 20 attempts
  postpulse history --status failed     # Failures only
  postpulse history stats --days 7      # Daily rollup for the last week`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show daily publish statistics",
	Args:  cobra.NoArgs,
	RunE:  runHistoryStats,
}

var (
	historyStatus string
	historyPostID int64
	historyLimit  int
	statsDays     int
)

func init() {
	HistoryCmd.Flags().StringVar(&historyStatus, "status", "", "Filter by result: success, failed")
	HistoryCmd.Flags().Int64Var(&historyPostID, "post", 0, "Filter by post ID")
	HistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum rows")
	HistoryCmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output JSON")

	historyStatsCmd.Flags().IntVar(&statsDays, "days", 7, "Number of days, ending today (UTC)")
	historyStatsCmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output JSON")

	HistoryCmd.AddCommand(historyStatsCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	filter := schedule.HistoryFilter{
		Status: schedule.ExecutionStatus(historyStatus),
		PostID: historyPostID,
		Limit:  historyLimit,
	}
	switch filter.Status {
	case "", schedule.ExecutionSuccess, schedule.ExecutionFailed:
	default:
		return errors.WithHint(
			errors.NewInvalidArgumentError("unknown history status %q", historyStatus),
			"use success or failed")
	}

	return withStack(func(ctx context.Context, st *stack) error {
		records, total, err := st.history.ListHistory(ctx, filter)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), server.HistoryResponse{
				Records: records,
				Total:   total,
				Limit:   filter.Limit,
			})
		}

		loc := st.calc.Location()
		rows := make([][]string, 0, len(records))
		for _, r := range records {
			createdAt := r.CreatedAt
			result := string(r.Status)
			if r.IsRetry {
				result += fmt.Sprintf(" (retry %d)", r.RetryCount)
			}
			rows = append(rows, []string{
				displayTime(&createdAt, loc),
				strconv.FormatInt(r.PostID, 10),
				orDash(r.JobID),
				result,
				fmt.Sprintf("%dms", r.DurationMs),
				orDash(r.NoteURL),
				truncate(orDash(r.ErrorMessage), 40),
			})
		}
		if err := renderTable(cmd.OutOrStdout(),
			[]string{"AT", "POST", "JOB", "RESULT", "DURATION", "NOTE", "ERROR"},
			rows, "No publish history"); err != nil {
			return err
		}
		if total > len(records) {
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d shown\n", len(records), total)
		}
		return nil
	})
}

func runHistoryStats(cmd *cobra.Command, args []string) error {
	if statsDays <= 0 {
		return errors.NewInvalidArgumentError("--days must be positive, got %d", statsDays)
	}
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -(statsDays - 1))

	return withStack(func(ctx context.Context, st *stack) error {
		days, err := st.history.GetDailyStats(ctx, from.Format(time.DateOnly), to.Format(time.DateOnly))
		if err != nil {
			return err
		}
		if jsonOutput {
			resp := server.StatsResponse{Days: make([]server.DailyStatsResponse, 0, len(days))}
			for _, d := range days {
				resp.Days = append(resp.Days, server.DailyStatsResponse{DailyStats: d, SuccessRate: d.SuccessRate()})
			}
			return printJSON(cmd.OutOrStdout(), resp)
		}

		rows := make([][]string, 0, len(days))
		for _, d := range days {
			rows = append(rows, []string{
				d.Date,
				strconv.Itoa(d.TotalAttempts),
				strconv.Itoa(d.SuccessfulPublishes),
				strconv.Itoa(d.FailedPublishes),
				strconv.Itoa(d.TotalRetries),
				fmt.Sprintf("%dms", d.AvgDurationMs),
				fmt.Sprintf("%.0f%%", d.SuccessRate()*100),
			})
		}
		return renderTable(cmd.OutOrStdout(),
			[]string{"DATE", "ATTEMPTS", "PUBLISHED", "FAILED", "RETRIES", "AVG", "SUCCESS"},
			rows, fmt.Sprintf("No publish attempts since %s", from.Format(time.DateOnly)))
	})
}
