package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/postpulse/am"
	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/internal/version"
	"github.com/teranos/postpulse/post"
	"github.com/teranos/postpulse/publisher"
	"github.com/teranos/postpulse/pulse/schedule"
	"github.com/teranos/postpulse/server"
)

func TestMain(m *testing.M) {
	pterm.DisableStyling()
	os.Exit(m.Run())
}

// cli runs commands against a fresh database and a fake publish server
type cli struct {
	t       *testing.T
	root    *cobra.Command
	cfgPath string
	calls   atomic.Int32
}

func newCLI(t *testing.T) *cli {
	c := &cli{t: t}

	srv := mcpserver.NewMCPServer("xiaohongshu-mcp", "1.0.0", mcpserver.WithToolCapabilities(true))
	srv.AddTool(mcp.NewTool(publisher.DefaultTool), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		n := c.calls.Add(1)
		return mcp.NewToolResultText(fmt.Sprintf(`{"success":true,"note_id":"note-%d"}`, n)), nil
	})
	ts := mcpserver.NewTestStreamableHTTPServer(srv)
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "am.toml")
	content := fmt.Sprintf("[database]\npath = %q\n\n[publisher]\nurl = %q\n", filepath.Join(dir, "test.db"), ts.URL+"/mcp")
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))

	c.root = &cobra.Command{Use: "postpulse", SilenceUsage: true, SilenceErrors: true}
	c.root.PersistentFlags().StringVar(&ConfigFile, "config", "", "")
	c.root.AddCommand(PostCmd, ScheduleCmd, HistoryCmd, AmCmd, DbCmd, VersionCmd)
	t.Cleanup(func() {
		ConfigFile = ""
		am.Reset()
	})

	c.cfgPath = cfgPath
	return c
}

// run executes args and returns combined output. Flag values from earlier
// runs are reset first since the commands are package-level.
func (c *cli) run(args ...string) (string, error) {
	resetFlags(c.root)
	var buf bytes.Buffer
	c.root.SetOut(&buf)
	c.root.SetErr(&buf)
	c.root.SetArgs(append(args, "--config", c.cfgPath))
	err := c.root.Execute()
	return buf.String(), err
}

func (c *cli) mustRun(args ...string) string {
	out, err := c.run(args...)
	require.NoError(c.t, err, out)
	return out
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func TestScheduleLifecycle(t *testing.T) {
	c := newCLI(t)

	var created post.Post
	require.NoError(t, json.Unmarshal([]byte(c.mustRun("post", "add", "--title", "Morning market",
		"--content", "Lychees are in.", "--image", "/img/1.jpg", "--tag", "food", "--json")), &created))
	require.NotZero(t, created.ID)
	assert.Equal(t, []string{"/img/1.jpg"}, created.Images)

	var job server.ScheduleResponse
	require.NoError(t, json.Unmarshal([]byte(c.mustRun("schedule", "create",
		"--post", fmt.Sprint(created.ID), "--type", "daily", "--time", "09:30", "--json")), &job))
	assert.Equal(t, "daily", job.RecurrenceType)
	assert.Equal(t, "09:30", job.RecurrenceConfig.Time)
	assert.Equal(t, string(schedule.StatusPending), job.Status)

	out := c.mustRun("schedule", "ls")
	assert.Contains(t, out, job.ID)
	assert.Contains(t, out, "Morning market")

	out = c.mustRun("schedule", "run", job.ID)
	assert.Contains(t, out, "Published")
	assert.Equal(t, int32(1), c.calls.Load())

	var logs server.ExecutionLogsResponse
	require.NoError(t, json.Unmarshal([]byte(c.mustRun("schedule", "logs", job.ID, "--json")), &logs))
	require.Len(t, logs.Logs, 1)
	assert.Equal(t, 1, logs.Total)
	assert.Equal(t, schedule.ExecutionSuccess, logs.Logs[0].Status)

	var history server.HistoryResponse
	require.NoError(t, json.Unmarshal([]byte(c.mustRun("history", "--json")), &history))
	assert.Equal(t, 1, history.Total)
	assert.Equal(t, "note-1", history.Records[0].NoteID)

	// Recurring jobs stay pending after a success
	out = c.mustRun("schedule", "show", job.ID)
	assert.Contains(t, out, string(schedule.StatusPending))

	c.mustRun("schedule", "cancel", job.ID)
	_, err := c.run("schedule", "run", job.ID)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
	assert.NotEmpty(t, errors.GetAllHints(err))

	// Updating revives it
	var updated server.ScheduleResponse
	require.NoError(t, json.Unmarshal([]byte(c.mustRun("schedule", "update", job.ID, "--time", "18:00", "--json")), &updated))
	assert.Equal(t, string(schedule.StatusPending), updated.Status)
	assert.Equal(t, "18:00", updated.RecurrenceConfig.Time)

	c.mustRun("schedule", "rm", job.ID)
	_, err = c.run("schedule", "show", job.ID)
	assert.True(t, errors.IsNotFoundError(err))

	// History outlives the schedule
	require.NoError(t, json.Unmarshal([]byte(c.mustRun("history", "--json")), &history))
	assert.Equal(t, 1, history.Total)
}

func TestScheduleCreateErrors(t *testing.T) {
	c := newCLI(t)

	_, err := c.run("schedule", "create", "--post", "42", "--type", "daily")
	assert.True(t, errors.IsNotFoundError(err))

	c.mustRun("post", "add", "--title", "x")

	_, err = c.run("schedule", "create", "--post", "1", "--type", "once", "--at", "tomorrow")
	assert.True(t, errors.IsInvalidArgumentError(err))

	_, err = c.run("schedule", "create", "--post", "1", "--type", "hourly")
	assert.Error(t, err)

	_, err = c.run("schedule", "ls", "--status", "sleeping")
	assert.True(t, errors.IsInvalidArgumentError(err))
}

func TestScheduleWeeklyDayOfWeekZero(t *testing.T) {
	c := newCLI(t)
	c.mustRun("post", "add", "--title", "Sunday roundup")

	var job server.ScheduleResponse
	require.NoError(t, json.Unmarshal([]byte(c.mustRun("schedule", "create", "--post", "1",
		"--type", "weekly", "--day-of-week", "0", "--time", "20:00", "--json")), &job))
	require.NotNil(t, job.RecurrenceConfig.DayOfWeek)
	assert.Equal(t, 0, *job.RecurrenceConfig.DayOfWeek)
}

func TestAmCommands(t *testing.T) {
	c := newCLI(t)

	out := c.mustRun("am", "validate")
	assert.Contains(t, out, "Configuration is valid")

	out = c.mustRun("am", "get", "scheduler.timezone")
	assert.Equal(t, "UTC\n", out)

	_, err := c.run("am", "get", "scheduler.nope")
	assert.True(t, errors.IsNotFoundError(err))

	var shown am.Config
	require.NoError(t, json.Unmarshal([]byte(c.mustRun("am", "show", "--format", "json")), &shown))
	assert.Equal(t, publisher.DefaultTool, shown.Publisher.Tool)

	_, err = c.run("am", "show", "--format", "ini")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "fresh.toml")
	c.mustRun("am", "init", "--path", path)
	_, err = c.run("am", "init", "--path", path)
	assert.True(t, errors.IsConflictError(err))
	c.mustRun("am", "init", "--path", path, "--force")
	_, err = os.Stat(path + ".back1")
	assert.NoError(t, err)
}

func TestAmValidateFlagsUnknownKeys(t *testing.T) {
	c := newCLI(t)
	require.NoError(t, os.WriteFile(c.cfgPath, []byte("[scheduler]\ntick_interval = 5\n"), 0644))

	out := c.mustRun("am", "validate")
	assert.Contains(t, out, "scheduler.tick_interval")
}

func TestDbCommands(t *testing.T) {
	c := newCLI(t)

	out := c.mustRun("db", "migrate")
	assert.Contains(t, out, "schema version")

	out = c.mustRun("db", "stats")
	assert.Contains(t, out, "Database Statistics")
	assert.Contains(t, out, string(schedule.StatusPending))

	out = c.mustRun("db", "prune")
	assert.Contains(t, out, "Deleted 0 execution logs and 0 history records")
}

func TestVersionJSON(t *testing.T) {
	c := newCLI(t)

	var info version.Info
	require.NoError(t, json.Unmarshal([]byte(c.mustRun("version", "--json")), &info))
	assert.Equal(t, version.Version, info.Version)
}
