package publisher

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/pulse/schedule"
)

type toolHandler = func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)

func newPublishServer(version string, handler toolHandler) *server.MCPServer {
	s := server.NewMCPServer("xiaohongshu-mcp", version, server.WithToolCapabilities(true))
	s.AddTool(mcp.NewTool(DefaultTool,
		mcp.WithDescription("Publish a note"),
		mcp.WithString("title", mcp.Required()),
		mcp.WithString("content", mcp.Required()),
		mcp.WithArray("images", mcp.Required()),
	), handler)
	return s
}

// inProcess dials s directly and counts dials
func inProcess(s *server.MCPServer, dials *int32) Dialer {
	return func(context.Context) (*client.Client, error) {
		atomic.AddInt32(dials, 1)
		return client.NewInProcessClient(s)
	}
}

func request() schedule.PublishRequest {
	return schedule.PublishRequest{
		Title:     "Morning market",
		Content:   "Lychees are in.",
		Images:    []string{"/img/1.jpg", "/img/2.jpg"},
		Tags:      []string{"food"},
		AccountID: "brand-a",
	}
}

func TestPublishSuccess(t *testing.T) {
	var got mcp.CallToolRequest
	srv := newPublishServer("1.4.0", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		got = req
		return mcp.NewToolResultText(`{"success":true,"note_id":"abc","note_url":"https://www.xiaohongshu.com/explore/abc"}`), nil
	})
	var dials int32
	p := NewMCPPublisherWithDialer(MCPConfig{VersionConstraint: ">= 1.0.0"}, inProcess(srv, &dials), zaptest.NewLogger(t).Sugar())
	defer p.Close()

	outcome, err := p.Publish(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, outcome.Published())
	assert.Equal(t, "abc", outcome.NoteID)
	assert.Equal(t, "https://www.xiaohongshu.com/explore/abc", outcome.NoteURL)

	assert.Equal(t, "Morning market", got.GetString("title", ""))
	assert.Equal(t, []string{"/img/1.jpg", "/img/2.jpg"}, got.GetStringSlice("images", nil))
	assert.Equal(t, "brand-a", got.GetString("account_id", ""))

	// Session is reused
	_, err = p.Publish(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&dials))
	assert.Equal(t, "1.4.0", p.ServerInfo().Version)
}

func TestPublishFallsBackToDefaultAccount(t *testing.T) {
	var accounts []string
	srv := newPublishServer("1.0.0", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		accounts = append(accounts, req.GetString("account_id", ""))
		return mcp.NewToolResultText(`{"success":true,"note_id":"n"}`), nil
	})
	var dials int32
	p := NewMCPPublisherWithDialer(MCPConfig{DefaultAccountID: "house"}, inProcess(srv, &dials), zaptest.NewLogger(t).Sugar())
	defer p.Close()

	req := request()
	req.AccountID = ""
	_, err := p.Publish(context.Background(), req)
	require.NoError(t, err)
	_, err = p.Publish(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, []string{"house", "brand-a"}, accounts)
}

func TestPublishToolErrorIsOutcome(t *testing.T) {
	srv := newPublishServer("1.0.0", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError("login expired"), nil
	})
	var dials int32
	p := NewMCPPublisherWithDialer(MCPConfig{}, inProcess(srv, &dials), zaptest.NewLogger(t).Sugar())
	defer p.Close()

	outcome, err := p.Publish(context.Background(), request())
	require.NoError(t, err)
	assert.False(t, outcome.Published())
	assert.False(t, outcome.Success)
	assert.Equal(t, "login expired", outcome.FailureReason())
}

func TestPublishPlainTextStatus(t *testing.T) {
	srv := newPublishServer("1.0.0", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("发布完成"), nil
	})
	var dials int32
	p := NewMCPPublisherWithDialer(MCPConfig{}, inProcess(srv, &dials), zaptest.NewLogger(t).Sugar())
	defer p.Close()

	outcome, err := p.Publish(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "发布完成", outcome.Status)
	assert.True(t, outcome.Published())
}

func TestPublishRejectsIncompatibleServer(t *testing.T) {
	srv := newPublishServer("0.9.0", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		t.Fatal("tool must not be called")
		return nil, nil
	})
	var dials int32
	p := NewMCPPublisherWithDialer(MCPConfig{VersionConstraint: ">= 1.0.0"}, inProcess(srv, &dials), zaptest.NewLogger(t).Sugar())

	_, err := p.Publish(context.Background(), request())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not satisfy")
	assert.Contains(t, errors.FlattenHints(err), "version_constraint")
}

func TestPublishBadConstraint(t *testing.T) {
	srv := newPublishServer("1.0.0", nil)
	var dials int32
	p := NewMCPPublisherWithDialer(MCPConfig{VersionConstraint: "not a constraint"}, inProcess(srv, &dials), nil)

	err := p.Connect(context.Background())
	assert.True(t, errors.IsInvalidArgumentError(err))
}

func TestPublishHandlerFailureDropsSession(t *testing.T) {
	var calls int32
	srv := newPublishServer("1.0.0", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("browser crashed")
		}
		return mcp.NewToolResultText(`{"success":true,"noteId":"n2"}`), nil
	})
	var dials int32
	p := NewMCPPublisherWithDialer(MCPConfig{}, inProcess(srv, &dials), zaptest.NewLogger(t).Sugar())
	defer p.Close()

	_, err := p.Publish(context.Background(), request())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to call publish_content")

	outcome, err := p.Publish(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "n2", outcome.NoteID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&dials))
}

func TestPublishOverStreamableHTTP(t *testing.T) {
	srv := newPublishServer("1.2.3", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(`{"success":true,"note_id":"http-1"}`), nil
	})
	ts := server.NewTestStreamableHTTPServer(srv)
	defer ts.Close()

	p := NewMCPPublisher(MCPConfig{URL: ts.URL + "/mcp", VersionConstraint: "^1.2"}, zaptest.NewLogger(t).Sugar())
	defer p.Close()

	outcome, err := p.Publish(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, outcome.Published())
	assert.Equal(t, "http-1", outcome.NoteID)
}

func TestParseToolResult(t *testing.T) {
	t.Run("json failure", func(t *testing.T) {
		outcome := ParseToolResult(mcp.NewToolResultText(`{"success":false,"message":"image upload failed"}`))
		assert.False(t, outcome.Success)
		assert.Equal(t, "image upload failed", outcome.ErrorMessage)
	})

	t.Run("success without evidence", func(t *testing.T) {
		outcome := ParseToolResult(mcp.NewToolResultText(`{"success":true,"status":"reviewing"}`))
		assert.True(t, outcome.Success)
		assert.False(t, outcome.Published())
		assert.Contains(t, outcome.FailureReason(), "reviewing")
	})

	t.Run("raw keeps error flag", func(t *testing.T) {
		result := mcp.NewToolResultText(`{"success":true,"note_id":"x"}`)
		result.IsError = true
		outcome := ParseToolResult(result)
		assert.False(t, outcome.Published())
		assert.Contains(t, string(outcome.Raw), `"isError":true`)
	})
}
