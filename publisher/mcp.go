// Package publisher implements schedule.Publisher against an MCP server
// exposing a publish tool (xiaohongshu-mcp and compatible servers).
package publisher

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/postpulse/pulse/schedule"
)

// Defaults for the MCP publisher
const (
	DefaultURL        = "http://localhost:18060/mcp"
	DefaultTool       = "publish_content"
	DefaultClientName = "postpulse"
)

// MCPConfig configures the MCP publisher
type MCPConfig struct {
	URL  string
	Tool string
	// VersionConstraint is checked against the server's reported version
	// after initialize, e.g. ">= 1.2.0". Empty accepts any server.
	VersionConstraint string
	ClientVersion     string
	// DefaultAccountID is sent when a job names no account
	DefaultAccountID string
}

// Dialer opens an MCP client. The returned client has not been started.
type Dialer func(ctx context.Context) (*client.Client, error)

// MCPPublisher publishes posts by calling a tool on an MCP server. The
// session is opened lazily and reopened after transport errors.
type MCPPublisher struct {
	cfg    MCPConfig
	dial   Dialer
	logger *zap.SugaredLogger

	mu         sync.Mutex
	c          *client.Client
	serverInfo mcp.Implementation
}

var _ schedule.Publisher = (*MCPPublisher)(nil)

// NewMCPPublisher creates a publisher speaking streamable HTTP to cfg.URL
func NewMCPPublisher(cfg MCPConfig, log *zap.SugaredLogger) *MCPPublisher {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	url := cfg.URL
	return NewMCPPublisherWithDialer(cfg, func(context.Context) (*client.Client, error) {
		return client.NewStreamableHttpClient(url)
	}, log)
}

// NewMCPPublisherWithDialer creates a publisher over a custom transport
func NewMCPPublisherWithDialer(cfg MCPConfig, dial Dialer, log *zap.SugaredLogger) *MCPPublisher {
	if cfg.Tool == "" {
		cfg.Tool = DefaultTool
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "dev"
	}
	if log == nil {
		log = logger.Logger
	}
	return &MCPPublisher{
		cfg:    cfg,
		dial:   dial,
		logger: log.Named("publisher").With(logger.FieldComponent, "mcp"),
	}
}

// ServerInfo returns the name and version reported by the server at the
// last successful connect
func (p *MCPPublisher) ServerInfo() mcp.Implementation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.serverInfo
}

// Connect opens the MCP session if it is not open yet
func (p *MCPPublisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.session(ctx)
	return err
}

// Close ends the MCP session
func (p *MCPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c == nil {
		return nil
	}
	err := p.c.Close()
	p.c = nil
	return err
}

// Publish calls the publish tool and converts its result into a PublishOutcome.
// A tool result flagged isError is an outcome, not an error; transport
// failures are returned as errors and drop the session.
func (p *MCPPublisher) Publish(ctx context.Context, req schedule.PublishRequest) (*schedule.PublishOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.session(ctx)
	if err != nil {
		return nil, err
	}

	call := mcp.CallToolRequest{}
	call.Params.Name = p.cfg.Tool
	if req.AccountID == "" {
		req.AccountID = p.cfg.DefaultAccountID
	}
	call.Params.Arguments = toolArguments(req)

	result, err := c.CallTool(ctx, call)
	if err != nil {
		p.dropSession()
		return nil, errors.Wrapf(err, "failed to call %s", p.cfg.Tool)
	}

	outcome := ParseToolResult(result)
	p.logger.Debugw("Publish tool returned",
		"tool", p.cfg.Tool,
		"is_error", result.IsError,
		"note_id", outcome.NoteID)
	return outcome, nil
}

// session returns the open client, dialing and initializing when needed.
// Callers hold p.mu.
func (p *MCPPublisher) session(ctx context.Context) (*client.Client, error) {
	if p.c != nil {
		return p.c, nil
	}

	c, err := p.dial(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create MCP client")
	}
	// Start gets a background context: transports may tie their lifetime to it
	if err := c.Start(context.Background()); err != nil {
		_ = c.Close()
		return nil, errors.Wrap(err, "failed to start MCP transport")
	}

	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: DefaultClientName, Version: p.cfg.ClientVersion}
	res, err := c.Initialize(ctx, init)
	if err != nil {
		_ = c.Close()
		return nil, errors.Wrap(err, "MCP initialize failed")
	}

	if err := checkServerVersion(p.cfg.VersionConstraint, res.ServerInfo); err != nil {
		_ = c.Close()
		return nil, err
	}

	p.c = c
	p.serverInfo = res.ServerInfo
	p.logger.Infow("Connected to MCP publisher",
		"server", res.ServerInfo.Name,
		"version", res.ServerInfo.Version)
	return c, nil
}

func (p *MCPPublisher) dropSession() {
	if p.c != nil {
		_ = p.c.Close()
		p.c = nil
	}
}

func checkServerVersion(constraint string, info mcp.Implementation) error {
	if strings.TrimSpace(constraint) == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "invalid publisher version constraint %s", constraint), errors.ErrInvalidArgument)
	}
	v, err := semver.NewVersion(info.Version)
	if err != nil {
		return errors.Wrapf(err, "MCP server %s reported invalid version %q", info.Name, info.Version)
	}
	if !c.Check(v) {
		return errors.WithHintf(
			errors.Newf("MCP server %s %s does not satisfy %s", info.Name, info.Version, constraint),
			"upgrade the server or relax publisher.version_constraint",
		)
	}
	return nil
}

func toolArguments(req schedule.PublishRequest) map[string]any {
	images := req.Images
	if images == nil {
		images = []string{}
	}
	args := map[string]any{
		"title":   req.Title,
		"content": req.Content,
		"images":  images,
	}
	if len(req.Tags) > 0 {
		args["tags"] = req.Tags
	}
	if req.AccountID != "" {
		args["account_id"] = req.AccountID
	}
	return args
}

// toolReply is the JSON shape publish tools put in their text content.
// Both snake and camel case keys are seen in the wild.
type toolReply struct {
	Success    *bool  `json:"success"`
	NoteID     string `json:"note_id"`
	NoteIDAlt  string `json:"noteId"`
	NoteURL    string `json:"note_url"`
	NoteURLAlt string `json:"noteUrl"`
	Status     string `json:"status"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

// ParseToolResult converts a tool result into a PublishOutcome. Raw keeps
// the whole result so the isError flag is visible to classification.
func ParseToolResult(result *mcp.CallToolResult) *schedule.PublishOutcome {
	outcome := &schedule.PublishOutcome{Success: !result.IsError}
	if raw, err := json.Marshal(result); err == nil {
		outcome.Raw = raw
	}

	var texts []string
	for _, content := range result.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			texts = append(texts, strings.TrimSpace(tc.Text))
		}
	}
	text := strings.Join(texts, "\n")

	var reply toolReply
	if err := json.Unmarshal([]byte(text), &reply); err != nil {
		// Plain text reply: errors carry the message, successes the status
		if result.IsError {
			outcome.ErrorMessage = text
		} else {
			outcome.Status = text
		}
		return outcome
	}

	if reply.Success != nil {
		outcome.Success = outcome.Success && *reply.Success
	}
	outcome.NoteID = firstNonEmpty(reply.NoteID, reply.NoteIDAlt)
	outcome.NoteURL = firstNonEmpty(reply.NoteURL, reply.NoteURLAlt)
	outcome.Status = reply.Status
	if !outcome.Success {
		outcome.ErrorMessage = firstNonEmpty(reply.Error, reply.Message)
	}
	return outcome
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
