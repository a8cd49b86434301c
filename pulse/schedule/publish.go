package schedule

import (
	"context"
	"encoding/json"
)

// Publisher performs the actual publish of a post to the platform
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (*PublishOutcome, error)
}

// Throttle paces publishes. The engine waits on it before an attempt
// starts, outside the publish deadline and the measured duration.
type Throttle interface {
	Wait(ctx context.Context) error
}

// PublishRequest is the payload handed to a Publisher
type PublishRequest struct {
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Images    []string `json:"images"`
	Tags      []string `json:"tags,omitempty"`
	AccountID string   `json:"account_id,omitempty"`
}

// Payload is the publishable content of a post
type Payload struct {
	PostID  int64
	Title   string
	Content string
	Images  []string
	Tags    []string
	Status  string
}

// PayloadRepository loads posts and records successful publishes.
// GetPayload returns an error marked errors.ErrNotFound when the post is gone.
type PayloadRepository interface {
	GetPayload(ctx context.Context, postID int64) (*Payload, error)
	MarkPublished(ctx context.Context, postID int64, noteID, noteURL string) error
}

// Terminal platform states that count as published when no note id is returned
var publishedStates = map[string]bool{
	"published": true,
	"发布完成":      true,
}

// PublishOutcome is what a Publisher reports back
type PublishOutcome struct {
	Success      bool            `json:"success"`
	NoteID       string          `json:"note_id,omitempty"`
	NoteURL      string          `json:"note_url,omitempty"`
	Status       string          `json:"status,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// Published classifies the outcome. It requires the success flag, evidence
// of publication (a note id or a terminal published status) and no error
// flag in the raw response.
func (o *PublishOutcome) Published() bool {
	if o == nil || !o.Success {
		return false
	}
	if o.NoteID == "" && !publishedStates[o.Status] {
		return false
	}
	return !rawIsError(o.Raw)
}

// FailureReason describes why the outcome is not a publish
func (o *PublishOutcome) FailureReason() string {
	switch {
	case o == nil:
		return "publisher returned no outcome"
	case o.ErrorMessage != "":
		return o.ErrorMessage
	case rawIsError(o.Raw):
		return "publisher response flagged an error"
	case !o.Success:
		return "publisher reported failure"
	case o.NoteID == "" && !publishedStates[o.Status]:
		if o.Status != "" {
			return "publish not confirmed: status " + o.Status
		}
		return "publish not confirmed: no note id returned"
	}
	return ""
}

// JSON renders the outcome for the execution log
func (o *PublishOutcome) JSON() string {
	if o == nil {
		return ""
	}
	b, err := json.Marshal(o)
	if err != nil {
		return ""
	}
	return string(b)
}

func rawIsError(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var flags struct {
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &flags); err != nil {
		return false
	}
	return flags.IsError
}
