// Package post is the content repository the scheduler publishes from.
// Posts are authored elsewhere; the scheduler reads them and marks them
// published once the platform confirms a note.
package post

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/pulse/schedule"
)

// Status values for posts
const (
	StatusDraft     = "draft"
	StatusPublished = "published"
)

// Post is a publishable note
type Post struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	Images      []string   `json:"images"`
	Tags        []string   `json:"tags"`
	Status      string     `json:"status"`
	NoteID      string     `json:"note_id,omitempty"`
	NoteURL     string     `json:"note_url,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Store persists posts
type Store struct {
	db *sql.DB
}

// NewStore creates a post store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ schedule.PayloadRepository = (*Store)(nil)

const postColumns = `id, title, content, images, tags, status, note_id, note_url, published_at, created_at`

// CreatePost inserts p as a draft and sets its ID
func (s *Store) CreatePost(ctx context.Context, p *Post) error {
	if strings.TrimSpace(p.Title) == "" {
		return errors.NewInvalidArgumentError("post title is required")
	}
	if p.Status == "" {
		p.Status = StatusDraft
	}
	if p.Status != StatusDraft && p.Status != StatusPublished {
		return errors.NewInvalidArgumentError("unknown post status %q", p.Status)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}

	images, err := encodeList(p.Images)
	if err != nil {
		return err
	}
	tags, err := encodeList(p.Tags)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (title, content, images, tags, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.Title, p.Content, images, tags, p.Status, p.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return errors.Wrap(err, "failed to create post")
	}
	p.ID, err = res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to read post id")
	}
	return nil
}

// GetPost returns one post or a not-found error
func (s *Store) GetPost(ctx context.Context, id int64) (*Post, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("post %d not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get post %d", id)
	}
	return p, nil
}

// ListPosts returns posts newest first, optionally filtered by status
func (s *Store) ListPosts(ctx context.Context, status string, limit int) ([]*Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list posts")
	}
	defer rows.Close()

	var posts []*Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan post")
		}
		posts = append(posts, p)
	}
	return posts, errors.Wrap(rows.Err(), "failed to iterate posts")
}

// GetPayload implements schedule.PayloadRepository
func (s *Store) GetPayload(ctx context.Context, postID int64) (*schedule.Payload, error) {
	p, err := s.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	return &schedule.Payload{
		PostID:  p.ID,
		Title:   p.Title,
		Content: p.Content,
		Images:  p.Images,
		Tags:    p.Tags,
		Status:  p.Status,
	}, nil
}

// MarkPublished records the platform note for a post. Republishing a
// recurring post overwrites the previous note.
func (s *Store) MarkPublished(ctx context.Context, postID int64, noteID, noteURL string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE posts SET status = ?, note_id = ?, note_url = ?, published_at = ?
		WHERE id = ?`,
		StatusPublished, nullable(noteID), nullable(noteURL),
		time.Now().UTC().Format(time.RFC3339), postID)
	if err != nil {
		return errors.Wrapf(err, "failed to mark post %d published", postID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.NewNotFoundError("post %d not found", postID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPost(row rowScanner) (*Post, error) {
	var (
		p                       Post
		images, tags, createdAt string
		noteID, noteURL, pubAt  sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Title, &p.Content, &images, &tags, &p.Status,
		&noteID, &noteURL, &pubAt, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(images), &p.Images); err != nil {
		return nil, errors.Wrapf(err, "post %d has malformed images", p.ID)
	}
	if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
		return nil, errors.Wrapf(err, "post %d has malformed tags", p.ID)
	}
	p.NoteID = noteID.String
	p.NoteURL = noteURL.String
	if pubAt.Valid {
		t, err := time.Parse(time.RFC3339, pubAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "post %d has malformed published_at", p.ID)
		}
		p.PublishedAt = &t
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "post %d has malformed created_at", p.ID)
	}
	p.CreatedAt = t
	return &p, nil
}

func encodeList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode list")
	}
	return string(b), nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
