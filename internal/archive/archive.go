// Package archive keeps copies of removed session records in object storage
// so they can be restored later.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/ovenzeze/open-interpreter/internal/logger"
	"github.com/ovenzeze/open-interpreter/internal/session"
)

const prefix = "sessions/"

var ErrNotArchived = errors.New("session not archived")

// Entry describes one archived record.
type Entry struct {
	SessionID  string    `json:"session_id"`
	Size       int64     `json:"size"`
	ArchivedAt time.Time `json:"archived_at"`
}

type Archive struct {
	b bucket
}

// New connects to MinIO. Call Init before first use.
func New(cfg Config) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}

	b, err := newMinioBucket(cfg)
	if err != nil {
		return nil, err
	}
	return &Archive{b: b}, nil
}

// Init creates the bucket if needed.
func (a *Archive) Init(ctx context.Context) error {
	return a.b.Ensure(ctx)
}

func key(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("%w: %q", session.ErrInvalidID, id)
	}
	return prefix + id + ".json", nil
}

// Archive uploads the full record, replacing any earlier copy.
func (a *Archive) Archive(ctx context.Context, s *session.Session) error {
	k, err := key(s.ID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.ID, err)
	}

	if err := a.b.Upload(ctx, k, data, "application/json"); err != nil {
		return err
	}

	logger.Info("session archived", "session", s.ID, "messages", len(s.Messages))
	return nil
}

// Restore fetches an archived record.
func (a *Archive) Restore(ctx context.Context, id string) (*session.Session, error) {
	k, err := key(id)
	if err != nil {
		return nil, err
	}

	data, err := a.b.Download(ctx, k)
	if err != nil {
		if errors.Is(err, errNoSuchKey) {
			return nil, ErrNotArchived
		}
		return nil, err
	}

	var rec session.Session
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode archived session %s: %w", id, err)
	}
	if rec.ID == "" {
		rec.ID = id
	}

	return rec.Clone(), nil
}

// List returns archived records, newest first.
func (a *Archive) List(ctx context.Context) ([]Entry, error) {
	objs, err := a.b.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(objs))
	for _, o := range objs {
		name := path.Base(o.Key)
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, Entry{
			SessionID:  strings.TrimSuffix(name, ".json"),
			Size:       o.Size,
			ArchivedAt: o.Modified,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ArchivedAt.After(out[j].ArchivedAt) })
	return out, nil
}

// Purge deletes an archived copy.
func (a *Archive) Purge(ctx context.Context, id string) error {
	k, err := key(id)
	if err != nil {
		return err
	}
	return a.b.Delete(ctx, k)
}

// Healthy checks if the bucket is reachable
func (a *Archive) Healthy(ctx context.Context) bool {
	return a.b.Reachable(ctx) == nil
}
