// Package persistence loads and saves replicated resume snapshots against the
// relational backend. CRDT internals never leak past this boundary: the
// adapter only moves opaque handles and snapshot bytes.
package persistence

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"resume-collab/internal/document"
	"resume-collab/internal/middleware"
	"resume-collab/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"
)

// ErrNotFound means nothing usable is stored for a logical id. Backend
// failures during load are reported as ErrNotFound too, so callers fall
// through to creating a fresh document.
var ErrNotFound = errors.New("no persisted document")

// SnapshotRepository is what the adapter needs from automerge_documents storage
type SnapshotRepository interface {
	GetByResumeID(ctx context.Context, resumeID string) (*models.AutomergeDocument, error)
	Upsert(ctx context.Context, doc *models.AutomergeDocument) error
	Delete(ctx context.Context, resumeID string) error
}

// ResumeConfigRepository is what the adapter needs from resume_config storage
type ResumeConfigRepository interface {
	Get(ctx context.Context, resumeID string) (*models.ResumeConfig, error)
}

// Loaded is what a stored row yields. Either field may be empty, not both.
type Loaded struct {
	Handle   document.Handle
	Snapshot []byte
	Version  int
}

// Snapshot is one save request.
type Snapshot struct {
	LogicalID string
	OwnerID   string
	Handle    document.Handle
	Data      []byte
	Heads     []string
	Version   int
}

type Adapter struct {
	snapshots SnapshotRepository
	configs   ResumeConfigRepository
	log       logrus.FieldLogger

	mu        sync.Mutex
	lastSaved map[string]string // logical id -> digest of the bytes last stored
}

func NewAdapter(snapshots SnapshotRepository, configs ResumeConfigRepository, log logrus.FieldLogger) *Adapter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Adapter{
		snapshots: snapshots,
		configs:   configs,
		log:       log,
		lastSaved: make(map[string]string),
	}
}

// LoadLogicalDocument reads the handle and snapshot stored for logicalID.
func (a *Adapter) LoadLogicalDocument(ctx context.Context, logicalID string) (*Loaded, error) {
	ctx, span := middleware.StartSpan(ctx, "Persistence.LoadLogicalDocument",
		attribute.String("resume.id", logicalID),
	)
	defer span.End()

	log := a.log.WithField("resume_id", logicalID)

	row, err := a.snapshots.GetByResumeID(ctx, logicalID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		log.WithError(err).Warn("⚠️  snapshot load failed, treating as not found")
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if row == nil {
		return nil, ErrNotFound
	}

	loaded := &Loaded{Version: row.DocumentVersion}
	if row.DocumentURL != nil && *row.DocumentURL != "" {
		h, err := document.ParseHandle(*row.DocumentURL)
		if err != nil {
			log.WithError(err).Warn("⚠️  stored document handle is invalid, ignoring it")
		} else {
			loaded.Handle = h
		}
	}
	if row.DocumentData != "" {
		data, err := base64.StdEncoding.DecodeString(row.DocumentData)
		if err != nil {
			middleware.AddSpanError(ctx, err)
			log.WithError(err).Error("malformed snapshot bytes, ignoring snapshot")
		} else {
			loaded.Snapshot = data
			a.remember(logicalID, data)
		}
	}

	if loaded.Handle == "" && loaded.Snapshot == nil {
		return nil, ErrNotFound
	}
	span.SetAttributes(
		attribute.String("document.handle", string(loaded.Handle)),
		attribute.Int("snapshot.size", len(loaded.Snapshot)),
	)
	return loaded, nil
}

// SaveSnapshot upserts the row for s.LogicalID. Saving bytes identical to
// the last ones stored is skipped; the returned bool reports whether a write
// happened.
func (a *Adapter) SaveSnapshot(ctx context.Context, s Snapshot) (bool, error) {
	ctx, span := middleware.StartSpan(ctx, "Persistence.SaveSnapshot",
		attribute.String("resume.id", s.LogicalID),
		attribute.Int("snapshot.size", len(s.Data)),
	)
	defer span.End()

	digest := digestOf(s.Data)
	a.mu.Lock()
	unchanged := a.lastSaved[s.LogicalID] == digest
	a.mu.Unlock()
	if unchanged {
		span.SetAttributes(attribute.Bool("snapshot.skipped", true))
		return false, nil
	}

	heads, err := json.Marshal(s.Heads)
	if err != nil {
		return false, fmt.Errorf("failed to encode heads: %w", err)
	}
	handle := string(s.Handle)
	row := &models.AutomergeDocument{
		ResumeID:        s.LogicalID,
		UserID:          s.OwnerID,
		DocumentURL:     &handle,
		DocumentData:    base64.StdEncoding.EncodeToString(s.Data),
		Heads:           datatypes.JSON(heads),
		DocumentVersion: s.Version,
	}
	if err := a.snapshots.Upsert(ctx, row); err != nil {
		middleware.AddSpanError(ctx, err)
		return false, fmt.Errorf("failed to save snapshot: %w", err)
	}

	a.remember(s.LogicalID, s.Data)
	return true, nil
}

// LoadLegacy builds a seed from the flat resume_config row, for resumes that
// existed before they had a replicated document.
func (a *Adapter) LoadLegacy(ctx context.Context, logicalID string) (*document.Seed, error) {
	if a.configs == nil {
		return nil, ErrNotFound
	}
	ctx, span := middleware.StartSpan(ctx, "Persistence.LoadLegacy",
		attribute.String("resume.id", logicalID),
	)
	defer span.End()

	log := a.log.WithField("resume_id", logicalID)

	cfg, err := a.configs.Get(ctx, logicalID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		log.WithError(err).Warn("⚠️  resume_config load failed, treating as not found")
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if cfg == nil {
		return nil, ErrNotFound
	}

	seed := document.DefaultSeed()
	if len(cfg.Sections) > 0 {
		var content map[string]json.RawMessage
		if err := json.Unmarshal(cfg.Sections, &content); err != nil {
			log.WithError(err).Warn("⚠️  resume_config sections are malformed, using defaults")
		} else {
			for k, v := range content {
				if _, err := document.ParseSection(k); err == nil {
					seed.Content[k] = v
				}
			}
		}
	}
	if len(cfg.Order) > 0 {
		var order []string
		if err := json.Unmarshal(cfg.Order, &order); err == nil {
			if normalized, err := document.NormalizeOrder(order); err == nil {
				seed.Order = normalized
			}
		}
	}
	if len(cfg.Visibility) > 0 {
		var vis map[string]bool
		if err := json.Unmarshal(cfg.Visibility, &vis); err == nil {
			for k, v := range vis {
				if _, ok := seed.Visibility[k]; ok {
					seed.Visibility[k] = v
				}
			}
		}
	}
	return seed, nil
}

// Delete removes the stored snapshot of logicalID.
func (a *Adapter) Delete(ctx context.Context, logicalID string) error {
	if err := a.snapshots.Delete(ctx, logicalID); err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.lastSaved, logicalID)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) remember(logicalID string, data []byte) {
	a.mu.Lock()
	a.lastSaved[logicalID] = digestOf(data)
	a.mu.Unlock()
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
