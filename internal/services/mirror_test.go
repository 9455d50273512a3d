package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"resume-collab/internal/db"
	"resume-collab/internal/document"
	"resume-collab/internal/models"
	"resume-collab/internal/persistence"
	"resume-collab/internal/repository"
	"resume-collab/internal/services/docmanager"
	"resume-collab/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// recordingWriter keeps every upsert in arrival order
type recordingWriter struct {
	mu    sync.Mutex
	rows  []*models.ResumeConfig
	fail  error
	delay time.Duration
}

func (w *recordingWriter) Upsert(ctx context.Context, cfg *models.ResumeConfig) error {
	if w.delay > 0 {
		time.Sleep(w.delay)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.rows = append(w.rows, cfg)
	return nil
}

func (w *recordingWriter) versions(resumeID string) []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []int
	for _, r := range w.rows {
		if r.ResumeID == resumeID {
			out = append(out, r.Version)
		}
	}
	return out
}

func resumeAt(version int) *document.Resume {
	return &document.Resume{
		Content:    document.DefaultContent(),
		Order:      document.DefaultOrder(),
		Visibility: document.DefaultVisibility(),
		Metadata:   document.Metadata{OwnerID: "owner", Version: version},
	}
}

func TestMirror_PerResumeOrder(t *testing.T) {
	w := &recordingWriter{delay: time.Millisecond}
	s := NewMirrorService(w, 4, 64, telemetry.Discard())
	s.Start()

	ctx := context.Background()
	for v := 1; v <= 10; v++ {
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, s.Submit(ctx, MirrorJob{ResumeID: id, UserID: "u", Resume: resumeAt(v)}))
		}
	}
	s.Shutdown()

	want := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, want, w.versions(id), "resume %s", id)
	}
	assert.EqualValues(t, 30, s.Written())
	assert.Zero(t, s.QueueLength())
}

func TestMirror_SubmitAfterShutdown(t *testing.T) {
	s := NewMirrorService(&recordingWriter{}, 1, 1, telemetry.Discard())
	s.Start()
	s.Shutdown()

	err := s.Submit(context.Background(), MirrorJob{ResumeID: "a", Resume: resumeAt(1)})
	assert.ErrorIs(t, err, ErrMirrorStopped)
}

func TestMirror_FullQueueHonoursContext(t *testing.T) {
	// not started: nothing drains the single slot
	s := NewMirrorService(&recordingWriter{}, 1, 1, telemetry.Discard())
	require.NoError(t, s.Submit(context.Background(), MirrorJob{ResumeID: "a", Resume: resumeAt(1)}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Submit(ctx, MirrorJob{ResumeID: "a", Resume: resumeAt(2)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s.Start()
	s.Shutdown()
}

func TestMirror_FailuresAreCounted(t *testing.T) {
	w := &recordingWriter{fail: errors.New("db down")}
	s := NewMirrorService(w, 2, 8, telemetry.Discard())
	s.Start()
	s.OnSaved(docmanager.SavedEvent{LogicalID: "a", OwnerID: "u", Resume: resumeAt(1)})
	s.Shutdown()

	assert.Zero(t, s.Written())
	assert.EqualValues(t, 1, s.failed.Load())
}

func TestMirror_RejectsEmptyJob(t *testing.T) {
	s := NewMirrorService(&recordingWriter{}, 1, 1, telemetry.Discard())
	assert.Error(t, s.Submit(context.Background(), MirrorJob{ResumeID: "a"}))
}

func TestFlattenResume(t *testing.T) {
	r := resumeAt(7)
	r.Content[string(document.Basics)] = json.RawMessage(`{"name":"Ada"}`)
	r.Visibility[string(document.Hobbies)] = true

	cfg, err := FlattenResume("r1", "", r)
	require.NoError(t, err)
	assert.Equal(t, "owner", cfg.UserID, "owner falls back to document metadata")
	assert.Equal(t, 7, cfg.Version)

	var content map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(cfg.Sections, &content))
	assert.JSONEq(t, `{"name":"Ada"}`, string(content["basics"]))
	assert.Contains(t, string(cfg.Visibility), `"hobbies":true`)
}

// A mirrored row seeds a new document with the same content.
func TestMirror_RowSeedsLegacyLoad(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))

	configs := repository.NewResumeConfigRepository(gdb)
	s := NewMirrorService(configs, 2, 8, telemetry.Discard())
	s.Start()

	r := resumeAt(3)
	r.Content[string(document.Basics)] = json.RawMessage(`{"name":"Grace"}`)
	order := document.DefaultOrder()
	order[1], order[2] = order[2], order[1]
	r.Order = order
	require.NoError(t, s.Submit(context.Background(), MirrorJob{ResumeID: "r1", UserID: "u1", Resume: r}))
	s.Shutdown()

	adapter := persistence.NewAdapter(repository.NewSnapshotRepository(gdb), configs, telemetry.Discard())
	seed, err := adapter.LoadLegacy(context.Background(), "r1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Grace"}`, string(seed.Content["basics"]))
	assert.Equal(t, order, seed.Order)
}
