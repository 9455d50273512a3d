package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"resume-collab/internal/document"
	"resume-collab/internal/models"
	"resume-collab/internal/services/docmanager"

	"github.com/sirupsen/logrus"
)

/*
LEARNING: SHARDED WORKER POOL

Every successful snapshot save produces a flattened copy of the resume for
resume_config. Writing it is slow I/O that must not hold up the saver, so it
goes through a worker pool.

Key Concepts:
1. **Goroutines + Channels**: fixed workers pulling jobs from bounded queues
2. **Sharding**: a resume always hashes to the same worker, so two saves of
   one resume are written in the order they happened
3. **Backpressure**: a full queue blocks the submitter until its context ends
4. **Graceful Shutdown**: queues are closed and drained before Shutdown returns
*/

// ErrMirrorStopped is returned by Submit after Shutdown.
var ErrMirrorStopped = errors.New("mirror service is shutting down")

// MirrorJob is one resume state to write to resume_config.
type MirrorJob struct {
	ResumeID string
	UserID   string
	Resume   *document.Resume
}

// MirrorService keeps resume_config in step with saved documents.
type MirrorService struct {
	repo         ResumeConfigWriter // Interface from this package (consumer-driven!)
	log          logrus.FieldLogger
	writeTimeout time.Duration

	queues []chan MirrorJob
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	written atomic.Int64
	failed  atomic.Int64
}

// NewMirrorService creates the pool; call Start to run it.
// Returns concrete type - "Accept interfaces, return structs"
func NewMirrorService(repo ResumeConfigWriter, numWorkers, queueSize int, log logrus.FieldLogger) *MirrorService {
	if numWorkers < 1 {
		numWorkers = 1
	}
	perWorker := queueSize / numWorkers
	if perWorker < 1 {
		perWorker = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &MirrorService{
		repo:         repo,
		log:          log,
		writeTimeout: 10 * time.Second,
		queues:       make([]chan MirrorJob, numWorkers),
		ctx:          ctx,
		cancel:       cancel,
	}
	for i := range s.queues {
		s.queues[i] = make(chan MirrorJob, perWorker)
	}
	return s
}

// Start spawns one goroutine per shard.
func (s *MirrorService) Start() {
	s.log.Infof("🔧 Starting resume_config mirror with %d workers", len(s.queues))
	for i := range s.queues {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *MirrorService) worker(id int) {
	defer s.wg.Done()
	log := s.log.WithField("worker", id)

	// range drains whatever is queued once Shutdown closes the channel
	for job := range s.queues[id] {
		if err := s.process(job); err != nil {
			s.failed.Add(1)
			log.WithError(err).WithField("resume_id", job.ResumeID).Warn("⚠️  mirror write failed")
			continue
		}
		s.written.Add(1)
		log.WithField("resume_id", job.ResumeID).Debug("resume_config mirrored")
	}
}

func (s *MirrorService) shard(resumeID string) int {
	h := fnv.New32a()
	h.Write([]byte(resumeID))
	return int(h.Sum32() % uint32(len(s.queues)))
}

// Submit queues job, blocking while its shard is full.
func (s *MirrorService) Submit(ctx context.Context, job MirrorJob) error {
	if job.Resume == nil {
		return fmt.Errorf("mirror job for %s has no resume", job.ResumeID)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrMirrorStopped
	}

	select {
	case s.queues[s.shard(job.ResumeID)] <- job:
		return nil
	case <-s.ctx.Done():
		return ErrMirrorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnSaved adapts Submit to the document manager's saved hook.
func (s *MirrorService) OnSaved(ev docmanager.SavedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Submit(ctx, MirrorJob{ResumeID: ev.LogicalID, UserID: ev.OwnerID, Resume: ev.Resume})
	if err != nil {
		// the next save rewrites the whole row
		s.log.WithError(err).WithField("resume_id", ev.LogicalID).Warn("⚠️  mirror job dropped")
	}
}

func (s *MirrorService) process(job MirrorJob) error {
	cfg, err := FlattenResume(job.ResumeID, job.UserID, job.Resume)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	return s.repo.Upsert(ctx, cfg)
}

// FlattenResume converts a document view into a resume_config row.
func FlattenResume(resumeID, userID string, r *document.Resume) (*models.ResumeConfig, error) {
	sections, err := json.Marshal(r.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sections: %w", err)
	}
	order, err := json.Marshal(r.Order)
	if err != nil {
		return nil, fmt.Errorf("failed to encode order: %w", err)
	}
	visibility, err := json.Marshal(r.Visibility)
	if err != nil {
		return nil, fmt.Errorf("failed to encode visibility: %w", err)
	}
	if userID == "" {
		userID = r.Metadata.OwnerID
	}
	return &models.ResumeConfig{
		ResumeID:   resumeID,
		UserID:     userID,
		Sections:   sections,
		Order:      order,
		Visibility: visibility,
		Version:    r.Metadata.Version,
	}, nil
}

// Shutdown stops accepting jobs and waits for queued ones to be written.
func (s *MirrorService) Shutdown() {
	s.log.Info("🛑 Shutting down resume_config mirror...")

	// unblock submitters waiting on a full queue
	s.cancel()

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for _, q := range s.queues {
			close(q)
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Infof("✓ Mirror shutdown complete (%d written, %d failed)", s.written.Load(), s.failed.Load())
}

// QueueLength returns the number of jobs waiting across all shards.
func (s *MirrorService) QueueLength() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// Written returns how many rows were upserted successfully.
func (s *MirrorService) Written() int64 { return s.written.Load() }
