// Package schedule re-runs tasks on a timetable: cron expressions for
// recurring runs, fixed intervals, and one-shot at-times. Jobs persist in a
// JSON document so they survive restarts.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"
)

// Schedule kinds.
const (
	KindCron  = "cron"
	KindEvery = "every"
	KindAt    = "at"
)

type Spec struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`    // cron expression when Kind == "cron"
	EveryMs int64  `json:"everyMs,omitempty"` // interval when Kind == "every"
	AtMs    int64  `json:"atMs,omitempty"`    // unix millis when Kind == "at"
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

// Job triggers one task run per firing.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	TaskID         string   `json:"taskId"`
	Spec           Spec     `json:"spec"`
	Enabled        bool     `json:"enabled"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	State          JobState `json:"state"`
}

func NewJob(name, taskID string, spec Spec) Job {
	return Job{
		ID:      uuid.NewString(),
		Name:    name,
		TaskID:  taskID,
		Spec:    spec,
		Enabled: true,
		// one-shot jobs clean themselves up
		DeleteAfterRun: spec.Kind == KindAt,
	}
}

type Service struct {
	storePath string
	mu        sync.Mutex
	jobs      []Job
	OnJob     func(job Job) error
	cron      *rcron.Cron
	entryMap  map[string]rcron.EntryID // job ID -> cron entry ID
	cancel    context.CancelFunc
	stopCh    chan struct{}
}

func NewService(storePath string) *Service {
	return &Service{
		storePath: storePath,
		entryMap:  make(map[string]rcron.EntryID),
	}
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.stopCh = stopCh
	s.mu.Unlock()

	if err := s.load(); err != nil {
		log.Printf("[schedule] warning: failed to load jobs: %v", err)
	}

	s.cron = rcron.New(rcron.WithSeconds())

	s.mu.Lock()
	for i := range s.jobs {
		if s.jobs[i].Enabled && s.jobs[i].Spec.Kind == KindCron {
			s.registerJob(&s.jobs[i])
		}
	}
	s.mu.Unlock()

	s.cron.Start()
	log.Printf("[schedule] started with %d jobs", len(s.jobs))

	// "every" and "at" jobs run off a plain ticker.
	go s.tickLoop(runCtx)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
			return
		}
	}()

	return nil
}

func (s *Service) registerJob(job *Job) {
	jobCopy := *job
	id, err := s.cron.AddFunc(job.Spec.Expr, func() {
		s.executeJob(jobCopy)
	})
	if err != nil {
		log.Printf("[schedule] failed to register job %s (%s): %v", job.Name, job.Spec.Expr, err)
		return
	}
	s.entryMap[job.ID] = id
}

func (s *Service) executeJob(job Job) {
	log.Printf("[schedule] firing job %s for task %s", job.Name, job.TaskID)

	if s.OnJob == nil {
		log.Printf("[schedule] no OnJob handler set")
		return
	}

	err := s.OnJob(job)

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID == job.ID {
			jobID := s.jobs[i].ID
			s.jobs[i].State.LastRunAtMs = time.Now().UnixMilli()
			if err != nil {
				s.jobs[i].State.LastStatus = "error"
				s.jobs[i].State.LastError = err.Error()
				log.Printf("[schedule] job %s error: %v", job.Name, err)
			} else {
				s.jobs[i].State.LastStatus = "ok"
				s.jobs[i].State.LastError = ""
			}

			if s.jobs[i].DeleteAfterRun {
				if entryID, ok := s.entryMap[jobID]; ok && s.cron != nil {
					s.cron.Remove(entryID)
					delete(s.entryMap, jobID)
				}
				s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			}
			break
		}
	}

	_ = s.save()
}

func (s *Service) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.fireDue(time.Now().UnixMilli())
		case <-ctx.Done():
			return
		}
	}
}

// fireDue runs every "every"/"at" job that is due at now. The due set is
// snapshotted under the lock before any job runs: executeJob mutates s.jobs
// (DeleteAfterRun), so indexing the live slice while firing would go out of
// range when one tick has several due one-shot jobs.
func (s *Service) fireDue(now int64) {
	s.mu.Lock()
	var due []Job
	for i := range s.jobs {
		job := &s.jobs[i]
		if !job.Enabled {
			continue
		}
		switch job.Spec.Kind {
		case KindEvery:
			if job.Spec.EveryMs > 0 && now >= job.State.LastRunAtMs+job.Spec.EveryMs {
				due = append(due, *job)
			}
		case KindAt:
			if job.Spec.AtMs > 0 && now >= job.Spec.AtMs {
				job.Enabled = false
				due = append(due, *job)
			}
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		s.executeJob(job)
	}
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}

	if s.cron != nil {
		stopCtx := s.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			log.Printf("[schedule] stop timeout waiting for running jobs")
		}
	}
	log.Printf("[schedule] stopped")
}

func (s *Service) AddJob(name, taskID string, spec Spec) (*Job, error) {
	switch spec.Kind {
	case KindCron, KindEvery, KindAt:
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", spec.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := NewJob(name, taskID, spec)
	s.jobs = append(s.jobs, job)

	if job.Spec.Kind == KindCron && s.cron != nil {
		s.registerJob(&s.jobs[len(s.jobs)-1])
	}

	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}

	return &job, nil
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID == id {
			if entryID, ok := s.entryMap[id]; ok {
				s.cron.Remove(entryID)
				delete(s.entryMap, id)
			}
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			_ = s.save()
			return true
		}
	}
	return false
}

func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Job, len(s.jobs))
	copy(result, s.jobs)
	return result
}

func (s *Service) EnableJob(id string, enabled bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID == id {
			s.jobs[i].Enabled = enabled
			if s.jobs[i].Spec.Kind == KindCron && s.cron != nil {
				if enabled {
					if _, ok := s.entryMap[id]; !ok {
						s.registerJob(&s.jobs[i])
					}
				} else {
					if entryID, ok := s.entryMap[id]; ok {
						s.cron.Remove(entryID)
						delete(s.entryMap, id)
					}
				}
			}
			_ = s.save()
			job := s.jobs[i]
			return &job, nil
		}
	}
	return nil, fmt.Errorf("job %s not found", id)
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, &s.jobs)
}

func (s *Service) save() error {
	dir := filepath.Dir(s.storePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}
