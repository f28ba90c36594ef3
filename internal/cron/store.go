package cron

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bashclaw/bashclaw/internal/state"
)

const (
	jobsFile      = "jobs.json"
	storeLockFile = "jobs.lock"
	// A writer that died mid-update leaves the lock behind; override it
	// after this long.
	storeLockStale = 10 * time.Second
)

// Store persists jobs in one consolidated cron/jobs.json. Legacy per-job
// files are migrated in on first load.
type Store struct {
	root *state.Root
}

func NewStore(root *state.Root) *Store {
	return &Store{root: root}
}

func (s *Store) jobsPath() string { return filepath.Join(s.root.CronDir(), jobsFile) }
func (s *Store) lockPath() string { return filepath.Join(s.root.CronDir(), storeLockFile) }

type jobsDoc struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// List returns all jobs sorted by creation time.
func (s *Store) List() ([]Job, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	jobs := doc.Jobs
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt < jobs[j].CreatedAt })
	return jobs, nil
}

// Get returns one job by id.
func (s *Store) Get(id string) (Job, error) {
	doc, err := s.load()
	if err != nil {
		return Job{}, err
	}
	for _, j := range doc.Jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return Job{}, fmt.Errorf("cron job not found: %s", id)
}

// Add validates and persists a new job, computing its first run time.
func (s *Store) Add(job Job) (Job, error) {
	if err := job.Schedule.Validate(); err != nil {
		return Job{}, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now()
	job.CreatedAt = now.UnixMilli()
	job.UpdatedAt = job.CreatedAt
	if next, ok, err := job.Schedule.Next(now); err != nil {
		return Job{}, err
	} else if ok {
		job.NextRunAt = next.UnixMilli()
	}
	if job.Schedule.Kind == "at" {
		job.DeleteAfter = true
	}

	err := s.mutate(func(doc *jobsDoc) error {
		for _, existing := range doc.Jobs {
			if existing.ID == job.ID {
				return fmt.Errorf("cron job already exists: %s", job.ID)
			}
		}
		doc.Jobs = append(doc.Jobs, job)
		return nil
	})
	return job, err
}

// Update applies fn to the job with the given id and persists the result.
func (s *Store) Update(id string, fn func(*Job)) (Job, error) {
	var updated Job
	err := s.mutate(func(doc *jobsDoc) error {
		for i := range doc.Jobs {
			if doc.Jobs[i].ID == id {
				fn(&doc.Jobs[i])
				doc.Jobs[i].UpdatedAt = time.Now().UnixMilli()
				updated = doc.Jobs[i]
				return nil
			}
		}
		return fmt.Errorf("cron job not found: %s", id)
	})
	return updated, err
}

// Remove deletes a job. Removing an absent id is not an error.
func (s *Store) Remove(id string) error {
	return s.mutate(func(doc *jobsDoc) error {
		kept := doc.Jobs[:0]
		for _, j := range doc.Jobs {
			if j.ID != id {
				kept = append(kept, j)
			}
		}
		doc.Jobs = kept
		return nil
	})
}

// mutate loads, transforms, and atomically rewrites the job document under
// the store lock.
func (s *Store) mutate(fn func(*jobsDoc) error) error {
	unlock, err := s.acquireLock()
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return state.WriteJSONAtomic(s.jobsPath(), doc, 0o600)
}

func (s *Store) load() (*jobsDoc, error) {
	doc := &jobsDoc{Version: 1}
	err := state.ReadJSON(s.jobsPath(), doc)
	if os.IsNotExist(err) {
		if merr := s.migrateLegacy(doc); merr != nil {
			return nil, merr
		}
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cron jobs: %w", err)
	}
	return doc, nil
}

// migrateLegacy folds old per-job cron/<id>.json files into the doc and
// removes them.
func (s *Store) migrateLegacy(doc *jobsDoc) error {
	entries, err := os.ReadDir(s.root.CronDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	migrated := false
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == jobsFile || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(s.root.CronDir(), name)
		var job Job
		if err := state.ReadJSON(path, &job); err != nil || job.ID == "" {
			continue
		}
		doc.Jobs = append(doc.Jobs, job)
		os.Remove(path)
		migrated = true
	}
	if migrated {
		return state.WriteJSONAtomic(s.jobsPath(), doc, 0o600)
	}
	return nil
}

// acquireLock takes the store lock, overriding a holder older than
// storeLockStale.
func (s *Store) acquireLock() (func(), error) {
	path := s.lockPath()
	deadline := time.Now().Add(5 * time.Second)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if info, serr := os.Stat(path); serr == nil && time.Since(info.ModTime()) > storeLockStale {
			os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("cron store lock held too long: %s", path)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
