// Package scheduler publishes cron-driven prompts and the workspace
// heartbeat onto the message bus.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/KafClaw/clawcore/internal/bus"
	"github.com/KafClaw/clawcore/internal/config"
	"github.com/KafClaw/clawcore/internal/identity"
	"github.com/KafClaw/clawcore/internal/routing"
)

const (
	// HeartbeatJob is the name of the built-in heartbeat job.
	HeartbeatJob = "heartbeat"

	senderID    = "scheduler"
	metaJobKey  = "scheduler_job"
	metaTickKey = "scheduler_tick"
)

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ContentFunc produces the prompt for one run. An empty prompt skips the run.
type ContentFunc func() (string, error)

// Job defines a schedulable unit of work.
type Job struct {
	Name     string
	Schedule string
	Channel  string
	ChatID   string
	Content  ContentFunc
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Target   string    `json:"target"`
	Next     time.Time `json:"next"`
}

type entry struct {
	job  Job
	id   cron.EntryID
	slot *semaphore.Weighted
}

// Scheduler fires jobs on their cron schedule. Each job runs at most once at
// a time; a tick that finds the previous run still busy is skipped.
type Scheduler struct {
	bus  *bus.MessageBus
	cron *cron.Cron
	lock *FileLock
	// lockMu serializes runs inside this process; flock is per descriptor.
	lockMu sync.Mutex

	mu   sync.Mutex
	jobs map[string]*entry
}

// New creates a Scheduler. A non-empty lockPath makes runs exclusive across
// processes sharing the same data directory.
func New(b *bus.MessageBus, lockPath string) *Scheduler {
	s := &Scheduler{
		bus:  b,
		cron: cron.New(cron.WithParser(cronParser)),
		jobs: make(map[string]*entry),
	}
	if lockPath != "" {
		s.lock = NewFileLock(lockPath)
	}
	return s
}

// FromConfig creates a Scheduler holding the configured jobs and, when
// enabled, the heartbeat for workspace.
func FromConfig(cfg config.SchedulerConfig, b *bus.MessageBus, workspace, dataDir string) (*Scheduler, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("scheduler: create data dir: %w", err)
	}
	s := New(b, filepath.Join(dataDir, "scheduler.lock"))

	var errs []error
	for _, jc := range cfg.Jobs {
		message := jc.Message
		err := s.Register(Job{
			Name:     jc.Name,
			Schedule: jc.Schedule,
			Channel:  jc.Channel,
			ChatID:   jc.ChatID,
			Content:  func() (string, error) { return message, nil },
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	if hb := cfg.Heartbeat; hb.Enabled {
		err := s.Register(Job{
			Name:     HeartbeatJob,
			Schedule: hb.Schedule,
			Channel:  hb.Channel,
			ChatID:   hb.ChatID,
			Content:  HeartbeatContent(workspace),
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return s, errors.Join(errs...)
}

// Register validates and adds a job. Jobs may be added while running.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" {
		return errors.New("scheduler: job name is required")
	}
	if job.Content == nil {
		return fmt.Errorf("scheduler: job %s has no content", job.Name)
	}
	sched, err := cronParser.Parse(job.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: job %s: invalid schedule %q: %w", job.Name, job.Schedule, err)
	}
	if job.Channel == "" {
		job.Channel, job.ChatID = routing.DefaultChannel, routing.DefaultChatID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("scheduler: duplicate job %s", job.Name)
	}
	e := &entry{job: job, slot: semaphore.NewWeighted(1)}
	e.id = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(context.Background(), e, time.Now()) }))
	s.jobs[job.Name] = e
	slog.Info("Scheduler job registered", "name", job.Name, "schedule", job.Schedule, "target", routing.SessionKey(job.Channel, job.ChatID))
	return nil
}

// Unregister removes a job by name.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.jobs[name]; ok {
		s.cron.Remove(e.id)
		delete(s.jobs, name)
	}
}

// Jobs returns the registered jobs sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, JobInfo{
			Name:     e.job.Name,
			Schedule: e.job.Schedule,
			Target:   routing.SessionKey(e.job.Channel, e.job.ChatID),
			Next:     s.cron.Entry(e.id).Next,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run starts the cron ticker and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	slog.Info("Scheduler started", "jobs", len(s.Jobs()))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	slog.Info("Scheduler stopped")
	return ctx.Err()
}

// Trigger runs a job immediately. It reports whether a message was published.
func (s *Scheduler) Trigger(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("scheduler: unknown job %s", name)
	}
	return s.fire(ctx, e, time.Now()), nil
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) bool {
	name := e.job.Name
	if !e.slot.TryAcquire(1) {
		slog.Warn("Scheduler job skipped: previous run still active", "job", name)
		return false
	}
	defer e.slot.Release(1)

	if s.lock != nil {
		s.lockMu.Lock()
		defer s.lockMu.Unlock()
		acquired, err := s.lock.TryLock()
		if err != nil {
			slog.Warn("Scheduler lock error", "job", name, "error", err)
			return false
		}
		if !acquired {
			slog.Debug("Scheduler job skipped: lock held by another process", "job", name)
			return false
		}
		defer s.lock.Unlock()
	}

	content, err := e.job.Content()
	if err != nil {
		slog.Error("Scheduler job failed", "job", name, "error", err)
		return false
	}
	if strings.TrimSpace(content) == "" || ctx.Err() != nil {
		slog.Debug("Scheduler job has nothing to send", "job", name)
		return false
	}

	msg := bus.NewInbound(e.job.Channel, senderID, e.job.ChatID, content)
	msg.Timestamp = now
	msg.Metadata[bus.MetaKeyMessageType] = bus.MessageTypeInternal
	msg.Metadata[metaJobKey] = name
	msg.Metadata[metaTickKey] = now.Format(time.RFC3339)
	s.bus.PublishInbound(msg)
	slog.Info("Scheduler dispatched job", "job", name)
	return true
}

// HeartbeatContent returns a ContentFunc that reads HEARTBEAT.md from
// workspace. Headings, blank lines and HTML comments are ignored, so a file
// holding only its template yields nothing.
func HeartbeatContent(workspace string) ContentFunc {
	path := filepath.Join(workspace, identity.HeartbeatFile)
	return func() (string, error) {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("read heartbeat: %w", err)
		}
		tasks := heartbeatTasks(string(data))
		if tasks == "" {
			return "", nil
		}
		return "Read " + identity.HeartbeatFile + " in your workspace and act on these tasks. " +
			"If nothing needs attention, reply with just: HEARTBEAT_OK\n\n" + tasks, nil
	}
}

// heartbeatTasks keeps the actionable lines of doc.
func heartbeatTasks(doc string) string {
	var (
		lines     []string
		inComment bool
	)
	for _, line := range strings.Split(doc, "\n") {
		trimmed := strings.TrimSpace(line)
		if inComment {
			end := strings.Index(trimmed, "-->")
			if end < 0 {
				continue
			}
			inComment = false
			trimmed = strings.TrimSpace(trimmed[end+3:])
		}
		for {
			start := strings.Index(trimmed, "<!--")
			if start < 0 {
				break
			}
			end := strings.Index(trimmed[start:], "-->")
			if end < 0 {
				inComment = true
				trimmed = strings.TrimSpace(trimmed[:start])
				break
			}
			trimmed = strings.TrimSpace(trimmed[:start] + trimmed[start+end+3:])
		}
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || trimmed == "-" || trimmed == "*" {
			continue
		}
		lines = append(lines, trimmed)
	}
	return strings.Join(lines, "\n")
}
