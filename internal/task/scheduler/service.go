package scheduler

import (
	"context"
	"errors"
	"fmt"
	logx "oppcast/pkg/logx"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrUnknownJob = errors.New("scheduler: unknown job")

type JobFunc func(ctx context.Context) error

type Job struct {
	Name     string
	Schedule ParsedSpec
	// Timeout bounds one run; zero means no limit.
	Timeout time.Duration
	// InitialDelay runs the job once this long after Start, independent of the schedule.
	InitialDelay time.Duration
	Run          JobFunc
}

// JobInfo is a point-in-time view of one job.
type JobInfo struct {
	Name     string
	Schedule string
	Next     time.Time
	Prev     time.Time
	Running  bool
	Runs     uint64
	Skipped  uint64
	LastRun  time.Time
	LastDur  time.Duration
	LastErr  string
}

type jobState struct {
	job     Job
	entryID cron.EntryID
	delay   *time.Timer

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64

	mu      sync.Mutex
	lastRun time.Time
	lastDur time.Duration
	lastErr string
}

type Service struct {
	mu     sync.Mutex
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
	jobs   map[string]*jobState

	runCtx    context.Context
	runCancel context.CancelFunc
	inflight  sync.WaitGroup

	log logx.Logger
}

func New(loc *time.Location, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:    loc,
		jobs:   map[string]*jobState{},
		log:    log,
	}
}

// Add registers a job. Jobs added after Start are scheduled immediately.
func (s *Service) Add(j Job) error {
	if j.Name == "" || j.Run == nil {
		return errors.New("scheduler: job name and func are required")
	}
	if _, err := s.schedule(j.Schedule); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.Name]; ok {
		return fmt.Errorf("scheduler: job %q already registered", j.Name)
	}
	st := &jobState{job: j}
	s.jobs[j.Name] = st
	if s.c != nil {
		return s.registerLocked(st, true)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, st := range s.jobs {
		if err := s.registerLocked(st, true); err != nil {
			s.log.Error("schedule rejected", logx.String("job", st.job.Name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Stop halts triggering and waits for in-flight runs until ctx expires,
// then cancels them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.runCancel
	for _, st := range s.jobs {
		if st.delay != nil {
			st.delay.Stop()
			st.delay = nil
		}
		st.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out; cancelling running jobs")
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Reschedule swaps a job's schedule. The initial delay is not replayed.
func (s *Service) Reschedule(name string, spec ParsedSpec) error {
	if _, err := s.schedule(spec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[name]
	if !ok {
		return ErrUnknownJob
	}
	if st.job.Schedule == spec {
		return nil
	}
	st.job.Schedule = spec
	if s.c == nil {
		return nil
	}
	if st.entryID != 0 {
		s.c.Remove(st.entryID)
		st.entryID = 0
	}
	if err := s.registerLocked(st, false); err != nil {
		return err
	}
	s.log.Info("job rescheduled", logx.String("job", name), logx.String("schedule", spec.String()))
	return nil
}

// SetTimeout changes the per-run timeout for subsequent runs.
func (s *Service) SetTimeout(name string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[name]
	if !ok {
		return ErrUnknownJob
	}
	st.job.Timeout = d
	return nil
}

// Trigger runs a job now in the background. It reports false if the job is
// unknown, the service is stopped, or a run is already in flight.
func (s *Service) Trigger(name string) bool {
	s.mu.Lock()
	st, ok := s.jobs[name]
	started := s.c != nil
	s.mu.Unlock()
	if !ok || !started || st.running.Load() {
		return false
	}
	go s.run(st)
	return true
}

func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	c := s.c
	states := make([]*jobState, 0, len(s.jobs))
	for _, st := range s.jobs {
		states = append(states, st)
	}
	s.mu.Unlock()

	out := make([]JobInfo, 0, len(states))
	for _, st := range states {
		s.mu.Lock()
		info := JobInfo{Name: st.job.Name, Schedule: st.job.Schedule.String()}
		entryID := st.entryID
		s.mu.Unlock()
		if c != nil && entryID != 0 {
			e := c.Entry(entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		info.Running = st.running.Load()
		info.Runs = st.runs.Load()
		info.Skipped = st.skipped.Load()
		st.mu.Lock()
		info.LastRun, info.LastDur, info.LastErr = st.lastRun, st.lastDur, st.lastErr
		st.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) schedule(spec ParsedSpec) (cron.Schedule, error) {
	switch spec.Kind {
	case SpecInterval:
		if spec.Every < time.Second {
			return nil, fmt.Errorf("interval %s is below one second", spec.Every)
		}
		return cron.Every(spec.Every), nil
	case SpecCron:
		sched, err := s.parser.Parse(spec.Cron)
		if err != nil {
			return nil, fmt.Errorf("invalid cron %q: %w", spec.Cron, err)
		}
		return sched, nil
	default:
		return nil, fmt.Errorf("unknown schedule kind %d", spec.Kind)
	}
}

func (s *Service) registerLocked(st *jobState, withDelay bool) error {
	sched, err := s.schedule(st.job.Schedule)
	if err != nil {
		return err
	}
	st.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.run(st) }))
	if withDelay && st.job.InitialDelay > 0 {
		st.delay = time.AfterFunc(st.job.InitialDelay, func() { s.run(st) })
	}
	s.log.Debug("job scheduled",
		logx.String("job", st.job.Name),
		logx.String("schedule", st.job.Schedule.String()),
		logx.Duration("initial_delay", st.job.InitialDelay),
	)
	return nil
}

func (s *Service) run(st *jobState) {
	s.mu.Lock()
	base := s.runCtx
	stopped := s.c == nil
	timeout := st.job.Timeout
	fn := st.job.Run
	if !stopped {
		s.inflight.Add(1)
	}
	s.mu.Unlock()
	if stopped || base == nil {
		return
	}
	defer s.inflight.Done()

	if !st.running.CompareAndSwap(false, true) {
		st.skipped.Add(1)
		s.log.Debug("job still running; tick skipped", logx.String("job", st.job.Name))
		return
	}
	defer st.running.Store(false)

	ctx := base
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(base, timeout)
		defer cancel()
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in job", logx.String("job", st.job.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(ctx)
	}()
	st.runs.Add(1)

	st.mu.Lock()
	st.lastRun, st.lastDur = start, time.Since(start)
	st.lastErr = ""
	if err != nil {
		st.lastErr = err.Error()
	}
	st.mu.Unlock()
}

// cronLogger routes robfig/cron's internal logging through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
