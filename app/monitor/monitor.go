package monitor

import (
	"context"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/akaiHuang/api-less-creative-automation/app/events"
)

// PageProvider returns the current active page, false when no session is up.
// Consumers must re-fetch every tick; a page handle can go stale after any
// session close or reattach.
type PageProvider func() (Page, bool)

// Params configures the monitor. Threshold values are empirically tuned,
// kept configurable on purpose.
type Params struct {
	Pages      PageProvider
	Registry   *Registry
	Events     *events.Broadcaster
	OnComplete func(job Job) // invoked async after settle delay, nil ok

	CDNHost              string
	TickInterval         time.Duration // default 2s
	SettleDelay          time.Duration // default 3s, before artifact resolution
	StableTicks          int           // default 5, identical-value dwell at >= StableMinProgress
	StableMinProgress    int           // default 85
	SustainedTicks       int           // default 15, any-value dwell at >= SustainedMinProgress
	SustainedMinProgress int           // default 90
}

// trackState holds per-job stall counters between ticks
type trackState struct {
	last   int
	seen   bool
	stable int
	high   int
}

// Monitor runs the periodic progress-inference tick over all active jobs.
// Started lazily on first job creation, idempotent Start, explicit Stop.
type Monitor struct {
	Params

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	track   map[string]*trackState
}

// New creates a monitor with defaults applied
func New(p Params) *Monitor {
	if p.TickInterval <= 0 {
		p.TickInterval = 2 * time.Second
	}
	if p.SettleDelay <= 0 {
		p.SettleDelay = 3 * time.Second
	}
	if p.StableTicks <= 0 {
		p.StableTicks = 5
	}
	if p.StableMinProgress <= 0 {
		p.StableMinProgress = 85
	}
	if p.SustainedTicks <= 0 {
		p.SustainedTicks = 15
	}
	if p.SustainedMinProgress <= 0 {
		p.SustainedMinProgress = 90
	}
	return &Monitor{Params: p, track: make(map[string]*trackState)}
}

// Start launches the tick loop. Repeated calls while running are no-ops.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	go m.loop(ctx)
	log.Printf("[INFO] progress monitor started, tick=%v", m.TickInterval)
}

// Stop terminates the tick loop
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.cancel()
	m.running = false
	log.Printf("[INFO] progress monitor stopped")
}

// Running reports whether the tick loop is active
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick samples the page once and applies the winning signal to every active
// job. A single tick failure is logged and never stops subsequent ticks.
func (m *Monitor) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WARN] monitor tick panic recovered: %v", r)
		}
	}()

	if m.Registry.ActiveCount() == 0 {
		return // quiesce, nothing to monitor
	}
	page, ok := m.Pages()
	if !ok {
		return // no active page this tick, keep trying
	}

	signals, err := Probe(page, m.CDNHost)
	if err != nil {
		log.Printf("[WARN] probe failed: %v", err)
		return
	}
	winner, found := Resolve(signals)
	if !found {
		return
	}
	log.Printf("[DEBUG] tick winner: %s progress=%d priority=%d", winner.Kind, winner.Progress, winner.Priority)

	for _, job := range m.Registry.Active() {
		m.applyWinner(ctx, job.ID, winner)
	}
}

// applyWinner advances one job's state from the tick's winning signal
func (m *Monitor) applyWinner(ctx context.Context, jobID string, winner Signal) {
	// authoritative completion from a structural detector
	if winner.Progress == 100 && winner.Priority >= PriorityAuthoritative {
		m.completeJob(ctx, jobID, winner.Kind)
		return
	}

	st := m.track[jobID]
	if st == nil {
		st = &trackState{}
		m.track[jobID] = st
	}

	cur := winner.Progress
	switch {
	case cur >= m.StableMinProgress && st.seen && cur == st.last:
		st.stable++
	case cur >= m.StableMinProgress:
		st.stable = 1 // first tick of a new streak
	default:
		st.stable = 0
	}
	if cur >= m.SustainedMinProgress {
		st.high++
	} else if cur < m.StableMinProgress {
		st.high = 0
	}
	st.last, st.seen = cur, true

	if st.stable >= m.StableTicks {
		log.Printf("[INFO] job %s stalled at %d%% for %d ticks, forcing completion", jobID, cur, st.stable)
		m.completeJob(ctx, jobID, "stable_dwell")
		return
	}
	if st.high >= m.SustainedTicks {
		log.Printf("[INFO] job %s sustained >=%d%% for %d ticks, forcing completion", jobID, m.SustainedMinProgress, st.high)
		m.completeJob(ctx, jobID, "sustained_high")
		return
	}

	m.updateProgress(jobID, cur, winner.Kind)
}

// updateProgress mutates the registry record and emits a progress event when
// the value moved. Progress is monotonic; a lower read never rolls it back.
func (m *Monitor) updateProgress(jobID string, progress int, source string) {
	job, ok := m.Registry.Update(jobID, func(j *Job) {
		if progress > j.Progress {
			j.Progress = progress
		}
		if j.Status == StatusStarting && progress > 0 {
			j.Status = StatusProcessing
		}
	})
	if !ok {
		return
	}
	m.Events.Broadcast(events.Event{Kind: events.KindProgress, Data: map[string]any{
		"jobId": jobID, "progress": job.Progress, "status": string(job.Status), "source": source,
	}})
}

// completeJob transitions the job to its terminal state, removes it from
// active monitoring and schedules downstream artifact resolution
func (m *Monitor) completeJob(ctx context.Context, jobID, source string) {
	job, ok := m.Registry.Update(jobID, func(j *Job) {
		j.Status = StatusComplete
		j.Progress = 100
	})
	if !ok {
		return
	}
	delete(m.track, jobID)

	m.Events.Broadcast(events.Event{Kind: events.KindProgress, Data: map[string]any{
		"jobId": jobID, "progress": 100, "status": string(StatusComplete), "source": source,
	}})
	m.Events.Broadcast(events.Event{Kind: events.KindVideoComplete, Data: map[string]any{
		"jobId": jobID, "message": "video generation complete",
	}})
	log.Printf("[INFO] job %s complete (source=%s)", jobID, source)

	if m.OnComplete != nil {
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.SettleDelay):
			}
			m.OnComplete(job)
		}()
	}
}

// ApplyNetworkUpdate merges structured job data intercepted from a network
// response into the registry. Fast-path supplement to DOM probing; it never
// completes a job on its own.
func (m *Monitor) ApplyNetworkUpdate(jobID string, progress int, payload map[string]any) {
	if existing, ok := m.Registry.Get(jobID); !ok || !existing.Active() {
		return // unknown or already terminal
	}
	job, ok := m.Registry.Update(jobID, func(j *Job) {
		if progress > j.Progress && progress <= 100 {
			j.Progress = progress
		}
		if j.Status == StatusStarting && progress > 0 {
			j.Status = StatusProcessing
		}
		if payload != nil {
			j.Result = payload
		}
	})
	if !ok {
		return
	}
	m.Events.Broadcast(events.Event{Kind: events.KindProgress, Data: map[string]any{
		"jobId": jobID, "progress": job.Progress, "status": string(job.Status), "source": "network",
	}})
}
