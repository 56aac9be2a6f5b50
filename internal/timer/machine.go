package timer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"timeflow/internal/domain"
	"timeflow/internal/queue"
)

const (
	MinSleepGapMinutes     = 1
	MaxSleepGapMinutes     = 120
	DefaultSleepGapMinutes = 5
)

// Machine is the single authority for timer state. All mutation goes through
// the named transition methods; readers get immutable snapshots. Every
// transition returns the post-transition snapshot so a caller mid-operation
// never has to race the pollers: snapshots carry a monotonic revision and
// pollers only adopt newer ones.
type Machine struct {
	store queue.Store
	bus   *Bus
	now   func() time.Time

	mu                  sync.Mutex
	state               domain.TimerState
	elapsedBase         int64 // seconds accumulated before runningSince
	runningSince        time.Time
	dayStart            time.Time
	restoredFromRunning bool
	idlePauseStart      *time.Time
	entryID             string
	projectID           string
	revision            uint64
	lastHeartbeat       time.Time
	sleepGapMinutes     int
}

// NewMachine restores persisted timer state if present. A snapshot that was
// RUNNING when the process died comes back PAUSED with
// restored_from_running set, so the UI can offer to resume.
func NewMachine(ctx context.Context, store queue.Store, bus *Bus, now func() time.Time) (*Machine, error) {
	if now == nil {
		now = time.Now
	}
	m := &Machine{
		store:           store,
		bus:             bus,
		now:             now,
		state:           domain.TimerStopped,
		dayStart:        startOfDay(now()),
		lastHeartbeat:   now(),
		sleepGapMinutes: DefaultSleepGapMinutes,
	}

	rec, ok, err := store.LoadTimerState(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		m.state = rec.State
		m.elapsedBase = rec.ElapsedSeconds
		m.dayStart = rec.DayStart
		m.idlePauseStart = rec.IdlePauseStart
		m.entryID = rec.EntryID
		m.projectID = rec.ProjectID
		if m.state == domain.TimerRunning {
			m.state = domain.TimerPaused
			m.restoredFromRunning = true
		}
	}
	return m, nil
}

func startOfDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}

// Snapshot returns the current state without mutating anything.
func (m *Machine) Snapshot() domain.TimerSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() domain.TimerSnapshot {
	elapsed := m.elapsedBase
	if m.state == domain.TimerRunning {
		elapsed += int64(m.now().Sub(m.runningSince).Seconds())
	}
	snap := domain.TimerSnapshot{
		State:               m.state,
		ElapsedSeconds:      elapsed,
		DayStart:            m.dayStart,
		RestoredFromRunning: m.restoredFromRunning,
		ProjectID:           m.projectID,
		Revision:            m.revision,
	}
	if m.idlePauseStart != nil {
		ts := *m.idlePauseStart
		snap.IdlePauseStart = &ts
	}
	return snap
}

// Start begins tracking a new entry. Valid only from STOPPED; the caller
// must have a project selected.
func (m *Machine) Start(ctx context.Context, projectID string) (domain.TimerSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != domain.TimerStopped {
		return domain.TimerSnapshot{}, fmt.Errorf("%w: start from %s", domain.ErrInvalidTransition, m.state)
	}

	now := m.now()
	entryID := uuid.NewString()
	if err := m.enqueueLocked(ctx, domain.EntityTimeEntryStart, domain.TimeEntryPayload{
		EntryID:   entryID,
		ProjectID: projectID,
		Action:    "start",
		At:        now.Unix(),
	}); err != nil {
		return domain.TimerSnapshot{}, err
	}

	m.state = domain.TimerRunning
	m.elapsedBase = 0
	m.runningSince = now
	m.entryID = entryID
	m.projectID = projectID
	m.idlePauseStart = nil
	m.restoredFromRunning = false
	m.revision++
	m.persistLocked(ctx)
	return m.snapshotLocked(), nil
}

// Pause is the explicit user pause. It never sets idle_pause_start.
func (m *Machine) Pause(ctx context.Context) (domain.TimerSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pauseLocked(ctx, nil)
}

// EnterIdlePause is the automatic pause triggered by an idle or sleep
// detector. It records when the pause began and broadcasts it.
func (m *Machine) EnterIdlePause(ctx context.Context) (domain.TimerSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at := m.now()
	return m.pauseLocked(ctx, &at)
}

func (m *Machine) pauseLocked(ctx context.Context, idleStart *time.Time) (domain.TimerSnapshot, error) {
	if m.state != domain.TimerRunning {
		return domain.TimerSnapshot{}, fmt.Errorf("%w: pause from %s", domain.ErrInvalidTransition, m.state)
	}

	now := m.now()
	until := now
	if idleStart != nil && idleStart.Before(now) {
		// Sleep-gap pauses accrue time only up to the last observed
		// heartbeat.
		until = *idleStart
	}
	if until.After(m.runningSince) {
		m.elapsedBase += int64(until.Sub(m.runningSince).Seconds())
	}

	if err := m.enqueueLocked(ctx, domain.EntityTimeEntryPause, domain.TimeEntryPayload{
		EntryID:        m.entryID,
		ProjectID:      m.projectID,
		Action:         "pause",
		At:             now.Unix(),
		ElapsedSeconds: m.elapsedBase,
		Automatic:      idleStart != nil,
	}); err != nil {
		return domain.TimerSnapshot{}, err
	}

	m.state = domain.TimerPaused
	m.idlePauseStart = idleStart
	m.revision++
	m.persistLocked(ctx)
	if idleStart != nil {
		m.publishIdleLocked()
	}
	return m.snapshotLocked(), nil
}

// Resume continues tracking from PAUSED. A set idle_pause_start never
// blocks an explicit resume; it is cleared unconditionally. fromIdleWindow
// only records where the request came from.
func (m *Machine) Resume(ctx context.Context, fromIdleWindow bool) (domain.TimerSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != domain.TimerPaused {
		return domain.TimerSnapshot{}, fmt.Errorf("%w: resume from %s", domain.ErrInvalidTransition, m.state)
	}

	now := m.now()
	if err := m.enqueueLocked(ctx, domain.EntityTimeEntryResume, domain.TimeEntryPayload{
		EntryID:        m.entryID,
		ProjectID:      m.projectID,
		Action:         "resume",
		At:             now.Unix(),
		ElapsedSeconds: m.elapsedBase,
		FromIdleWindow: fromIdleWindow,
	}); err != nil {
		return domain.TimerSnapshot{}, err
	}

	wasIdle := m.idlePauseStart != nil
	m.state = domain.TimerRunning
	m.runningSince = now
	m.idlePauseStart = nil
	m.restoredFromRunning = false
	m.revision++
	m.persistLocked(ctx)
	if wasIdle {
		m.publishIdleLocked()
	}
	return m.snapshotLocked(), nil
}

// Stop finalizes the current entry. Valid from RUNNING or PAUSED.
func (m *Machine) Stop(ctx context.Context) (domain.TimerSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx)
}

func (m *Machine) stopLocked(ctx context.Context) (domain.TimerSnapshot, error) {
	if m.state != domain.TimerRunning && m.state != domain.TimerPaused {
		return domain.TimerSnapshot{}, fmt.Errorf("%w: stop from %s", domain.ErrInvalidTransition, m.state)
	}

	now := m.now()
	if m.state == domain.TimerRunning && now.After(m.runningSince) {
		m.elapsedBase += int64(now.Sub(m.runningSince).Seconds())
	}

	if err := m.enqueueLocked(ctx, domain.EntityTimeEntryStop, domain.TimeEntryPayload{
		EntryID:        m.entryID,
		ProjectID:      m.projectID,
		Action:         "stop",
		At:             now.Unix(),
		ElapsedSeconds: m.elapsedBase,
	}); err != nil {
		return domain.TimerSnapshot{}, err
	}

	wasIdle := m.idlePauseStart != nil
	m.state = domain.TimerStopped
	m.idlePauseStart = nil
	m.entryID = ""
	m.restoredFromRunning = false
	m.revision++
	m.persistLocked(ctx)
	if wasIdle {
		m.publishIdleLocked()
	}
	return m.snapshotLocked(), nil
}

// EnsureCorrectDay resets the tracked-day anchor when the local calendar
// date has changed. A running timer finalizes its entry and immediately
// opens a fresh one so tracking continues into the new day; a paused timer
// just finalizes.
func (m *Machine) EnsureCorrectDay(ctx context.Context) (domain.TimerSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if sameLocalDate(m.dayStart, now) {
		return m.snapshotLocked(), nil
	}

	wasRunning := m.state == domain.TimerRunning
	project := m.projectID
	if m.state != domain.TimerStopped {
		if _, err := m.stopLocked(ctx); err != nil {
			return domain.TimerSnapshot{}, err
		}
	}

	m.dayStart = startOfDay(now)
	m.elapsedBase = 0

	if wasRunning {
		entryID := uuid.NewString()
		if err := m.enqueueLocked(ctx, domain.EntityTimeEntryStart, domain.TimeEntryPayload{
			EntryID:   entryID,
			ProjectID: project,
			Action:    "start",
			At:        now.Unix(),
		}); err != nil {
			return domain.TimerSnapshot{}, err
		}
		m.state = domain.TimerRunning
		m.runningSince = now
		m.entryID = entryID
		m.projectID = project
	}

	log.Info().Time("day_start", m.dayStart).Bool("was_running", wasRunning).Msg("day rollover")
	m.revision++
	m.persistLocked(ctx)
	return m.snapshotLocked(), nil
}

// Heartbeat records liveness and detects suspend/resume of the host: a
// wall-clock gap beyond the sleep-gap threshold forces an automatic idle
// pause even if no idle signal fired.
func (m *Machine) Heartbeat(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	last := m.lastHeartbeat
	m.lastHeartbeat = now

	gap := now.Sub(last)
	if gap < time.Duration(m.sleepGapMinutes)*time.Minute {
		return
	}
	if m.state != domain.TimerRunning {
		return
	}

	log.Warn().Dur("gap", gap).Msg("sleep gap detected, entering idle pause")
	at := last
	if _, err := m.pauseLocked(ctx, &at); err != nil {
		log.Error().Err(err).Msg("sleep-gap pause failed")
	}
}

// SetSleepGapThreshold updates the suspend-detection threshold in minutes.
func (m *Machine) SetSleepGapThreshold(minutes int) error {
	if minutes < MinSleepGapMinutes || minutes > MaxSleepGapMinutes {
		return fmt.Errorf("sleep gap threshold must be between %d and %d minutes", MinSleepGapMinutes, MaxSleepGapMinutes)
	}
	m.mu.Lock()
	m.sleepGapMinutes = minutes
	m.mu.Unlock()
	return nil
}

func (m *Machine) SleepGapThreshold() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sleepGapMinutes
}

// RequestIdleState re-broadcasts the current idle state so a listener that
// attached after the last change still reconciles.
func (m *Machine) RequestIdleState() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishIdleLocked()
}

func (m *Machine) publishIdleLocked() {
	if m.bus == nil {
		return
	}
	ev := IdleEvent{}
	if m.idlePauseStart != nil {
		ts := *m.idlePauseStart
		ev.IdlePauseStart = &ts
	}
	m.bus.Publish(ev)
}

func (m *Machine) enqueueLocked(ctx context.Context, et domain.EntityType, p domain.TimeEntryPayload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = m.store.Enqueue(ctx, et, payload)
	return err
}

func (m *Machine) persistLocked(ctx context.Context) {
	rec := queue.TimerRecord{
		State:          m.state,
		ElapsedSeconds: m.elapsedBase,
		DayStart:       m.dayStart,
		IdlePauseStart: m.idlePauseStart,
		EntryID:        m.entryID,
		ProjectID:      m.projectID,
	}
	if m.state == domain.TimerRunning {
		rec.ElapsedSeconds = m.elapsedBase + int64(m.now().Sub(m.runningSince).Seconds())
	}
	if err := m.store.SaveTimerState(ctx, rec); err != nil {
		// In-memory state stays authoritative; persistence only feeds the
		// next restore.
		log.Error().Err(err).Msg("persist timer state failed")
	}
}

func sameLocalDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
