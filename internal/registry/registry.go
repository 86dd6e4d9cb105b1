// Package registry tracks at most one recording per room and serializes
// concurrent start and stop requests against that state.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/streamcapture/internal/ffmpeg"
	"github.com/audiolibrelab/streamcapture/internal/locator"
	"github.com/audiolibrelab/streamcapture/internal/metrics"
	"github.com/audiolibrelab/streamcapture/internal/recorder"
)

// Starter launches recording sessions. *recorder.Recorder implements it.
type Starter interface {
	Start(ctx context.Context, req recorder.Request, hooks recorder.Hooks) (*recorder.Session, error)
}

// Snapshot is a copy of an entry with no process handle attached.
type Snapshot struct {
	SessionID      string            `json:"session_id"`
	RoomID         string            `json:"room_id"`
	State          recorder.State    `json:"state"`
	Reason         recorder.Reason   `json:"reason,omitempty"`
	Error          string            `json:"error,omitempty"`
	OutputPath     string            `json:"output_path,omitempty"`
	Room           *locator.RoomInfo `json:"room,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      time.Time         `json:"started_at,omitzero"`
	EndedAt        time.Time         `json:"ended_at,omitzero"`
	LastProgressAt time.Time         `json:"last_progress_at,omitzero"`
	RecordedTime   float64           `json:"recorded_seconds,omitempty"`
	TotalSize      int64             `json:"total_size,omitempty"`
}

// Active reports whether the snapshot is creating or recording.
func (s Snapshot) Active() bool {
	return s.State == recorder.StateCreating || s.State == recorder.StateRecording
}

type entry struct {
	id        string
	req       recorder.Request
	createdAt time.Time

	state          recorder.State
	reason         recorder.Reason
	err            error
	outputPath     string
	room           *locator.RoomInfo
	startedAt      time.Time
	endedAt        time.Time
	lastProgressAt time.Time
	progress       ffmpeg.Progress

	// cancelRequested is set by a stop that found the entry creating; the
	// creation path consumes it once start returns.
	cancelRequested bool
	cancel          context.CancelFunc
	session         *recorder.Session
}

func (e *entry) snapshot() Snapshot {
	snap := Snapshot{
		SessionID:      e.id,
		RoomID:         e.req.RoomID,
		State:          e.state,
		Reason:         e.reason,
		OutputPath:     e.outputPath,
		Room:           e.room,
		CreatedAt:      e.createdAt,
		StartedAt:      e.startedAt,
		EndedAt:        e.endedAt,
		LastProgressAt: e.lastProgressAt,
		RecordedTime:   e.progress.OutTime.Seconds(),
		TotalSize:      e.progress.TotalSize,
	}
	if e.err != nil {
		snap.Error = e.err.Error()
	}
	return snap
}

// end moves e to Ended. The caller holds the registry lock.
func (e *entry) end(reason recorder.Reason, err error) {
	metrics.ObserveTransition(string(e.state), "")
	metrics.SessionsEnded.WithLabelValues(string(reason)).Inc()

	e.state = recorder.StateEnded
	e.reason = reason
	e.err = err
	e.endedAt = time.Now()
}

// Registry is the single source of truth for which rooms are recording. The
// mutex is held only for synchronous decisions, never across resolution or
// process spawn.
type Registry struct {
	starter Starter

	mu        sync.Mutex
	entries   map[string]*entry
	live      map[*recorder.Session]struct{}
	observers []func(Snapshot)
	closed    bool
	// killing is set once the shutdown deadline passed; sessions attached
	// afterwards are killed on arrival.
	killing bool

	// pending holds snapshots in the order their changes were made under mu.
	// A single dispatcher drains it, so observers never see an entry's
	// changes out of order.
	pending     []Snapshot
	dispatching bool

	wg         sync.WaitGroup
	dispatchWG sync.WaitGroup
}

// New creates an empty registry.
func New(starter Starter) *Registry {
	return &Registry{
		starter: starter,
		entries: make(map[string]*entry),
		live:    make(map[*recorder.Session]struct{}),
	}
}

// OnChange registers fn to receive a snapshot after every state change.
// Observers run outside the registry lock on one dispatcher goroutine, in
// the order the changes were made, and must not block.
func (r *Registry) OnChange(fn func(Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// EnsureRecording starts a recording for req.RoomID unless one is already
// creating or recording, in which case its snapshot is returned unchanged.
// It never blocks on the platform or on ffmpeg.
func (r *Registry) EnsureRecording(req recorder.Request) Snapshot {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		now := time.Now()
		return Snapshot{
			RoomID:    req.RoomID,
			State:     recorder.StateEnded,
			Reason:    recorder.StoppedByUser,
			Error:     "registry is shut down",
			CreatedAt: now,
			EndedAt:   now,
		}
	}

	if e, ok := r.entries[req.RoomID]; ok && e.state != recorder.StateEnded {
		snap := e.snapshot()
		r.mu.Unlock()
		return snap
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		id:        uuid.NewString(),
		req:       req,
		createdAt: time.Now(),
		state:     recorder.StateCreating,
		cancel:    cancel,
	}
	r.entries[req.RoomID] = e
	r.wg.Add(1)
	snap := e.snapshot()
	r.publish(snap)
	r.mu.Unlock()

	metrics.SessionsStarted.Inc()
	metrics.ObserveTransition("", string(recorder.StateCreating))
	slog.Debug("Recording reserved", "room_id", req.RoomID, "session_id", e.id)

	go r.create(ctx, e)
	return snap
}

func (r *Registry) create(ctx context.Context, e *entry) {
	defer r.wg.Done()
	defer e.cancel()

	log := slog.With("room_id", e.req.RoomID, "session_id", e.id)
	hooks := recorder.Hooks{
		OnProgress: func(p ffmpeg.Progress) { r.progress(e, p) },
	}

	sess, err := r.starter.Start(ctx, e.req, hooks)

	r.mu.Lock()
	if err != nil {
		reason := recorder.ProcessError
		var se *recorder.StartError
		if errors.As(err, &se) {
			reason = se.Reason
			e.room = se.Room
		}
		if e.cancelRequested {
			reason, err = recorder.StoppedByUser, nil
		}
		if !reason.IsFailure() {
			err = nil
		}
		e.end(reason, err)
		r.publish(e.snapshot())
		r.mu.Unlock()

		log.Info("Recording attempt ended", "reason", reason)
		return
	}

	e.outputPath = sess.OutputPath()
	e.room = sess.RoomInfo()
	e.session = sess
	r.live[sess] = struct{}{}

	if e.cancelRequested {
		// Stopped while starting: the new process must not outlive the entry.
		e.end(recorder.StoppedByUser, nil)
		r.publish(e.snapshot())
		kill := r.killing
		r.mu.Unlock()

		log.Info("Recording cancelled during creation")
		sess.Stop()
		if kill {
			sess.Kill()
		}
		r.await(e, sess)
		return
	}

	metrics.ObserveTransition(string(e.state), string(recorder.StateRecording))
	e.state = recorder.StateRecording
	e.startedAt = sess.StartedAt()
	r.publish(e.snapshot())
	r.mu.Unlock()

	r.await(e, sess)
}

// await blocks until sess ended and records its reason unless a stop
// already ended the entry.
func (r *Registry) await(e *entry, sess *recorder.Session) {
	<-sess.Done()

	r.mu.Lock()
	delete(r.live, sess)
	if e.state == recorder.StateEnded {
		r.mu.Unlock()
		return
	}
	e.end(sess.Reason(), sess.Err())
	r.publish(e.snapshot())
	r.mu.Unlock()
}

func (r *Registry) progress(e *entry, p ffmpeg.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.state == recorder.StateEnded {
		return
	}
	e.progress = p
	e.lastProgressAt = time.Now()
}

// StopRecording ends the room's recording. A creating entry is flagged so the
// in-flight start stops whatever it produces; a recording entry is
// interrupted gracefully. Unknown or ended rooms are ignored.
func (r *Registry) StopRecording(roomID string) {
	r.mu.Lock()
	e, ok := r.entries[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}

	switch e.state {
	case recorder.StateCreating:
		if !e.cancelRequested {
			slog.Info("Cancelling recording in creation", "room_id", roomID, "session_id", e.id)
		}
		e.cancelRequested = true
		e.cancel()
		r.mu.Unlock()

	case recorder.StateRecording:
		sess := e.session
		e.end(recorder.StoppedByUser, nil)
		r.publish(e.snapshot())
		r.mu.Unlock()

		sess.Stop()

	default:
		r.mu.Unlock()
	}
}

// Snapshot returns the room's entry, if any.
func (r *Registry) Snapshot(roomID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[roomID]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// ListSessions returns a snapshot of every entry keyed by room id.
func (r *Registry) ListSessions() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Snapshot, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.snapshot()
	}
	return out
}

// Shutdown stops every active entry and waits for the processes to exit.
// When ctx expires first the survivors are killed. Later EnsureRecording
// calls end immediately with StoppedByUser.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	var stopping []*recorder.Session
	for _, e := range r.entries {
		switch e.state {
		case recorder.StateCreating:
			e.cancelRequested = true
			e.cancel()
		case recorder.StateRecording:
			stopping = append(stopping, e.session)
			e.end(recorder.StoppedByUser, nil)
			r.publish(e.snapshot())
		}
	}
	r.mu.Unlock()

	if len(stopping) > 0 {
		slog.Info("Stopping active recordings", "count", len(stopping))
	}
	for _, sess := range stopping {
		sess.Stop()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.dispatchWG.Wait()
		return nil
	case <-ctx.Done():
	}

	r.mu.Lock()
	r.killing = true
	survivors := make([]*recorder.Session, 0, len(r.live))
	for sess := range r.live {
		survivors = append(survivors, sess)
	}
	r.mu.Unlock()

	slog.Warn("Shutdown deadline reached, killing FFmpeg", "count", len(survivors))
	for _, sess := range survivors {
		sess.Kill()
	}
	<-done
	r.dispatchWG.Wait()
	return ctx.Err()
}

// publish queues snap for the observers. The caller holds r.mu.
func (r *Registry) publish(snap Snapshot) {
	if len(r.observers) == 0 {
		return
	}
	r.pending = append(r.pending, snap)
	if r.dispatching {
		return
	}
	r.dispatching = true
	r.dispatchWG.Add(1)
	go r.dispatch()
}

// dispatch delivers queued snapshots until the queue is empty.
func (r *Registry) dispatch() {
	defer r.dispatchWG.Done()
	for {
		r.mu.Lock()
		if len(r.pending) == 0 {
			r.dispatching = false
			r.mu.Unlock()
			return
		}
		batch := r.pending
		r.pending = nil
		observers := r.observers
		r.mu.Unlock()

		for _, snap := range batch {
			for _, fn := range observers {
				fn(snap)
			}
		}
	}
}
