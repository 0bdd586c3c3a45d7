// Package tracker owns the poll loop: on a fixed interval it crawls one
// channel and hands the snapshot to the reconciler as a single batch. A
// registry multiplexes trackers across channels.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/ttv-presence/session"
	"github.com/onnwee/ttv-presence/telemetry"
)

// DefaultInterval is the pause between poll cycles.
const DefaultInterval = 5 * time.Minute

// CrawlFunc runs one crawl for a channel, reporting progress 0..100.
type CrawlFunc func(ctx context.Context, channel string, progress func(int)) ([]session.Observation, error)

// Reconciler merges one observation batch into the session store.
type Reconciler interface {
	Reconcile(ctx context.Context, observations []session.Observation) error
}

// Status is a point-in-time view of one tracker.
type Status struct {
	Channel          string    `json:"channel"`
	Running          bool      `json:"running"`
	Progress         int       `json:"progress"`
	LastObservations int       `json:"last_observations"`
	LastError        string    `json:"last_error,omitempty"`
	LastRunAt        time.Time `json:"last_run_at,omitzero"`
}

// Tracker polls a single channel. Crawl and reconcile failures are recorded
// in status and retried on the next interval; they never stop the loop.
type Tracker struct {
	Channel    string
	Interval   time.Duration // defaults to DefaultInterval
	Crawl      CrawlFunc
	Reconciler Reconciler

	// OnCycle, if set, is called with the status after every completed cycle.
	OnCycle func(ctx context.Context, s Status)

	mu     sync.Mutex
	status Status
	stop   chan struct{}
	done   chan struct{}

	// cycleMu serializes cycles: an ad-hoc RunCycle must not reconcile
	// concurrently with the poll loop's cycle for the same channel.
	cycleMu sync.Mutex
}

func (t *Tracker) interval() time.Duration {
	if t.Interval > 0 {
		return t.Interval
	}
	return DefaultInterval
}

// Start launches the poll loop. It runs one cycle immediately and then on
// every interval until Stop or ctx cancellation.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Running {
		return fmt.Errorf("tracker for %s already running", t.Channel)
	}
	t.status.Running = true
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.loop(ctx, t.stop, t.done)
	return nil
}

// Stop asks the loop to exit and waits for it. A cycle already in flight is
// allowed to finish; the stop lands at the sleep boundary.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.status.Running {
		t.mu.Unlock()
		return
	}
	stop, done := t.stop, t.done
	t.mu.Unlock()

	close(stop)
	<-done
}

// Status returns a copy of the tracker's current state.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Tracker) loop(ctx context.Context, stop, done chan struct{}) {
	defer func() {
		t.mu.Lock()
		t.status.Running = false
		t.status.Progress = 0
		t.mu.Unlock()
		close(done)
	}()

	for {
		t.RunCycle(ctx)
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(t.interval()):
		}
	}
}

// RunCycle executes one crawl+reconcile pass and updates status. It is also
// used directly for ad-hoc single-shot crawls outside the loop; a cycle
// already in flight finishes before the next one starts, so two Reconcile
// calls for the same channel never overlap.
func (t *Tracker) RunCycle(ctx context.Context) {
	t.cycleMu.Lock()
	defer t.cycleMu.Unlock()

	ctx = telemetry.WithCorrelation(ctx, newCorrelationID())
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("channel", t.Channel))

	t.mu.Lock()
	t.status.LastRunAt = time.Now().UTC()
	t.status.Progress = 0
	t.mu.Unlock()

	obs, err := t.Crawl(ctx, t.Channel, func(p int) {
		t.mu.Lock()
		t.status.Progress = p
		t.mu.Unlock()
	})
	if err == nil {
		err = t.Reconciler.Reconcile(ctx, obs)
		if err != nil {
			err = fmt.Errorf("reconcile: %w", err)
		}
	} else {
		err = fmt.Errorf("crawl: %w", err)
	}

	t.mu.Lock()
	if err != nil {
		t.status.LastError = err.Error()
	} else {
		t.status.LastError = ""
		t.status.LastObservations = len(obs)
	}
	s := t.status
	t.mu.Unlock()

	if err != nil {
		log.Error("poll cycle failed", slog.Any("err", err))
	} else {
		log.Info("poll cycle complete", slog.Int("observations", len(obs)))
	}
	if t.OnCycle != nil {
		t.OnCycle(ctx, s)
	}
}

// newCorrelationID tags every poll cycle so its log lines and spans can be
// stitched together.
func newCorrelationID() string {
	return uuid.NewString()
}

// Registry creates and owns one tracker per channel.
type Registry struct {
	newTracker func(channel string) *Tracker

	mu       sync.Mutex
	trackers map[string]*Tracker
}

// NewRegistry builds a registry around a tracker factory.
func NewRegistry(factory func(channel string) *Tracker) *Registry {
	return &Registry{
		newTracker: factory,
		trackers:   make(map[string]*Tracker),
	}
}

// Start begins polling a channel, creating its tracker on first use.
func (r *Registry) Start(ctx context.Context, channel string) error {
	t, err := r.tracker(channel, true)
	if err != nil {
		return err
	}
	if err := t.Start(ctx); err != nil {
		return err
	}
	telemetry.SetActiveTrackers(r.runningCount())
	return nil
}

// Stop halts polling for a channel. Unknown channels are an error.
func (r *Registry) Stop(channel string) error {
	t, err := r.tracker(channel, false)
	if err != nil {
		return err
	}
	t.Stop()
	telemetry.SetActiveTrackers(r.runningCount())
	return nil
}

// StopAll halts every running tracker; used on shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	all := make([]*Tracker, 0, len(r.trackers))
	for _, t := range r.trackers {
		all = append(all, t)
	}
	r.mu.Unlock()
	for _, t := range all {
		t.Stop()
	}
	telemetry.SetActiveTrackers(0)
}

// Get returns the tracker for a channel, creating it if needed. Used for
// ad-hoc cycles that bypass the loop.
func (r *Registry) Get(channel string) (*Tracker, error) {
	return r.tracker(channel, true)
}

// Statuses reports every known tracker sorted by channel.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.trackers))
	for _, t := range r.trackers {
		out = append(out, t.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

func (r *Registry) tracker(channel string, create bool) (*Tracker, error) {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" {
		return nil, fmt.Errorf("channel empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[channel]
	if !ok {
		if !create {
			return nil, fmt.Errorf("no tracker for channel %s", channel)
		}
		t = r.newTracker(channel)
		t.Channel = channel
		r.trackers[channel] = t
	}
	return t, nil
}

func (r *Registry) runningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.trackers {
		if t.Status().Running {
			n++
		}
	}
	return n
}
