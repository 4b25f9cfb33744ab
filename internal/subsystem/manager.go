// Package subsystem aggregates the workers of one named subsystem: it fans
// control requests out to every worker, merges their status into a
// subsystem-level view, and runs the periodic status refresh.
package subsystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/framectl/framectl/internal/controller"
	"github.com/framectl/framectl/internal/metrics"
	"github.com/framectl/framectl/internal/protocol"
	"github.com/framectl/framectl/internal/transport"
	"github.com/framectl/framectl/internal/worker"
)

// ErrLiveviewDisabled is returned when liveview control is not enabled for
// the subsystem.
var ErrLiveviewDisabled = errors.New("subsystem: liveview control is disabled")

// Worker is the view of a worker client the manager needs. Satisfied by
// *worker.Client.
type Worker interface {
	Endpoint() string
	Status() protocol.Params
	Configuration() (map[string]any, error)
	CreateAcquisition(path, acquisitionID string, frames int) error
	StartAcquisition() error
	StopAcquisition() error
	StartLiveview() error
	SetTimeout(d time.Duration)
	Close() error
}

// Options configure a subsystem manager.
type Options struct {
	Subsystem    string
	Endpoints    []string
	Timeout      time.Duration
	PollInterval time.Duration
	ProfilePath  string
	Liveview     bool
	Logger       *zap.SugaredLogger

	// Workers overrides the dialed worker clients. Used by tests.
	Workers []Worker
}

// Manager owns the worker clients of one subsystem.
type Manager struct {
	name         string
	workers      []Worker
	pollInterval time.Duration
	liveview     bool
	log          *zap.SugaredLogger
	machine      *fsm.FSM

	mu         sync.Mutex
	snapshots  []protocol.Params
	timeout    time.Duration
	sawWriting bool

	// Acquisition request arguments, settable through the control tree and
	// read at trigger time.
	filePath   string
	fileName   string
	numFrames  int
	numBatches int
}

// New creates the manager and its worker clients. Workers are dialed
// immediately; their monitors report disconnected until the transport
// accepts.
func New(opts Options) (*Manager, error) {
	if opts.Subsystem == "" {
		return nil, errors.New("subsystem: name required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	workers := opts.Workers
	if workers == nil {
		if len(opts.Endpoints) == 0 {
			return nil, fmt.Errorf("subsystem: no control endpoints for %s", opts.Subsystem)
		}
		for _, endpoint := range opts.Endpoints {
			ch := transport.Dial(endpoint, log)
			workers = append(workers, worker.New(worker.Options{
				Endpoint:    endpoint,
				Subsystem:   opts.Subsystem,
				Channel:     ch,
				Timeout:     opts.Timeout,
				ProfilePath: opts.ProfilePath,
				Liveview:    opts.Liveview,
				Logger:      log,
			}))
		}
	}

	return &Manager{
		name:         opts.Subsystem,
		workers:      workers,
		pollInterval: opts.PollInterval,
		liveview:     opts.Liveview,
		log:          log,
		machine:      newMachine(opts.Subsystem, log),
		snapshots:    make([]protocol.Params, len(workers)),
		timeout:      opts.Timeout,
		filePath:     "/tmp",
		fileName:     "test",
		numFrames:    1000,
		numBatches:   1,
	}, nil
}

// Name returns the subsystem name.
func (m *Manager) Name() string {
	return m.name
}

// Endpoints lists the worker endpoints.
func (m *Manager) Endpoints() []string {
	out := make([]string, len(m.workers))
	for i, w := range m.workers {
		out[i] = w.Endpoint()
	}
	return out
}

// State returns the current acquisition lifecycle state.
func (m *Manager) State() string {
	return m.machine.Current()
}

// Run drives the periodic status refresh until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RefreshStatus()
		}
	}
}

// RefreshStatus polls every worker concurrently and updates the cached
// snapshot array. A slow or unreachable worker delays only its own slot; the
// cycle is bounded by a single request timeout. Snapshot writes are
// serialised on the manager mutex.
func (m *Manager) RefreshStatus() {
	var wg sync.WaitGroup
	for i, w := range m.workers {
		wg.Add(1)
		go func(i int, w Worker) {
			defer wg.Done()
			status := w.Status()
			m.mu.Lock()
			m.snapshots[i] = status
			m.mu.Unlock()
		}(i, w)
	}
	wg.Wait()

	executing := m.IsExecuting()
	metrics.FramesWritten.WithLabelValues(m.name).Set(float64(m.FramesWritten()))

	m.mu.Lock()
	if executing {
		m.sawWriting = true
	}
	finished := m.sawWriting && !executing
	if finished {
		m.sawWriting = false
	}
	m.mu.Unlock()

	if finished && m.machine.Current() == StateRunning {
		m.transition(eventFinish)
	}
}

// IsExecuting reports whether any worker's last snapshot has the writing
// flag set.
func (m *Manager) IsExecuting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, snapshot := range m.snapshots {
		if hdf, ok := toDocument(snapshot["hdf"]); ok {
			if asBool(hdf["writing"]) {
				return true
			}
		}
	}
	return false
}

// FramesWritten sums the frames-written counters across workers.
func (m *Manager) FramesWritten() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, snapshot := range m.snapshots {
		if hdf, ok := toDocument(snapshot["hdf"]); ok {
			total += asInt(hdf["frames_written"])
		}
	}
	return total
}

// Configurations asks every worker for its applied configuration. Any
// worker's failure fails the whole read; partial views are not reported.
func (m *Manager) Configurations() ([]map[string]any, error) {
	out := make([]map[string]any, len(m.workers))
	var errs []error
	for i, w := range m.workers {
		cfg, err := w.Configuration()
		if err != nil {
			m.log.Errorw("failed to fetch worker configuration",
				"subsystem", m.name, "endpoint", w.Endpoint(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", w.Endpoint(), err))
			continue
		}
		out[i] = cfg
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("subsystem: request configuration on %s: %w",
			m.name, errors.Join(errs...))
	}
	return out, nil
}

// Snapshots returns a copy of the per-worker status array.
func (m *Manager) Snapshots() []protocol.Params {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.Params, len(m.snapshots))
	copy(out, m.snapshots)
	return out
}

// ExecuteAcquisition runs the orchestration sequence: ensure the output
// directory exists, create the acquisition on every worker, then start every
// worker. A create failure on any worker aborts before the start phase;
// configuration already applied to other workers is deliberately left in
// place, the aggregate result reports the failure.
func (m *Manager) ExecuteAcquisition() error {
	m.mu.Lock()
	path := m.filePath
	name := m.fileName
	frames := m.numFrames
	m.mu.Unlock()

	m.transition(eventTrigger)

	if err := os.MkdirAll(path, 0o755); err != nil {
		m.transition(eventAbort)
		metrics.AcquisitionsTotal.WithLabelValues(m.name, "failed").Inc()
		return fmt.Errorf("subsystem: create output directory %s: %w", path, err)
	}

	acquisitionID := name
	if acquisitionID == "" {
		acquisitionID = uuid.NewString()
	}

	m.log.Infow("executing acquisition", "subsystem", m.name,
		"path", path, "acquisition_id", acquisitionID, "frames", frames)
	m.transition(eventConfigure)

	var errs []error
	for _, w := range m.workers {
		if err := w.CreateAcquisition(path, acquisitionID, frames); err != nil {
			m.log.Errorw("failed to create acquisition",
				"subsystem", m.name, "endpoint", w.Endpoint(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", w.Endpoint(), err))
		}
	}
	if len(errs) > 0 {
		m.transition(eventAbort)
		metrics.AcquisitionsTotal.WithLabelValues(m.name, "failed").Inc()
		return fmt.Errorf("subsystem: create acquisition on %s: %w",
			m.name, errors.Join(errs...))
	}

	for _, w := range m.workers {
		if err := w.StartAcquisition(); err != nil {
			m.log.Errorw("failed to start acquisition",
				"subsystem", m.name, "endpoint", w.Endpoint(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", w.Endpoint(), err))
		}
	}

	m.RefreshStatus()

	if len(errs) > 0 {
		m.transition(eventAbort)
		metrics.AcquisitionsTotal.WithLabelValues(m.name, "failed").Inc()
		return fmt.Errorf("subsystem: start acquisition on %s: %w",
			m.name, errors.Join(errs...))
	}

	m.transition(eventStart)
	metrics.AcquisitionsTotal.WithLabelValues(m.name, "success").Inc()
	return nil
}

// StopAcquisition stops every worker and refreshes status afterwards.
func (m *Manager) StopAcquisition() error {
	m.log.Infow("stopping acquisition", "subsystem", m.name)

	var errs []error
	for _, w := range m.workers {
		if err := w.StopAcquisition(); err != nil {
			m.log.Errorw("failed to stop acquisition",
				"subsystem", m.name, "endpoint", w.Endpoint(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", w.Endpoint(), err))
		}
	}

	m.RefreshStatus()
	m.transition(eventStop)

	if len(errs) > 0 {
		return fmt.Errorf("subsystem: stop acquisition on %s: %w",
			m.name, errors.Join(errs...))
	}
	return nil
}

// StartLiveview arms the liveview sequence on every worker. Available only
// when the subsystem's liveview capability flag is enabled.
func (m *Manager) StartLiveview() error {
	if !m.liveview {
		m.log.Errorw("liveview control is disabled", "subsystem", m.name)
		return ErrLiveviewDisabled
	}

	var errs []error
	for _, w := range m.workers {
		if err := w.StartLiveview(); err != nil {
			m.log.Errorw("failed to start liveview",
				"subsystem", m.name, "endpoint", w.Endpoint(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", w.Endpoint(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("subsystem: start liveview on %s: %w",
			m.name, errors.Join(errs...))
	}
	return nil
}

// SetTimeout updates the control timeout and propagates it to every worker.
func (m *Manager) SetTimeout(d time.Duration) {
	m.mu.Lock()
	m.timeout = d
	m.mu.Unlock()
	for _, w := range m.workers {
		w.SetTimeout(d)
	}
}

// Timeout returns the control timeout.
func (m *Manager) Timeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeout
}

// Close shuts down every worker client.
func (m *Manager) Close() error {
	var errs []error
	for _, w := range m.workers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// transition applies an FSM event, tolerating transitions that do not apply
// in the current state.
func (m *Manager) transition(event string) {
	if err := m.machine.Event(context.Background(), event); err != nil {
		m.log.Debugw("state transition not applicable",
			"subsystem", m.name, "event", event, "state", m.machine.Current())
	}
}

var _ controller.AcquisitionController = (*Manager)(nil)
