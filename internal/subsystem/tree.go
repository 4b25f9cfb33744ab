package subsystem

import (
	"fmt"
	"time"

	"github.com/framectl/framectl/internal/controller"
)

// Tree builds the manager's parameter leaves. The registry is constructed
// statically here; there is no dynamic attribute resolution at call time.
func (m *Manager) Tree() controller.Tree {
	return controller.Tree{
		"endpoints": {
			Get: func() (any, error) { return m.Endpoints(), nil },
		},
		"timeout": {
			Get: func() (any, error) { return m.Timeout().Seconds(), nil },
			Set: func(value any) error {
				seconds, err := asFloat(value)
				if err != nil {
					return fmt.Errorf("subsystem: timeout: %w", err)
				}
				m.SetTimeout(time.Duration(seconds * float64(time.Second)))
				return nil
			},
		},
		"stop_execute": {
			Get: func() (any, error) { return nil, nil },
			Set: func(any) error { return m.StopAcquisition() },
		},
		"start_lv_frames": {
			Get: func() (any, error) { return nil, nil },
			Set: func(any) error { return m.StartLiveview() },
		},
		"args/file_path": {
			Get: func() (any, error) { return m.arg(&m.filePath), nil },
			Set: func(value any) error { return m.setStringArg("file_path", &m.filePath, value) },
		},
		"args/file_name": {
			Get: func() (any, error) { return m.arg(&m.fileName), nil },
			Set: func(value any) error { return m.setStringArg("file_name", &m.fileName, value) },
		},
		"args/num_frames": {
			Get: func() (any, error) { return m.intArg(&m.numFrames), nil },
			Set: func(value any) error { return m.setIntArg("num_frames", &m.numFrames, value) },
		},
		"args/num_batches": {
			Get: func() (any, error) { return m.intArg(&m.numBatches), nil },
			Set: func(value any) error { return m.setIntArg("num_batches", &m.numBatches, value) },
		},
		"status/executing": {
			Get: func() (any, error) { return m.IsExecuting(), nil },
		},
		"status/frames_written": {
			Get: func() (any, error) { return m.FramesWritten(), nil },
		},
		"status/state": {
			Get: func() (any, error) { return m.State(), nil },
		},
		"frame_procs/status": {
			Get: func() (any, error) { return m.Snapshots(), nil },
		},
		"frame_procs/config": {
			Get: func() (any, error) { return m.Configurations() },
		},
	}
}

func (m *Manager) arg(field *string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *field
}

func (m *Manager) intArg(field *int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *field
}

func (m *Manager) setStringArg(name string, field *string, value any) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("subsystem: %s: expected string, got %T", name, value)
	}
	m.log.Debugw("setting acquisition argument",
		"subsystem", m.name, "arg", name, "value", s)
	m.mu.Lock()
	*field = s
	m.mu.Unlock()
	return nil
}

func (m *Manager) setIntArg(name string, field *int, value any) error {
	f, err := asFloat(value)
	if err != nil {
		return fmt.Errorf("subsystem: %s: %w", name, err)
	}
	m.log.Debugw("setting acquisition argument",
		"subsystem", m.name, "arg", name, "value", int(f))
	m.mu.Lock()
	*field = int(f)
	m.mu.Unlock()
	return nil
}

func asFloat(value any) (float64, error) {
	switch t := value.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", value)
	}
}
