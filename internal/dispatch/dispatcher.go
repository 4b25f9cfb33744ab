// Package dispatch routes path-addressed control requests to subsystem
// controllers and arbitrates execution triggers.
package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/framectl/framectl/internal/controller"
	"github.com/framectl/framectl/internal/history"
)

// Contract-visible failure modes at the control-tree boundary.
var (
	ErrAlreadyExecuting = errors.New("dispatch: acquisition already executing")
	ErrUnknownPath      = errors.New("dispatch: unknown path")
	ErrUnknownSubsystem = errors.New("dispatch: unknown subsystem")
	ErrReadOnlyLeaf     = errors.New("dispatch: leaf is read-only")
)

const recentHistoryLimit = 20

// Options configure the dispatcher.
type Options struct {
	// Subsystems lists the subsystem names in presentation order; Controllers
	// maps each name to its acquisition controller.
	Subsystems  []string
	Controllers map[string]controller.AcquisitionController

	// History, when set, records every triggered acquisition.
	History *history.Store

	Logger *zap.SugaredLogger
}

// Dispatcher owns the name-to-controller mapping and the edge-triggered
// execute flags. The flag check-and-set runs under an explicit mutex: this is
// the single mutual-exclusion point serialising acquisition starts.
type Dispatcher struct {
	order       []string
	controllers map[string]controller.AcquisitionController
	trees       map[string]controller.Tree
	store       *history.Store
	log         *zap.SugaredLogger

	mu           sync.Mutex
	executeFlags map[string]bool
}

// New builds the dispatcher and each controller's static leaf registry.
func New(opts Options) (*Dispatcher, error) {
	if len(opts.Subsystems) == 0 {
		return nil, errors.New("dispatch: at least one subsystem required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	d := &Dispatcher{
		order:        append([]string(nil), opts.Subsystems...),
		controllers:  map[string]controller.AcquisitionController{},
		trees:        map[string]controller.Tree{},
		store:        opts.History,
		log:          log,
		executeFlags: map[string]bool{},
	}
	for _, name := range opts.Subsystems {
		ctrl, ok := opts.Controllers[name]
		if !ok {
			return nil, fmt.Errorf("dispatch: no controller for subsystem %q", name)
		}
		d.controllers[name] = ctrl
		d.trees[name] = ctrl.Tree()
		d.executeFlags[name] = false
	}
	return d, nil
}

// Subsystems returns the subsystem names in order.
func (d *Dispatcher) Subsystems() []string {
	return append([]string(nil), d.order...)
}

// Get reads the addressed leaf or subtree.
func (d *Dispatcher) Get(path string) (any, error) {
	parts := splitPath(path)

	switch {
	case len(parts) == 0:
		return map[string]any{
			"subsystem_list": d.Subsystems(),
			"execute":        d.flags(),
		}, nil

	case parts[0] == "subsystem_list" && len(parts) == 1:
		return d.Subsystems(), nil

	case parts[0] == "execute":
		if len(parts) == 1 {
			return d.flags(), nil
		}
		if len(parts) == 2 {
			d.mu.Lock()
			defer d.mu.Unlock()
			flag, ok := d.executeFlags[parts[1]]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownSubsystem, parts[1])
			}
			return flag, nil
		}

	case parts[0] == "history" && len(parts) == 1:
		if d.store == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPath, path)
		}
		return d.store.Recent(recentHistoryLimit)

	case parts[0] == "subsystems":
		if len(parts) == 1 {
			return d.Subsystems(), nil
		}
		tree, ok := d.trees[parts[1]]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSubsystem, parts[1])
		}
		return treeGet(tree, strings.Join(parts[2:], "/"), path)
	}

	d.log.Errorw("unresolvable get path", "path", path)
	return nil, fmt.Errorf("%w: %s", ErrUnknownPath, path)
}

// Set writes the addressed leaf and returns its updated value. A write of
// true to an execute leaf triggers the subsystem's acquisition, rejected with
// ErrAlreadyExecuting when one is already in progress.
func (d *Dispatcher) Set(path string, value any) (any, error) {
	subsystem, err := d.parseSubsystem(path)
	if err != nil {
		return nil, err
	}
	parts := splitPath(path)

	if parts[0] == "execute" {
		if _, ok := d.controllers[subsystem]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSubsystem, subsystem)
		}
		trigger, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("dispatch: execute: expected bool, got %T", value)
		}
		if !trigger {
			d.mu.Lock()
			d.executeFlags[subsystem] = false
			d.mu.Unlock()
			return false, nil
		}
		if err := d.trigger(subsystem); err != nil {
			return nil, err
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.executeFlags[subsystem], nil
	}

	tree, ok := d.trees[subsystem]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubsystem, subsystem)
	}
	leafPath := strings.Join(parts[2:], "/")
	leaf, ok := tree[leafPath]
	if !ok {
		d.log.Errorw("unresolvable set path", "path", path)
		return nil, fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	if leaf.Set == nil {
		return nil, fmt.Errorf("%w: %s", ErrReadOnlyLeaf, path)
	}
	if err := leaf.Set(value); err != nil {
		return nil, err
	}
	if leaf.Get == nil {
		return nil, nil
	}
	return leaf.Get()
}

// parseSubsystem extracts the subsystem name from a write path. Both the
// direct execute/<subsystem> form and the nested subsystems/<subsystem>/...
// form are accepted; anything else is an error.
func (d *Dispatcher) parseSubsystem(path string) (string, error) {
	parts := splitPath(path)
	switch {
	case len(parts) == 2 && parts[0] == "execute":
		return parts[1], nil
	case len(parts) >= 3 && parts[0] == "subsystems":
		return parts[1], nil
	}
	d.log.Errorw("subsystem not determined from path", "path", path)
	return "", fmt.Errorf("%w: %s", ErrUnknownPath, path)
}

// trigger performs the edge-triggered check-and-set and dispatches the
// acquisition. The flag clears only on successful dispatch; after a failure
// it must be cleared explicitly before the subsystem can be retriggered.
func (d *Dispatcher) trigger(subsystem string) error {
	ctrl, ok := d.controllers[subsystem]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubsystem, subsystem)
	}

	d.mu.Lock()
	if ctrl.IsExecuting() || d.executeFlags[subsystem] {
		d.mu.Unlock()
		d.log.Errorw("cannot trigger execution while acquisition is already running",
			"subsystem", subsystem)
		return fmt.Errorf("%w: %s", ErrAlreadyExecuting, subsystem)
	}
	d.executeFlags[subsystem] = true
	d.mu.Unlock()

	recordID := d.recordStart(subsystem)
	err := ctrl.ExecuteAcquisition()
	d.recordFinish(recordID, err == nil)

	if err != nil {
		return fmt.Errorf("dispatch: execute %s: %w", subsystem, err)
	}

	d.mu.Lock()
	d.executeFlags[subsystem] = false
	d.mu.Unlock()
	return nil
}

// Close shuts down every controller and the history store.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, name := range d.order {
		if err := d.controllers[name].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) flags() map[string]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]bool, len(d.executeFlags))
	for name, flag := range d.executeFlags {
		out[name] = flag
	}
	return out
}

func (d *Dispatcher) recordStart(subsystem string) string {
	if d.store == nil {
		return ""
	}
	rec := history.Record{
		ID:        uuid.NewString(),
		Subsystem: subsystem,
		StartedAt: time.Now(),
	}
	tree := d.trees[subsystem]
	rec.FilePath, _ = leafString(tree, "args/file_path")
	rec.FileName, _ = leafString(tree, "args/file_name")
	rec.Frames, _ = leafInt(tree, "args/num_frames")

	if err := d.store.RecordStarted(rec); err != nil {
		d.log.Errorw("failed to record acquisition", "subsystem", subsystem, "error", err)
		return ""
	}
	return rec.ID
}

func (d *Dispatcher) recordFinish(id string, success bool) {
	if d.store == nil || id == "" {
		return
	}
	if err := d.store.RecordFinished(id, success); err != nil {
		d.log.Errorw("failed to record acquisition outcome", "id", id, "error", err)
	}
}

func leafString(tree controller.Tree, path string) (string, bool) {
	leaf, ok := tree[path]
	if !ok || leaf.Get == nil {
		return "", false
	}
	v, err := leaf.Get()
	if err != nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func leafInt(tree controller.Tree, path string) (int, bool) {
	leaf, ok := tree[path]
	if !ok || leaf.Get == nil {
		return 0, false
	}
	v, err := leaf.Get()
	if err != nil {
		return 0, false
	}
	switch t := v.(type) {
	case int:
		return t, true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

// treeGet resolves a leaf by exact path, or evaluates a whole subtree when
// the path addresses an interior node.
func treeGet(tree controller.Tree, rest, fullPath string) (any, error) {
	if rest != "" {
		if leaf, ok := tree[rest]; ok {
			if leaf.Get == nil {
				return nil, fmt.Errorf("%w: %s", ErrUnknownPath, fullPath)
			}
			return leaf.Get()
		}
	}

	prefix := ""
	if rest != "" {
		prefix = rest + "/"
	}
	subtree := map[string]any{}
	for key, leaf := range tree {
		if !strings.HasPrefix(key, prefix) || leaf.Get == nil {
			continue
		}
		value, err := leaf.Get()
		if err != nil {
			return nil, err
		}
		insertNested(subtree, strings.TrimPrefix(key, prefix), value)
	}
	if len(subtree) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPath, fullPath)
	}
	return subtree, nil
}

func insertNested(doc map[string]any, path string, value any) {
	parts := strings.Split(path, "/")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
