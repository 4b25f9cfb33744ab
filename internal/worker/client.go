// Package worker implements the control client for a single remote
// frame-processing worker: message-id correlated request/response over an
// asynchronous channel, plus the acquisition primitives built on top of it.
package worker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/framectl/framectl/internal/metrics"
	"github.com/framectl/framectl/internal/profile"
	"github.com/framectl/framectl/internal/protocol"
	"github.com/framectl/framectl/internal/transport"
)

// Contract-visible failure modes.
var (
	ErrDisconnected = errors.New("worker: connection is down")
	ErrTimeout      = errors.New("worker: no matching response within timeout")
	ErrEmptyProfile = errors.New("worker: no configuration profile loaded")
)

const defaultSettle = 10 * time.Millisecond

// Options configure a worker client.
type Options struct {
	Endpoint  string
	Subsystem string
	Channel   transport.Channel
	Timeout   time.Duration

	// ProfilePath is the configuration document to load the subsystem's
	// profile from. Ignored when Profile is set directly.
	ProfilePath string
	Profile     *profile.Profile

	// Settle is the pause inserted between dependent configuration steps.
	// Defaults to 10ms.
	Settle time.Duration

	// Liveview enables the liveview arm sequence, which also runs once at
	// construction.
	Liveview bool

	Logger *zap.SugaredLogger
}

// Client drives one remote worker. The status poll loop and control
// operations call in from different goroutines; requests are serialised on
// the request mutex so each caller only ever dequeues its own response from
// the shared channel.
type Client struct {
	endpoint  string
	subsystem string
	ch        transport.Channel
	profile   *profile.Profile
	settle    time.Duration
	liveview  bool
	log       *zap.SugaredLogger

	msgID atomic.Uint64

	// reqMu covers the whole send-and-wait sequence of one request.
	reqMu sync.Mutex

	mu      sync.Mutex
	timeout time.Duration
	status  protocol.Params
	config  map[string]any
}

// New builds a client for one worker endpoint. A profile load failure yields
// an empty profile (logged); the client is still created and every control
// operation on it fails until a valid profile is supplied.
func New(opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	prof := opts.Profile
	if prof == nil {
		prof = profile.Load(opts.ProfilePath, opts.Subsystem, log)
	}

	settle := opts.Settle
	if settle <= 0 {
		settle = defaultSettle
	}

	c := &Client{
		endpoint:  opts.Endpoint,
		subsystem: opts.Subsystem,
		ch:        opts.Channel,
		profile:   prof,
		settle:    settle,
		liveview:  opts.Liveview,
		log:       log,
		timeout:   opts.Timeout,
		status:    protocol.Params{},
		config:    map[string]any{},
	}

	if c.liveview {
		if err := c.StartLiveview(); err != nil {
			log.Errorw("failed to arm liveview at startup",
				"endpoint", c.endpoint, "error", err)
		}
	}
	return c
}

// Endpoint returns the worker's transport address.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// SetTimeout updates the per-request timeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Timeout returns the per-request timeout.
func (c *Client) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

// SendRequest sends one command envelope and waits for the response carrying
// the same id. At most one request is in flight per client: concurrent
// callers queue on the request mutex, so a response on the shared channel
// always belongs to the caller currently waiting. Responses with a different
// id are stale replies to earlier timed-out requests; they are discarded
// without resetting the timeout window. A down connection fails immediately
// without touching the wire.
func (c *Client) SendRequest(msgVal string, params protocol.Params) (*protocol.Response, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if !c.ch.Connected() {
		c.log.Errorw("cannot send request, connection is down",
			"endpoint", c.endpoint, "msg_val", msgVal)
		return nil, ErrDisconnected
	}

	id := c.msgID.Add(1)
	req := protocol.NewRequest(msgVal, id, params)
	if err := c.ch.Send(req); err != nil {
		return nil, fmt.Errorf("worker: send %s to %s: %w", msgVal, c.endpoint, err)
	}
	metrics.RequestsTotal.WithLabelValues(c.endpoint, msgVal).Inc()

	timer := time.NewTimer(c.Timeout())
	defer timer.Stop()

	for {
		select {
		case resp := <-c.ch.Responses():
			if !resp.Valid() {
				c.log.Warnw("discarding malformed response", "endpoint", c.endpoint)
				continue
			}
			if resp.ID != id {
				c.log.Warnw("discarding response with stale id",
					"endpoint", c.endpoint, "got", resp.ID, "want", id)
				metrics.StaleResponses.WithLabelValues(c.endpoint).Inc()
				continue
			}
			return resp, nil
		case <-timer.C:
			c.log.Errorw("no response within timeout",
				"endpoint", c.endpoint, "msg_val", msgVal, "timeout", c.Timeout())
			metrics.RequestTimeouts.WithLabelValues(c.endpoint).Inc()
			return nil, ErrTimeout
		}
	}
}

// SetConfig sends a configure command. Success means the worker acknowledged;
// the acknowledged document is then merged into the locally cached config.
func (c *Client) SetConfig(doc map[string]any) error {
	resp, err := c.SendRequest(protocol.MsgValConfigure, protocol.Params(doc))
	if err != nil {
		return err
	}
	if !resp.IsAck() {
		return fmt.Errorf("worker: %s rejected configure: %v", c.endpoint, resp.Params)
	}

	c.mu.Lock()
	mergeDocument(c.config, doc)
	c.mu.Unlock()
	return nil
}

// Status polls the worker and returns the refreshed snapshot. On failure or
// a negative acknowledgement the last cached snapshot is returned unchanged;
// an error payload never masquerades as worker status.
func (c *Client) Status() protocol.Params {
	resp, err := c.SendRequest(protocol.MsgValStatus, nil)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && resp.IsAck() && resp.Params != nil {
		c.status = resp.Params
	}
	return c.status
}

// Configuration asks the worker for its applied configuration and replaces
// the cached copy with the answer.
func (c *Client) Configuration() (map[string]any, error) {
	resp, err := c.SendRequest(protocol.MsgValRequestConfiguration, nil)
	if err != nil {
		return nil, err
	}
	if !resp.IsAck() {
		return nil, fmt.Errorf("worker: %s rejected configuration request: %v",
			c.endpoint, resp.Params)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if resp.Params != nil {
		c.config = map[string]any(resp.Params)
	}
	return c.config, nil
}

// CachedConfig returns the locally cached configuration document.
func (c *Client) CachedConfig() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.config))
	for k, v := range c.config {
		out[k] = v
	}
	return out
}

// CreateAcquisition configures a bounded capture run: stop any in-progress
// capture, allow the stop to propagate, then send the acquisition section
// with the capture-plugin frame count and the output path, frame count and
// acquisition id overridden. All other profile fields go out unchanged.
func (c *Client) CreateAcquisition(path, acquisitionID string, frames int) error {
	if c.profile.Empty() {
		c.log.Errorw("create refused, no profile loaded",
			"endpoint", c.endpoint, "subsystem", c.subsystem)
		return ErrEmptyProfile
	}

	if err := c.StopAcquisition(); err != nil {
		return err
	}
	time.Sleep(c.settle)

	acq, ok := c.profile.Section(profile.SectionAcquisition)
	if !ok {
		return fmt.Errorf("worker: profile for %s has no %s section",
			c.subsystem, profile.SectionAcquisition)
	}

	pluginName := ""
	for key := range acq {
		if key != "hdf" {
			pluginName = key
			break
		}
	}
	if pluginName == "" {
		c.log.Errorw("no acquisition plugin in profile",
			"endpoint", c.endpoint, "subsystem", c.subsystem)
		return fmt.Errorf("worker: no acquisition plugin in %s profile", c.subsystem)
	}

	setNested(acq, frames, pluginName, "rx_frames")
	setNested(acq, path, "hdf", "file", "path")
	setNested(acq, frames, "hdf", "frames")
	setNested(acq, acquisitionID, "hdf", "acquisition_id")

	return c.SetConfig(acq)
}

// StartAcquisition sends the start section. It assumes a stopped, configured
// state: CreateAcquisition alone is responsible for the stop and settle step.
func (c *Client) StartAcquisition() error {
	return c.sendSection(profile.SectionStart)
}

// StopAcquisition sends the stop section.
func (c *Client) StopAcquisition() error {
	return c.sendSection(profile.SectionStop)
}

// StartLiveview arms the continuous low-rate streaming mode:
// stop, settle, arm section, settle, liveview section. Any step's failure
// short-circuits the remainder.
func (c *Client) StartLiveview() error {
	if !c.liveview {
		return errors.New("worker: liveview control is disabled")
	}
	if c.profile.Empty() {
		return ErrEmptyProfile
	}

	if err := c.StopAcquisition(); err != nil {
		return err
	}
	time.Sleep(c.settle)
	if err := c.sendSection(profile.SectionArm); err != nil {
		return err
	}
	time.Sleep(c.settle)
	return c.sendSection(profile.SectionLiveview)
}

// Close releases the channel and its connection monitor.
func (c *Client) Close() error {
	return c.ch.Close()
}

func (c *Client) sendSection(name string) error {
	if c.profile.Empty() {
		c.log.Errorw("control operation refused, no profile loaded",
			"endpoint", c.endpoint, "subsystem", c.subsystem, "section", name)
		return ErrEmptyProfile
	}
	section, ok := c.profile.Section(name)
	if !ok {
		return fmt.Errorf("worker: profile for %s has no %s section", c.subsystem, name)
	}
	return c.SetConfig(section)
}

// setNested writes value at the given key path, creating intermediate maps
// as needed.
func setNested(doc map[string]any, value any, path ...string) {
	cur := doc
	for _, key := range path[:len(path)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[key] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = value
}

// mergeDocument deep-merges src into dst, overwriting scalars.
func mergeDocument(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := toMap(v); ok {
			if dv, ok := toMap(dst[k]); ok {
				mergeDocument(dv, sv)
				dst[k] = dv
				continue
			}
		}
		dst[k] = v
	}
}

func toMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case profile.Document:
		return map[string]any(t), true
	case protocol.Params:
		return map[string]any(t), true
	default:
		return nil, false
	}
}
