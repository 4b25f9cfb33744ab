package worker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framectl/framectl/internal/profile"
	"github.com/framectl/framectl/internal/protocol"
)

const testProfileYAML = `
babyd:
  acquisition_config:
    hibirdsdpdk:
      update_config: true
      rx_enable: false
      rx_frames: 0
    hdf:
      file:
        path: /old
      frames: 0
      acquisition_id: old
      write: false
  start_config:
    hdf:
      write: true
  stop_config:
    hdf:
      write: false
  arm_config:
    hibirdsdpdk:
      arm: true
  lv_config:
    lv:
      enable: true
`

type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	sent      []*protocol.Request
	responses chan *protocol.Response
	sendErr   error
	autoAck   bool
	closed    bool
}

func newFakeChannel(connected bool) *fakeChannel {
	return &fakeChannel{
		connected: connected,
		responses: make(chan *protocol.Response, 16),
	}
}

func (f *fakeChannel) Send(req *protocol.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, req)
	if f.autoAck {
		f.responses <- &protocol.Response{MsgType: protocol.MsgTypeAck, ID: req.ID}
	}
	return nil
}

func (f *fakeChannel) Responses() <-chan *protocol.Response { return f.responses }
func (f *fakeChannel) Connected() bool                      { return f.connected }
func (f *fakeChannel) Close() error                         { f.closed = true; return nil }

func (f *fakeChannel) ack(id uint64) {
	f.responses <- &protocol.Response{MsgType: protocol.MsgTypeAck, ID: id}
}

func (f *fakeChannel) nack(id uint64) {
	f.responses <- &protocol.Response{MsgType: protocol.MsgTypeNack, ID: id,
		Params: protocol.Params{"error": "rejected"}}
}

func newTestClient(t *testing.T, ch *fakeChannel, liveview bool) *Client {
	t.Helper()
	prof, err := profile.Parse([]byte(testProfileYAML), "babyd")
	require.NoError(t, err)
	return New(Options{
		Endpoint:  "tcp://worker-1:5000",
		Subsystem: "babyd",
		Channel:   ch,
		Timeout:   100 * time.Millisecond,
		Profile:   prof,
		Settle:    time.Millisecond,
		Liveview:  liveview,
	})
}

func TestSendRequestDiscardsStaleResponses(t *testing.T) {
	ch := newFakeChannel(true)
	c := newTestClient(t, ch, false)

	// The first request goes out with id 1; responses with other ids are
	// stale replies to earlier requests and must be dropped.
	ch.responses <- &protocol.Response{MsgType: protocol.MsgTypeAck, ID: 3}
	ch.responses <- &protocol.Response{MsgType: protocol.MsgTypeAck, ID: 7}
	ch.responses <- &protocol.Response{MsgType: protocol.MsgTypeAck, ID: 1,
		Params: protocol.Params{"answer": "yes"}}
	ch.responses <- &protocol.Response{MsgType: protocol.MsgTypeAck, ID: 9}

	resp, err := c.SendRequest(protocol.MsgValStatus, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.ID)
	assert.Equal(t, "yes", resp.Params["answer"])

	// The response after the match stays unprocessed.
	assert.Len(t, ch.responses, 1)
	remaining := <-ch.responses
	assert.Equal(t, uint64(9), remaining.ID)
}

func TestSendRequestTimeout(t *testing.T) {
	ch := newFakeChannel(true)
	c := newTestClient(t, ch, false)
	c.SetTimeout(30 * time.Millisecond)

	_, err := c.SendRequest(protocol.MsgValStatus, nil)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Len(t, ch.sent, 1)
	// Connection state is unaffected by a timeout.
	assert.True(t, ch.Connected())
}

func TestStaleResponsesDoNotResetTimeout(t *testing.T) {
	ch := newFakeChannel(true)
	c := newTestClient(t, ch, false)
	c.SetTimeout(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 30; i++ {
			select {
			case ch.responses <- &protocol.Response{MsgType: protocol.MsgTypeAck, ID: 999}:
			default:
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	start := time.Now()
	_, err := c.SendRequest(protocol.MsgValStatus, nil)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, elapsed, 250*time.Millisecond)
	<-done
}

func TestSendRequestDisconnectedShortCircuit(t *testing.T) {
	ch := newFakeChannel(false)
	c := newTestClient(t, ch, false)

	_, err := c.SendRequest(protocol.MsgValStatus, nil)
	require.ErrorIs(t, err, ErrDisconnected)
	// No transport I/O was attempted.
	assert.Empty(t, ch.sent)
}

func TestMessageIDStrictlyIncreasing(t *testing.T) {
	ch := newFakeChannel(true)
	c := newTestClient(t, ch, false)

	ch.ack(1)
	_, err := c.SendRequest(protocol.MsgValStatus, nil)
	require.NoError(t, err)

	ch.ack(2)
	_, err = c.SendRequest(protocol.MsgValStatus, nil)
	require.NoError(t, err)

	require.Len(t, ch.sent, 2)
	assert.Equal(t, uint64(1), ch.sent[0].ID)
	assert.Equal(t, uint64(2), ch.sent[1].ID)
}

func TestSetConfigMergesOnAck(t *testing.T) {
	ch := newFakeChannel(true)
	c := newTestClient(t, ch, false)

	ch.ack(1)
	require.NoError(t, c.SetConfig(map[string]any{"hdf": map[string]any{"write": true}}))

	cached := c.CachedConfig()
	hdf, ok := cached["hdf"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, hdf["write"])
}

func TestSetConfigNackFails(t *testing.T) {
	ch := newFakeChannel(true)
	c := newTestClient(t, ch, false)

	ch.nack(1)
	err := c.SetConfig(map[string]any{"hdf": map[string]any{"write": true}})
	require.Error(t, err)
	assert.Empty(t, c.CachedConfig())
}

func TestConcurrentRequestsCorrelateIndependently(t *testing.T) {
	ch := newFakeChannel(true)
	ch.autoAck = true
	c := newTestClient(t, ch, false)

	// The status poller and a control operation share one client; every
	// answered request must succeed even when the calls overlap, rather
	// than one caller dequeuing and discarding the other's response.
	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.SendRequest(protocol.MsgValStatus, nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "request %d", i)
	}
	assert.Len(t, ch.sent, callers)
	assert.Empty(t, ch.responses)
}

func TestStatusIgnoresNackPayload(t *testing.T) {
	ch := newFakeChannel(true)
	c := newTestClient(t, ch, false)

	ch.responses <- &protocol.Response{MsgType: protocol.MsgTypeAck, ID: 1,
		Params: protocol.Params{"hdf": map[string]any{"writing": true}}}
	status := c.Status()
	require.Contains(t, status, "hdf")

	// A nack carries an error document, not status; the cache keeps the
	// last good snapshot.
	ch.responses <- &protocol.Response{MsgType: protocol.MsgTypeNack, ID: 2,
		Params: protocol.Params{"error": "busy"}}
	again := c.Status()
	assert.Equal(t, status, again)
	assert.NotContains(t, again, "error")
}

func TestConfigurationReplacesCache(t *testing.T) {
	ch := newFakeChannel(true)
	c := newTestClient(t, ch, false)

	ch.ack(1)
	require.NoError(t, c.SetConfig(map[string]any{"stale": true}))

	ch.responses <- &protocol.Response{MsgType: protocol.MsgTypeAck, ID: 2,
		Params: protocol.Params{"hdf": map[string]any{"frames": 500}}}
	cfg, err := c.Configuration()
	require.NoError(t, err)
	assert.Contains(t, cfg, "hdf")
	assert.NotContains(t, cfg, "stale")

	// The worker's answer replaces the merged local cache wholesale.
	assert.Equal(t, cfg, c.CachedConfig())
}

func TestConfigurationNackFails(t *testing.T) {
	ch := newFakeChannel(true)
	c := newTestClient(t, ch, false)

	ch.nack(1)
	_, err := c.Configuration()
	require.Error(t, err)
	assert.Empty(t, c.CachedConfig())
}

func TestStatusReturnsCachedOnFailure(t *testing.T) {
	ch := newFakeChannel(true)
	c := newTestClient(t, ch, false)

	ch.responses <- &protocol.Response{MsgType: protocol.MsgTypeAck, ID: 1,
		Params: protocol.Params{"hdf": map[string]any{"writing": true}}}
	status := c.Status()
	require.Contains(t, status, "hdf")

	// Connection drops; the cached snapshot is returned unchanged.
	ch.connected = false
	again := c.Status()
	assert.Equal(t, status, again)
}

func TestCreateAcquisitionOverrides(t *testing.T) {
	ch := newFakeChannel(true)
	c := newTestClient(t, ch, false)

	ch.ack(1) // stop
	ch.ack(2) // configure
	require.NoError(t, c.CreateAcquisition("/data", "run1", 500))

	require.Len(t, ch.sent, 2)
	assert.Equal(t, protocol.MsgValConfigure, ch.sent[0].MsgVal)
	stopDoc := ch.sent[0].Params
	hdf, ok := stopDoc["hdf"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, hdf["write"])

	acq := ch.sent[1].Params
	plugin, ok := acq["hibirdsdpdk"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 500, plugin["rx_frames"])
	// Fields not overridden come through from the profile unchanged.
	assert.Equal(t, true, plugin["update_config"])
	assert.Equal(t, false, plugin["rx_enable"])

	hdf, ok = acq["hdf"].(map[string]any)
	require.True(t, ok)
	file, ok := hdf["file"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/data", file["path"])
	assert.Equal(t, 500, hdf["frames"])
	assert.Equal(t, "run1", hdf["acquisition_id"])
	assert.Equal(t, false, hdf["write"])
}

func TestEmptyProfileFailsAllOperations(t *testing.T) {
	ch := newFakeChannel(true)
	c := New(Options{
		Endpoint:    "tcp://worker-1:5000",
		Subsystem:   "babyd",
		Channel:     ch,
		Timeout:     50 * time.Millisecond,
		ProfilePath: "/nonexistent/profile.yaml",
	})

	assert.ErrorIs(t, c.CreateAcquisition("/data", "run1", 10), ErrEmptyProfile)
	assert.ErrorIs(t, c.StartAcquisition(), ErrEmptyProfile)
	assert.ErrorIs(t, c.StopAcquisition(), ErrEmptyProfile)
	assert.Empty(t, ch.sent)
}

func TestStartLiveviewSequence(t *testing.T) {
	ch := newFakeChannel(true)
	// Construction arms liveview once; feed it a full stop/arm/lv cycle.
	ch.ack(1)
	ch.ack(2)
	ch.ack(3)
	newTestClient(t, ch, true)

	require.Len(t, ch.sent, 3)
	assert.Contains(t, ch.sent[0].Params, "hdf")         // stop_config
	assert.Contains(t, ch.sent[1].Params, "hibirdsdpdk") // arm_config
	assert.Contains(t, ch.sent[2].Params, "lv")          // lv_config
}

func TestStartLiveviewShortCircuitsOnFailure(t *testing.T) {
	ch := newFakeChannel(true)
	ch.ack(1)
	ch.ack(2)
	ch.ack(3)
	c := newTestClient(t, ch, true)
	ch.sent = nil

	ch.ack(4)  // stop
	ch.nack(5) // arm rejected
	err := c.StartLiveview()
	require.Error(t, err)
	// The lv step never goes out.
	require.Len(t, ch.sent, 2)
}

func TestStartLiveviewDisabled(t *testing.T) {
	ch := newFakeChannel(true)
	c := newTestClient(t, ch, false)
	err := c.StartLiveview()
	require.Error(t, err)
	assert.Empty(t, ch.sent)
}

func TestCloseReleasesChannel(t *testing.T) {
	ch := newFakeChannel(true)
	c := newTestClient(t, ch, false)
	require.NoError(t, c.Close())
	assert.True(t, ch.closed)
}

func TestSendErrorPropagates(t *testing.T) {
	ch := newFakeChannel(true)
	ch.sendErr = errors.New("boom")
	c := newTestClient(t, ch, false)

	_, err := c.SendRequest(protocol.MsgValStatus, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)
}
