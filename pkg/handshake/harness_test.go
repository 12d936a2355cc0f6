package handshake

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/blockberries/reshake/pkg/blocklist"
	"github.com/blockberries/reshake/pkg/resource"
	"github.com/blockberries/reshake/pkg/wire"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

const (
	testPeerAStr = "QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N"
	testPeerBStr = "QmcZf59bWwK5XFi76CZX8cbJ4BhTzzA3gU1ZjYZcYW3dwt"
)

func mustParsePeerID(t *testing.T, s string) peer.ID {
	t.Helper()
	id, err := peer.Decode(s)
	require.NoError(t, err)
	return id
}

func randomPeerID(t *testing.T) peer.ID {
	t.Helper()
	_, pub, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	return id
}

// fakeScheduler is a deterministic single-threaded loop. Off-loop work is
// queued like any other callback, so completions arrive after whatever was
// already posted.
type fakeScheduler struct {
	queue  []func()
	timers []*fakeTimer
}

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (s *fakeScheduler) Post(fn func()) {
	s.queue = append(s.queue, fn)
}

func (s *fakeScheduler) AfterFunc(d time.Duration, fn func()) func() bool {
	t := &fakeTimer{d: d, fn: fn}
	s.timers = append(s.timers, t)
	return func() bool {
		if t.stopped || t.fired {
			return false
		}
		t.stopped = true
		return true
	}
}

func (s *fakeScheduler) Go(work func()) {
	s.queue = append(s.queue, work)
}

// run drains the queue, including callbacks posted while draining.
func (s *fakeScheduler) run() {
	for len(s.queue) > 0 {
		fn := s.queue[0]
		s.queue = s.queue[1:]
		fn()
	}
}

// step runs the next queued callback only.
func (s *fakeScheduler) step() {
	if len(s.queue) == 0 {
		return
	}
	fn := s.queue[0]
	s.queue = s.queue[1:]
	fn()
}

// fireTimers fires every armed timer and drains the queue.
func (s *fakeScheduler) fireTimers() {
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			s.Post(t.fn)
		}
	}
	s.run()
}

// fireAllTimers fires every timer, even stopped ones, as if the stop raced
// with expiry.
func (s *fakeScheduler) fireAllTimers() {
	for _, t := range s.timers {
		t.fired = true
		s.Post(t.fn)
	}
	s.run()
}

func (s *fakeScheduler) armedTimers() int {
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// fakeNetwork holds what every fakeExchange has shared, keyed by reference.
type fakeNetwork struct {
	shares map[string]fakeShare
}

// fakeShare points at the shared file on the owner's disk. Like the real
// resource manager, the file is read when it is fetched, not when shared.
type fakeShare struct {
	owner peer.ID
	path  string
	name  string
	peers []peer.ID
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{shares: make(map[string]fakeShare)}
}

// sharedBy counts the references id still shares.
func (n *fakeNetwork) sharedBy(id peer.ID) int {
	count := 0
	for _, sh := range n.shares {
		if sh.owner == id {
			count++
		}
	}
	return count
}

// fakeExchange implements Exchange on local directories and a fakeNetwork.
type fakeExchange struct {
	*resource.Storage
	local peer.ID
	net   *fakeNetwork

	shareErr  error
	fetchErr  error
	fetchName string

	shares    int
	fetches   int
	unshares  int
	fetchedAt []string
}

func (e *fakeExchange) ShareFile(_ context.Context, path, _ string, opts resource.ShareOptions) (string, error) {
	e.shares++
	if e.shareErr != nil {
		return "", e.shareErr
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	ref, err := resource.ContentRef(data)
	if err != nil {
		return "", err
	}
	name := opts.Name
	if name == "" {
		name = filepath.Base(path)
	}
	e.net.shares[ref] = fakeShare{owner: e.local, path: path, name: name, peers: opts.Peers}
	return ref, nil
}

func (e *fakeExchange) Unshare(ref string) bool {
	sh, ok := e.net.shares[ref]
	if !ok || sh.owner != e.local {
		return false
	}
	e.unshares++
	delete(e.net.shares, ref)
	return true
}

func (e *fakeExchange) Fetch(_ context.Context, ref, tag string, _ resource.FetchOptions) (resource.FetchResult, error) {
	e.fetches++
	if e.fetchErr != nil {
		return resource.FetchResult{}, e.fetchErr
	}
	sh, ok := e.net.shares[ref]
	if !ok {
		return resource.FetchResult{}, resource.ErrNotFound
	}
	allowed := len(sh.peers) == 0
	for _, p := range sh.peers {
		if p == e.local {
			allowed = true
		}
	}
	if !allowed {
		return resource.FetchResult{}, resource.ErrNotAllowed
	}

	data, err := os.ReadFile(sh.path)
	if err != nil {
		return resource.FetchResult{}, resource.ErrNotFound
	}
	if err := resource.Verify(ref, data); err != nil {
		return resource.FetchResult{}, err
	}

	name := sh.name
	if e.fetchName != "" {
		name = e.fetchName
	}
	dir, err := e.WorkDir(tag)
	if err != nil {
		return resource.FetchResult{}, err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return resource.FetchResult{}, err
	}
	e.fetchedAt = append(e.fetchedAt, path)
	return resource.FetchResult{ContentRef: ref, Path: path}, nil
}

// fakeTransport delivers messages to the remote orchestrator through the
// scheduler, preserving send order.
type fakeTransport struct {
	sched  *fakeScheduler
	remote *Orchestrator

	// intercept may rewrite outbound messages.
	intercept func(wire.Message) wire.Message

	sent        []wire.Message
	disconnects []string
}

func (t *fakeTransport) Send(msg wire.Message) error {
	if t.intercept != nil {
		msg = t.intercept(msg)
	}
	t.sent = append(t.sent, msg)
	if remote := t.remote; remote != nil {
		t.sched.Post(func() { remote.HandleMessage(msg) })
	}
	return nil
}

func (t *fakeTransport) Disconnect(reason string) {
	t.disconnects = append(t.disconnects, reason)
	if remote := t.remote; remote != nil {
		t.sched.Post(remote.Close)
	}
}

func (t *fakeTransport) sentOfKind(kind wire.Kind) []wire.Message {
	var out []wire.Message
	for _, m := range t.sent {
		if m.Kind() == kind {
			out = append(out, m)
		}
	}
	return out
}

type eventRecorder struct {
	events []Event
}

func (r *eventRecorder) EmitEvent(e Event) { r.events = append(r.events, e) }

func (r *eventRecorder) states() []EventState {
	out := make([]EventState, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.State)
	}
	return out
}

func (r *eventRecorder) lastError() error {
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Error != nil {
			return r.events[i].Error
		}
	}
	return nil
}

type taskRecorder struct {
	tasks []wire.TaskRequest
}

func (r *taskRecorder) DeliverTask(_ peer.ID, req wire.TaskRequest) { r.tasks = append(r.tasks, req) }

type computerRecorder struct {
	closed []peer.ID
}

func (r *computerRecorder) SessionClosed(p peer.ID) { r.closed = append(r.closed, p) }

type metricsRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func newMetricsRecorder() *metricsRecorder {
	return &metricsRecorder{counts: make(map[string]int)}
}

func (m *metricsRecorder) inc(key string) {
	m.mu.Lock()
	m.counts[key]++
	m.mu.Unlock()
}

func (m *metricsRecorder) get(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func (m *metricsRecorder) HandshakeStarted(role string)  { m.inc("started:" + role) }
func (m *metricsRecorder) HandshakeResult(result string) { m.inc("result:" + result) }
func (m *metricsRecorder) HandshakeDuration(float64)     { m.inc("duration") }
func (m *metricsRecorder) HandshakeError(kind string)    { m.inc("error:" + kind) }
func (m *metricsRecorder) TaskRequest(path string)       { m.inc("task:" + path) }
func (m *metricsRecorder) ResourceOperation(op, result string) {
	m.inc("resource:" + op + ":" + result)
}
func (m *metricsRecorder) MessageSent(kind string)     { m.inc("sent:" + kind) }
func (m *metricsRecorder) MessageReceived(kind string) { m.inc("received:" + kind) }

// testNode is one side of a handshake under test.
type testNode struct {
	id       peer.ID
	manager  *Manager
	blocked  *blocklist.List
	exchange *fakeExchange
	events   *eventRecorder
	tasks    *taskRecorder
	computer *computerRecorder
	metrics  *metricsRecorder
	clock    *clock.Mock
}

func newTestNode(t *testing.T, name string, id peer.ID, net *fakeNetwork, sched *fakeScheduler, mutate ...func(*Config)) *testNode {
	t.Helper()

	blocked, err := blocklist.New("")
	require.NoError(t, err)
	t.Cleanup(func() { blocked.Close() })

	n := &testNode{
		id:       id,
		blocked:  blocked,
		exchange: &fakeExchange{Storage: resource.NewStorage(t.TempDir()), local: id, net: net},
		events:   &eventRecorder{},
		tasks:    &taskRecorder{},
		computer: &computerRecorder{},
		metrics:  newMetricsRecorder(),
		clock:    clock.NewMock(),
	}

	counter := 0
	cfg := Config{
		LocalID:  id,
		Clock:    n.clock,
		Metrics:  n.metrics,
		Events:   n.events,
		Computer: n.computer,
		Tasks:    n.tasks,
		NewNonce: func() string {
			counter++
			return fmt.Sprintf("%s-nonce-%d", name, counter)
		},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	n.manager = NewManager(cfg, blocked, n.exchange, sched)
	return n
}

// pair wires two nodes with one session between them.
type pair struct {
	sched  *fakeScheduler
	a, b   *testNode
	oa, ob *Orchestrator
	ta, tb *fakeTransport
}

func newPair(t *testing.T, mutate ...func(*Config)) *pair {
	t.Helper()

	sched := &fakeScheduler{}
	net := newFakeNetwork()
	idA := mustParsePeerID(t, testPeerAStr)
	idB := mustParsePeerID(t, testPeerBStr)

	p := &pair{
		sched: sched,
		a:     newTestNode(t, "A", idA, net, sched, mutate...),
		b:     newTestNode(t, "B", idB, net, sched, mutate...),
		ta:    &fakeTransport{sched: sched},
		tb:    &fakeTransport{sched: sched},
	}
	p.oa, p.ob = connect(p.a, p.b, p.ta, p.tb)
	return p
}

// connect binds a session between x and y over the given transports.
func connect(x, y *testNode, tx, ty *fakeTransport) (ox, oy *Orchestrator) {
	ox = x.manager.Bind(y.id, tx)
	oy = y.manager.Bind(x.id, ty)
	tx.remote = oy
	ty.remote = ox
	return ox, oy
}

func testTaskRequest(id string) wire.TaskRequest {
	return wire.TaskRequest{
		NodeName:        "provider",
		TaskID:          id,
		PerfIndex:       1200.5,
		Price:           10,
		MaxResourceSize: 1 << 30,
		MaxMemorySize:   4 << 30,
		NumCores:        4,
	}
}
