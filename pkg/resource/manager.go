package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blockberries/cramberry/pkg/cramberry"
	"github.com/blockberries/reshake/internal/flow"
	"github.com/blockberries/reshake/internal/pool"
	"github.com/blockberries/reshake/pkg/protocol"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	libp2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
)

const (
	// DefaultMaxSize is the default limit on a single resource.
	DefaultMaxSize = 16 << 20

	// DefaultServeTimeout bounds how long a serving stream may stay open.
	DefaultServeTimeout = 60 * time.Second

	// chunkSize is the payload size of one data frame.
	chunkSize = pool.ChunkSize
)

// StreamOpener opens outbound streams. *protocol.Host implements it.
type StreamOpener interface {
	NewStream(ctx context.Context, peerID peer.ID, protoID libp2pprotocol.ID) (network.Stream, error)
}

// Config configures a Manager.
type Config struct {
	// Root is the directory resources are stored under.
	Root string

	// MaxSize is the largest resource shared or accepted, in bytes.
	MaxSize int64

	// ServeTimeout bounds a single serving stream.
	ServeTimeout time.Duration

	// MaxConcurrentServes caps requests served at once. Further requests
	// wait until half of the cap has drained.
	MaxConcurrentServes int

	// OnSaturated is called each time serving reaches the cap. Optional.
	OnSaturated func()
}

type shared struct {
	path  string
	name  string
	tag   string
	peers map[peer.ID]struct{}
}

func (s *shared) allows(p peer.ID) bool {
	if len(s.peers) == 0 {
		return true
	}
	_, ok := s.peers[p]
	return ok
}

// Manager shares local files and fetches remote ones over the resource
// protocol. It is safe for concurrent use.
type Manager struct {
	*Storage

	opener       StreamOpener
	maxSize      int64
	serveTimeout time.Duration
	serving      *flow.Gate

	mu     sync.RWMutex
	shares map[string]*shared
}

// NewManager creates a resource manager. opener may be nil for a manager that
// only serves.
func NewManager(cfg Config, opener StreamOpener) *Manager {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.ServeTimeout <= 0 {
		cfg.ServeTimeout = DefaultServeTimeout
	}
	m := &Manager{
		Storage:      NewStorage(cfg.Root),
		opener:       opener,
		maxSize:      cfg.MaxSize,
		serveTimeout: cfg.ServeTimeout,
		serving:      flow.NewGate(cfg.MaxConcurrentServes, cfg.MaxConcurrentServes/2),
		shares:       make(map[string]*shared),
	}
	if cfg.OnSaturated != nil {
		m.serving.OnSaturated(cfg.OnSaturated)
	}
	return m
}

// ActiveServes returns the number of requests being served.
func (m *Manager) ActiveServes() int {
	return m.serving.Active()
}

// Close stops serving. Requests waiting for a serving slot are reset.
func (m *Manager) Close() {
	m.serving.Close()
}

// ShareFile publishes the file at path under tag and returns its content
// reference. Sharing the same content again replaces the earlier share. The
// file is re-read and re-verified on every serve, so it must not change
// while shared.
func (m *Manager) ShareFile(ctx context.Context, path, tag string, opts ShareOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := ValidateName(tag); err != nil {
		return "", fmt.Errorf("tag %q: %w", tag, err)
	}

	name := opts.Name
	if name == "" {
		name = filepath.Base(path)
	}
	if err := ValidateName(name); err != nil {
		return "", fmt.Errorf("name %q: %w", name, err)
	}

	data, err := m.readLimited(path)
	if err != nil {
		return "", err
	}

	ref, err := ContentRef(data)
	if err != nil {
		return "", err
	}

	entry := &shared{
		path:  path,
		name:  name,
		tag:   tag,
		peers: make(map[peer.ID]struct{}, len(opts.Peers)),
	}
	for _, p := range opts.Peers {
		entry.peers[p] = struct{}{}
	}

	m.mu.Lock()
	m.shares[ref] = entry
	m.mu.Unlock()

	return ref, nil
}

// Unshare stops serving ref. It reports whether ref was shared.
func (m *Manager) Unshare(ref string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.shares[ref]
	delete(m.shares, ref)
	return ok
}

// SharedCount returns the number of shared references.
func (m *Manager) SharedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.shares)
}

// Fetch downloads ref from opts.Peer, verifies it and stores it at
// Path(name, tag), where name is the file name the peer shared it under.
func (m *Manager) Fetch(ctx context.Context, ref, tag string, opts FetchOptions) (FetchResult, error) {
	if _, err := ParseRef(ref); err != nil {
		return FetchResult{}, err
	}
	if opts.Peer == "" {
		return FetchResult{}, ErrNoPeer
	}
	if m.opener == nil {
		return FetchResult{}, errors.New("resource manager cannot open streams")
	}

	stream, err := m.opener.NewStream(ctx, opts.Peer, protocol.ResourceProtocolID)
	if err != nil {
		return FetchResult{}, fmt.Errorf("failed to open resource stream: %w", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = stream.Reset()
	})
	defer stop()

	name, data, err := m.request(stream, ref)
	if data != nil {
		defer pool.Put(data)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return FetchResult{}, fmt.Errorf("%w: %v", ctxErr, err)
		}
		return FetchResult{}, err
	}

	if err := Verify(ref, *data); err != nil {
		return FetchResult{}, err
	}

	path, err := m.write(name, tag, *data)
	if err != nil {
		return FetchResult{}, err
	}
	return FetchResult{ContentRef: ref, Path: path}, nil
}

// request runs the client side of one exchange. The returned buffer belongs
// to the caller.
func (m *Manager) request(stream network.Stream, ref string) (string, *[]byte, error) {
	writer := cramberry.NewStreamWriter(stream)
	if err := writer.WriteDelimited(&fetchRequest{Ref: ref}); err != nil {
		return "", nil, fmt.Errorf("failed to write request: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return "", nil, fmt.Errorf("failed to flush request: %w", err)
	}
	_ = stream.CloseWrite()

	reader := cramberry.NewMessageIterator(stream)
	var resp fetchResponse
	if !reader.Next(&resp) {
		return "", nil, readError(reader.Err(), "response")
	}
	if resp.Status != statusOK {
		return "", nil, fmt.Errorf("peer %s: %w", stream.Conn().RemotePeer(), statusError(resp.Status))
	}
	if err := ValidateName(resp.Name); err != nil {
		return "", nil, fmt.Errorf("%w: %q", err, resp.Name)
	}
	if resp.Size > uint64(m.maxSize) {
		return "", nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.Size)
	}

	size := int(resp.Size)
	buf := pool.Get(size)
	for len(*buf) < size {
		var chunk []byte
		if !reader.Next(&chunk) {
			return "", buf, readError(reader.Err(), "data")
		}
		if len(*buf)+len(chunk) > size {
			return "", buf, fmt.Errorf("peer sent more than the announced %d bytes", size)
		}
		*buf = append(*buf, chunk...)
	}
	return resp.Name, buf, nil
}

// HandleStream serves one fetch request. It is registered as the handler for
// the resource protocol.
func (m *Manager) HandleStream(stream network.Stream) {
	defer stream.Close()
	deadline := time.Now().Add(m.serveTimeout)
	_ = stream.SetDeadline(deadline)

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	err := m.serving.Enter(ctx)
	cancel()
	if err != nil {
		_ = stream.Reset()
		return
	}
	defer m.serving.Leave()

	remote := stream.Conn().RemotePeer()
	reader := cramberry.NewMessageIterator(stream)
	writer := cramberry.NewStreamWriter(stream)

	var req fetchRequest
	if !reader.Next(&req) {
		_ = stream.Reset()
		return
	}

	resp, data := m.lookup(remote, req.Ref)
	if data != nil {
		defer pool.Put(data)
	}
	if err := writer.WriteDelimited(&resp); err != nil {
		_ = stream.Reset()
		return
	}
	if data != nil {
		for off := 0; off < len(*data); off += chunkSize {
			chunk := (*data)[off:min(off+chunkSize, len(*data))]
			if err := writer.WriteDelimited(&chunk); err != nil {
				_ = stream.Reset()
				return
			}
		}
	}
	if err := writer.Flush(); err != nil {
		_ = stream.Reset()
	}
}

func (m *Manager) lookup(remote peer.ID, ref string) (fetchResponse, *[]byte) {
	m.mu.RLock()
	entry, ok := m.shares[ref]
	m.mu.RUnlock()

	if !ok {
		return fetchResponse{Status: statusNotFound}, nil
	}
	if !entry.allows(remote) {
		return fetchResponse{Status: statusNotAllowed}, nil
	}

	info, err := os.Stat(entry.path)
	if err != nil {
		return fetchResponse{Status: statusUnavailable}, nil
	}
	if info.Size() > m.maxSize {
		return fetchResponse{Status: statusTooLarge}, nil
	}

	buf := pool.Get(int(info.Size()))
	f, err := os.Open(entry.path)
	if err != nil {
		pool.Put(buf)
		return fetchResponse{Status: statusUnavailable}, nil
	}
	defer f.Close()

	n, err := io.ReadFull(f, (*buf)[:info.Size()])
	*buf = (*buf)[:n]
	if err != nil || Verify(ref, *buf) != nil {
		// The file changed after it was shared.
		pool.Put(buf)
		return fetchResponse{Status: statusUnavailable}, nil
	}

	return fetchResponse{Status: statusOK, Name: entry.name, Size: uint64(n)}, buf
}

func (m *Manager) readLimited(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, m.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if int64(len(data)) > m.maxSize {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, path)
	}
	return data, nil
}

func readError(err error, what string) error {
	if err == nil || errors.Is(err, io.EOF) {
		return fmt.Errorf("stream closed before %s: %w", what, io.ErrUnexpectedEOF)
	}
	return fmt.Errorf("failed to read %s: %w", what, err)
}
