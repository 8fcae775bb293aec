package transport

import (
	"context"
	crand "crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	crypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/nmxmxh/geomesh/kernel/core/mesh/common"
	"github.com/nmxmxh/geomesh/kernel/utils"
)

// ProtocolID is the stream protocol carrying one gossip message per stream.
const ProtocolID protocol.ID = "/geomesh/gossip/1.0.0"

// ErrQueueFull is reported when the outbound queue cannot take more sends.
var ErrQueueFull = errors.New("send queue full")

// Libp2pConfig configures the libp2p stream transport.
type Libp2pConfig struct {
	ListenAddrs    []string      `mapstructure:"listen_addrs" json:"listen_addrs"`
	Bootstrap      []string      `mapstructure:"bootstrap" json:"bootstrap"`
	IdentityPath   string        `mapstructure:"identity_path" json:"identity_path"` // empty: ephemeral identity
	SendQueue      int           `mapstructure:"send_queue" json:"send_queue"`
	SendWorkers    int           `mapstructure:"send_workers" json:"send_workers"`
	SendTimeout    time.Duration `mapstructure:"send_timeout" json:"send_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	MaxMessageSize int           `mapstructure:"max_message_size" json:"max_message_size"`
	EventBuffer    int           `mapstructure:"event_buffer" json:"event_buffer"`
}

func DefaultLibp2pConfig() Libp2pConfig {
	return Libp2pConfig{
		ListenAddrs:    []string{"/ip4/0.0.0.0/tcp/4101"},
		IdentityPath:   "node_identity.json",
		SendQueue:      256,
		SendWorkers:    4,
		SendTimeout:    10 * time.Second,
		ReadTimeout:    30 * time.Second,
		MaxMessageSize: 4 << 20,
		EventBuffer:    1024,
	}
}

func (c Libp2pConfig) Validate() error {
	if c.SendQueue <= 0 || c.SendWorkers <= 0 || c.EventBuffer <= 0 {
		return errors.New("libp2p send_queue, send_workers and event_buffer must be positive")
	}
	if c.SendTimeout <= 0 || c.ReadTimeout <= 0 {
		return errors.New("libp2p timeouts must be positive")
	}
	if c.MaxMessageSize <= 0 {
		return errors.New("libp2p max_message_size must be positive")
	}
	for _, addr := range append(append([]string(nil), c.ListenAddrs...), c.Bootstrap...) {
		if _, err := ma.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("invalid multiaddr %q: %w", addr, err)
		}
	}
	return nil
}

// PersistentIdentity holds the private key and peer ID of a node.
type PersistentIdentity struct {
	PrivKey []byte `json:"priv_key"`
	PeerID  string `json:"peer_id"`
}

// LoadOrCreateIdentity reads the identity at path, generating and saving a
// fresh Ed25519 key when the file does not exist.
func LoadOrCreateIdentity(path string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var id PersistentIdentity
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, fmt.Errorf("parse identity %s: %w", path, err)
		}
		priv, err := crypto.UnmarshalPrivateKey(id.PrivKey)
		if err != nil {
			return nil, fmt.Errorf("decode identity key: %w", err)
		}
		pid, err := peer.IDFromPrivateKey(priv)
		if err != nil {
			return nil, err
		}
		if id.PeerID != "" && id.PeerID != pid.String() {
			return nil, fmt.Errorf("identity %s: peer id does not match key", path)
		}
		return priv, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read identity %s: %w", path, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(crand.Reader)
	if err != nil {
		return nil, err
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	data, err = json.Marshal(&PersistentIdentity{PrivKey: raw, PeerID: pid.String()})
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write identity %s: %w", path, err)
	}
	return priv, nil
}

type outbound struct {
	peer    peer.ID
	peerID  string
	payload []byte
}

// Libp2pTransport is a common.Transport over libp2p streams. Sends are
// queued and written by a worker pool; inbound streams and connection
// changes surface on Events.
type Libp2pTransport struct {
	cfg    Libp2pConfig
	host   host.Host
	events chan common.TransportEvent
	queue  chan outbound

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	logger    *zap.Logger
}

var _ common.Transport = (*Libp2pTransport)(nil)

// NewLibp2pTransport starts a libp2p host, registers the gossip protocol
// handler and launches the send workers. Bootstrap peers are dialed with
// Connect; failures are logged, not fatal.
func NewLibp2pTransport(ctx context.Context, cfg Libp2pConfig, logger *zap.Logger) (*Libp2pTransport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []libp2p.Option{libp2p.ListenAddrStrings(cfg.ListenAddrs...)}
	if cfg.IdentityPath != "" {
		priv, err := LoadOrCreateIdentity(cfg.IdentityPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.Identity(priv))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("start libp2p host: %w", err)
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &Libp2pTransport{
		cfg:    cfg,
		host:   h,
		events: make(chan common.TransportEvent, cfg.EventBuffer),
		queue:  make(chan outbound, cfg.SendQueue),
		ctx:    tctx,
		cancel: cancel,
		logger: logger.Named("libp2p").With(zap.String("peer_id", h.ID().String())),
	}

	h.SetStreamHandler(ProtocolID, t.handleStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			t.tryEmit(common.TransportEvent{Kind: common.EventPeerConnected, PeerID: c.RemotePeer().String()})
		},
		DisconnectedF: func(n network.Network, c network.Conn) {
			// Fires per connection; only report once the last one is gone.
			if n.Connectedness(c.RemotePeer()) == network.Connected {
				return
			}
			t.tryEmit(common.TransportEvent{Kind: common.EventPeerDisconnected, PeerID: c.RemotePeer().String()})
		},
	})

	for i := 0; i < cfg.SendWorkers; i++ {
		t.wg.Add(1)
		go t.sendWorker()
	}

	t.logger.Info("libp2p transport started", zap.Strings("addrs", t.Addrs()))

	for _, addr := range cfg.Bootstrap {
		if err := t.Connect(tctx, addr); err != nil {
			t.logger.Warn("bootstrap dial failed", zap.String("addr", addr), zap.Error(err))
		}
	}
	return t, nil
}

func (t *Libp2pTransport) LocalID() string {
	return t.host.ID().String()
}

// Addrs returns the full /p2p/ multiaddrs other nodes can bootstrap from.
func (t *Libp2pTransport) Addrs() []string {
	out := make([]string, 0, len(t.host.Addrs()))
	for _, a := range t.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a.String(), t.host.ID().String()))
	}
	return out
}

// Connect dials a peer given its full /p2p/ multiaddr.
func (t *Libp2pTransport) Connect(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return err
	}
	dctx, cancel := context.WithTimeout(ctx, t.cfg.SendTimeout)
	defer cancel()
	return t.host.Connect(dctx, *info)
}

// Send queues payload for peerID. The write outcome arrives later as an
// EventSendResult.
func (t *Libp2pTransport) Send(peerID string, payload []byte) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return common.ErrUnreachable(peerID, err)
	}
	if t.ctx.Err() != nil {
		return common.ErrUnreachable(peerID, t.ctx.Err())
	}
	select {
	case t.queue <- outbound{peer: pid, peerID: peerID, payload: payload}:
		return nil
	default:
		return common.ErrUnreachable(peerID, ErrQueueFull)
	}
}

func (t *Libp2pTransport) Events() <-chan common.TransportEvent {
	return t.events
}

// Close stops the workers and shuts the host down. Events is not closed;
// readers stop on their own context.
func (t *Libp2pTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		t.wg.Wait()
		t.host.RemoveStreamHandler(ProtocolID)
		err = t.host.Close()
		t.logger.Info("libp2p transport stopped")
	})
	return err
}

func (t *Libp2pTransport) sendWorker() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case job := <-t.queue:
			err := t.write(job)
			if err != nil {
				t.logger.Debug("send failed", zap.String("peer", utils.ShortID(job.peerID)), zap.Error(err))
				err = common.ErrUnreachable(job.peerID, err)
			}
			t.emit(common.TransportEvent{Kind: common.EventSendResult, PeerID: job.peerID, Err: err})
		}
	}
}

func (t *Libp2pTransport) write(job outbound) error {
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.SendTimeout)
	defer cancel()

	s, err := t.host.NewStream(ctx, job.peer, ProtocolID)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetWriteDeadline(deadline)
	}
	if _, err := s.Write(job.payload); err != nil {
		_ = s.Reset()
		return err
	}
	return s.Close()
}

func (t *Libp2pTransport) handleStream(s network.Stream) {
	defer s.Close()
	from := s.Conn().RemotePeer().String()

	_ = s.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	data, err := io.ReadAll(io.LimitReader(s, int64(t.cfg.MaxMessageSize)+1))
	if err != nil {
		t.logger.Debug("stream read failed", zap.String("peer", utils.ShortID(from)), zap.Error(err))
		_ = s.Reset()
		return
	}
	if len(data) > t.cfg.MaxMessageSize {
		t.logger.Warn("dropping oversized stream",
			zap.String("peer", utils.ShortID(from)),
			zap.Int("limit", t.cfg.MaxMessageSize))
		_ = s.Reset()
		return
	}
	t.emit(common.TransportEvent{Kind: common.EventMessage, PeerID: from, Payload: data})
}

// emit blocks until the event is consumed or the transport closes, which
// applies backpressure to remote senders.
func (t *Libp2pTransport) emit(ev common.TransportEvent) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

// tryEmit never blocks. Notifier callbacks run on the swarm's goroutines.
func (t *Libp2pTransport) tryEmit(ev common.TransportEvent) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("event buffer full, dropping event", zap.Stringer("kind", ev.Kind), zap.String("peer", utils.ShortID(ev.PeerID)))
	}
}
