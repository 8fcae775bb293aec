package transport

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/nmxmxh/geomesh/kernel/core/mesh/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoadOrCreateIdentity_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.json")

	first, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	second, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)

	id1, err := peer.IDFromPrivateKey(first)
	require.NoError(t, err)
	id2, err := peer.IDFromPrivateKey(second)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadOrCreateIdentity_RejectsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := LoadOrCreateIdentity(path)
	assert.Error(t, err)
}

func TestLibp2pConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultLibp2pConfig().Validate())
	cfg := DefaultLibp2pConfig()
	cfg.Bootstrap = []string{"not-a-multiaddr"}
	assert.Error(t, cfg.Validate())
	cfg = DefaultLibp2pConfig()
	cfg.SendWorkers = 0
	assert.Error(t, cfg.Validate())
}

func loopbackConfig() Libp2pConfig {
	cfg := DefaultLibp2pConfig()
	cfg.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.IdentityPath = ""
	cfg.SendTimeout = 5 * time.Second
	return cfg
}

func waitFor(t *testing.T, ch <-chan common.TransportEvent, kind common.EventKind) common.TransportEvent {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestLibp2pTransport_Loopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens loopback sockets")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := NewLibp2pTransport(ctx, loopbackConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	cfg := loopbackConfig()
	cfg.Bootstrap = a.Addrs()[:1]
	b, err := NewLibp2pTransport(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer b.Close()

	connected := waitFor(t, a.Events(), common.EventPeerConnected)
	assert.Equal(t, b.LocalID(), connected.PeerID)

	require.NoError(t, b.Send(a.LocalID(), []byte("sparse-update")))
	msg := waitFor(t, a.Events(), common.EventMessage)
	assert.Equal(t, b.LocalID(), msg.PeerID)
	assert.Equal(t, []byte("sparse-update"), msg.Payload)

	res := waitFor(t, b.Events(), common.EventSendResult)
	assert.NoError(t, res.Err)

	require.NoError(t, b.Close())
	assert.Equal(t, b.LocalID(), waitFor(t, a.Events(), common.EventPeerDisconnected).PeerID)
}

func TestLibp2pTransport_SendRejectsBadPeerID(t *testing.T) {
	if testing.Short() {
		t.Skip("opens loopback sockets")
	}
	a, err := NewLibp2pTransport(context.Background(), loopbackConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	err = a.Send("definitely-not-a-peer-id", []byte("x"))
	assert.True(t, common.IsCode(err, common.ErrCodePeerUnreachable))
}
