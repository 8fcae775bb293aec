package common

// EventKind classifies transport events delivered to the sync loop.
type EventKind int

const (
	// EventMessage carries an inbound payload from PeerID.
	EventMessage EventKind = iota
	// EventSendResult reports the outcome of an earlier Send to PeerID.
	EventSendResult
	// EventPeerConnected is emitted when the substrate establishes a connection.
	EventPeerConnected
	// EventPeerDisconnected is emitted when the substrate drops a connection.
	EventPeerDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventSendResult:
		return "send_result"
	case EventPeerConnected:
		return "peer_connected"
	case EventPeerDisconnected:
		return "peer_disconnected"
	default:
		return "unknown"
	}
}

// TransportEvent is a single notification from the transport collaborator.
type TransportEvent struct {
	Kind    EventKind
	PeerID  string
	Payload []byte
	Err     error // set on failed EventSendResult
}

// Transport is the capability the sync engine needs from the network
// substrate. Send must not block on network I/O: it enqueues and returns, and
// the outcome arrives later as an EventSendResult on Events.
type Transport interface {
	LocalID() string
	Send(peerID string, payload []byte) error
	Events() <-chan TransportEvent
	Close() error
}

// Sealer wraps outbound payloads with sender identity and signature and
// verifies inbound ones. Implemented by the consensus layer.
type Sealer interface {
	Seal(payload []byte) ([]byte, error)
	Open(from string, sealed []byte) (sender string, payload []byte, err error)
}

// PlainSealer is the identity Sealer used when no signing layer is wired in;
// the transport-level peer ID is taken as the sender identity.
type PlainSealer struct{}

func (PlainSealer) Seal(payload []byte) ([]byte, error) {
	return payload, nil
}

func (PlainSealer) Open(from string, sealed []byte) (string, []byte, error) {
	return from, sealed, nil
}
