package socks5

import (
	"net"
	"time"

	"github.com/lumen-proxy/reactorsocks/internal/reactor"
)

// EndpointKind identifies which side of a Connection a token refers to.
type EndpointKind int

const (
	EndpointClient EndpointKind = iota
	EndpointTarget
)

func (k EndpointKind) String() string {
	if k == EndpointClient {
		return "client"
	}
	return "target"
}

// State is one of the five phases a Connection moves through.
type State int

const (
	StateHandshake State = iota
	StateRequest
	StateResolving
	StateConnecting
	StateTunneling
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateRequest:
		return "request"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateTunneling:
		return "tunneling"
	default:
		return "unknown"
	}
}

// Connection is one SOCKS5 session. Fields are mutated only by the
// event handlers for its own tokens — there is exactly one goroutine
// in the whole process and it never touches two connections at once.
type Connection struct {
	ID uint64

	ClientFD    int
	ClientToken reactor.Token
	ClientAddr  *net.TCPAddr

	HasTarget   bool
	TargetFD    int
	TargetToken reactor.Token

	State State

	ClientBuf []byte // handshake/request scratch
	C2T       []byte // client -> target, awaiting write
	T2C       []byte // target -> client, awaiting write

	ClientClosed bool
	TargetClosed bool

	RequestedEndpoint string

	// ConnectStartedAt is set when the outbound connect begins
	// (beginConnect) and read back when it resolves, to report connect
	// latency.
	ConnectStartedAt time.Time

	// DNSQueryID and PendingPort are valid only while State ==
	// StateResolving; they let the resolved/failed event recover the
	// port the client asked for (the DNS answer only carries an IP).
	DNSQueryID  uint16
	PendingPort uint16
}

// NewConnection constructs a fresh Connection in the Handshake state.
func NewConnection(id uint64, clientFD int, clientToken reactor.Token, clientAddr *net.TCPAddr) *Connection {
	return &Connection{
		ID:          id,
		ClientFD:    clientFD,
		ClientToken: clientToken,
		ClientAddr:  clientAddr,
		TargetFD:    -1,
		State:       StateHandshake,
	}
}

// ShouldClose reports whether the connection has reached the
// half-close teardown condition of spec.md §4.4: one side observed
// EOF and that side's outgoing buffer (the data still owed to the
// still-open peer) has fully drained.
func (c *Connection) ShouldClose() bool {
	return (c.ClientClosed && len(c.T2C) == 0) || (c.TargetClosed && len(c.C2T) == 0)
}
