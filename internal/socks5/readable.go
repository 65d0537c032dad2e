package socks5

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/lumen-proxy/reactorsocks/internal/logging"
	"github.com/lumen-proxy/reactorsocks/internal/reactor"
)

// Resolver is the subset of internal/dnsresolver.Resolver the state
// engine needs: start an asynchronous A-record lookup for a
// connection and get back the query id used to correlate the answer.
type Resolver interface {
	Resolve(domain string, port uint16, connID uint64) (queryID uint16, err error)
}

// HandleReadable dispatches a Readable event to the client- or
// target-side handler for conn's current state.
func HandleReadable(r *reactor.Reactor, table *Table, resolver Resolver, log *slog.Logger, metrics Metrics, c *Connection, endpoint EndpointKind) error {
	if endpoint == EndpointTarget {
		return handleTargetReadable(c)
	}

	switch c.State {
	case StateHandshake:
		return handleHandshakeReadable(c)
	case StateRequest:
		return handleRequestReadable(r, table, resolver, log, metrics, c)
	case StateTunneling:
		return handleClientDataReadable(c)
	default:
		// Connecting/Resolving: the client socket stays registered
		// Readable but a byte arriving here before the tunnel opens is
		// unexpected client behavior, not a reactor bug. Drain it and
		// keep going either way.
		var scratch [BufferSize]byte
		_, _ = reactor.Read(c.ClientFD, scratch[:])
		return nil
	}
}

func handleHandshakeReadable(c *Connection) error {
	var buf [257]byte
	n, err := reactor.Read(c.ClientFD, buf[:])
	if err != nil {
		if reactor.IsWouldBlock(err) {
			return nil
		}
		return err
	}
	if n == 0 {
		c.ClientClosed = true
		return nil
	}

	c.ClientBuf = append(c.ClientBuf, buf[:n]...)
	complete, err := ParseHandshake(c.ClientBuf)
	if err != nil {
		return err
	}
	if !complete {
		return nil
	}

	if _, werr := reactor.Write(c.ClientFD, AuthResponse()); werr != nil && !reactor.IsWouldBlock(werr) {
		return werr
	}
	c.ClientBuf = c.ClientBuf[:0]
	c.State = StateRequest
	return nil
}

func handleRequestReadable(r *reactor.Reactor, table *Table, resolver Resolver, log *slog.Logger, metrics Metrics, c *Connection) error {
	var buf [512]byte
	n, err := reactor.Read(c.ClientFD, buf[:])
	if err != nil {
		if reactor.IsWouldBlock(err) {
			return nil
		}
		return err
	}
	if n == 0 {
		c.ClientClosed = true
		return nil
	}

	c.ClientBuf = append(c.ClientBuf, buf[:n]...)
	req, err := ParseRequest(c.ClientBuf)
	if err != nil {
		return err
	}
	if req == nil {
		return nil // incomplete, keep reading
	}

	c.RequestedEndpoint = req.Display
	c.ClientBuf = c.ClientBuf[:0]

	switch req.Kind {
	case RequestResolved:
		log.Info("connect request", logging.KeyConnID, c.ID, logging.KeyClientAddr, c.ClientAddr, logging.KeyTargetAddr, req.Display)
		return beginConnect(r, table, c, req.Addr)
	case RequestNeedsResolution:
		log.Info("connect request needs resolution", logging.KeyConnID, c.ID, logging.KeyClientAddr, c.ClientAddr, logging.KeyDomain, req.Domain)
		queryID, err := resolver.Resolve(req.Domain, req.Port, c.ID)
		if err != nil {
			return fmt.Errorf("dns resolve %s: %w", req.Domain, err)
		}
		if metrics != nil {
			metrics.DNSQueryIssued()
		}
		c.DNSQueryID = queryID
		c.PendingPort = req.Port
		c.State = StateResolving
		return nil
	default:
		return fmt.Errorf("%w: unknown request kind", ErrProtocol)
	}
}

// beginConnect opens a non-blocking outbound connect and registers
// the target socket Writable, moving the connection to Connecting.
// Shared by the direct-IPv4 path and the post-DNS-resolution path.
func beginConnect(r *reactor.Reactor, table *Table, c *Connection, addr *net.TCPAddr) error {
	fd, err := reactor.DialTCP(addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}

	token := table.NewToken()
	if err := r.Register(fd, token, reactor.Writable); err != nil {
		reactor.Close(fd)
		return err
	}
	table.BindToken(token, EndpointRef{ConnID: c.ID, Kind: EndpointTarget})

	c.TargetFD = fd
	c.TargetToken = token
	c.HasTarget = true
	c.State = StateConnecting
	c.ConnectStartedAt = time.Now()
	return nil
}

func handleClientDataReadable(c *Connection) error {
	var buf [BufferSize]byte
	n, err := reactor.Read(c.ClientFD, buf[:])
	if err != nil {
		if reactor.IsWouldBlock(err) {
			return nil
		}
		return err
	}
	if n == 0 {
		c.ClientClosed = true
		if c.HasTarget {
			_ = reactor.ShutdownWrite(c.TargetFD)
		}
		return nil
	}

	c.C2T = append(c.C2T, buf[:n]...)
	return nil
}

func handleTargetReadable(c *Connection) error {
	if !c.HasTarget {
		return nil
	}
	var buf [BufferSize]byte
	n, err := reactor.Read(c.TargetFD, buf[:])
	if err != nil {
		if reactor.IsWouldBlock(err) {
			return nil
		}
		return err
	}
	if n == 0 {
		c.TargetClosed = true
		_ = reactor.ShutdownWrite(c.ClientFD)
		return nil
	}

	c.T2C = append(c.T2C, buf[:n]...)
	return nil
}
