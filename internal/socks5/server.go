package socks5

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/lumen-proxy/reactorsocks/internal/dnsresolver"
	"github.com/lumen-proxy/reactorsocks/internal/logging"
	"github.com/lumen-proxy/reactorsocks/internal/reactor"
)

// pollInterval bounds how long a single Poll call blocks, so the DNS
// timeout sweep (spec.md §4.5) runs at least this often even when no
// socket is ready.
const pollInterval = 500 * time.Millisecond

// Metrics is the subset of internal/metrics.Metrics the server reports
// to. A nil Metrics is valid; every call site guards against it.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	DNSQueryIssued()
	DNSQueryResolved()
	DNSQueryFailed()
	DNSQueryTimedOut()
	ConnectFailed()
	ConnectSucceeded(latency time.Duration)
	BytesRelayed(clientToTarget, targetToClient int)
}

// Config configures a Server.
type Config struct {
	ListenAddr string
	DNS        dnsresolver.Config
	Logger     *slog.Logger
	Metrics    Metrics
}

// Server owns the reactor, the listening and DNS sockets, and the
// connection table. Run is the single event loop; nothing in this
// package spawns a goroutine.
type Server struct {
	reactor  *reactor.Reactor
	listener int
	addr     *net.TCPAddr
	resolver *dnsresolver.Resolver
	table    *Table
	log      *slog.Logger
	metrics  Metrics
}

// NewServer creates the reactor, binds the listening socket, opens the
// shared DNS socket, and registers both under their reserved tokens
// (spec.md §3).
func NewServer(cfg Config) (*Server, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	rec, err := reactor.New()
	if err != nil {
		return nil, fmt.Errorf("create reactor: %w", err)
	}

	listenerFD, bound, err := reactor.ListenTCP(cfg.ListenAddr)
	if err != nil {
		rec.Close()
		return nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	if err := rec.Register(listenerFD, ListenerToken, reactor.Readable); err != nil {
		reactor.Close(listenerFD)
		rec.Close()
		return nil, fmt.Errorf("register listener: %w", err)
	}

	resolver, err := dnsresolver.New(cfg.DNS)
	if err != nil {
		reactor.Close(listenerFD)
		rec.Close()
		return nil, fmt.Errorf("create dns resolver: %w", err)
	}
	if err := rec.Register(resolver.FD(), DNSToken, reactor.Readable); err != nil {
		resolver.Close()
		reactor.Close(listenerFD)
		rec.Close()
		return nil, fmt.Errorf("register dns socket: %w", err)
	}

	log.Info("listening", "addr", bound, "dns_server", resolver.ServerAddr())

	return &Server{
		reactor:  rec,
		listener: listenerFD,
		addr:     bound,
		resolver: resolver,
		table:    NewTable(),
		log:      log,
		metrics:  cfg.Metrics,
	}, nil
}

// Addr returns the address the listening socket actually bound to.
func (s *Server) Addr() *net.TCPAddr { return s.addr }

// Close tears down every live connection and releases the listener,
// DNS socket, and reactor.
func (s *Server) Close() error {
	for _, id := range s.table.ConnIDs() {
		Cleanup(s.reactor, s.table, s.log, id)
	}
	s.reactor.Deregister(s.listener)
	reactor.Close(s.listener)
	s.reactor.Deregister(s.resolver.FD())
	s.resolver.Close()
	return s.reactor.Close()
}

// Run is the single-threaded event loop (spec.md §4.1): poll, dispatch
// every ready event, run the DNS timeout sweep, repeat. It returns
// only when stop is closed or Poll returns a fatal error.
func (s *Server) Run(stop <-chan struct{}) error {
	events := make([]reactor.Event, 0, reactor.MaxEvents)

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		var err error
		events, err = s.reactor.Poll(events[:0], pollInterval)
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}

		for _, ev := range events {
			s.dispatch(ev)
		}

		s.runSweep()
	}
}

func (s *Server) dispatch(ev reactor.Event) {
	switch ev.Token {
	case ListenerToken:
		s.acceptLoop()
	case DNSToken:
		s.handleDNSReadable()
	default:
		s.handleConnEvent(ev)
	}
}

// acceptLoop drains every pending connection on the listener —
// required under edge-triggered epoll, since a single EPOLLIN only
// fires once per burst of arrivals.
func (s *Server) acceptLoop() {
	for {
		fd, peer, err := reactor.Accept(s.listener)
		if err != nil {
			if !reactor.IsWouldBlock(err) {
				s.log.Error("accept failed", logging.KeyError, err)
			}
			return
		}

		token := s.table.NewToken()
		connID := s.table.NewConnID()
		conn := NewConnection(connID, fd, token, peer)
		s.table.Insert(conn)
		s.table.BindToken(token, EndpointRef{ConnID: connID, Kind: EndpointClient})

		if err := s.reactor.Register(fd, token, reactor.Readable); err != nil {
			s.log.Error("register client fd", logging.KeyConnID, connID, logging.KeyError, err)
			Cleanup(s.reactor, s.table, s.log, connID)
			continue
		}

		s.log.Info("accepted connection", logging.KeyConnID, connID, logging.KeyClientAddr, peer)
		if s.metrics != nil {
			s.metrics.ConnectionOpened()
		}
	}
}

func (s *Server) handleDNSReadable() {
	events, err := s.resolver.HandleReadable()
	if err != nil {
		s.log.Error("dns socket read failed", logging.KeyError, err)
	}
	for _, ev := range events {
		s.handleDNSEvent(ev)
	}
}

func (s *Server) runSweep() {
	for _, ev := range s.resolver.Sweep() {
		s.handleDNSEvent(ev)
	}
}

func (s *Server) handleDNSEvent(ev dnsresolver.Event) {
	conn, ok := s.table.Get(ev.ConnID)
	if !ok || conn.State != StateResolving {
		return // connection already closed or moved on
	}

	if ev.Kind == dnsresolver.EventFailed {
		s.log.Info("dns resolution failed", logging.KeyConnID, conn.ID, logging.KeyDomain, ev.Domain, logging.KeyError, ev.Reason)
		if s.metrics != nil {
			if ev.Reason == dnsresolver.ReasonTimeout {
				s.metrics.DNSQueryTimedOut()
			} else {
				s.metrics.DNSQueryFailed()
			}
		}
		s.refuseAndClose(conn)
		return
	}

	if s.metrics != nil {
		s.metrics.DNSQueryResolved()
	}
	conn.RequestedEndpoint = ev.Display
	addr := &net.TCPAddr{IP: ev.IP, Port: int(conn.PendingPort)}
	if err := beginConnect(s.reactor, s.table, conn, addr); err != nil {
		s.log.Info("connect after resolution failed", logging.KeyConnID, conn.ID, logging.KeyTargetAddr, ev.Display, logging.KeyError, err)
		if s.metrics != nil {
			s.metrics.ConnectFailed()
		}
		s.refuseAndClose(conn)
	}
}

func (s *Server) handleConnEvent(ev reactor.Event) {
	ref, ok := s.table.Lookup(ev.Token)
	if !ok {
		return // stale token from an already-cleaned-up connection
	}
	conn, ok := s.table.Get(ref.ConnID)
	if !ok {
		return
	}

	var err error
	if ev.Readable {
		err = HandleReadable(s.reactor, s.table, s.resolver, s.log, s.metrics, conn, ref.Kind)
	}
	if err == nil && ev.Writable {
		err = HandleWritable(s.reactor, s.log, s.metrics, conn, ref.Kind)
	}

	if err != nil {
		s.handleConnError(conn, ref.Kind, err)
		return
	}

	if conn.ShouldClose() {
		Cleanup(s.reactor, s.table, s.log, conn.ID)
		if s.metrics != nil {
			s.metrics.ConnectionClosed()
		}
		return
	}

	if err := UpdateInterests(s.reactor, conn); err != nil {
		s.log.Error("update interests", logging.KeyConnID, conn.ID, logging.KeyError, err)
		Cleanup(s.reactor, s.table, s.log, conn.ID)
		if s.metrics != nil {
			s.metrics.ConnectionClosed()
		}
	}
}

func (s *Server) handleConnError(conn *Connection, endpoint EndpointKind, err error) {
	if endpoint == EndpointTarget && conn.State == StateConnecting {
		s.log.Info("connect failed", logging.KeyConnID, conn.ID, logging.KeyTargetAddr, conn.RequestedEndpoint, logging.KeyError, err)
		if s.metrics != nil {
			s.metrics.ConnectFailed()
		}
	} else {
		s.log.Info("connection error", logging.KeyConnID, conn.ID, logging.KeyClientAddr, conn.ClientAddr, logging.KeyError, err)
	}

	if errors.Is(err, ErrNoReply) {
		// Handshake-stage version mismatch: RFC 1928 defines no reply
		// frame for this, per spec.md §8 property 2 — close silently.
		Cleanup(s.reactor, s.table, s.log, conn.ID)
		if s.metrics != nil {
			s.metrics.ConnectionClosed()
		}
		return
	}

	s.refuseAndClose(conn)
}

// refuseAndClose writes the best-effort ten-byte refused reply (if the
// connection never reached Tunneling, where such a reply would be
// meaningless) and tears the connection down.
func (s *Server) refuseAndClose(conn *Connection) {
	if conn.State != StateTunneling {
		_, _ = reactor.Write(conn.ClientFD, RefusedReply())
	}
	Cleanup(s.reactor, s.table, s.log, conn.ID)
	if s.metrics != nil {
		s.metrics.ConnectionClosed()
	}
}
