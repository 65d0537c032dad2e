// Package dnsresolver implements the asynchronous, single-shared-socket
// DNS A-record resolver described in spec.md §4.5: one non-blocking
// UDP socket, one outstanding query per caller, correlation by 16-bit
// query id, and a 5-second timeout sweep. Only the event loop
// goroutine ever touches a Resolver — no locking is used or needed.
package dnsresolver

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
	"golang.org/x/time/rate"

	"github.com/lumen-proxy/reactorsocks/internal/reactor"
)

// DefaultTimeout is the 5-second pending-request deadline from spec.md §4.5.
const DefaultTimeout = 5 * time.Second

// DefaultFallback is used when /etc/resolv.conf is absent or carries no
// usable nameserver line.
const DefaultFallback = "8.8.8.8:53"

// ReasonTimeout is the Event.Reason value Sweep uses for a query that
// never got an answer before its deadline — the only Reason string
// callers should match on to distinguish timeouts from other failures.
const ReasonTimeout = "DNS query timed out"

// EventKind distinguishes the two outcomes a pending DNS request can
// produce.
type EventKind int

const (
	EventResolved EventKind = iota
	EventFailed
)

// Event reports a resolved address or a failure for a connection that
// previously called Resolve.
type Event struct {
	Kind    EventKind
	ConnID  uint64
	IP      net.IP // valid when Kind == EventResolved
	Display string // "domain:port", valid when Kind == EventResolved
	Domain  string // valid when Kind == EventFailed
	Reason  string // valid when Kind == EventFailed
}

type pendingRequest struct {
	domain   string
	port     uint16
	connID   uint64
	deadline time.Time
}

// Config configures a Resolver.
type Config struct {
	// ResolvConfPath is read once at startup for the first usable
	// "nameserver" line. Default "/etc/resolv.conf".
	ResolvConfPath string
	// Fallback is used when ResolvConfPath can't be read or parsed.
	// Default DefaultFallback.
	Fallback string
	// Timeout is the per-query deadline. Default DefaultTimeout.
	Timeout time.Duration
	// RateLimit bounds outbound queries/sec across all callers; zero
	// disables the limiter. This is an ambient resource-safety
	// addition beyond spec.md (see SPEC_FULL.md §9).
	RateLimit rate.Limit
	RateBurst int
}

// Resolver owns the single shared non-blocking UDP socket used for all
// outstanding DNS queries.
type Resolver struct {
	fd         int
	serverAddr *net.UDPAddr

	pending     map[uint16]*pendingRequest
	nextQueryID uint16
	timeout     time.Duration

	limiter *rate.Limiter
}

// New creates a Resolver: selects the upstream server from
// cfg.ResolvConfPath (falling back to cfg.Fallback), and opens the
// shared UDP socket.
func New(cfg Config) (*Resolver, error) {
	if cfg.ResolvConfPath == "" {
		cfg.ResolvConfPath = "/etc/resolv.conf"
	}
	if cfg.Fallback == "" {
		cfg.Fallback = DefaultFallback
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	serverAddr, err := selectServer(cfg.ResolvConfPath, cfg.Fallback)
	if err != nil {
		return nil, err
	}

	fd, err := reactor.NewUDPSocket("")
	if err != nil {
		return nil, fmt.Errorf("dns socket: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}

	return &Resolver{
		fd:          fd,
		serverAddr:  serverAddr,
		pending:     make(map[uint16]*pendingRequest),
		nextQueryID: 1,
		timeout:     cfg.Timeout,
		limiter:     limiter,
	}, nil
}

// selectServer reads the first "nameserver" line from resolvConfPath
// whose value parses as an IP, falling back to fallback on any
// failure — spec.md §4.5.
func selectServer(resolvConfPath, fallback string) (*net.UDPAddr, error) {
	addr := fallback

	if content, err := os.ReadFile(resolvConfPath); err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "nameserver") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			if ip := net.ParseIP(fields[1]); ip != nil {
				addr = net.JoinHostPort(ip.String(), "53")
				break
			}
		}
	}

	return net.ResolveUDPAddr("udp4", addr)
}

// FD returns the raw socket fd, for reactor registration.
func (r *Resolver) FD() int { return r.fd }

// ServerAddr returns the upstream resolver address selected at startup.
func (r *Resolver) ServerAddr() *net.UDPAddr { return r.serverAddr }

// LocalAddr returns the address the shared socket is bound to,
// including the ephemeral port the kernel assigns on first use.
func (r *Resolver) LocalAddr() (*net.UDPAddr, error) {
	return reactor.LocalUDPAddr(r.fd)
}

// PendingCount returns the number of in-flight queries, for tests and
// leak-detection.
func (r *Resolver) PendingCount() int { return len(r.pending) }

// Close closes the shared UDP socket.
func (r *Resolver) Close() error { return reactor.Close(r.fd) }

// Resolve encodes and sends an A-record query for domain, tracks it as
// a pending request keyed by the returned query id, and returns that
// id to the caller. query_id starts at 1 and wraps at 16 bits;
// collisions with still-pending ids are not checked, matching spec.md
// §4.5 ("the design relies on the 5-second timeout keeping the
// in-flight set tiny").
func (r *Resolver) Resolve(domain string, port uint16, connID uint64) (uint16, error) {
	if r.limiter != nil && !r.limiter.Allow() {
		return 0, fmt.Errorf("dns query rate limited")
	}

	wireName, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		wireName = domain // not IDNA-eligible (or already ASCII) — query as-is
	}

	queryID := r.nextQueryID
	r.nextQueryID++ // uint16 wrap-around is intentional

	msg := new(dns.Msg)
	msg.Id = queryID
	msg.RecursionDesired = true
	msg.Question = []dns.Question{{
		Name:   dns.Fqdn(wireName),
		Qtype:  dns.TypeA,
		Qclass: dns.ClassINET,
	}}

	wire, err := msg.Pack()
	if err != nil {
		return 0, fmt.Errorf("encode dns query for %s: %w", domain, err)
	}

	if err := reactor.SendTo(r.fd, wire, r.serverAddr); err != nil && !reactor.IsWouldBlock(err) {
		return 0, fmt.Errorf("send dns query for %s: %w", domain, err)
	}

	r.pending[queryID] = &pendingRequest{
		domain:   domain,
		port:     port,
		connID:   connID,
		deadline: time.Now().Add(r.timeout),
	}
	return queryID, nil
}

// HandleReadable drains every pending datagram on the shared socket
// (spec.md §4.5: "loop reading 512-byte datagrams until would-block")
// and returns the Resolved/Failed events produced.
func (r *Resolver) HandleReadable() ([]Event, error) {
	var events []Event
	var buf [512]byte

	for {
		n, from, err := reactor.RecvFrom(r.fd, buf[:])
		if err != nil {
			if reactor.IsWouldBlock(err) {
				return events, nil
			}
			return events, err
		}

		if !addrEqual(from, r.serverAddr) {
			continue // drop datagrams not from the configured resolver
		}

		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			continue // malformed response, discard
		}

		pending, ok := r.pending[msg.Id]
		if !ok {
			continue // unknown or already-resolved/expired query id
		}
		delete(r.pending, msg.Id)

		if msg.Rcode != dns.RcodeSuccess {
			events = append(events, Event{
				Kind:   EventFailed,
				ConnID: pending.connID,
				Domain: pending.domain,
				Reason: fmt.Sprintf("dns rcode %s", dns.RcodeToString[msg.Rcode]),
			})
			continue
		}

		var resolved net.IP
		for _, rr := range msg.Answer {
			if a, ok := rr.(*dns.A); ok {
				resolved = a.A
				break
			}
		}

		if resolved == nil {
			// Covers both no-answer and CNAME-only responses: resolution
			// is not followed further here, per spec.md §4.5.
			events = append(events, Event{
				Kind:   EventFailed,
				ConnID: pending.connID,
				Domain: pending.domain,
				Reason: "No A record in response",
			})
			continue
		}

		events = append(events, Event{
			Kind:    EventResolved,
			ConnID:  pending.connID,
			IP:      resolved,
			Display: fmt.Sprintf("%s:%d", pending.domain, pending.port),
		})
	}
}

// Sweep drops every pending request older than the configured timeout
// and returns a Failed event for each, per spec.md §4.5's per-tick
// timeout sweep.
func (r *Resolver) Sweep() []Event {
	var events []Event
	now := time.Now()

	for id, p := range r.pending {
		if now.After(p.deadline) {
			events = append(events, Event{
				Kind:   EventFailed,
				ConnID: p.connID,
				Domain: p.domain,
				Reason: ReasonTimeout,
			})
			delete(r.pending, id)
		}
	}
	return events
}

func addrEqual(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}
