// Package socks5 implements the no-auth, CONNECT-only subset of SOCKS5
// (RFC 1928) described for this proxy, plus the single-threaded
// connection state machine that drives it.
package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Protocol constants (RFC 1928, CONNECT subset only).
const (
	Version      = 0x05
	MethodNoAuth = 0x00
	CmdConnect   = 0x01

	AddrTypeIPv4   = 0x01
	AddrTypeDomain = 0x03

	ReplySuccess = 0x00
	ReplyRefused = 0x05

	// BufferSize is the relay read chunk and the largest handshake/request
	// scratch buffer the codec needs.
	BufferSize = 8192
)

// ErrProtocol marks any malformed or unsupported byte sequence from the
// client: wrong version, unsupported command, or unsupported address
// type. The caller responds with a refused reply (best effort) and
// tears the connection down; when the error also wraps ErrNoReply, it
// closes the connection without writing a reply.
var ErrProtocol = errors.New("socks5: protocol error")

// ErrNoReply marks a protocol error for which no reply frame exists —
// currently only a bad SOCKS version at the handshake stage, where
// RFC 1928 defines no "refused" frame. Per spec.md §8 property 2,
// such a connection is simply closed with no further bytes written.
var ErrNoReply = errors.New("socks5: no reply frame for this stage")

// ParseHandshake inspects the accumulated greeting bytes. It returns
// complete=false while more bytes are needed, and an error only for a
// version mismatch once enough bytes are present to check it.
func ParseHandshake(buf []byte) (complete bool, err error) {
	if len(buf) < 2 {
		return false, nil
	}
	nmethods := int(buf[1])
	if len(buf) < 2+nmethods {
		return false, nil
	}
	if buf[0] != Version {
		return false, fmt.Errorf("%w: unsupported version 0x%02x: %w", ErrProtocol, buf[0], ErrNoReply)
	}
	return true, nil
}

// AuthResponse is the fixed two-byte reply to a successful handshake:
// version 5, no-auth selected unconditionally.
func AuthResponse() []byte {
	return []byte{Version, MethodNoAuth}
}

// RequestKind distinguishes a CONNECT request whose destination is
// already a concrete address from one that needs DNS resolution.
type RequestKind int

const (
	RequestResolved RequestKind = iota
	RequestNeedsResolution
)

// ParsedRequest is the outcome of successfully parsing a CONNECT
// request frame.
type ParsedRequest struct {
	Kind RequestKind

	// Valid when Kind == RequestResolved.
	Addr *net.TCPAddr

	// Valid when Kind == RequestNeedsResolution.
	Domain string
	Port   uint16

	// Display is "host:port" for logging, populated in both cases.
	Display string
}

// ParseRequest parses a CONNECT request frame:
// VER(1) CMD(1) RSV(1) ATYP(1) ADDR(var) PORT(2, big-endian).
// It returns (nil, nil) while more bytes are needed, and a non-nil
// error for any malformed or unsupported field.
func ParseRequest(buf []byte) (*ParsedRequest, error) {
	if len(buf) < 4 {
		return nil, nil
	}

	version := buf[0]
	cmd := buf[1]
	atyp := buf[3]

	if version != Version {
		return nil, fmt.Errorf("%w: unsupported version 0x%02x", ErrProtocol, version)
	}
	if cmd != CmdConnect {
		return nil, fmt.Errorf("%w: unsupported command 0x%02x", ErrProtocol, cmd)
	}

	switch atyp {
	case AddrTypeIPv4:
		return parseIPv4Request(buf)
	case AddrTypeDomain:
		return parseDomainRequest(buf)
	default:
		return nil, fmt.Errorf("%w: unsupported address type 0x%02x", ErrProtocol, atyp)
	}
}

func parseIPv4Request(buf []byte) (*ParsedRequest, error) {
	if len(buf) < 10 {
		return nil, nil
	}
	ip := net.IPv4(buf[4], buf[5], buf[6], buf[7])
	port := binary.BigEndian.Uint16(buf[8:10])
	display := fmt.Sprintf("%d.%d.%d.%d:%d", buf[4], buf[5], buf[6], buf[7], port)

	return &ParsedRequest{
		Kind:    RequestResolved,
		Addr:    &net.TCPAddr{IP: ip, Port: int(port)},
		Display: display,
	}, nil
}

func parseDomainRequest(buf []byte) (*ParsedRequest, error) {
	if len(buf) < 5 {
		return nil, nil
	}
	length := int(buf[4])
	if len(buf) < 5+length+2 {
		return nil, nil
	}
	domain := string(buf[5 : 5+length])
	port := binary.BigEndian.Uint16(buf[5+length : 5+length+2])

	return &ParsedRequest{
		Kind:    RequestNeedsResolution,
		Domain:  domain,
		Port:    port,
		Display: fmt.Sprintf("%s:%d", domain, port),
	}, nil
}

// reply builds one of the two fixed ten-byte CONNECT replies. The
// bound-address fields are intentionally zero; well-behaved clients
// ignore them for CONNECT.
func reply(rep byte) []byte {
	return []byte{Version, rep, 0x00, AddrTypeIPv4, 0, 0, 0, 0, 0, 0}
}

// SuccessReply is the ten-byte reply sent once the outbound connect
// succeeds.
func SuccessReply() []byte { return reply(ReplySuccess) }

// RefusedReply is the ten-byte reply sent on any failure: protocol
// error, unreachable target, or DNS failure.
func RefusedReply() []byte { return reply(ReplyRefused) }
