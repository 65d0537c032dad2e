package socks5

import (
	"errors"
	"net"
	"testing"
)

func TestParseHandshakeIncomplete(t *testing.T) {
	cases := [][]byte{
		{},
		{Version},
		{Version, 2, MethodNoAuth}, // nmethods says 2, only 1 present
	}
	for _, buf := range cases {
		complete, err := ParseHandshake(buf)
		if err != nil {
			t.Fatalf("ParseHandshake(%v): unexpected error %v", buf, err)
		}
		if complete {
			t.Fatalf("ParseHandshake(%v): expected incomplete", buf)
		}
	}
}

func TestParseHandshakeComplete(t *testing.T) {
	buf := []byte{Version, 1, MethodNoAuth}
	complete, err := ParseHandshake(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !complete {
		t.Fatal("expected complete")
	}
}

func TestParseHandshakeBadVersion(t *testing.T) {
	buf := []byte{0x04, 1, MethodNoAuth}
	_, err := ParseHandshake(buf)
	if err == nil {
		t.Fatal("expected error for bad version")
	}
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol, got %v", err)
	}
	if !errors.Is(err, ErrNoReply) {
		t.Errorf("expected ErrNoReply for handshake version mismatch, got %v", err)
	}
}

func TestParseRequestIPv4(t *testing.T) {
	buf := []byte{Version, CmdConnect, 0x00, AddrTypeIPv4, 93, 184, 216, 34, 0x00, 0x50}
	req, err := ParseRequest(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req == nil {
		t.Fatal("expected a parsed request")
	}
	if req.Kind != RequestResolved {
		t.Errorf("expected RequestResolved, got %v", req.Kind)
	}
	if req.Addr.Port != 80 {
		t.Errorf("expected port 80, got %d", req.Addr.Port)
	}
	want := net.IPv4(93, 184, 216, 34)
	if !req.Addr.IP.Equal(want) {
		t.Errorf("expected ip %v, got %v", want, req.Addr.IP)
	}
}

func TestParseRequestIPv4Incomplete(t *testing.T) {
	buf := []byte{Version, CmdConnect, 0x00, AddrTypeIPv4, 93, 184}
	req, err := ParseRequest(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req != nil {
		t.Fatal("expected incomplete request to return nil")
	}
}

func TestParseRequestDomain(t *testing.T) {
	domain := "example.com"
	buf := []byte{Version, CmdConnect, 0x00, AddrTypeDomain, byte(len(domain))}
	buf = append(buf, domain...)
	buf = append(buf, 0x01, 0xBB) // 443
	req, err := ParseRequest(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req == nil {
		t.Fatal("expected a parsed request")
	}
	if req.Kind != RequestNeedsResolution {
		t.Errorf("expected RequestNeedsResolution, got %v", req.Kind)
	}
	if req.Domain != domain {
		t.Errorf("expected domain %q, got %q", domain, req.Domain)
	}
	if req.Port != 443 {
		t.Errorf("expected port 443, got %d", req.Port)
	}
}

func TestParseRequestDomainIncomplete(t *testing.T) {
	domain := "example.com"
	buf := []byte{Version, CmdConnect, 0x00, AddrTypeDomain, byte(len(domain))}
	buf = append(buf, domain[:3]...) // truncated domain, no port yet
	req, err := ParseRequest(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req != nil {
		t.Fatal("expected incomplete request to return nil")
	}
}

func TestParseRequestBadCommand(t *testing.T) {
	buf := []byte{Version, 0x02 /* BIND */, 0x00, AddrTypeIPv4, 1, 2, 3, 4, 0, 80}
	_, err := ParseRequest(buf)
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol for unsupported command, got %v", err)
	}
	if errors.Is(err, ErrNoReply) {
		t.Error("request-stage errors must still get a refused reply")
	}
}

func TestParseRequestBadAddrType(t *testing.T) {
	buf := []byte{Version, CmdConnect, 0x00, 0x04 /* IPv6, unsupported */, 1, 2, 3, 4, 0, 80}
	_, err := ParseRequest(buf)
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol for unsupported address type, got %v", err)
	}
}

func TestReplyFrames(t *testing.T) {
	success := SuccessReply()
	if len(success) != 10 || success[1] != ReplySuccess {
		t.Errorf("unexpected success reply: %v", success)
	}
	refused := RefusedReply()
	if len(refused) != 10 || refused[1] != ReplyRefused {
		t.Errorf("unexpected refused reply: %v", refused)
	}
}
