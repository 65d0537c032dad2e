//go:build linux

package reactor

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by Read/Write/Accept/RecvFrom wrappers in
// place of EAGAIN/EWOULDBLOCK, so callers can match it with errors.Is
// without reaching into golang.org/x/sys/unix themselves.
var ErrWouldBlock = unix.EAGAIN

// IsWouldBlock reports whether err is the non-blocking "try later"
// condition that every socket operation in this package must tolerate.
func IsWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINPROGRESS
}

func toSockaddr4(addr *net.TCPAddr) (unix.Sockaddr, error) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("address %s is not IPv4", addr)
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	copy(sa.Addr[:], ip4)
	return sa, nil
}

func fromSockaddr4(sa unix.Sockaddr) net.Addr {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(s.Addr[0], s.Addr[1], s.Addr[2], s.Addr[3]), Port: s.Port}
	default:
		return nil
	}
}

// ListenTCP creates a non-blocking IPv4 TCP listening socket bound to
// addr (e.g. "0.0.0.0:1080") and returns its fd plus the address it
// actually bound to.
func ListenTCP(addr string) (fd int, bound *net.TCPAddr, err error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return -1, nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	sa, err := toSockaddr4(tcpAddr)
	if err != nil {
		unix.Close(fd)
		return -1, nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("listen: %w", err)
	}

	boundSa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("getsockname: %w", err)
	}
	boundAddr, _ := fromSockaddr4(boundSa).(*net.TCPAddr)
	if boundAddr == nil {
		boundAddr = tcpAddr
	}

	return fd, boundAddr, nil
}

// Accept accepts one pending connection from a non-blocking listening
// fd. Returns ErrWouldBlock (test with IsWouldBlock) when no
// connection is pending.
func Accept(fd int) (connFd int, peer *net.TCPAddr, err error) {
	connFd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}
	peer, _ = fromSockaddr4(sa).(*net.TCPAddr)
	return connFd, peer, nil
}

// DialTCP starts a non-blocking connect to addr and returns the new
// socket fd. The connect is virtually always still in progress when
// this returns; the caller must register the fd for Writable
// readiness and consult ConnectError once it fires.
func DialTCP(addr *net.TCPAddr) (fd int, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	sa, err := toSockaddr4(addr)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// ConnectError returns the pending socket error for fd (SO_ERROR),
// nil if the connect succeeded.
func ConnectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// Read reads from fd into buf, returning ErrWouldBlock when the
// non-blocking socket has nothing ready.
func Read(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Write writes buf to fd, returning the number of bytes actually
// accepted by the kernel (which may be less than len(buf)) and
// ErrWouldBlock when the socket's send buffer is full.
func Write(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ShutdownWrite half-closes the write direction of fd so the peer
// observes EOF once buffered data drains.
func ShutdownWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

// Close closes fd.
func Close(fd int) error {
	return unix.Close(fd)
}

// NewUDPSocket creates a non-blocking UDP socket. If bindAddr is
// non-empty the socket is bound to it; otherwise (as for the shared
// DNS socket) the kernel picks an ephemeral port on first send.
func NewUDPSocket(bindAddr string) (fd int, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if bindAddr == "" {
		return fd, nil
	}
	addr, err := net.ResolveUDPAddr("udp4", bindAddr)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("resolve %s: %w", bindAddr, err)
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", bindAddr, err)
	}
	return fd, nil
}

// LocalUDPAddr returns the local address a UDP socket is bound to,
// including any ephemeral port the kernel assigned lazily on first
// use.
func LocalUDPAddr(fd int) (*net.UDPAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	addr, _ := fromSockaddr4(sa).(*net.TCPAddr)
	if addr == nil {
		return nil, fmt.Errorf("unexpected sockaddr type %T", sa)
	}
	return &net.UDPAddr{IP: addr.IP, Port: addr.Port}, nil
}

// SendTo sends buf as a single datagram to addr over fd.
func SendTo(fd int, buf []byte, addr *net.UDPAddr) error {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return fmt.Errorf("address %s is not IPv4", addr)
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	copy(sa.Addr[:], ip4)
	return unix.Sendto(fd, buf, 0, sa)
}

// RecvFrom reads one datagram from fd into buf, returning the sender
// address and ErrWouldBlock when none is pending.
func RecvFrom(fd int, buf []byte) (n int, from *net.UDPAddr, err error) {
	n, sa, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return 0, nil, err
	}
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		from = &net.UDPAddr{IP: net.IPv4(s.Addr[0], s.Addr[1], s.Addr[2], s.Addr[3]), Port: s.Port}
	}
	return n, from, nil
}
