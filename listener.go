package kcp

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var errListenerClosed = errors.New("kcp: listener closed")

// Listener accepts inbound Sessions multiplexed over one shared
// net.PacketConn, demultiplexing by remote address the way the
// reference engine's own Listener does: one socket, many peers, one
// receive loop feeding each peer's Session.input.
type Listener struct {
	conn net.PacketConn

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	acceptq chan *Session
	die     chan struct{}
	eg      *errgroup.Group
}

// Listen wraps an already-bound net.PacketConn (typically a *net.UDPConn
// from net.ListenUDP) as a Listener. The caller retains ownership of
// constructing the socket so it can tune socket options before handing it
// over.
func Listen(conn net.PacketConn) *Listener {
	l := &Listener{
		conn:     conn,
		sessions: make(map[string]*Session),
		acceptq:  make(chan *Session, 128),
		die:      make(chan struct{}),
	}
	l.eg, _ = errgroup.WithContext(context.Background())
	l.eg.Go(l.recvLoop)
	l.eg.Go(l.updateLoop)
	glog.V(1).Infof("kcp: listener started on %s", conn.LocalAddr())
	return l
}

// ListenUDP is a convenience constructor binding a new UDP socket on addr
// (host:port form) and wrapping it with Listen.
func ListenUDP(addr string) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "kcp: resolve listen address")
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrap(err, "kcp: listen udp")
	}
	return Listen(conn), nil
}

// recvLoop is the Listener's single reader goroutine: it owns every call
// to conn.ReadFrom and fans decoded datagrams out to per-peer sessions,
// creating a new Session (and enqueuing it for Accept) on any datagram of
// at least headerSize bytes from an unseen remote address, using its conv
// field; the command and the rest of the header are not checked first.
func (l *Listener) recvLoop() error {
	buf := make([]byte, 65536)
	for {
		n, addr, err := l.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-l.die:
				return nil
			default:
			}
			atomic.AddUint64(&DefaultStats.InErrs, 1)
			glog.Errorf("kcp: listener read error: %v", err)
			return errors.Wrap(err, "kcp: listener recv loop")
		}
		if n < headerSize {
			atomic.AddUint64(&DefaultStats.InErrs, 1)
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		conv := decodeConv(data)

		key := addr.String()
		l.mu.Lock()
		s, ok := l.sessions[key]
		if !ok && !l.closed {
			s = newSession(conv, l, l.conn, addr)
			l.sessions[key] = s
			l.mu.Unlock()
			select {
			case l.acceptq <- s:
			default:
				glog.Warningf("kcp: accept queue full, dropping session from %s", addr)
				s.Close()
				continue
			}
		} else {
			l.mu.Unlock()
		}
		if s != nil {
			s.input(data)
		}
	}
}

// decodeConv reads the little-endian conv field without paying for a full
// segment decode, since recvLoop only needs it for session routing.
func decodeConv(data []byte) uint32 {
	return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
}

// updateLoop drives every accepted session's Engine.Update from one shared
// ticker, avoiding one goroutine-and-timer pair per peer.
func (l *Listener) updateLoop() error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			sessions := make([]*Session, 0, len(l.sessions))
			for _, s := range l.sessions {
				sessions = append(sessions, s)
			}
			l.mu.Unlock()
			for _, s := range sessions {
				s.tick(nowMs())
			}
		case <-l.die:
			return nil
		}
	}
}

// Accept blocks until a new peer session is established.
func (l *Listener) Accept() (*Session, error) {
	select {
	case s := <-l.acceptq:
		return s, nil
	case <-l.die:
		return nil, errListenerClosed
	}
}

// Addr returns the listener's bound local address.
func (l *Listener) Addr() net.Addr { return l.conn.LocalAddr() }

func (l *Listener) removeSession(remote net.Addr) {
	l.mu.Lock()
	delete(l.sessions, remote.String())
	l.mu.Unlock()
}

// Close shuts down the listener: it stops accepting, closes the shared
// socket, and waits for the receive/update goroutines to exit via
// errgroup before closing every still-open session.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errListenerClosed
	}
	l.closed = true
	sessions := make([]*Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()

	close(l.die)
	sockErr := l.conn.Close()
	egErr := l.eg.Wait()

	for _, s := range sessions {
		s.Close()
	}

	if sockErr != nil {
		return errors.Wrap(sockErr, "kcp: closing listener socket")
	}
	return egErr
}

// DialUDP dials a new client Session to addr over a fresh UDP socket.
func DialUDP(conv uint32, addr string) (*Session, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "kcp: resolve dial address")
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, errors.Wrap(err, "kcp: dial udp")
	}
	s := newSession(conv, nil, connPacketAdapter{conn}, conn.RemoteAddr())
	go s.dialRecvLoop(conn)
	return s, nil
}

// connPacketAdapter makes a connected net.Conn usable as the
// net.PacketConn the emitter expects: Go's UDPConn refuses WriteTo/
// ReadFrom once the connection was established with Dial, so a dialed
// session's output needs this thin shim instead of the raw *net.UDPConn.
type connPacketAdapter struct {
	net.Conn
}

func (a connPacketAdapter) WriteTo(b []byte, _ net.Addr) (int, error) {
	return a.Conn.Write(b)
}

func (a connPacketAdapter) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := a.Conn.Read(b)
	return n, a.Conn.RemoteAddr(), err
}

// dialRecvLoop is the client-side counterpart to Listener.recvLoop: a
// dialed session owns its socket exclusively, so it can read directly off
// it without address demultiplexing.
func (s *Session) dialRecvLoop(conn net.Conn) {
	buf := make([]byte, 65536)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			select {
			case <-s.die:
				return
			default:
			}
			atomic.AddUint64(&DefaultStats.InErrs, 1)
			glog.Warningf("kcp: session %s read error: %v", s.id, err)
			return
		}
		if n < headerSize {
			atomic.AddUint64(&DefaultStats.InErrs, 1)
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		s.input(data)
	}
}
