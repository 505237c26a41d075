package bus

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/vigil-daemon/vigil/internal/wire"
)

// handshakeWait bounds how long a fresh connection may take to
// identify itself before it is dropped. Var so tests can shrink it.
var handshakeWait = 5 * time.Second

// RequestFunc answers one control frame. The returned kind and body
// become the reply; return wire.KindError with a wire.Error body to
// refuse the request.
type RequestFunc func(env *wire.Envelope) (wire.Kind, any)

// Server accepts unix-socket connections, performs the protocol
// handshake, attaches each session to the broadcaster, and serves
// control requests on the same connection.
type Server struct {
	path     string
	b        *Broadcaster
	requests map[wire.Kind]RequestFunc

	ln net.Listener
	wg sync.WaitGroup
}

func NewServer(path string, b *Broadcaster) *Server {
	return &Server{
		path:     path,
		b:        b,
		requests: make(map[wire.Kind]RequestFunc),
	}
}

// Handle registers a control request handler. Registration must finish
// before Start; handlers run on the per-connection reader goroutine
// and must be safe for concurrent use across connections.
func (s *Server) Handle(kind wire.Kind, fn RequestFunc) {
	s.requests[kind] = fn
}

// Start binds the socket and begins accepting connections. A bind
// failure is fatal to the caller; everything after that is per
// connection and isolated.
func (s *Server) Start() error {
	ln, err := Listen(s.path)
	if err != nil {
		return err
	}
	s.ln = ln
	log.Printf("[bus] listening on %s", s.path)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			// Listener closed during shutdown.
			return
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

// Stop closes the listener, notifies subscribers with a shutdown
// frame, waits up to grace for their queues to drain, and removes the
// socket file.
func (s *Server) Stop(reason string, grace time.Duration) {
	if s.ln != nil {
		s.ln.Close()
	}
	s.b.Shutdown(reason, grace)
	s.wg.Wait()
	os.Remove(s.path)
	log.Printf("[bus] stopped")
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()

	conn.SetReadDeadline(time.Now().Add(handshakeWait))
	env, err := wire.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return
	}
	if env.Kind != wire.KindHandshake {
		s.refuse(conn, wire.ErrKindBadRequest, fmt.Sprintf("expected handshake, got %s", env.Kind))
		return
	}
	var hs wire.Handshake
	if err := env.Decode(&hs); err != nil {
		s.refuse(conn, wire.ErrKindBadRequest, "malformed handshake")
		return
	}
	if hs.Version != wire.ProtocolVersion {
		s.refuse(conn, wire.ErrKindProtocolMismatch,
			fmt.Sprintf("server speaks protocol %d, client sent %d", wire.ProtocolVersion, hs.Version))
		return
	}
	conn.SetReadDeadline(time.Time{})

	sub, err := s.b.Attach(conn, hs.Cursor)
	if err != nil {
		switch {
		case errors.Is(err, ErrShuttingDown):
			s.refuse(conn, wire.ErrKindShutdownInProgress, "server is shutting down")
		case errors.Is(err, ErrTooManySubscribers):
			s.refuse(conn, wire.ErrKindSubscriberLimit, "too many subscribers")
		default:
			log.Printf("[bus] attach failed: %v", err)
			conn.Close()
		}
		return
	}
	s.readLoop(sub)
}

// refuse answers a rejected connection with a single error frame. The
// connection was never attached, so writing directly is safe.
func (s *Server) refuse(conn net.Conn, kind, detail string) {
	defer conn.Close()
	frame := errorFrame(kind, detail)
	if frame == nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(finalWait))
	conn.Write(frame)
}

// readLoop consumes control frames until the peer disconnects. Replies
// go through the broadcaster so they stay ordered against the
// transition stream.
func (s *Server) readLoop(sub *subscriber) {
	defer s.b.Remove(sub)
	for {
		env, err := wire.ReadFrame(sub.conn)
		if err != nil {
			return
		}
		fn := s.requests[env.Kind]
		if fn == nil {
			s.b.Reply(sub, errorFrame(wire.ErrKindBadRequest, fmt.Sprintf("unsupported request %s", env.Kind)))
			continue
		}
		kind, body := fn(env)
		frame, err := wire.EncodeFrame(kind, body)
		if err != nil {
			log.Printf("[bus] encode %s reply: %v", kind, err)
			frame = errorFrame(wire.ErrKindBadRequest, "internal encoding failure")
		}
		s.b.Reply(sub, frame)
	}
}
