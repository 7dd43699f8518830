package sink

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Stream pushes records to connected WebSocket clients. Writes never block
// the engine: when the broadcast buffer is full the record is dropped.
type Stream struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan Record
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	dropped    atomic.Int64
	logger     *slog.Logger
}

// NewStream creates a hub. Call Run before serving clients.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Stream{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Record, buffer),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: slog.Default().With("component", "sink.stream"),
	}
}

// Run is the hub loop. It returns when ctx is cancelled or the stream is
// closed, disconnecting every client.
func (s *Stream) Run(ctx context.Context) {
	defer s.disconnectAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return

		case conn := <-s.register:
			s.mu.Lock()
			s.clients[conn] = true
			n := len(s.clients)
			s.mu.Unlock()
			s.logger.Info("stream client connected", "clients", n)

		case conn := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[conn]; ok {
				delete(s.clients, conn)
				conn.Close()
			}
			n := len(s.clients)
			s.mu.Unlock()
			s.logger.Info("stream client disconnected", "clients", n)

		case rec := <-s.broadcast:
			s.mu.Lock()
			for conn := range s.clients {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(rec); err != nil {
					s.logger.Debug("stream write failed", "error", err)
					conn.Close()
					delete(s.clients, conn)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Stream) disconnectAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.Close()
		delete(s.clients, conn)
	}
}

// ServeHTTP upgrades the request and registers the connection.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	select {
	case s.register <- conn:
	case <-s.done:
		conn.Close()
		return
	}

	// Reads only detect the peer going away.
	go func() {
		defer func() {
			select {
			case s.unregister <- conn:
			case <-s.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Clients is the number of connected clients.
func (s *Stream) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Dropped is the number of records discarded because the buffer was full.
func (s *Stream) Dropped() int64 { return s.dropped.Load() }

func (s *Stream) Write(_ context.Context, records []Record) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	for _, rec := range records {
		select {
		case s.broadcast <- rec:
		case <-s.done:
			return ErrClosed
		default:
			s.dropped.Add(1)
		}
	}
	return nil
}

// Close stops the hub.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
