package collaboration

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"wikicollab/internal/models"

	"github.com/gorilla/websocket"
)

// Websocket close codes sent by the collaboration server
const (
	CloseUnauthorized = 4001
	CloseForbidden    = 4003
	CloseInactive     = 4008
	CloseReplaced     = 4009
	CloseKicked       = 4010
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrSendBufferFull = errors.New("session send buffer full")
)

// Conn is the part of *websocket.Conn a Session uses
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Session is one client's participation in one document.
//
// The connection is owned by the session: only the write pump writes to it
// and only the write pump closes it. Everyone else enqueues with Send and
// ends the session with Close.
type Session struct {
	*models.Session

	conn Conn
	send chan []byte
	done chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	lastActive atomic.Int64 // unix nanos

	// Set before the session is registered with a manager
	canWrite bool

	// Guarded by the owning DocumentManager's lock
	cursorPosition *int
	selection      json.RawMessage
	viewport       json.RawMessage
}

func newSession(info *models.Session, conn Conn, bufferSize int, now time.Time) *Session {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	s := &Session{
		Session: info,
		conn:    conn,
		send:    make(chan []byte, bufferSize),
		done:    make(chan struct{}),
	}
	s.lastActive.Store(now.UnixNano())
	return s
}

// Send queues a message without blocking. A closed session or a full queue
// is reported as an error; the caller treats either as a disconnect.
func (s *Session) Send(data []byte) error {
	if data == nil {
		return nil
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close ends the session with a websocket close code. Only the first call counts.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.done)
	})
}

// Done is closed once the session has been closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) touch(now time.Time) {
	s.lastActive.Store(now.UnixNano())
}

// LastActive is the time of the last inbound message
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) collaborator() models.Collaborator {
	return models.Collaborator{
		SessionID:      s.ID,
		UserID:         s.User.ID,
		Name:           s.User.Name,
		Color:          s.User.Color,
		CursorPosition: s.cursorPosition,
		Selection:      s.selection,
		ConnectedAt:    s.ConnectedAt,
		LastActiveAt:   s.LastActive(),
	}
}

// ReadPump reads frames until the connection fails, handing each one to
// handle. onClose runs exactly once when the pump exits.
// Learning: Each session has its own goroutine reading from the WebSocket
func (s *Session) ReadPump(handle func(*Session, []byte), onClose func(*Session)) {
	defer func() {
		onClose(s)
		s.Close(websocket.CloseNormalClosure, "")
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		// Transport keepalive only. It does not count as activity.
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && !s.closed() {
				log.Printf("WebSocket read error for session %s: %v", s.ID, err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(s, message)
	}
}

// WritePump writes queued messages to the connection and pings it. When the
// session is closed it flushes what is queued, sends the close frame and
// closes the connection.
// Learning: Separate goroutine for writing prevents blocking on slow clients
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			s.flushQueued()
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(s.closeCode, s.closeReason))
			return

		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("WebSocket write error for session %s: %v", s.ID, err)
				s.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (s *Session) flushQueued() {
	for {
		select {
		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
