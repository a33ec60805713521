package websocket

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	closeGrace     = time.Second
	sendBufferSize = 256
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrConnClosed     = errors.New("connection closed")
)

// Events receives the lifecycle of an accepted connection.
type Events interface {
	HandleFrame(id string, data []byte)
	HandlePong(id string)
	Disconnect(id string)
}

type outbound struct {
	data   []byte
	close  bool
	code   int
	reason string
}

// Conn adapts a gorilla connection to domain.Connection. All writes go
// through one pump goroutine so callers never block on the network.
type Conn struct {
	ws       *websocket.Conn
	send     chan outbound
	ping     chan struct{}
	done     chan struct{}
	readDone chan struct{}
	once     sync.Once
}

func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:       ws,
		send:     make(chan outbound, sendBufferSize),
		ping:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

func (c *Conn) Send(data []byte) error {
	return c.enqueue(outbound{data: data})
}

func (c *Conn) Ping() error {
	select {
	case <-c.done:
		return ErrConnClosed
	case c.ping <- struct{}{}:
	default:
	}
	return nil
}

// Close queues a close frame behind any pending messages. When the queue is
// full the connection is dropped instead.
func (c *Conn) Close(code int, reason string) error {
	if err := c.enqueue(outbound{close: true, code: code, reason: reason}); err != nil {
		return c.Terminate()
	}
	return nil
}

// Terminate drops the connection without a closing handshake.
func (c *Conn) Terminate() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) enqueue(msg outbound) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Start runs the pumps for a registered connection.
func (c *Conn) Start(id string, events Events, maxMessageSize int) {
	go c.writePump()
	go c.readPump(id, events, maxMessageSize)
}

func (c *Conn) readPump(id string, events Events, maxMessageSize int) {
	defer func() {
		close(c.readDone)
		events.Disconnect(id)
		c.Terminate()
	}()

	// Oversized frames past this limit are refused by gorilla with 1009; the
	// server rejects anything in between.
	c.ws.SetReadLimit(int64(maxMessageSize) + 1)
	c.ws.SetPongHandler(func(string) error {
		events.HandlePong(id)
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Error("read error", "playerId", id, "error", err)
			}
			return
		}

		events.HandleFrame(id, data)
	}
}

func (c *Conn) writePump() {
	defer c.Terminate()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if msg.close {
				c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(msg.code, msg.reason))
				select {
				case <-c.readDone:
				case <-time.After(closeGrace):
				}
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				return
			}
		case <-c.ping:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
