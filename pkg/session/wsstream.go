package session

import (
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gitlab.com/tozd/go/errors"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 32 * 1024

	// Outbound messages queued before Write blocks.
	sendBuffer = 64
)

// WSStream adapts a websocket connection to the io.ReadWriteCloser shape the
// session relay works on. Reads and writes carry raw terminal bytes as binary
// messages. Writes queue onto a bounded channel drained by a single writer
// goroutine; when the channel is full Write blocks, which is what pushes
// backpressure up to the shell side of the relay.
type WSStream struct {
	conn *websocket.Conn

	send chan []byte
	done chan struct{}
	once sync.Once

	// leftover from a partially consumed inbound message
	readBuf []byte
}

// NewWSStream wraps an upgraded websocket connection and starts its writer.
func NewWSStream(conn *websocket.Conn) *WSStream {
	ws := &WSStream{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go ws.writePump()

	return ws
}

// writePump owns all writes to the connection: queued data, keepalive pings
// and the final close frame. The websocket API allows one concurrent writer,
// so everything funnels through here.
func (ws *WSStream) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.conn.Close()
	}()

	for {
		select {
		case data := <-ws.send:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				ws.shutdown()
				return
			}
		case <-ticker.C:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.shutdown()
				return
			}
		case <-ws.done:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			ws.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Read returns the next chunk of inbound terminal bytes. A normal close from
// the peer surfaces as io.EOF so the relay treats it as a clean disconnect.
func (ws *WSStream) Read(p []byte) (int, error) {
	if len(ws.readBuf) > 0 {
		n := copy(p, ws.readBuf)
		ws.readBuf = ws.readBuf[n:]
		return n, nil
	}

	for {
		kind, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		if kind != websocket.BinaryMessage && kind != websocket.TextMessage {
			continue
		}
		if len(data) == 0 {
			continue
		}
		n := copy(p, data)
		if n < len(data) {
			ws.readBuf = data[n:]
		}
		return n, nil
	}
}

// Write queues p for the writer goroutine. It blocks while the queue is full
// and fails once the stream is closed.
func (ws *WSStream) Write(p []byte) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)

	select {
	case ws.send <- data:
		return len(p), nil
	case <-ws.done:
		return 0, errors.Errorf("writing to websocket: %w", ErrClosed)
	}
}

// Close tells the writer to send a close frame and tear the connection down.
// Closing the underlying connection also unblocks any pending Read.
func (ws *WSStream) Close() error {
	ws.shutdown()
	return nil
}

func (ws *WSStream) shutdown() {
	ws.once.Do(func() { close(ws.done) })
}
