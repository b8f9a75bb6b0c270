package server

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport timing shared by both conn kinds. The ping period must stay
// below the pong wait or healthy WebSocket peers get reaped.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	readBufferSize  = 4096
	writeBufferSize = 4096
)

// Conn abstracts one framed transport connection. ReadFrame blocks until a
// complete frame, EOF or a read deadline; WriteFrame and Ping are only ever
// called from the connection's writer goroutine.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(raw []byte) error
	Ping() error
	Close() error
	RemoteAddr() string
}

// ============================================================================
// TCP LINE TRANSPORT
// ============================================================================

// tcpConn frames over a raw socket: one JSON object per newline-terminated
// line. Blank lines are permitted as client keepalives and skipped.
type tcpConn struct {
	c    net.Conn
	sc   *bufio.Scanner
	w    *bufio.Writer
	once sync.Once
}

func newTCPConn(c net.Conn, maxFrameBytes int) *tcpConn {
	sc := bufio.NewScanner(c)
	sc.Buffer(make([]byte, 0, readBufferSize), maxFrameBytes)
	return &tcpConn{c: c, sc: sc, w: bufio.NewWriterSize(c, writeBufferSize)}
}

func (t *tcpConn) ReadFrame() ([]byte, error) {
	for {
		if !t.sc.Scan() {
			if err := t.sc.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		line := bytes.TrimSpace(t.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer; the frame outlives this call.
		return append([]byte(nil), line...), nil
	}
}

func (t *tcpConn) WriteFrame(raw []byte) error {
	if err := t.c.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if _, err := t.w.Write(raw); err != nil {
		return err
	}
	if err := t.w.WriteByte('\n'); err != nil {
		return err
	}
	return t.w.Flush()
}

// Ping is a no-op: the line transport has no control frames, liveness rides
// on the protocol-level PING/PONG exchange.
func (t *tcpConn) Ping() error { return nil }

func (t *tcpConn) Close() error {
	var err error
	t.once.Do(func() { err = t.c.Close() })
	return err
}

func (t *tcpConn) RemoteAddr() string { return t.c.RemoteAddr().String() }

// ============================================================================
// WEBSOCKET TRANSPORT
// ============================================================================

// wsConn frames over gorilla/websocket: one JSON object per text message.
// The pong handler pushes the read deadline, so an unresponsive peer fails
// its next read at most pongWait after the last pong.
type wsConn struct {
	c    *websocket.Conn
	once sync.Once
}

func newWSConn(c *websocket.Conn, maxFrameBytes int) *wsConn {
	c.SetReadLimit(int64(maxFrameBytes))
	c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &wsConn{c: c}
}

func (w *wsConn) ReadFrame() ([]byte, error) {
	for {
		kind, payload, err := w.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		return payload, nil
	}
}

func (w *wsConn) WriteFrame(raw []byte) error {
	w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteMessage(websocket.TextMessage, raw)
}

func (w *wsConn) Ping() error {
	w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteMessage(websocket.PingMessage, nil)
}

func (w *wsConn) Close() error {
	var err error
	w.once.Do(func() {
		w.c.SetWriteDeadline(time.Now().Add(writeWait))
		w.c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = w.c.Close()
	})
	return err
}

func (w *wsConn) RemoteAddr() string { return w.c.RemoteAddr().String() }
