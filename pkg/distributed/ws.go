package distributed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

const (
	pingInterval = 15 * time.Second
	pongWait     = time.Minute
	closeWait    = 5 * time.Second
	// maxFrameSize bounds one collective payload, summed over all ranks.
	maxFrameSize = 128 * 1024 * 1024
)

// frame is the unit exchanged between the chief hub and a worker.
type frame struct {
	Rank int      `json:"rank"`
	Seq  int      `json:"seq"`
	Data [][]byte `json:"data"`
}

// wsConn wraps a *websocket.Conn with a read loop feeding inbox and a write loop draining outbox,
// so callers never touch the connection from more than one goroutine.
type wsConn struct {
	log  *log.Entry
	conn *websocket.Conn

	cancel    context.CancelFunc
	errLock   sync.Mutex
	err       error
	closeOnce sync.Once
	closeErr  error

	done   <-chan struct{}
	inbox  <-chan frame
	outbox chan<- frame
}

func wrapConn(name string, conn *websocket.Conn) *wsConn {
	ctx, cancel := context.WithCancel(context.Background())
	inbox := make(chan frame, 1)
	outbox := make(chan frame, 1)
	done := make(chan struct{})

	c := &wsConn{
		log: log.WithFields(log.Fields{
			"component":   "websocket-transport",
			"remote-addr": conn.RemoteAddr(),
			"peer":        name,
		}),
		conn:   conn,
		cancel: cancel,
		done:   done,
		inbox:  inbox,
		outbox: outbox,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := c.writeLoop(ctx, outbox); err != nil {
			c.setError(fmt.Errorf("write loop: %w", err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := c.readLoop(ctx, inbox); err != nil {
			c.setError(fmt.Errorf("read loop: %w", err))
		}
	}()
	go func() {
		wg.Wait()
		close(done)
	}()
	return c
}

func (c *wsConn) readLoop(ctx context.Context, inbox chan<- frame) error {
	defer c.cancel()
	defer close(inbox)

	c.conn.SetReadLimit(maxFrameSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return fmt.Errorf("setting initial read deadline: %w", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, msg, err := c.conn.ReadMessage()
		switch {
		case websocket.IsCloseError(err, websocket.CloseNormalClosure):
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		case msgType != websocket.TextMessage:
			return fmt.Errorf("unexpected message type: %d", msgType)
		}
		if ctx.Err() != nil {
			continue
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return fmt.Errorf("extending read deadline: %w", err)
		}

		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			return fmt.Errorf("decoding frame: %w", err)
		}
		select {
		case inbox <- f:
		case <-ctx.Done():
		}
	}
}

func (c *wsConn) writeLoop(ctx context.Context, outbox <-chan frame) error {
	defer c.cancel()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case f := <-outbox:
			var buf bytes.Buffer
			if err := json.NewEncoder(&buf).Encode(f); err != nil {
				return fmt.Errorf("encoding frame: %w", err)
			}
			if buf.Len() > maxFrameSize {
				return fmt.Errorf("frame size %d exceeds maximum size %d", buf.Len(), maxFrameSize)
			}
			switch err := c.conn.WriteMessage(websocket.TextMessage, buf.Bytes()); {
			case err == websocket.ErrCloseSent:
				return nil
			case err != nil:
				return fmt.Errorf("writing frame: %w", err)
			}
		case <-ping.C:
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongWait))
			netErr, ok := err.(net.Error)
			switch {
			case ok && netErr.Timeout():
				continue
			case err == websocket.ErrCloseSent:
				return nil
			case err != nil:
				return fmt.Errorf("sending ping: %w", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// send queues f for writing, failing if the connection died first.
func (c *wsConn) send(ctx context.Context, f frame) error {
	select {
	case c.outbox <- f:
		return nil
	case <-c.done:
		return c.deadError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recv waits for the next frame.
func (c *wsConn) recv(ctx context.Context) (frame, error) {
	select {
	case f, ok := <-c.inbox:
		if !ok {
			return frame{}, c.deadError()
		}
		return f, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

func (c *wsConn) deadError() error {
	if err := c.error(); err != nil {
		return fmt.Errorf("peer connection lost: %w", err)
	}
	return ErrClosed
}

func (c *wsConn) error() error {
	c.errLock.Lock()
	defer c.errLock.Unlock()
	return c.err
}

func (c *wsConn) setError(err error) {
	c.errLock.Lock()
	defer c.errLock.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Close performs the close handshake, falling back to dropping the connection.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		var err *multierror.Error
		if gErr := c.closeGraceful(); gErr != nil {
			err = multierror.Append(err, fmt.Errorf("gracefully closing: %w", gErr))
			c.cancel()
			if fErr := c.conn.Close(); fErr != nil {
				err = multierror.Append(err, fmt.Errorf("forcibly closing: %w", fErr))
			}
			<-c.done
		}
		c.closeErr = err.ErrorOrNil()
	})
	return c.closeErr
}

func (c *wsConn) closeGraceful() error {
	c.cancel()

	deadline := time.Now().Add(closeWait)
	c.conn.SetPongHandler(nil)
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("setting read deadline: %w", err)
	}
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "transport closed"), deadline)
	if err != nil && err != websocket.ErrCloseSent {
		return fmt.Errorf("sending close: %w", err)
	}

	<-c.done
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("closing underlying conn: %w", err)
	}
	return nil
}
