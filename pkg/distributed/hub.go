package distributed

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	back "github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	hubPath = "/det/collective"
	// dialTimeout bounds how long a worker keeps trying to reach the chief's hub.
	dialTimeout = 5 * time.Minute
)

// WebsocketChief is the chief's side of the websocket transport: it serves a hub every other rank
// dials into, and relays each round's contributions back to all ranks.
type WebsocketChief struct {
	size     int
	server   *echo.Echo
	listener net.Listener
	log      *log.Entry

	mu    sync.Mutex
	peers map[int]*wsConn
	ready chan struct{}
	seq   int
}

// ListenWebsocketChief starts the hub on addr for a group of size ranks. Use port 0 to pick any
// free port; Addr reports the bound address.
func ListenWebsocketChief(addr string, size int) (*WebsocketChief, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", addr)
	}
	h := &WebsocketChief{
		size:     size,
		server:   echo.New(),
		listener: ln,
		log:      log.WithFields(log.Fields{"component": "websocket-chief", "addr": ln.Addr()}),
		peers:    map[int]*wsConn{},
		ready:    make(chan struct{}),
	}
	if size == 1 {
		close(h.ready)
	}

	h.server.HideBanner = true
	h.server.HidePort = true
	h.server.Listener = ln
	h.server.GET(hubPath, h.accept)
	go func() {
		if err := h.server.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.WithError(err).Error("collective hub stopped")
		}
	}()
	return h, nil
}

// Addr is the address the hub listens on.
func (h *WebsocketChief) Addr() string {
	return h.listener.Addr().String()
}

func (h *WebsocketChief) accept(c echo.Context) error {
	rank, err := strconv.Atoi(c.QueryParam("rank"))
	if err != nil || rank <= 0 || rank >= h.size {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid rank %q", c.QueryParam("rank")))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[rank]; ok {
		return echo.NewHTTPError(http.StatusConflict, fmt.Sprintf("rank %d already connected", rank))
	}
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	h.peers[rank] = wrapConn(strconv.Itoa(rank), conn)
	h.log.Debugf("rank %d connected (%d/%d)", rank, len(h.peers)+1, h.size)
	if len(h.peers) == h.size-1 {
		close(h.ready)
	}
	return nil
}

// AllGather implements Transport.
func (h *WebsocketChief) AllGather(ctx context.Context, data []byte) ([][]byte, error) {
	select {
	case <-h.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	h.mu.Lock()
	seq := h.seq
	h.seq++
	peers := h.peers
	h.mu.Unlock()

	out := make([][]byte, h.size)
	out[0] = data
	for rank := 1; rank < h.size; rank++ {
		f, err := peers[rank].recv(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "waiting for rank %d", rank)
		}
		if f.Seq != seq || f.Rank != rank || len(f.Data) != 1 {
			return nil, errors.Errorf("rank %d sent round %d, expected round %d", f.Rank, f.Seq, seq)
		}
		out[rank] = f.Data[0]
	}

	result := frame{Rank: 0, Seq: seq, Data: out}
	for rank := 1; rank < h.size; rank++ {
		if err := peers[rank].send(ctx, result); err != nil {
			return nil, errors.Wrapf(err, "sending results to rank %d", rank)
		}
	}
	return out, nil
}

// Close implements Transport.
func (h *WebsocketChief) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var merr *multierror.Error
	for _, p := range h.peers {
		if err := p.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if err := h.server.Close(); err != nil {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}

// WebsocketWorker is a non-chief rank's side of the websocket transport.
type WebsocketWorker struct {
	rank int
	conn *wsConn
	seq  int
}

// DialWebsocketChief connects rank to the chief's hub at chiefAddr, retrying while the chief is
// still starting up.
func DialWebsocketChief(ctx context.Context, chiefAddr string, rank int) (*WebsocketWorker, error) {
	target := url.URL{
		Scheme:   "ws",
		Host:     chiefAddr,
		Path:     hubPath,
		RawQuery: url.Values{"rank": []string{strconv.Itoa(rank)}}.Encode(),
	}
	bf := back.NewExponentialBackOff()
	bf.InitialInterval = 100 * time.Millisecond
	bf.MaxInterval = 5 * time.Second
	bf.MaxElapsedTime = dialTimeout

	var conn *websocket.Conn
	err := back.Retry(func() error {
		c, resp, err := websocket.DefaultDialer.DialContext(ctx, target.String(), nil)
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return back.Permanent(errors.Errorf("chief rejected rank %d: %s", rank, resp.Status))
		}
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, back.WithContext(bf, ctx))
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to chief at %s", chiefAddr)
	}
	return &WebsocketWorker{rank: rank, conn: wrapConn("chief", conn)}, nil
}

// AllGather implements Transport.
func (w *WebsocketWorker) AllGather(ctx context.Context, data []byte) ([][]byte, error) {
	seq := w.seq
	w.seq++
	if err := w.conn.send(ctx, frame{Rank: w.rank, Seq: seq, Data: [][]byte{data}}); err != nil {
		return nil, err
	}
	f, err := w.conn.recv(ctx)
	if err != nil {
		return nil, err
	}
	if f.Seq != seq {
		return nil, errors.Errorf("chief answered round %d, expected round %d", f.Seq, seq)
	}
	return f.Data, nil
}

// Close implements Transport.
func (w *WebsocketWorker) Close() error {
	return w.conn.Close()
}
