// Package ws carries mesh frames over WebSocket links so lab meshes can run
// over IP. Each link is one binary message per frame.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"meshledger/logger"
	"meshledger/router"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const peerParam = "peer"

var (
	ErrUnknownNeighbor = errors.New("unknown neighbor")
	ErrDuplicatePeer   = errors.New("peer already linked")
)

// Receiver is the router side of the link.
type Receiver interface {
	OnRawReceived(raw []byte, from router.NeighborID)
	NeighborConnected(id router.NeighborID)
}

type peer struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// Link manages the WebSocket neighbors of one node. It implements
// router.Transport.
type Link struct {
	self         router.NeighborID
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
	log          *zap.Logger

	mu    sync.Mutex
	recv  Receiver
	peers map[router.NeighborID]*peer
}

func NewLink(self router.NeighborID, writeTimeout time.Duration) *Link {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Link{
		self:         self,
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		log:   logger.Named("ws"),
		peers: make(map[router.NeighborID]*peer),
	}
}

// SetReceiver attaches the router.
func (l *Link) SetReceiver(r Receiver) {
	l.mu.Lock()
	l.recv = r
	l.mu.Unlock()
}

// HandleLink upgrades GET /link?peer=<name> into a neighbor link.
func (l *Link) HandleLink() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := router.NeighborID(r.URL.Query().Get(peerParam))
		if name == "" {
			http.Error(w, "peer cannot be empty", http.StatusBadRequest)
			return
		}
		if l.has(name) {
			http.Error(w, "duplicated peer", http.StatusConflict)
			return
		}

		conn, err := l.upgrader.Upgrade(w, r, nil)
		if err != nil {
			l.log.Error("Failed to upgrade link", zap.String("peer", string(name)), zap.Error(err))
			return
		}
		if err := l.add(name, conn); err != nil {
			conn.Close()
			return
		}
	}
}

// Dial links to the node serving rawURL and names it name.
func (l *Link) Dial(ctx context.Context, name router.NeighborID, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set(peerParam, string(l.self))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", name, err)
	}
	if err := l.add(name, conn); err != nil {
		conn.Close()
		return err
	}
	return nil
}

func (l *Link) has(name router.NeighborID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.peers[name]
	return ok
}

func (l *Link) add(name router.NeighborID, conn *websocket.Conn) error {
	l.mu.Lock()
	if _, ok := l.peers[name]; ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicatePeer, name)
	}
	p := &peer{conn: conn}
	l.peers[name] = p
	recv := l.recv
	l.mu.Unlock()

	l.log.Info("Neighbor linked", zap.String("peer", string(name)))
	go l.readLoop(name, p)
	if recv != nil {
		recv.NeighborConnected(name)
	}
	return nil
}

func (l *Link) readLoop(name router.NeighborID, p *peer) {
	defer l.drop(name, p)
	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			l.log.Debug("Link closed", zap.String("peer", string(name)), zap.Error(err))
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		l.mu.Lock()
		recv := l.recv
		l.mu.Unlock()
		if recv != nil {
			recv.OnRawReceived(data, name)
		}
	}
}

func (l *Link) drop(name router.NeighborID, p *peer) {
	l.mu.Lock()
	if l.peers[name] == p {
		delete(l.peers, name)
	}
	l.mu.Unlock()
	p.conn.Close()
}

// Neighbors lists linked peers.
func (l *Link) Neighbors() []router.NeighborID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]router.NeighborID, 0, len(l.peers))
	for n := range l.peers {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SendRaw writes frame to each neighbor in to.
func (l *Link) SendRaw(ctx context.Context, frame []byte, to []router.NeighborID) error {
	deadline := time.Now().Add(l.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var failed []router.NeighborID
	var lastErr error
	for _, n := range to {
		l.mu.Lock()
		p, ok := l.peers[n]
		l.mu.Unlock()
		if !ok {
			failed = append(failed, n)
			lastErr = ErrUnknownNeighbor
			continue
		}
		p.wmu.Lock()
		p.conn.SetWriteDeadline(deadline)
		err := p.conn.WriteMessage(websocket.BinaryMessage, frame)
		p.wmu.Unlock()
		if err != nil {
			failed = append(failed, n)
			lastErr = err
			l.log.Warn("Link write failed", zap.String("peer", string(n)), zap.Error(err))
		}
	}
	if len(failed) > 0 {
		return &router.TransportError{Failed: failed, Err: lastErr}
	}
	return nil
}

// Close tears down every link.
func (l *Link) Close() error {
	l.mu.Lock()
	peers := l.peers
	l.peers = make(map[router.NeighborID]*peer)
	l.mu.Unlock()
	for _, p := range peers {
		p.wmu.Lock()
		p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		p.wmu.Unlock()
		p.conn.Close()
	}
	return nil
}
