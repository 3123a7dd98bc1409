// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/luxfi/ledger/core/engine"
	"github.com/luxfi/ledger/core/types"
)

const (
	wsSendBuffer   = 32
	wsWriteTimeout = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced by the CORS layer.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsEvent is one message on an account transfer stream.
type wsEvent struct {
	Event    string         `json:"event"`
	Resource types.Transfer `json:"resource"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// hub fans committed transfer transitions out to the websocket clients
// subscribed to each involved account.
type hub struct {
	mu    sync.RWMutex
	conns map[string]map[*wsClient]struct{}
}

func newHub() *hub {
	return &hub{conns: make(map[string]map[*wsClient]struct{})}
}

func (h *hub) add(account string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[account] == nil {
		h.conns[account] = make(map[*wsClient]struct{})
	}
	h.conns[account][c] = struct{}{}
}

func (h *hub) remove(account string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[account], c)
	if len(h.conns[account]) == 0 {
		delete(h.conns, account)
	}
}

// broadcast implements engine.TransferObserver. Slow clients are skipped,
// never waited on.
func (h *hub) broadcast(t types.Transfer) {
	msg, err := json.Marshal(wsEvent{Event: types.EventTransferUpdate, Resource: t})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, name := range t.Accounts() {
		for c := range h.conns[name] {
			select {
			case c.send <- msg:
			default:
			}
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.conns {
		for c := range clients {
			c.close()
		}
	}
	h.conns = make(map[string]map[*wsClient]struct{})
}

// handleAccountTransfersWS streams transfer events touching the named
// account. Only the owner or an admin may subscribe.
func (s *Server) handleAccountTransfersWS(w http.ResponseWriter, r *http.Request, p engine.Principal, ps httprouter.Params) {
	name := ps.ByName("name")
	if !p.Owns(name) {
		s.writeError(w, fmt.Errorf("%w: transfers stream for %q", engine.ErrForbidden, name))
		return
	}
	if _, err := s.engine.GetAccount(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	s.hub.add(name, client)

	go s.writeLoop(client)
	s.readLoop(client)

	s.hub.remove(name, client)
	client.close()
}

func (s *Server) writeLoop(c *wsClient) {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = c.conn.Close()
}

// readLoop discards inbound frames; it exists to notice the peer closing.
func (s *Server) readLoop(c *wsClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
