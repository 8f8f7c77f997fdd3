package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/xtrntr/twallet/internal/exchange"
	"github.com/xtrntr/twallet/internal/logger"
	"github.com/xtrntr/twallet/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 5 * time.Second

// BookLoader returns the current order book
type BookLoader func(ctx context.Context) (*exchange.OrderBook, error)

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub pushes order book snapshots to websocket clients whenever the market
// changes
type Hub struct {
	load     BookLoader
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewHub creates a hub that reads snapshots through load
func NewHub(load BookLoader) *Hub {
	return &Hub{
		load: load,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// ServeHTTP upgrades the connection, sends the current book and keeps the
// client registered until it disconnects
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCtx(r.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{conn: conn}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	if data, err := h.snapshot(r.Context()); err != nil {
		logger.ErrorCtx(r.Context(), err)
	} else if err := client.send(data); err != nil {
		h.remove(client)
		return
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(client)
			return
		}
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// MarketChanged implements exchange.Listener
func (h *Hub) MarketChanged(ctx context.Context, _ []models.Transaction) {
	if h.Clients() == 0 {
		return
	}
	h.Broadcast(context.WithoutCancel(ctx))
}

// Broadcast sends the current book to every client, dropping those that
// fail to receive it
func (h *Hub) Broadcast(ctx context.Context) {
	data, err := h.snapshot(ctx)
	if err != nil {
		logger.ErrorCtx(ctx, err)
		return
	}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.send(data); err != nil {
			logger.DebugCtx(ctx, "dropping websocket client", zap.Error(err))
			h.remove(c)
		}
	}
}

func (h *Hub) snapshot(ctx context.Context) ([]byte, error) {
	book, err := h.load(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(book)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	_ = c.conn.Close()
}
