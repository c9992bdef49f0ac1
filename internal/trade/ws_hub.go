// Package trade — WebSocket hub for real-time price and trade broadcasting.
package trade

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/martingale/market-engine/internal/metrics"
	"github.com/martingale/market-engine/internal/model"
	"github.com/martingale/market-engine/internal/scheduler"
)

// WSMessage is a JSON envelope sent to WebSocket clients. Type is one of
// "price_update", "price_batch", "instruments_changed", "trade_confirmed".
type WSMessage struct {
	Type    string                  `json:"type"`
	Symbol  string                  `json:"symbol,omitempty"`
	Price   string                  `json:"price,omitempty"`
	Time    *time.Time              `json:"time,omitempty"`
	Prices  []scheduler.PriceUpdate `json:"prices,omitempty"`
	Settled []settledSummary        `json:"settled,omitempty"`
	Created []string                `json:"created,omitempty"`
	Trade   *TradeResult            `json:"trade,omitempty"`
}

type settledSummary struct {
	Symbol     string `json:"symbol"`
	FinalPrice string `json:"final_price"`
	Positions  int    `json:"positions_settled"`
}

// wsClient is one connection. All writes to the connection, pings
// included, go through the send channel and the single write pump —
// gorilla/websocket forbids concurrent writers.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WSHub manages WebSocket connections and broadcasts engine events to all
// connected clients. It implements scheduler.Publisher. The clients map is
// owned exclusively by the Run goroutine.
type WSHub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient

	pingInterval time.Duration
	pongWait     time.Duration
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:      make(map[*wsClient]bool),
		broadcast:    make(chan []byte, 256),
		register:     make(chan *wsClient),
		unregister:   make(chan *wsClient),
		pingInterval: 30 * time.Second,
		pongWait:     60 * time.Second,
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			slog.Info("ws client connected", "total", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			metrics.WebSocketClients.Set(float64(len(h.clients)))

		case msg := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					// Slow client: drop the message rather than block
					// every other connection.
				}
			}
		}
	}
}

// Broadcast sends a message to all connected clients. Drops the message if
// the buffer is full rather than block the caller.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

// PublishPriceUpdate implements scheduler.Publisher.
func (h *WSHub) PublishPriceUpdate(u scheduler.PriceUpdate) {
	t := u.Time
	h.Broadcast(WSMessage{
		Type:   "price_update",
		Symbol: u.Symbol,
		Price:  u.Price.String(),
		Time:   &t,
	})
}

// PublishPriceBatch implements scheduler.Publisher.
func (h *WSHub) PublishPriceBatch(updates []scheduler.PriceUpdate) {
	if len(updates) == 0 {
		return
	}
	h.Broadcast(WSMessage{Type: "price_batch", Prices: updates})
}

// PublishInstrumentsChanged implements scheduler.Publisher.
func (h *WSHub) PublishInstrumentsChanged(settled []model.SettlementStats, created []model.Instrument) {
	if len(settled) == 0 && len(created) == 0 {
		return
	}
	msg := WSMessage{Type: "instruments_changed"}
	for _, s := range settled {
		msg.Settled = append(msg.Settled, settledSummary{
			Symbol:     s.Symbol,
			FinalPrice: s.FinalPrice.String(),
			Positions:  s.PositionsSettled,
		})
	}
	for _, inst := range created {
		msg.Created = append(msg.Created, inst.Symbol)
	}
	h.Broadcast(msg)
}

// PublishTradeConfirmed announces an executed trade.
func (h *WSHub) PublishTradeConfirmed(result *TradeResult) {
	h.Broadcast(WSMessage{Type: "trade_confirmed", Trade: result})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 64)}
	h.register <- client

	go h.writePump(client)
	go h.readPump(client)
}

// writePump is the connection's only writer: broadcast messages and
// keepalive pings are serialized through it. Exiting closes the
// connection, which unblocks the read pump.
func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				// Hub closed the channel on unregister.
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump keeps the connection alive and detects disconnects.
func (h *WSHub) readPump(c *wsClient) {
	defer func() { h.unregister <- c }()

	c.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(h.pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
