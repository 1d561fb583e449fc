package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rawblock/coinjoin-wallet/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for local dashboard
	},
}

const (
	// writeWait bounds a single frame write so one stalled peer cannot
	// wedge its writer goroutine forever.
	writeWait = 5 * time.Second
	// pingPeriod keeps long-lived connections alive through proxies; the
	// wallet daemon runs for days and events can be hours apart.
	pingPeriod = 30 * time.Second
	// pongWait is how long a client may stay silent before it is dropped.
	pongWait = 75 * time.Second
	// clientQueueSize is the per-client event backlog. A client that falls
	// further behind than this is evicted rather than buffered without bound.
	clientQueueSize = 64
)

// wsClient is one subscriber with its own outbound queue and writer
// goroutine, so one slow consumer never blocks the others.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans wallet events (transaction deltas, confirmations, autofreeze
// warnings) out to all websocket subscribers. It satisfies the wallet
// service's event-sink contract via Publish.
type Hub struct {
	events  chan models.WalletEvent
	mu      sync.Mutex
	clients map[*wsClient]bool
}

func NewHub() *Hub {
	return &Hub{
		events:  make(chan models.WalletEvent, 256),
		clients: make(map[*wsClient]bool),
	}
}

// Publish enqueues a wallet event for broadcast. It never blocks the caller
// (the monitor loop); if the hub backlog is full the event is dropped with a
// log line, since subscribers are observers and the journal is the durable
// record.
func (h *Hub) Publish(ev models.WalletEvent) {
	select {
	case h.events <- ev:
	default:
		log.Printf("[Hub] event backlog full, dropping %s event for %s", ev.Kind, ev.Txid)
	}
}

// Run serializes each event once and distributes it to every subscriber's
// queue. Clients whose queue is full are evicted.
func (h *Hub) Run() {
	for ev := range h.events {
		payload, err := json.Marshal(ev)
		if err != nil {
			log.Printf("[Hub] failed to marshal %s event for %s: %v", ev.Kind, ev.Txid, err)
			continue
		}
		h.mu.Lock()
		for client := range h.clients {
			select {
			case client.send <- payload:
			default:
				log.Printf("[Hub] subscriber too slow, dropping connection")
				h.dropLocked(client)
			}
		}
		h.mu.Unlock()
	}
}

// dropLocked removes a client and closes its queue; the writer goroutine
// then closes the connection. Callers hold h.mu.
func (h *Hub) dropLocked(client *wsClient) {
	if h.clients[client] {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *Hub) drop(client *wsClient) {
	h.mu.Lock()
	h.dropLocked(client)
	h.mu.Unlock()
}

// Subscribe upgrades the request and registers the connection for wallet
// event delivery.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade websocket: %v", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, clientQueueSize)}
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	log.Printf("New WebSocket subscriber connected. Total clients: %d", total)

	go h.writePump(client)
	go h.readPump(client)
}

// writePump owns all writes on the connection: queued events plus periodic
// pings. It exits when the client is dropped or the connection dies.
func (h *Hub) writePump(client *wsClient) {
	pings := time.NewTicker(pingPeriod)
	defer func() {
		pings.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-client.send:
			if !ok {
				_ = client.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("Websocket write error: %v", err)
				h.drop(client)
				return
			}
		case <-pings.C:
			if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.drop(client)
				return
			}
		}
	}
}

// readPump discards client frames but keeps the pong deadline fresh and
// notices disconnects.
func (h *Hub) readPump(client *wsClient) {
	defer func() {
		h.drop(client)
		h.mu.Lock()
		total := len(h.clients)
		h.mu.Unlock()
		log.Printf("WebSocket subscriber disconnected. Total clients: %d", total)
	}()
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
	}
}
