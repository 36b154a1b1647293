package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rawblock/cardfraud-engine/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboard consumers are trusted operators behind the gateway
	},
}

// Hub fans out degraded/fail-open decisions to connected ops-dashboard
// clients over the websocket decision stream. It is pure observability:
// Broadcast never blocks, and a full buffer just drops the alert
// rather than backing up onto the evaluator.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	mutex     sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		broadcast: make(chan []byte, 256),
		clients:   make(map[*websocket.Conn]bool),
	}
}

// Run drains the broadcast channel to every connected client until the
// channel is closed. Intended to run as a single long-lived goroutine.
func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mutex.Lock()
		for client := range h.clients {
			_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("[Hub] websocket write error: %v", err)
				client.Close()
				delete(h.clients, client)
			}
		}
		h.mutex.Unlock()
	}
}

// Subscribe upgrades GET /v1/stream to a websocket connection and keeps
// it registered until the client disconnects.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Hub] failed to upgrade websocket: %v", err)
		return
	}

	h.mutex.Lock()
	h.clients[conn] = true
	total := len(h.clients)
	h.mutex.Unlock()
	log.Printf("[Hub] dashboard client connected, total=%d", total)

	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.clients, conn)
			remaining := len(h.clients)
			h.mutex.Unlock()
			conn.Close()
			log.Printf("[Hub] dashboard client disconnected, total=%d", remaining)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast queues a decision for delivery to every connected dashboard
// client. Never blocks: when the buffer is full this decision is dropped
// and the drop is logged (decisions are a live feed, not a
// durable log — the outbox is the durability boundary).
func (h *Hub) Broadcast(dec models.Decision) {
	payload, err := json.Marshal(dec)
	if err != nil {
		log.Printf("[Hub] failed to marshal decision for broadcast: %v", err)
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		log.Printf("[Hub] dashboard broadcast buffer full, dropping decision %s", dec.DecisionID)
	}
}

// BroadcastIfDegraded forwards only decisions whose engine_mode signals
// a non-NORMAL condition — the dashboard cares about fail-open/degraded/
// load-shed events, not the steady stream of normal approvals.
func BroadcastIfDegraded(hub *Hub) func(models.Decision) {
	return func(dec models.Decision) {
		if dec.EngineMode == models.EngineModeNormal {
			return
		}
		hub.Broadcast(dec)
	}
}
