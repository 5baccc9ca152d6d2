package wsconn

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chatdf/backend/internal/wsevents"
)

// Hub owns every active client connection and every in-flight turn's
// cancel function, keyed by user id. All mutations happen inside Run's
// select loop; every other method only sends on a channel.
type Hub struct {
	clients     map[uuid.UUID]map[*Client]bool
	cancelFuncs map[uuid.UUID]context.CancelFunc
	mu          sync.RWMutex

	register       chan *Client
	unregister     chan *Client
	registerCancel chan cancelRequest
	cancelProcess  chan uuid.UUID

	redis       *redis.Client
	redisPrefix string
	remote      chan remoteEvent
}

type cancelRequest struct {
	UserID uuid.UUID
	Cancel context.CancelFunc
}

type remoteEvent struct {
	UserID   uuid.UUID
	Payload  []byte
	Terminal bool
}

// NewHub builds a Hub. redisClient may be nil, in which case event
// delivery is single-process only.
func NewHub(redisClient *redis.Client) *Hub {
	return &Hub{
		clients:        make(map[uuid.UUID]map[*Client]bool),
		cancelFuncs:    make(map[uuid.UUID]context.CancelFunc),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		registerCancel: make(chan cancelRequest),
		cancelProcess:  make(chan uuid.UUID),
		redis:          redisClient,
		redisPrefix:    "wsconn:user:",
		remote:         make(chan remoteEvent, 256),
	}
}

// Connect registers client under client.UserID.
func (h *Hub) Connect(client *Client) {
	h.register <- client
}

// Disconnect unregisters client from the hub. Safe to call more than
// once for the same client.
func (h *Hub) Disconnect(_ uuid.UUID, client *Client) {
	h.unregister <- client
}

// RegisterCancel records the cancel function for userID's current turn,
// overwriting any previous one: only the most recently started turn is
// cancellable by a "stop" action.
func (h *Hub) RegisterCancel(userID uuid.UUID, cancel context.CancelFunc) {
	h.registerCancel <- cancelRequest{UserID: userID, Cancel: cancel}
}

// CancelProcess invokes the registered cancel function for userID, if
// one exists. It does not wait for the cancelled turn to unwind.
func (h *Hub) CancelProcess(userID uuid.UUID) {
	h.cancelProcess <- userID
}

// Run drives the hub's event loop until ctx is cancelled. It must run
// as a single long-lived goroutine; call it once per process.
func (h *Hub) Run(ctx context.Context) {
	if h.redis != nil {
		go h.subscribeRemote(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.UserID] == nil {
				h.clients[client.UserID] = make(map[*Client]bool)
			}
			h.clients[client.UserID][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if set, ok := h.clients[client.UserID]; ok {
				if _, present := set[client]; present {
					delete(set, client)
					client.closeSend()
					if len(set) == 0 {
						delete(h.clients, client.UserID)
						delete(h.cancelFuncs, client.UserID)
					}
				}
			}
			h.mu.Unlock()

		case req := <-h.registerCancel:
			h.mu.Lock()
			h.cancelFuncs[req.UserID] = req.Cancel
			h.mu.Unlock()

		case userID := <-h.cancelProcess:
			h.mu.RLock()
			cancel, ok := h.cancelFuncs[userID]
			h.mu.RUnlock()
			if ok {
				cancel()
			}

		case evt := <-h.remote:
			h.deliverLocal(evt.UserID, evt.Payload, evt.Terminal)
		}
	}
}

// SendToUser delivers event to every client of userID on this process,
// and — when Redis fanout is configured — publishes it for delivery to
// clients connected to other processes.
func (h *Hub) SendToUser(userID uuid.UUID, event wsevents.Envelope) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal websocket event", "type", event.Type, "error", err)
		return
	}

	terminal := isTerminal(event.Type)
	h.deliverLocal(userID, payload, terminal)

	if h.redis != nil {
		if err := h.redis.Publish(context.Background(), h.redisPrefix+userID.String(), payload).Err(); err != nil {
			slog.Warn("redis publish failed, event delivered locally only", "user_id", userID, "error", err)
		}
	}
}

// SendToWebsocket delivers event to a single client directly, bypassing
// the user-wide fan-out.
func (h *Hub) SendToWebsocket(client *Client, event wsevents.Envelope) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal websocket event", "type", event.Type, "error", err)
		return
	}
	client.sendRaw(payload, isTerminal(event.Type))
}

func (h *Hub) deliverLocal(userID uuid.UUID, payload []byte, terminal bool) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.sendRaw(payload, terminal)
	}
}

// subscribeRemote listens for events published by other processes and
// feeds them into the Run loop for local delivery. It never republishes
// what it receives, so cross-process fanout can't loop.
func (h *Hub) subscribeRemote(ctx context.Context) {
	sub := h.redis.PSubscribe(ctx, h.redisPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			userID, err := uuid.Parse(msg.Channel[len(h.redisPrefix):])
			if err != nil {
				continue
			}
			var probe struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal([]byte(msg.Payload), &probe)

			select {
			case h.remote <- remoteEvent{UserID: userID, Payload: []byte(msg.Payload), Terminal: isTerminal(probe.Type)}:
			case <-ctx.Done():
				return
			}
		}
	}
}
