package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by project ID.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	closeOnce sync.Once
}

// message couples payload with project identifier.
type message struct {
	projectID string
	payload   []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	projectID string
	client    Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 256),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for projectID, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
				delete(h.clients, projectID)
			}
			h.mu.Unlock()
			return
		case sub := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[sub.projectID]; !ok {
				h.clients[sub.projectID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.projectID][sub.client] = struct{}{}
			h.mu.Unlock()
		case sub := <-h.unreg:
			h.mu.Lock()
			h.remove(sub.projectID, sub.client)
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients[msg.projectID] {
				if err := c.Send(msg.payload); err != nil {
					c.Close()
					h.remove(msg.projectID, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) remove(projectID string, client Subscriber) {
	clients, ok := h.clients[projectID]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.clients, projectID)
	}
}

// Register adds a client to a project stream.
func (h *Hub) Register(projectID string, client Subscriber) {
	select {
	case h.register <- subscription{projectID: projectID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(projectID string, client Subscriber) {
	select {
	case h.unreg <- subscription{projectID: projectID, client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to all project clients. It drops the message once
// the hub is closed.
func (h *Hub) Broadcast(projectID string, payload []byte) {
	select {
	case h.broadcast <- message{projectID: projectID, payload: payload}:
	case <-h.done:
	}
}

// Subscribers returns the number of clients watching projectID.
func (h *Hub) Subscribers(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[projectID])
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
