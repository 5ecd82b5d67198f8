// Package clients keeps track of the client pages connected to the interceptor
// and delivers broadcast messages to them.
package clients

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Message types sent to clients.
const TypeOfflineSubmission = "OFFLINE_SUBMISSION"

// Message is the payload posted to client pages.
type Message struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	Timestamp int64  `json:"timestamp"`
}

// Client is a single open client page.
type Client struct {
	ID string
	// Messages receives every broadcast.
	// It is buffered; messages are dropped for clients that do not keep up.
	Messages   <-chan Message
	messages   chan Message
	controller string
}

// Registry holds the currently open clients.
type Registry struct {
	mutex      sync.RWMutex
	clients    map[string]*Client
	controller string
	bufferSize int
	log        zerolog.Logger
}

func NewRegistry(bufferSize int, logger zerolog.Logger) *Registry {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Registry{
		clients:    make(map[string]*Client),
		bufferSize: bufferSize,
		log:        logger,
	}
}

// Register adds a new client and returns it together with a function removing it again.
// Clients registered after Claim are controlled right away.
func (r *Registry) Register() (*Client, func()) {
	messages := make(chan Message, r.bufferSize)
	c := &Client{
		ID:       uuid.NewString(),
		Messages: messages,
		messages: messages,
	}
	r.mutex.Lock()
	c.controller = r.controller
	r.clients[c.ID] = c
	r.mutex.Unlock()
	return c, func() {
		r.mutex.Lock()
		delete(r.clients, c.ID)
		r.mutex.Unlock()
	}
}

// Claim makes the given controller version the controller of all open clients,
// and of every client registered from now on.
func (r *Registry) Claim(controller string) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.controller = controller
	for _, c := range r.clients {
		c.controller = controller
	}
	return len(r.clients)
}

// Controller returns the controller version of the client with the given id.
func (r *Registry) Controller(id string) (string, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return "", false
	}
	return c.controller, true
}

// MatchAll returns the ids of all open clients.
func (r *Registry) MatchAll() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}

// Broadcast posts the message to every open client.
// It never blocks: a client whose buffer is full misses the message, which is logged.
// It returns the number of clients the message was delivered to.
func (r *Registry) Broadcast(msg Message) int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	delivered := 0
	for _, c := range r.clients {
		select {
		case c.messages <- msg:
			delivered++
		default:
			r.log.Warn().Str("client", c.ID).Str("type", msg.Type).Str("url", msg.URL).Msg("Client buffer full, message dropped")
		}
	}
	return delivered
}
