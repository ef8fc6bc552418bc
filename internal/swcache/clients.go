package swcache

import (
	"slices"
	"strings"
	"sync"

	"github.com/els-fr/livreur/internal/errors"
	"github.com/els-fr/livreur/internal/logger"
)

// Message types posted to page clients.
const (
	MessageSyncQueue = "SYNC_QUEUE"
	MessagePush      = "PUSH"
)

// Message is posted from the worker to a page client.
type Message struct {
	Type    string `json:"type"`
	EventID string `json:"eventId,omitempty"`
	Cmd     string `json:"cmd,omitempty"`
	Title   string `json:"title,omitempty"`
	Body    string `json:"body,omitempty"`
	URL     string `json:"url,omitempty"`
}

// ErrClientClosed is returned when posting to a closed client.
var ErrClientClosed = errors.NewStd("client closed")

// Client is an open page instance controlled by the worker.
type Client interface {
	ID() string
	URL() string
	Post(msg Message) error
	Focus() error
}

// Clients is the registry of open page instances.
type Clients struct {
	mu      sync.RWMutex
	clients map[string]Client
	order   []string
	log     logger.Logger
}

// NewClients creates an empty registry.
func NewClients(log logger.Logger) *Clients {
	if log == nil {
		log = logger.NewDiscard()
	}
	return &Clients{clients: make(map[string]Client), log: log.Module("clients")}
}

// Register adds c and returns a function removing it again.
func (cs *Clients) Register(c Client) (unregister func()) {
	cs.mu.Lock()
	if _, dup := cs.clients[c.ID()]; !dup {
		cs.order = append(cs.order, c.ID())
	}
	cs.clients[c.ID()] = c
	cs.mu.Unlock()
	cs.log.Debug("client registered", logger.String("client_id", c.ID()), logger.String("url", c.URL()))

	return func() {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		if cur, ok := cs.clients[c.ID()]; ok && cur == c {
			delete(cs.clients, c.ID())
			cs.order = slices.DeleteFunc(cs.order, func(id string) bool { return id == c.ID() })
		}
	}
}

// MatchAll returns every registered client in registration order.
func (cs *Clients) MatchAll() []Client {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]Client, 0, len(cs.order))
	for _, id := range cs.order {
		out = append(out, cs.clients[id])
	}
	return out
}

// FindByURL returns the first client whose URL contains fragment.
func (cs *Clients) FindByURL(fragment string) (Client, bool) {
	for _, c := range cs.MatchAll() {
		if strings.Contains(c.URL(), fragment) {
			return c, true
		}
	}
	return nil, false
}

// Broadcast posts msg to every client and returns how many accepted it.
func (cs *Clients) Broadcast(msg Message) int {
	delivered := 0
	for _, c := range cs.MatchAll() {
		if err := c.Post(msg); err != nil {
			cs.log.Warn("failed to post message",
				logger.String("client_id", c.ID()),
				logger.String("type", msg.Type),
				logger.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// MessageHandler handles messages posted to a LocalClient.
type MessageHandler func(msg Message)

// localBufferSize is the capacity of a LocalClient inbox. Messages are dropped
// when it is full so the worker is never blocked by a slow page.
const localBufferSize = 64

// LocalClient is an in-process page: messages are queued on a buffered
// channel and dispatched to subscribers by a single worker goroutine.
type LocalClient struct {
	id  string
	url string
	log logger.Logger

	handlers []MessageHandler
	mu       sync.RWMutex
	inbox    chan Message
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	focused  func()
}

// NewLocalClient creates a client and starts its worker.
func NewLocalClient(id, url string, log logger.Logger) *LocalClient {
	if log == nil {
		log = logger.NewDiscard()
	}
	c := &LocalClient{
		id:     id,
		url:    url,
		log:    log.Module("page").With(logger.String("client_id", id)),
		inbox:  make(chan Message, localBufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go c.processLoop()
	return c
}

func (c *LocalClient) ID() string  { return c.id }
func (c *LocalClient) URL() string { return c.url }

// Subscribe registers a message handler.
func (c *LocalClient) Subscribe(h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// OnFocus sets the callback run when the worker focuses this client.
func (c *LocalClient) OnFocus(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.focused = fn
}

// Post enqueues msg without blocking.
func (c *LocalClient) Post(msg Message) error {
	select {
	case <-c.stopCh:
		return ErrClientClosed
	default:
	}
	select {
	case c.inbox <- msg:
		return nil
	default:
		return errors.Newf("client inbox full, dropped %s", msg.Type).
			Component("swcache").
			Category(errors.CategoryState).
			Context("client_id", c.id).
			Build()
	}
}

// Focus runs the focus callback, if any.
func (c *LocalClient) Focus() error {
	c.mu.RLock()
	fn := c.focused
	c.mu.RUnlock()
	if fn != nil {
		fn()
	}
	return nil
}

// Close stops the worker after draining queued messages. Safe to call
// multiple times.
func (c *LocalClient) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

func (c *LocalClient) processLoop() {
	defer close(c.doneCh)
	for {
		select {
		case msg := <-c.inbox:
			c.dispatch(msg)
		case <-c.stopCh:
			for {
				select {
				case msg := <-c.inbox:
					c.dispatch(msg)
				default:
					return
				}
			}
		}
	}
}

func (c *LocalClient) dispatch(msg Message) {
	c.mu.RLock()
	handlers := slices.Clone(c.handlers)
	c.mu.RUnlock()

	for _, h := range handlers {
		c.safeCall(h, msg)
	}
}

// safeCall keeps the worker alive when a handler panics.
func (c *LocalClient) safeCall(h MessageHandler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("message handler panicked",
				logger.String("type", msg.Type),
				logger.Any("panic", r))
		}
	}()
	h(msg)
}
