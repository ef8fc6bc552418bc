package api

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/els-fr/livreur/internal/logger"
	"github.com/els-fr/livreur/internal/swcache"
)

// Message types sent to page clients in addition to the worker's.
const (
	MessageNotice = "NOTICE"
	MessageFocus  = "FOCUS"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMsgSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Reject cross-site pages; non-browser clients send no Origin.
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// Hub registers each websocket page as a worker client and delivers
// driver notices to every open page.
type Hub struct {
	clients *swcache.Clients
	log     logger.Logger

	mu    sync.Mutex
	conns map[string]*wsClient
}

// NewHub creates a hub registering pages in clients.
func NewHub(clients *swcache.Clients, log logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDiscard()
	}
	return &Hub{
		clients: clients,
		log:     log.Module("hub"),
		conns:   make(map[string]*wsClient),
	}
}

// Notify shows text on every open page.
func (h *Hub) Notify(text string) {
	n := h.clients.Broadcast(swcache.Message{Type: MessageNotice, Body: text})
	h.log.Info("notice", logger.String("text", text), logger.Int("clients", n))
}

// Len returns the number of connected pages.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every page.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*wsClient, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// ServeWS upgrades the request and keeps the page registered until the
// connection drops.
func (h *Hub) ServeWS(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logger.Error(err))
		// The upgrader already wrote the HTTP error.
		return nil
	}

	client := &wsClient{id: uuid.NewString(), url: pageURL(c), conn: conn}
	unregister := h.clients.Register(client)
	h.mu.Lock()
	h.conns[client.id] = client
	h.mu.Unlock()
	h.log.Debug("page connected", logger.String("client_id", client.id), logger.String("url", client.url))

	defer func() {
		unregister()
		h.mu.Lock()
		delete(h.conns, client.id)
		h.mu.Unlock()
		client.close()
		h.log.Debug("page disconnected", logger.String("client_id", client.id))
	}()

	conn.SetReadLimit(wsMaxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := client.ping(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return nil
		}
	}
}

// pageURL is the URL the page is showing, used to match notification clicks.
func pageURL(c echo.Context) string {
	if u := c.QueryParam("url"); u != "" {
		return u
	}
	if ref := c.Request().Referer(); ref != "" {
		return ref
	}
	return c.Scheme() + "://" + c.Request().Host + "/"
}

// wsClient is one page connected over websocket. Writes are serialized:
// gorilla/websocket allows a single concurrent writer.
type wsClient struct {
	id   string
	url  string
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (c *wsClient) ID() string  { return c.id }
func (c *wsClient) URL() string { return c.url }

func (c *wsClient) Post(msg swcache.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return swcache.ErrClientClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(msg)
}

func (c *wsClient) Focus() error {
	return c.Post(swcache.Message{Type: MessageFocus})
}

func (c *wsClient) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return swcache.ErrClientClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.Close()
}
