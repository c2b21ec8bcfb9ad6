package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kode4food/cascade/internal/events"
	"github.com/kode4food/cascade/pkg/api"
	"github.com/kode4food/cascade/pkg/log"
	"github.com/kode4food/cascade/pkg/orchestrator"
)

type (
	// Client is a WebSocket connection streaming transition events
	Client struct {
		conn      *websocket.Conn
		sub       *orchestrator.Subscription
		filter    events.Filter
		getState  StateFunc
		done      chan struct{}
		closeOnce sync.Once
	}

	// StateFunc retrieves the current state of an instance when a client
	// subscribes to it
	StateFunc func(api.InstanceID) (any, error)
)

const (
	writeWait          = 10 * time.Second
	pongWait           = 60 * time.Second
	pingPeriod         = (pongWait * 9) / 10
	maxMessageSize     = 512
	wsBufferSize       = 1024
	incomingBufferSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsBufferSize,
	WriteBufferSize: wsBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed",
			log.Error(err))
		return
	}

	client := &Client{
		conn:   conn,
		sub:    s.orch.Subscribe(events.All),
		filter: func(*api.Event) bool { return false },
		getState: func(id api.InstanceID) (any, error) {
			return s.orch.GetOrError(context.Background(), id)
		},
		done: make(chan struct{}),
	}
	s.registerWebSocket(client)

	go func() {
		defer s.unregisterWebSocket(client)
		client.run()
	}()
}

// Close terminates the client's connection
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) run() {
	defer func() {
		c.sub.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	incoming := make(chan []byte, incomingBufferSize)
	go c.readMessages(incoming)

	for {
		select {
		case message, ok := <-incoming:
			if !ok {
				return
			}
			c.handleSubscribe(message)

		case ev, ok := <-c.sub.Events():
			if !ok {
				c.sendClose()
				return
			}
			if !c.sendEventIfMatched(ev) {
				return
			}

		case <-ticker.C:
			if !c.sendPing() {
				return
			}

		case <-c.done:
			c.sendClose()
			return
		}
	}
}

func (c *Client) readMessages(incoming chan []byte) {
	defer close(incoming)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case incoming <- message:
		case <-c.done:
			return
		}
	}
}

func (c *Client) handleSubscribe(message []byte) {
	var sub api.SubscribeRequest
	if err := json.Unmarshal(message, &sub); err != nil {
		slog.Error("Failed to parse WebSocket message",
			log.Error(err))
		return
	}

	if sub.Type != "subscribe" {
		return
	}

	c.filter = BuildFilter(&sub.Data)
	c.sendSubscribed(sub.Data.InstanceID)
}

func (c *Client) sendSubscribed(id api.InstanceID) {
	msg := api.SubscribedResult{
		Type:       "subscribed",
		InstanceID: id,
	}
	if id != "" && c.getState != nil {
		state, err := c.getState(id)
		if err != nil {
			slog.Warn("Failed to get state for subscription",
				log.InstanceID(id),
				log.Error(err))
		} else if data, err := json.Marshal(state); err == nil {
			msg.Data = data
		}
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		slog.Error("WebSocket write failed",
			slog.String("context", "subscribed"),
			log.Error(err))
	}
}

func (c *Client) sendEventIfMatched(ev *api.Event) bool {
	if !c.filter(ev) {
		return true
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(ev); err != nil {
		slog.Error("WebSocket write failed",
			log.Error(err))
		return false
	}
	return true
}

func (c *Client) sendPing() bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteMessage(websocket.PingMessage, nil)
	return err == nil
}

func (c *Client) sendClose() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// BuildFilter creates an event filter from a client's subscription. An empty
// subscription matches every event
func BuildFilter(sub *api.ClientSubscription) events.Filter {
	var filters []events.Filter
	if sub.InstanceID != "" {
		filters = append(filters, events.ForInstance(sub.InstanceID))
	}
	if len(sub.EventTypes) > 0 {
		filters = append(filters, events.OfType(slices.Clone(sub.EventTypes)...))
	}

	switch len(filters) {
	case 0:
		return events.All
	case 1:
		return filters[0]
	default:
		return events.And(filters...)
	}
}
