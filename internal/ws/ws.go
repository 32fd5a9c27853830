// Package ws pushes chat events to connected browsers. The hub implements
// chat.Notifier, so messages sent over REST reach open sockets too.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/tutorly/peerchat/internal/chat"
	"github.com/tutorly/peerchat/internal/securelog"
)

const (
	sendBuffer   = 64
	eventBuffer  = 256
	writeTimeout = 5 * time.Second

	typeSend  = "message.send"
	typeRead  = "message.read"
	typeNew   = "message.new"
	typeError = "error"
)

// ChatService is the part of chat.Service the socket needs.
type ChatService interface {
	SendMessage(ctx context.Context, senderID, receiverID, text string) (chat.Message, error)
	MarkAsRead(ctx context.Context, readerID, senderID string) (int, error)
}

type Hub struct {
	register   chan *Client
	unregister chan *Client
	events     chan delivery
	done       chan struct{}
	clients    map[*Client]struct{}
	byUser     map[string]map[*Client]struct{}
	chat       ChatService
	userHeader string
	log        *slog.Logger
	count      atomic.Int64
}

// delivery is one payload addressed to every socket of a user.
type delivery struct {
	userID  string
	payload []byte
}

func NewHub(svc ChatService, userHeader string, log *slog.Logger) *Hub {
	if log == nil {
		log = securelog.Discard()
	}
	if strings.TrimSpace(userHeader) == "" {
		userHeader = "X-User-ID"
	}
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan delivery, eventBuffer),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		byUser:     make(map[string]map[*Client]struct{}),
		chat:       svc,
		userHeader: userHeader,
		log:        log,
	}
}

// SetChat attaches the service; the service needs the hub as its notifier
// first.
func (h *Hub) SetChat(svc ChatService) {
	h.chat = svc
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				c.close(websocket.StatusGoingAway, "server shutdown")
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			if h.byUser[c.userID] == nil {
				h.byUser[c.userID] = make(map[*Client]struct{})
			}
			h.byUser[c.userID][c] = struct{}{}
			h.count.Add(1)
			h.log.Debug("socket connected", "client_id", c.id)
		case c := <-h.unregister:
			if _, ok := h.clients[c]; !ok {
				continue
			}
			delete(h.clients, c)
			if clients := h.byUser[c.userID]; clients != nil {
				delete(clients, c)
				if len(clients) == 0 {
					delete(h.byUser, c.userID)
				}
			}
			h.count.Add(-1)
			c.close(websocket.StatusNormalClosure, "bye")
			h.log.Debug("socket disconnected", "client_id", c.id)
		case d := <-h.events:
			for c := range h.byUser[d.userID] {
				if !c.Send(d.payload) {
					h.log.Warn("dropping event for slow socket", "client_id", c.id)
				}
			}
		}
	}
}

func (h *Hub) ClientCount() int64 {
	return h.count.Load()
}

// MessageSent pushes message.new to every socket of the receiver.
func (h *Hub) MessageSent(receiverID string, msg chat.Message) {
	h.publish(receiverID, messageEvent{Type: typeNew, PeerID: msg.SenderID, Message: msg})
}

// MessagesRead tells the original sender that readerID caught up.
func (h *Hub) MessagesRead(readerID, senderID string, count int) {
	h.publish(senderID, readEvent{Type: typeRead, ReaderID: readerID, Count: count})
}

// publish never blocks the caller; events are dropped when the hub is
// saturated or stopped.
func (h *Hub) publish(userID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		securelog.Error(h.log, "ws.publish", err)
		return
	}
	select {
	case h.events <- delivery{userID: userID, payload: data}:
	default:
		h.log.Warn("event queue full, dropping event")
	}
}

func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if h.chat == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	userID := strings.TrimSpace(r.Header.Get(h.userHeader))
	if userID == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		hub:    h,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, sendBuffer),
		userID: userID,
	}

	select {
	case h.register <- client:
	case <-h.done:
		client.close(websocket.StatusGoingAway, "server shutdown")
		return
	case <-r.Context().Done():
		client.close(websocket.StatusGoingAway, "request canceled")
		return
	}

	go client.writeLoop()
	client.readLoop()
}

type Client struct {
	id        string
	conn      *websocket.Conn
	hub       *Hub
	ctx       context.Context
	cancel    context.CancelFunc
	send      chan []byte
	closeOnce sync.Once
	userID    string
}

// Send queues msg without blocking and reports whether it was accepted.
func (c *Client) Send(msg []byte) bool {
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) readLoop() {
	defer c.leave()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		msg, err := decodeIncoming(data)
		if err != nil {
			c.sendError("invalid_message", err.Error())
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				c.leave()
				return
			}
		}
	}
}

func (c *Client) leave() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
		c.close(websocket.StatusGoingAway, "server shutdown")
	}
}

func (c *Client) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close(status, reason)
	})
}

func (c *Client) handle(msg inboundMessage) {
	switch msg.Type {
	case typeSend:
		sent, err := c.hub.chat.SendMessage(c.ctx, c.userID, msg.PeerID, msg.Body)
		if err != nil {
			c.sendChatError(err)
			return
		}
		c.sendEvent(messageEvent{Type: typeNew, PeerID: msg.PeerID, Message: sent})
	case typeRead:
		if _, err := c.hub.chat.MarkAsRead(c.ctx, c.userID, msg.PeerID); err != nil {
			c.sendChatError(err)
		}
	default:
		c.sendError("unsupported_type", "unsupported message type")
	}
}

func (c *Client) sendChatError(err error) {
	switch {
	case errors.Is(err, chat.ErrMessageTooLong):
		c.sendError("message_too_long", err.Error())
	case errors.Is(err, chat.ErrValidation):
		c.sendError("invalid_message", err.Error())
	case errors.Is(err, chat.ErrCorruptRecord), errors.Is(err, chat.ErrIDConflict):
		securelog.Error(c.hub.log, "ws.chat", err)
		c.sendError("corrupt_record", "conversation record is unreadable")
	case errors.Is(err, chat.ErrStorage):
		securelog.Error(c.hub.log, "ws.chat", err)
		c.sendError("storage_unavailable", "storage unavailable")
	default:
		securelog.Error(c.hub.log, "ws.chat", err)
		c.sendError("server_error", "internal error")
	}
}

func (c *Client) sendEvent(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = c.Send(data)
}

func (c *Client) sendError(code, message string) {
	c.sendEvent(errorEvent{Type: typeError, Code: code, Message: message})
}

type inboundMessage struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
	Body   string `json:"body"`
}

type messageEvent struct {
	Type    string       `json:"type"`
	PeerID  string       `json:"peer_id"`
	Message chat.Message `json:"message"`
}

type readEvent struct {
	Type     string `json:"type"`
	ReaderID string `json:"reader_id"`
	Count    int    `json:"count"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeIncoming(data []byte) (inboundMessage, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return inboundMessage{}, err
	}
	msg.Type = strings.TrimSpace(msg.Type)
	msg.PeerID = strings.TrimSpace(msg.PeerID)
	switch msg.Type {
	case typeSend:
		if msg.PeerID == "" || strings.TrimSpace(msg.Body) == "" {
			return inboundMessage{}, errors.New("peer_id and body are required")
		}
	case typeRead:
		if msg.PeerID == "" {
			return inboundMessage{}, errors.New("peer_id is required")
		}
	}
	return msg, nil
}
