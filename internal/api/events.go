package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/chatkeeper/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Intent types a client may send over /events
const (
	IntentSubmitText         = "submitText"
	IntentSubmitImage        = "submitImage"
	IntentSelectConversation = "selectConversation"
	IntentCreateConversation = "createConversation"
	IntentDeleteConversation = "deleteConversation"
)

// Intent is one client instruction on the event socket
type Intent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	ID   string `json:"id,omitempty"`
}

// Event is one frame sent to the client: a full view, or an error for an intent
type Event struct {
	Type   string        `json:"type"` // view | error
	View   *session.View `json:"view,omitempty"`
	Intent string        `json:"intent,omitempty"`
	Error  string        `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin:      func(r *http.Request) bool { return true },
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	HandshakeTimeout: 10 * time.Second,
}

// events upgrades to a WebSocket that pushes the session view on every change
// and accepts presentation intents.
func (s *Server) events(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}

	client := &eventClient{
		conn:     conn,
		sess:     sess,
		outbound: make(chan Event, 16),
		done:     make(chan struct{}),
	}
	updates, stop := sess.Updates()
	defer stop()

	go client.writePump(updates)
	client.readPump()
	client.wg.Wait()
	return nil
}

type eventClient struct {
	conn     *websocket.Conn
	sess     *session.Session
	outbound chan Event
	done     chan struct{}
	wg       sync.WaitGroup
}

// readPump handles intents until the socket closes
func (ec *eventClient) readPump() {
	defer close(ec.done)
	ec.conn.SetReadLimit(maxMessageSize)
	_ = ec.conn.SetReadDeadline(time.Now().Add(pongWait))
	ec.conn.SetPongHandler(func(string) error {
		return ec.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var intent Intent
		if err := ec.conn.ReadJSON(&intent); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("account", ec.sess.AccountID()).Msg("Event socket read failed")
			}
			return
		}

		switch intent.Type {
		case IntentSubmitText, IntentSubmitImage:
			// submissions run on their own so the socket keeps serving other intents
			ec.wg.Add(1)
			go func(intent Intent) {
				defer ec.wg.Done()
				ec.apply(intent)
			}(intent)
		default:
			ec.apply(intent)
		}
	}
}

func (ec *eventClient) apply(intent Intent) {
	ctx := context.Background()
	var err error
	switch intent.Type {
	case IntentSubmitText:
		_, err = ec.sess.SubmitPrompt(ctx, intent.Text)
	case IntentSubmitImage:
		_, err = ec.sess.SubmitImagePrompt(ctx, intent.Text)
	case IntentSelectConversation:
		err = ec.sess.SelectConversation(ctx, intent.ID)
	case IntentCreateConversation:
		_, err = ec.sess.CreateConversation(ctx)
	case IntentDeleteConversation:
		err = ec.sess.DeleteConversation(ctx, intent.ID)
	default:
		ec.send(Event{Type: "error", Intent: intent.Type, Error: "unknown intent"})
		return
	}
	if err != nil {
		ec.send(Event{Type: "error", Intent: intent.Type, Error: err.Error()})
	}
}

func (ec *eventClient) send(ev Event) {
	select {
	case ec.outbound <- ev:
	case <-ec.done:
	}
}

// writePump is the only goroutine writing to the socket
func (ec *eventClient) writePump(updates <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ec.conn.Close()
	}()

	write := func(ev Event) bool {
		_ = ec.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return ec.conn.WriteJSON(ev) == nil
	}

	view := ec.sess.View()
	if !write(Event{Type: "view", View: &view}) {
		return
	}

	for {
		select {
		case _, ok := <-updates:
			if !ok {
				_ = ec.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
				return
			}
			view := ec.sess.View()
			if !write(Event{Type: "view", View: &view}) {
				return
			}
		case ev := <-ec.outbound:
			if !write(ev) {
				return
			}
		case <-ticker.C:
			_ = ec.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ec.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ec.done:
			return
		}
	}
}
