// Package httpapi exposes the gateway's HTTP surface: the OpenAI/Anthropic
// dialect endpoints wired to the pipeline manager, and a websocket token
// portal that pushes OAuth flow progress to connected clients. The portal
// is grounded on the teacher's internal/wsrelay.Manager (session registry
// + broadcast-on-event), narrowed from a bidirectional proxy relay to a
// one-way status-push channel.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/routecodex/gateway/internal/logging"
)

var portalLog = logging.For("httpapi.portal")

// PortalEvent is one OAuth-flow progress update pushed to every connected
// portal client (device-code/auth-code status, per spec's token portal).
type PortalEvent struct {
	Provider string `json:"provider"`
	Alias    string `json:"alias"`
	Stage    string `json:"stage"` // "pending", "authorized", "failed"
	Message  string `json:"message,omitempty"`
	AuthURL  string `json:"auth_url,omitempty"`
}

// Portal is a websocket broadcast hub for PortalEvent notifications.
type Portal struct {
	path     string
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]chan PortalEvent
}

// NewPortal constructs a Portal serving upgrades at path (default
// "/v1/oauth/portal").
func NewPortal(path string) *Portal {
	if strings.TrimSpace(path) == "" {
		path = "/v1/oauth/portal"
	}
	return &Portal{
		path: path,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan PortalEvent),
	}
}

// Path returns the HTTP path this portal expects for websocket upgrades.
func (p *Portal) Path() string { return p.path }

// Handler upgrades connections and registers them for broadcast.
func (p *Portal) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := p.upgrader.Upgrade(w, r, nil)
		if err != nil {
			portalLog.WithError(err).Warn("portal: upgrade failed")
			return
		}
		ch := make(chan PortalEvent, 16)
		p.mu.Lock()
		p.clients[conn] = ch
		p.mu.Unlock()

		go p.writeLoop(conn, ch)
		p.readUntilClose(conn, ch)
	}
}

func (p *Portal) writeLoop(conn *websocket.Conn, ch chan PortalEvent) {
	for ev := range ch {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err = conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func (p *Portal) readUntilClose(conn *websocket.Conn, ch chan PortalEvent) {
	defer p.remove(conn, ch)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (p *Portal) remove(conn *websocket.Conn, ch chan PortalEvent) {
	p.mu.Lock()
	delete(p.clients, conn)
	p.mu.Unlock()
	close(ch)
	_ = conn.Close()
}

// Notify pushes ev to every connected client. Slow clients are dropped
// rather than blocking the OAuth flow that raised the event.
func (p *Portal) Notify(ev PortalEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for conn, ch := range p.clients {
		select {
		case ch <- ev:
		default:
			portalLog.WithField("remote", conn.RemoteAddr().String()).Warn("portal: dropping event for slow client")
		}
	}
}

// Stop closes every connected client (spec: graceful shutdown alongside
// the rest of the HTTP server).
func (p *Portal) Stop(ctx context.Context) error {
	p.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(p.clients))
	for conn := range p.clients {
		conns = append(conns, conn)
	}
	p.clients = make(map[*websocket.Conn]chan PortalEvent)
	p.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	return nil
}
