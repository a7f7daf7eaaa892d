package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/websocket"

	"lockstep-net/server/internal/control"
)

// NodeHeader carries the accepting node's client id in the upgrade response.
const NodeHeader = "X-Lockstep-Node"

// ErrMissingNode is returned by Dial when the remote did not identify itself.
var ErrMissingNode = errors.New("ws: remote did not announce its node id")

// Handle upgrades an inbound peer connection. The dialing node identifies
// itself with the id query parameter. Handle blocks for the lifetime of the
// connection.
func (t *Transport) Handle(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("id")
	if raw == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id < 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if control.ClientID(id) == t.self {
		http.Error(w, "id collides with this node", http.StatusConflict)
		return
	}

	header := http.Header{}
	header.Set(NodeHeader, strconv.Itoa(int(t.self)))
	conn, err := t.upgrader.Upgrade(w, r, header)
	if err != nil {
		t.logger.Printf("ws: upgrade failed for %d: %v", id, err)
		return
	}

	p := newPeer(control.ClientID(id), conn, t.config.SendQueue)
	if !t.register(p) {
		p.close(websocket.CloseGoingAway, "shutdown")
		return
	}
	t.logger.Printf("ws: client %d connected from %s", id, r.RemoteAddr)
	t.serve(p)
}

// Dial connects to a peer at rawURL and starts its read loop in the
// background. It returns the remote node id.
func (t *Transport) Dial(ctx context.Context, rawURL string) (control.ClientID, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("parse peer url: %w", err)
	}
	query := target.Query()
	query.Set("id", strconv.Itoa(int(t.self)))
	target.RawQuery = query.Encode()

	conn, resp, err := t.dialer.DialContext(ctx, target.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", target.Redacted(), err)
	}
	remote, err := strconv.Atoi(resp.Header.Get(NodeHeader))
	if err != nil {
		conn.Close()
		return 0, ErrMissingNode
	}

	p := newPeer(control.ClientID(remote), conn, t.config.SendQueue)
	if !t.register(p) {
		conn.Close()
		return 0, ErrClosed
	}
	t.logger.Printf("ws: connected to client %d at %s", remote, target.Host)
	go t.serve(p)
	return p.id, nil
}
