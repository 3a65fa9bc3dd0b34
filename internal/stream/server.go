// Package stream is the viewing surface of a session: it pushes catalog,
// trail and marker updates to map clients over WebSocket and relays their
// commands and visibility back to the session.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/signalsfoundry/skytrail/internal/animator"
	"github.com/signalsfoundry/skytrail/internal/catalog"
	"github.com/signalsfoundry/skytrail/internal/logging"
	"github.com/signalsfoundry/skytrail/internal/session"
	"github.com/signalsfoundry/skytrail/model"
	"github.com/signalsfoundry/skytrail/timectrl"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Message types.
const (
	TypeObserver   = "observer"
	TypeSelect     = "select"
	TypeDeselect   = "deselect"
	TypeVisibility = "visibility"
	TypeRefresh    = "refresh"
	TypeMarker     = "marker"
	TypeCatalog    = "catalog"
	TypeTrail      = "trail"
	TypeTarget     = "target"
	TypeError      = "error"
)

// Message is what the server sends to clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Command is what clients send to the server.
type Command struct {
	Type    string   `json:"type"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
	Alt     float64  `json:"alt,omitempty"`
	ID      int      `json:"id,omitempty"`
	Visible *bool    `json:"visible,omitempty"`
}

// TrailData is the payload of a trail message.
type TrailData struct {
	TargetID int         `json:"targetId"`
	Samples  model.Trail `json:"samples"`
}

// TargetData is the payload of a target message.
type TargetData struct {
	TargetID int                     `json:"targetId"`
	Observer model.ObserverLocation  `json:"observer"`
	Entry    *model.SatelliteSummary `json:"entry,omitempty"`
}

// Viewer is the part of a session the stream drives.
type Viewer interface {
	SetObserver(loc model.ObserverLocation) error
	Select(id int)
	Deselect()
	SetVisible(visible bool)
	Refresh(ctx context.Context) ([]model.SatelliteSummary, error)
	Frame(dt time.Duration) (animator.Position, bool)
	CatalogState() catalog.State
	Trail() model.Trail
	TargetID() int
	Selected() (model.SatelliteSummary, bool)
	Subscribe(fn func(session.Event)) (unsubscribe func())
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(log logging.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithOriginCheck restricts which browser origins may open a stream.
func WithOriginCheck(fn func(r *http.Request) bool) Option {
	return func(s *Server) {
		if fn != nil {
			s.upgrader.CheckOrigin = fn
		}
	}
}

type client struct {
	conn    *websocket.Conn
	send    chan Message
	visible bool
}

// Server fans one viewer out to any number of WebSocket clients. The surface
// counts as visible while at least one client reports itself visible.
type Server struct {
	viewer   Viewer
	log      logging.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	drawn   bool

	visMu   sync.Mutex
	visible bool

	unsubscribe func()
}

// NewServer subscribes to v and starts with the surface hidden until a
// client connects.
func NewServer(v Viewer, opts ...Option) *Server {
	s := &Server{
		viewer:  v,
		log:     logging.Noop(),
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		visible: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.unsubscribe = v.Subscribe(s.onEvent)
	s.updateVisibility()
	return s
}

// Handler returns the HTTP surface of the stream.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWS)
	mux.HandleFunc("/trail.geojson", s.handleTrailGeoJSON)
	mux.HandleFunc("/marker.geojson", s.handleMarkerGeoJSON)
	mux.HandleFunc("/catalog", s.handleCatalog)
	return mux
}

// HandleWS upgrades the request and serves one client until it disconnects.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	ctx, log := logging.WithRequestLogger(r.Context(), s.log)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn(ctx, "websocket upgrade failed", logging.Err(err))
		return
	}

	c := &client{conn: conn, send: make(chan Message, sendBuffer), visible: true}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.mu.Unlock()
	log.Info(ctx, "stream client connected", logging.Int("clients", count))

	s.enqueue(c, Message{Type: TypeCatalog, Data: s.viewer.CatalogState()})
	s.enqueue(c, Message{Type: TypeTrail, Data: TrailData{TargetID: s.viewer.TargetID(), Samples: s.viewer.Trail()}})
	s.updateVisibility()

	go s.writePump(c)
	s.readPump(ctx, log, c)

	s.mu.Lock()
	delete(s.clients, c)
	close(c.send)
	count = len(s.clients)
	s.mu.Unlock()
	s.updateVisibility()
	log.Info(ctx, "stream client disconnected", logging.Int("clients", count))
}

func (s *Server) readPump(ctx context.Context, log logging.Logger, c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn(ctx, "stream read failed", logging.Err(err))
			}
			return
		}
		if err := s.apply(ctx, c, cmd); err != nil {
			log.Debug(ctx, "rejected stream command", logging.String("type", cmd.Type), logging.Err(err))
			s.enqueue(c, Message{Type: TypeError, Data: map[string]string{"message": err.Error()}})
		}
	}
}

var errBadCommand = errors.New("malformed command")

func (s *Server) apply(ctx context.Context, c *client, cmd Command) error {
	switch cmd.Type {
	case TypeObserver:
		if cmd.Lat == nil || cmd.Lng == nil {
			return errors.New("observer requires lat and lng")
		}
		return s.viewer.SetObserver(model.ObserverLocation{Lat: *cmd.Lat, Lng: *cmd.Lng, Alt: cmd.Alt})
	case TypeSelect:
		if cmd.ID <= 0 {
			return errors.New("select requires a positive id")
		}
		s.viewer.Select(cmd.ID)
	case TypeDeselect:
		s.viewer.Deselect()
	case TypeVisibility:
		if cmd.Visible == nil {
			return errors.New("visibility requires visible")
		}
		s.mu.Lock()
		c.visible = *cmd.Visible
		s.mu.Unlock()
		s.updateVisibility()
	case TypeRefresh:
		// The outcome reaches every client through the catalog state.
		go func() {
			_, _ = s.viewer.Refresh(context.WithoutCancel(ctx))
		}()
	default:
		return fmt.Errorf("%w: unknown type %q", errBadCommand, cmd.Type)
	}
	return nil
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// updateVisibility recomputes the aggregate visibility and relays changes.
// visMu serializes relays so they reach the viewer in order.
func (s *Server) updateVisibility() {
	s.visMu.Lock()
	defer s.visMu.Unlock()

	s.mu.Lock()
	visible := false
	for c := range s.clients {
		if c.visible {
			visible = true
			break
		}
	}
	s.mu.Unlock()

	if visible == s.visible {
		return
	}
	s.visible = visible
	s.viewer.SetVisible(visible)
}

// Visible reports the aggregate visibility last relayed to the viewer.
func (s *Server) Visible() bool {
	s.visMu.Lock()
	defer s.visMu.Unlock()
	return s.visible
}

func (s *Server) onEvent(e session.Event) {
	switch e.Type {
	case session.EventCatalogUpdated:
		s.Broadcast(Message{Type: TypeCatalog, Data: e.Catalog})
	case session.EventTrailUpdated:
		s.Broadcast(Message{Type: TypeTrail, Data: TrailData{TargetID: e.TargetID, Samples: e.Trail}})
	case session.EventTargetChanged, session.EventObserverChanged:
		data := TargetData{TargetID: e.TargetID, Observer: e.Observer}
		if e.Type == session.EventTargetChanged {
			if entry, ok := s.viewer.Selected(); ok && entry.ID == e.TargetID {
				data.Entry = &entry
			}
		}
		s.Broadcast(Message{Type: TypeTarget, Data: data})
	}
}

// Broadcast queues msg for every client. A client whose buffer is full misses
// the message.
func (s *Server) Broadcast(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			s.log.Debug(context.Background(), "dropping stream message for slow client", logging.String("type", msg.Type))
		}
	}
}

func (s *Server) enqueue(c *client, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// Tick advances the marker animation by dt and broadcasts the new position.
// When the marker disappears a single empty marker message is sent.
func (s *Server) Tick(dt time.Duration) {
	pos, ok := s.viewer.Frame(dt)

	s.mu.Lock()
	wasDrawn := s.drawn
	s.drawn = ok
	s.mu.Unlock()

	switch {
	case ok:
		s.Broadcast(Message{Type: TypeMarker, Data: pos})
	case wasDrawn:
		s.Broadcast(Message{Type: TypeMarker})
	}
}

// AttachClock drives Tick from the controller's advances.
func (s *Server) AttachClock(tc *timectrl.TimeController) {
	var last time.Time
	var mu sync.Mutex
	tc.AddListener(func(now time.Time) {
		mu.Lock()
		dt := time.Duration(0)
		if !last.IsZero() {
			dt = now.Sub(last)
		}
		last = now
		mu.Unlock()
		s.Tick(dt)
	})
}

// Close stops listening to the viewer and disconnects every client.
func (s *Server) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.mu.Lock()
	for c := range s.clients {
		_ = c.conn.Close()
	}
	s.mu.Unlock()
}

func (s *Server) handleTrailGeoJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := TrailFeatures(s.viewer.Trail()).MarshalJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	_, _ = w.Write(body)
}

// handleMarkerGeoJSON reports the marker without advancing the animation.
func (s *Server) handleMarkerGeoJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	pos, ok := s.viewer.Frame(0)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	body, err := MarkerFeature(pos).MarshalJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	_, _ = w.Write(body)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.viewer.CatalogState())
}
