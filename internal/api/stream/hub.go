// Package stream pushes live dose lifecycle events to websocket clients,
// one subscription per patient.
package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/adherence"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/pkg/clock"
)

// Frame types
const (
	FrameReminderDue   = "reminderDue"
	FrameStatusChanged = "statusChanged"
	FrameEscalated     = "escalated"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Frame is one message on the stream.
type Frame struct {
	Type      string             `json:"type"`
	PatientID string             `json:"patient_id"`
	Event     *dose.Event        `json:"event,omitempty"`
	From      dose.Status        `json:"from,omitempty"`
	Adherence *adherence.Summary `json:"adherence,omitempty"`
	Missed    []dose.Event       `json:"missed,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

type client struct {
	id        string
	patientID string
	send      chan []byte
}

// Hub tracks connected clients by patient and fans frames out to them.
// It implements the scheduler observer interface.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger
	clock    clock.Clock

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		clock:   clock.Real(),
		clients: make(map[string]map[*client]struct{}),
	}
}

// WithClock stamps frames from clk instead of the wall clock.
func (h *Hub) WithClock(clk clock.Clock) *Hub {
	h.clock = clk
	return h
}

// ReminderDue implements the scheduler observer.
func (h *Hub) ReminderDue(ev dose.Event) {
	h.Broadcast(Frame{Type: FrameReminderDue, PatientID: ev.PatientID, Event: &ev, Timestamp: h.clock.Now().UTC()})
}

// StatusChanged implements the scheduler observer.
func (h *Hub) StatusChanged(ev dose.Event, from dose.Status, summary adherence.Summary) {
	h.Broadcast(Frame{
		Type:      FrameStatusChanged,
		PatientID: ev.PatientID,
		Event:     &ev,
		From:      from,
		Adherence: &summary,
		Timestamp: h.clock.Now().UTC(),
	})
}

// Escalated implements the scheduler observer.
func (h *Hub) Escalated(patientID string, run adherence.Run) {
	trigger := run.Trigger
	h.Broadcast(Frame{
		Type:      FrameEscalated,
		PatientID: patientID,
		Event:     &trigger,
		Missed:    run.Missed,
		Timestamp: h.clock.Now().UTC(),
	})
}

// Broadcast queues f for every client watching f.PatientID. Slow clients
// drop frames rather than block the scheduler.
func (h *Hub) Broadcast(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("marshal stream frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[f.PatientID] {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("stream client lagging, frame dropped",
				zap.String("client_id", c.id),
				zap.String("patient_id", f.PatientID),
				zap.String("type", f.Type))
		}
	}
}

// Clients returns the number of clients watching patientID.
func (h *Hub) Clients(patientID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[patientID])
}

// ServeHTTP upgrades the request and streams frames for the {patientID}
// route parameter until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	if patientID == "" {
		http.Error(w, `{"error":"patient id is required"}`, http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{id: uuid.New().String(), patientID: patientID, send: make(chan []byte, sendBuffer)}
	h.register(c)
	h.logger.Info("stream client connected",
		zap.String("client_id", c.id),
		zap.String("patient_id", patientID))

	go h.writePump(conn, c)
	h.readPump(conn, c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.patientID] == nil {
		h.clients[c.patientID] = make(map[*client]struct{})
	}
	h.clients[c.patientID][c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.clients[c.patientID]
	if !ok {
		return
	}
	if _, ok := subs[c]; !ok {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.clients, c.patientID)
	}
	close(c.send)
}

// readPump discards inbound messages and unregisters on disconnect.
func (h *Hub) readPump(conn *websocket.Conn, c *client) {
	defer func() {
		h.unregister(c)
		_ = conn.Close()
		h.logger.Info("stream client disconnected", zap.String("client_id", c.id))
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
