package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/events"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 10 * time.Second
)

// StreamFrame is one websocket message of the lifecycle stream.
type StreamFrame struct {
	Type   string               `json:"type"`
	Status *models.TenantStatus `json:"status,omitempty"`
	Event  *events.Event        `json:"event,omitempty"`
}

// eventsHandler streams the tenant's lifecycle events. The first frame is the
// current status snapshot so a client never misses the state it joined in.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("Server.eventsHandler: websocket upgrade failed", "tenant", tenantID, "error", err)
		return
	}
	defer conn.CloseNow()

	name := "ws-" + tenantID + "-" + uuid.NewString()
	ch, cancel := s.events.Subscribe(name, streamBuffer, events.ForTenant(tenantID))
	defer cancel()
	slog.Debug("Server.eventsHandler: stream opened", "tenant", tenantID, "subscriber", name)

	// Incoming frames are ignored; CloseRead ends ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())

	status, _ := s.tenants.Status(tenantID)
	if err := writeFrame(ctx, conn, StreamFrame{Type: "status", Status: &status}); err != nil {
		slog.Debug("Server.eventsHandler: initial write failed", "tenant", tenantID, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Server.eventsHandler: stream closed by client", "tenant", tenantID)
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event bus closed")
				return
			}
			if err := writeFrame(ctx, conn, StreamFrame{Type: string(ev.Kind), Event: &ev}); err != nil {
				slog.Debug("Server.eventsHandler: write failed", "tenant", tenantID, "error", err)
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame StreamFrame) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, frame)
}
