package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"yieldvault/services/vaultd/storage"
)

const (
	wsWriteTimeout   = 10 * time.Second
	streamBufferSize = 64
)

// streamEvents upgrades to a websocket and forwards newly indexed events. An
// optional type query parameter filters the stream.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	filter := strings.TrimSpace(r.URL.Query().Get("type"))
	// Subscribe before the handshake completes so nothing indexed after the
	// client connects is missed.
	updates, cancel := s.stream.Subscribe(streamBufferSize)
	defer cancel()
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Reads are only used to observe the client closing the connection.
	ctx := conn.CloseRead(r.Context())
	if err := forwardEvents(ctx, conn, updates, filter); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			s.logger.Warn("event stream failed", "error", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func forwardEvents(ctx context.Context, conn *websocket.Conn, updates <-chan storage.EventRecord, filter string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record, ok := <-updates:
			if !ok {
				return nil
			}
			if filter != "" && record.Type != filter {
				continue
			}
			if err := writeEvent(ctx, conn, record); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, record storage.EventRecord) error {
	data, err := json.Marshal(eventView{
		Sequence:   record.Sequence,
		Type:       record.Type,
		Attributes: record.Decoded(),
		CreatedAt:  record.CreatedAt,
	})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
