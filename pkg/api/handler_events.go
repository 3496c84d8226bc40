package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/events"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/metrics"
)

// keepaliveInterval paces SSE comment records so intermediaries keep
// the stream open.
const keepaliveInterval = 15 * time.Second

// wsWriteTimeout bounds one WebSocket send.
const wsWriteTimeout = 5 * time.Second

// eventsHandler handles GET /events: the server-sent-events stream with
// Last-Event-ID replay.
func (s *Server) eventsHandler(c *echo.Context) error {
	lastSeq := parseLastEventID(c)

	sub, replay := s.bus.Subscribe(lastSeq)
	defer s.bus.Unsubscribe(sub.ID)

	metrics.Subscribers.Inc()
	defer metrics.Subscribers.Dec()

	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	w := c.Response()
	for _, evt := range replay {
		if err := events.WriteSSE(w, evt); err != nil {
			return nil
		}
	}
	w.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done:
			return nil
		case evt := <-sub.C:
			if err := events.WriteSSE(w, evt); err != nil {
				return nil
			}
			w.Flush()
		case <-ticker.C:
			if err := events.WriteSSEKeepalive(w); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

// parseLastEventID reads the replay cursor from the Last-Event-ID
// header (EventSource reconnect) or the lastEventId query parameter.
func parseLastEventID(c *echo.Context) int64 {
	raw := c.Request().Header.Get("Last-Event-ID")
	if raw == "" {
		raw = c.QueryParam("lastEventId")
	}
	if raw == "" {
		return 0
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0
	}
	return seq
}

// wsHandler handles GET /ws: the WebSocket mirror of the event stream.
// The same enriched events are delivered as JSON text messages.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same-origin policy handled upstream
	})
	if err != nil {
		return nil
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	lastSeq := parseLastEventID(c)
	sub, replay := s.bus.Subscribe(lastSeq)
	defer s.bus.Unsubscribe(sub.ID)

	metrics.Subscribers.Inc()
	defer metrics.Subscribers.Dec()

	ctx := c.Request().Context()

	// Read loop: drain client messages (ping keepalives) until close.
	go func() {
		for {
			var msg map[string]any
			if err := readJSON(ctx, conn, &msg); err != nil {
				return
			}
		}
	}()

	for _, evt := range replay {
		if err := writeEvent(ctx, conn, evt); err != nil {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done:
			return nil
		case evt := <-sub.C:
			if err := writeEvent(ctx, conn, evt); err != nil {
				return nil
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func readJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
