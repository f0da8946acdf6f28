package http

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"sensor-health/internal/auth"
	"sensor-health/internal/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// WebSocketHandler pushes status transitions over a WebSocket connection.
type WebSocketHandler struct {
	broker   *StatusBroker
	checker  auth.SensorAccessChecker
	upgrader websocket.Upgrader
	logger   logrus.FieldLogger
}

// NewWebSocketHandler constructs a handler. allowedOrigins empty accepts same-origin requests only.
func NewWebSocketHandler(broker *StatusBroker, checker auth.SensorAccessChecker, allowedOrigins []string, logger logrus.FieldLogger) *WebSocketHandler {
	h := &WebSocketHandler{
		broker:  broker,
		checker: checker,
		logger:  logging.OrDiscard(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if len(allowedOrigins) > 0 {
		allowed := make(map[string]struct{}, len(allowedOrigins))
		for _, origin := range allowedOrigins {
			allowed[origin] = struct{}{}
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		}
	}
	return h
}

// ServeHTTP handles GET /api/v1/sensors/ws.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.broker == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	sensorID, code, msg := subscription(r, h.checker)
	if code != 0 {
		http.Error(w, msg, code)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	logger := h.logger.WithFields(logrus.Fields{"remote": r.RemoteAddr, "sensor_id": sensorID})
	logger.Debug("websocket client connected")
	defer logger.Debug("websocket client disconnected")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			if sensorID != "" && event.sensorID != sensorID {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, event.payload); err != nil {
				logger.WithError(err).Debug("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
