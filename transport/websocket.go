// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soothill/circuitiq-sync/meter"
	errs "github.com/soothill/circuitiq-sync/pkg/errors"
	"github.com/soothill/circuitiq-sync/pkg/interfaces"
	"github.com/soothill/circuitiq-sync/pkg/logger"
	"github.com/soothill/circuitiq-sync/pkg/metrics"
)

const (
	writeDeadline = 10 * time.Second
	readDeadline  = 90 * time.Second
	pingInterval  = 30 * time.Second
)

// frame is the envelope the gateway sends over the stream. Only reading
// frames carry a payload the core cares about; everything else is logged
// and dropped.
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	frameTypeReading = "reading"
	frameTypeError   = "error"
)

// Socket is the WebSocket implementation of the push transport. It owns one
// connection at a time; reconnection policy belongs to the caller, matching
// the explicit Connect/Disconnect contract.
type Socket struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	stop      chan struct{}

	// writeMu serializes writes; gorilla/websocket allows at most one
	// concurrent writer.
	writeMu sync.Mutex

	subMu   sync.Mutex
	subs    map[int]interfaces.PushHandler
	nextSub int
}

// NewSocket creates a disconnected push transport.
func NewSocket() *Socket {
	return &Socket{
		subs: make(map[int]interfaces.PushHandler),
	}
}

// Connect dials the gateway stream and starts the read pump. Calling
// Connect while connected tears the old connection down first.
func (s *Socket) Connect(ctx context.Context, url string) error {
	s.disconnect()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return errs.NewTransportError("push", "connect", "", err)
	}

	stop := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.stop = stop
	s.mu.Unlock()

	logger.Info().Str("url", url).Msg("Push transport connected")

	go s.readPump(conn, stop)
	go s.pingLoop(conn, stop)
	return nil
}

// Disconnect tears the connection down. Disconnecting while already
// disconnected is a no-op.
func (s *Socket) Disconnect() error {
	s.disconnect()
	return nil
}

func (s *Socket) disconnect() {
	s.mu.Lock()
	conn := s.conn
	stop := s.stop
	s.conn = nil
	s.connected = false
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn != nil {
		_ = conn.Close()
		logger.Info().Msg("Push transport disconnected")
	}
}

// IsConnected reports whether a live connection exists.
func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Subscribe registers a handler for delivered readings and returns a
// function that removes it.
func (s *Socket) Subscribe(handler interfaces.PushHandler) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = handler

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

// SendCommand mirrors a command over the stream, fire-and-forget.
func (s *Socket) SendCommand(id, text string) error {
	payload, err := json.Marshal(map[string]string{"device_id": id, "command": text})
	if err != nil {
		return errs.NewTransportError("push", "send command", id, err)
	}
	msg, err := json.Marshal(frame{Type: "command", Payload: payload})
	if err != nil {
		return errs.NewTransportError("push", "send command", id, err)
	}
	if err := s.write(websocket.TextMessage, msg); err != nil {
		return errs.NewTransportError("push", "send command", id, err)
	}
	return nil
}

// write sends one message under the write mutex with a deadline so a dead
// connection fails fast instead of hanging.
func (s *Socket) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return errs.ErrNotConnected
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return conn.WriteMessage(messageType, data)
}

// readPump reads frames until the connection dies or Disconnect is called.
// A read failure marks the transport disconnected; it never redials.
func (s *Socket) readPump(conn *websocket.Conn, stop chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
			s.connected = false
			s.stop = nil
		}
		s.mu.Unlock()
		_ = conn.Close()
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		select {
		case <-stop:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
				// Expected: Disconnect closed the connection under us.
			default:
				logger.Warn().Err(err).Msg("Push transport read failed")
				metrics.PushConnected.Set(0)
			}
			return
		}

		reading, err := decodeFrame(message)
		if err != nil {
			logger.Warn().Err(err).Msg("Dropping undecodable push frame")
			continue
		}
		if reading == nil {
			continue
		}

		metrics.PushReadingsTotal.Inc()
		s.dispatch(reading)
	}
}

// pingLoop keeps the connection alive between readings.
func (s *Socket) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch fans one reading out to every subscriber. Handlers are copied
// out under the lock first so they may call back into the transport.
func (s *Socket) dispatch(reading *meter.Reading) {
	s.subMu.Lock()
	handlers := make([]interfaces.PushHandler, 0, len(s.subs))
	for _, h := range s.subs {
		handlers = append(handlers, h)
	}
	s.subMu.Unlock()

	for _, h := range handlers {
		h(reading)
	}
}

// decodeFrame parses one wire frame. It returns (nil, nil) for frames the
// core does not consume, and the decoded reading for reading frames. Bare
// reading objects without an envelope are accepted too; early gateway
// firmware sends them.
func decodeFrame(message []byte) (*meter.Reading, error) {
	var f frame
	if err := json.Unmarshal(message, &f); err != nil {
		return nil, fmt.Errorf("failed to parse frame: %w", err)
	}

	switch f.Type {
	case frameTypeReading:
		var reading meter.Reading
		if err := json.Unmarshal(f.Payload, &reading); err != nil {
			return nil, fmt.Errorf("failed to parse reading payload: %w", err)
		}
		if err := reading.Validate(); err != nil {
			return nil, fmt.Errorf("invalid reading: %w", err)
		}
		return &reading, nil

	case frameTypeError:
		logger.Warn().Str("payload", string(f.Payload)).Msg("Gateway reported stream error")
		return nil, nil

	case "":
		// No envelope: try a bare reading object.
		var reading meter.Reading
		if err := json.Unmarshal(message, &reading); err != nil {
			return nil, fmt.Errorf("failed to parse bare reading: %w", err)
		}
		if err := reading.Validate(); err != nil {
			return nil, fmt.Errorf("invalid bare reading: %w", err)
		}
		return &reading, nil

	default:
		logger.Debug().Str("type", f.Type).Msg("Ignoring unknown frame type")
		return nil, nil
	}
}
