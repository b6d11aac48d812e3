// Package ws is the WebSocket front door: it accepts device, satellite, and
// chat connections, authenticates them, enforces connection and frame-rate
// limits, and routes typed frames to the registry, the audio pipeline, the
// intent router, and the wake-word broadcaster.
//
// Frames from a single connection are processed in receive order; long-running
// work (the voice turn after audio_end, a chat reply) is handed off to its own
// goroutine so heartbeats keep flowing.
package ws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/renfield-ai/renfield/internal/config"
	"github.com/renfield-ai/renfield/internal/observe"
	"github.com/renfield-ai/renfield/internal/protocol"
	"github.com/renfield-ai/renfield/internal/registry"
	"github.com/renfield-ai/renfield/internal/router"
	"github.com/renfield-ai/renfield/internal/wakeword"
)

// maxFrameBytes caps a single inbound frame; audio chunks arrive
// base64-encoded well below this.
const maxFrameBytes = 4 << 20

// AudioPipeline runs the voice turn after audio_end. Implemented by
// pipeline.Pipeline.
type AudioPipeline interface {
	ProcessAudioEnd(ctx context.Context, sessionID string) error
}

// Responder produces the reply for a chat utterance. Implemented by
// router.Router.
type Responder interface {
	Handle(ctx context.Context, req router.Request) (*router.Reply, error)
}

// WakeSync is the wake-word broadcaster surface the server needs.
// Implemented by wakeword.Broadcaster.
type WakeSync interface {
	Current() (protocol.WakeConfig, int64)
	Subscribe(deviceID string, conn wakeword.Sender)
	Unsubscribe(deviceID string)
	HandleAck(deviceID string, ack *protocol.ConfigAck)
}

// PresenceSink consumes beacon sightings. Implemented by presence.Tracker.
type PresenceSink interface {
	ObserveBeacon(person string, roomID int64, roomName string, rssi int)
}

// Server terminates WebSocket connections and serves the operational HTTP
// endpoints (/healthz, /metrics) on the same listener.
type Server struct {
	cfg      config.ServerConfig
	registry *registry.Registry
	pipeline AudioPipeline
	router   Responder
	wake     WakeSync
	presence PresenceSink

	metrics *observe.Metrics
	log     *slog.Logger

	mu        sync.Mutex
	perIP     map[string]int
	perDevice map[string]int
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithPresence attaches the presence tracker fed by beacon reports. Without
// one, beacon_report frames are dropped.
func WithPresence(p PresenceSink) Option {
	return func(s *Server) { s.presence = p }
}

// New builds a Server. Zero-valued limits get their defaults.
func New(cfg config.ServerConfig, reg *registry.Registry, pipe AudioPipeline, resp Responder, wake WakeSync, opts ...Option) *Server {
	if cfg.Limits.MaxConnsPerIP <= 0 {
		cfg.Limits.MaxConnsPerIP = 16
	}
	if cfg.Limits.MaxConnsPerDevice <= 0 {
		cfg.Limits.MaxConnsPerDevice = 2
	}
	if cfg.Limits.MessagesPerSecond <= 0 {
		cfg.Limits.MessagesPerSecond = 50
	}
	if cfg.Limits.MessageBurst <= 0 {
		cfg.Limits.MessageBurst = 100
	}
	if cfg.Limits.SendQueueSize <= 0 {
		cfg.Limits.SendQueueSize = 64
	}
	s := &Server{
		cfg:       cfg,
		registry:  reg,
		pipeline:  pipe,
		router:    resp,
		wake:      wake,
		metrics:   observe.DefaultMetrics(),
		log:       slog.Default(),
		perIP:     make(map[string]int),
		perDevice: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP mux serving the WebSocket endpoints alongside
// /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/ws/satellite", s.handleWS)
	mux.HandleFunc("/ws/device", s.handleWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// handleWS upgrades the connection and runs its receive loop until the peer
// goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	wsc, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Debug("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	wsc.SetReadLimit(maxFrameBytes)
	conn := newConn(context.Background(), wsc, s.cfg.Limits.SendQueueSize)

	if code, errFrame := s.authorize(r); errFrame != nil {
		conn.Send(*errFrame)
		conn.Close(code, errFrame.Code)
		return
	}

	if !s.acquireIP(ip) {
		conn.Send(protocol.NewError(protocol.CodeRateLimited, "too many connections from this address"))
		conn.Close(protocol.CloseConnectionLimit, "connection limit")
		return
	}
	defer s.releaseIP(ip)

	s.serve(r, conn, ip)
}

// authorize checks the bearer token when auth is enabled. A nil error frame
// means the connection may proceed.
func (s *Server) authorize(r *http.Request) (int, *protocol.Error) {
	auth := s.cfg.Auth
	if auth == nil || !auth.Enabled {
		return 0, nil
	}
	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	switch {
	case token == "":
		frame := protocol.NewError(protocol.CodeAuthRequired, "authentication required")
		return protocol.CloseUnauthorized, &frame
	case token != auth.Token:
		frame := protocol.NewError(protocol.CodeUnauthorized, "invalid token")
		return protocol.CloseUnauthorized, &frame
	}
	return 0, nil
}

// serve is the per-connection receive loop.
func (s *Server) serve(r *http.Request, conn *Conn, ip string) {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.Limits.MessagesPerSecond), s.cfg.Limits.MessageBurst)
	ctx := conn.ctx

	var deviceID string
	defer func() {
		if deviceID != "" {
			s.wake.Unsubscribe(deviceID)
			s.registry.Unregister(context.WithoutCancel(ctx), deviceID, conn)
			s.releaseDevice(deviceID)
		}
		conn.Close(int(websocket.StatusNormalClosure), "")
	}()

	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			s.log.Debug("connection closed", "device_id", deviceID, "error", err)
			return
		}
		if !limiter.Allow() {
			conn.Send(protocol.NewError(protocol.CodeRateLimited, "message rate exceeded"))
			continue
		}

		frame, err := protocol.ParseInbound(data)
		if err != nil {
			conn.Send(protocol.NewError(protocol.CodeInvalidMessage, err.Error()))
			continue
		}

		switch f := frame.(type) {
		case *protocol.Register:
			deviceID = s.handleRegister(ctx, conn, f, deviceID, ip, r.UserAgent())

		case *protocol.WakewordDetected:
			s.metrics.RecordFrame(ctx, protocol.TypeWakewordDetected)
			s.startSession(ctx, conn, deviceID, registry.StartOptions{
				SessionID:  f.SessionID,
				Keyword:    f.Keyword,
				Confidence: f.Confidence,
			})

		case *protocol.StartSession:
			s.metrics.RecordFrame(ctx, protocol.TypeStartSession)
			s.startSession(ctx, conn, deviceID, registry.StartOptions{})

		case *protocol.Audio:
			s.metrics.RecordFrame(ctx, protocol.TypeAudio)
			s.handleAudio(ctx, conn, f)

		case *protocol.AudioEnd:
			s.metrics.RecordFrame(ctx, protocol.TypeAudioEnd)
			go func(sessionID string) {
				if err := s.pipeline.ProcessAudioEnd(context.Background(), sessionID); err != nil {
					s.log.Warn("voice turn failed", "session_id", sessionID, "error", err)
				}
			}(f.SessionID)

		case *protocol.Text:
			s.metrics.RecordFrame(ctx, protocol.TypeText)
			go s.handleText(context.WithoutCancel(ctx), conn, deviceID, f)

		case *protocol.Heartbeat:
			s.metrics.RecordFrame(ctx, protocol.TypeHeartbeat)
			s.log.Debug("heartbeat",
				"device_id", deviceID, "status", f.Status,
				"uptime_s", f.UptimeSeconds, "version", f.Version)
			conn.Send(protocol.NewHeartbeatAck())

		case *protocol.BeaconReport:
			s.metrics.RecordFrame(ctx, protocol.TypeBeaconReport)
			s.handleBeacons(deviceID, f)

		case *protocol.ConfigAck:
			s.metrics.RecordFrame(ctx, protocol.TypeConfigAck)
			if deviceID != "" {
				s.wake.HandleAck(deviceID, f)
			}

		case *protocol.UpdateProgress:
			s.log.Info("device update progress",
				"device_id", deviceID, "stage", f.Stage, "progress", f.Progress)

		case *protocol.UpdateComplete:
			s.log.Info("device update complete", "device_id", deviceID, "version", f.Version)

		case *protocol.UpdateFailed:
			s.log.Warn("device update failed",
				"device_id", deviceID, "stage", f.Stage, "message", f.Message)
		}
	}
}

// handleRegister admits the device and replies with register_ack. Returns the
// connection's device id, unchanged on failure.
func (s *Server) handleRegister(ctx context.Context, conn *Conn, f *protocol.Register, current, ip, userAgent string) string {
	s.metrics.RecordFrame(ctx, protocol.TypeRegister)

	if current == "" && !s.acquireDevice(f.DeviceID) {
		conn.Send(protocol.NewError(protocol.CodeRateLimited, "too many connections for this device"))
		conn.Close(protocol.CloseConnectionLimit, "device connection limit")
		return current
	}

	dev, err := s.registry.Register(ctx, registry.RegisterRequest{
		DeviceID:     f.DeviceID,
		DeviceType:   f.DeviceType,
		Room:         f.Room,
		DeviceName:   f.DeviceName,
		Overrides:    f.Capabilities,
		IsStationary: f.IsStationary,
		Language:     f.Language,
		UserAgent:    userAgent,
		IPAddress:    ip,
	}, conn)
	if err != nil {
		if current == "" {
			s.releaseDevice(f.DeviceID)
		}
		conn.Send(protocol.NewError(protocol.CodeDeviceError, err.Error()))
		return current
	}

	wakeCfg, _ := s.wake.Current()
	conn.Send(protocol.RegisterAck{
		Type:     protocol.TypeRegisterAck,
		Success:  true,
		DeviceID: dev.DeviceID,
		Config:   wakeCfg,
		RoomID:   dev.RoomID,
		Capabilities: protocol.Capabilities{
			HasMicrophone: dev.Capabilities.HasMicrophone,
			HasSpeaker:    dev.Capabilities.HasSpeaker,
			HasDisplay:    dev.Capabilities.HasDisplay,
			HasWakeword:   dev.Capabilities.HasWakeword,
			HasCamera:     dev.Capabilities.HasCamera,
		},
		ProtocolVersion: protocol.Version,
	})
	if dev.Capabilities.HasWakeword {
		s.wake.Subscribe(dev.DeviceID, conn)
	}
	return dev.DeviceID
}

// startSession opens a session for a registered device, reporting failures as
// error frames rather than closing the connection.
func (s *Server) startSession(ctx context.Context, conn *Conn, deviceID string, opts registry.StartOptions) {
	if deviceID == "" {
		conn.Send(protocol.NewError(protocol.CodeDeviceError, "register before starting a session"))
		return
	}
	if _, err := s.registry.StartSession(ctx, deviceID, opts); err != nil {
		conn.Send(protocol.NewError(protocol.CodeDeviceError, err.Error()))
	}
}

// handleAudio decodes and buffers one audio chunk. Buffer overflow is fully
// handled by the registry (error frame plus session_end); other failures are
// logged and dropped so a lagging device cannot error-storm the session.
func (s *Server) handleAudio(ctx context.Context, conn *Conn, f *protocol.Audio) {
	chunk, err := base64.StdEncoding.DecodeString(f.Chunk)
	if err != nil {
		conn.Send(protocol.NewError(protocol.CodeInvalidMessage, "audio chunk is not valid base64"))
		return
	}
	if err := s.registry.BufferAudio(ctx, f.SessionID, chunk, f.Sequence); err != nil &&
		!errors.Is(err, registry.ErrBufferFull) {
		s.log.Debug("audio chunk dropped",
			"session_id", f.SessionID, "seq", f.Sequence, "error", err)
	}
}

// handleBeacons feeds a satellite's BLE sightings into the presence tracker.
// The satellite's own room locates them.
func (s *Server) handleBeacons(deviceID string, f *protocol.BeaconReport) {
	if s.presence == nil || deviceID == "" {
		return
	}
	dev, ok := s.registry.GetDevice(deviceID)
	if !ok || dev.RoomID == 0 {
		s.log.Debug("beacon report from a device without a room", "device_id", deviceID)
		return
	}
	for _, sighting := range f.Sightings {
		if sighting.Person == "" {
			continue
		}
		s.presence.ObserveBeacon(sighting.Person, dev.RoomID, dev.RoomName, sighting.RSSI)
	}
}

// handleText runs the chat path: the router replies with streamed text, no
// audio pipeline involved.
func (s *Server) handleText(ctx context.Context, conn *Conn, deviceID string, f *protocol.Text) {
	sessionID := f.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	req := router.Request{
		SessionID:       sessionID,
		DeviceID:        deviceID,
		Text:            f.Content,
		UseRAG:          f.UseRAG,
		KnowledgeBaseID: f.KnowledgeBaseID,
		Stream: func(chunk string) {
			conn.Send(protocol.NewStream(sessionID, chunk))
		},
		Emit: func(frame any) {
			conn.Send(frame)
		},
	}
	if dev, ok := s.registry.GetDevice(deviceID); ok {
		req.RoomID = dev.RoomID
		req.RoomName = dev.RoomName
	}

	reply, err := s.router.Handle(ctx, req)
	if err != nil {
		s.log.Error("chat turn failed", "session_id", sessionID, "error", err)
		conn.Send(protocol.NewError(protocol.CodeInternal, "reply generation failed"))
		return
	}
	conn.Send(protocol.NewResponseText(sessionID, reply.Text, true))
	conn.Send(protocol.NewDone(false, reply.AgentSteps, reply.Intent))
}

// ─────────────────────────────────────────────────────────────────────────────
// Connection accounting
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) acquireIP(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perIP[ip] >= s.cfg.Limits.MaxConnsPerIP {
		return false
	}
	s.perIP[ip]++
	return true
}

func (s *Server) releaseIP(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perIP[ip]--; s.perIP[ip] <= 0 {
		delete(s.perIP, ip)
	}
}

func (s *Server) acquireDevice(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perDevice[deviceID] >= s.cfg.Limits.MaxConnsPerDevice {
		return false
	}
	s.perDevice[deviceID]++
	return true
}

func (s *Server) releaseDevice(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perDevice[deviceID]--; s.perDevice[deviceID] <= 0 {
		delete(s.perDevice, deviceID)
	}
}

// clientIP extracts the peer address without the port.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
