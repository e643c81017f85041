package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"wynnbridge/pkg/auth"
	"wynnbridge/pkg/bus"
	"wynnbridge/pkg/channel"
	"wynnbridge/pkg/config"
	"wynnbridge/pkg/effects"
	"wynnbridge/pkg/itemcode"
	"wynnbridge/pkg/logger"
	"wynnbridge/pkg/relay"
	"wynnbridge/pkg/session"
	"wynnbridge/pkg/version"
)

const shutdownTimeout = 5 * time.Second

var _ channel.Bridge = (*Service)(nil)

// Store is the persistence the gateway needs: channel mappings, mute flags
// and the reward ledger.
type Store interface {
	relay.ChannelResolver
	relay.MuteRegistry
	effects.Ledger
	Ping(ctx context.Context) error
}

type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	store    Store
	verifier *auth.Verifier
	registry *session.Registry
	bus      *bus.MessageBus
	effects  *effects.Dispatcher
	relay    *relay.Broadcaster
	pump     *relay.Pump
	upgrader websocket.Upgrader
	channels []channel.Adapter

	mu            sync.RWMutex
	startedAt     time.Time
	serving       bool
	channelStates map[string]channelState
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status        string                           `json:"status"`
	UptimeSeconds int64                            `json:"uptime_seconds"`
	SinkConnected bool                             `json:"sink_connected"`
	PendingRelays int                              `json:"pending_relays"`
	StorageError  string                           `json:"storage_error,omitempty"`
	Guilds        map[string]session.GuildSnapshot `json:"guilds"`
	Channels      map[string]channelState          `json:"channels"`
}

// NewService wires the relay pipeline around store. Adapters are optional
// in-process platform sinks.
func NewService(cfg *config.Config, store Store, adapters []channel.Adapter, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if log == nil {
		log = logger.Discard()
	}

	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("initialize verifier: %w", err)
	}
	policy, err := version.NewPolicy(cfg.Relay.MinClientVersion)
	if err != nil {
		return nil, fmt.Errorf("initialize version policy: %w", err)
	}

	registry := session.NewRegistry(cfg.Gateway.SinkGuildID, log)
	messageBus := bus.NewMessageBus(cfg.Relay.OutboundBuffer)
	dispatcher := effects.NewDispatcher(store, effects.Options{
		MaxAttempts:    cfg.Effects.MaxAttempts,
		InitialBackoff: time.Duration(cfg.Effects.InitialBackoffMillis) * time.Millisecond,
		Events:         messageBus,
		Logger:         log,
	})
	broadcaster := relay.New(relay.Deps{
		Sessions: registry,
		Channels: relay.StaticChannels{Channels: cfg.Relay.Channels, Fallback: store},
		Mutes:    store,
		Presence: registry,
		Versions: policy,
		Effects:  dispatcher,
		Outbox:   messageBus,
		Items:    itemcode.Wynntils{},
		Logger:   log,
	})

	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		channelStates[adapter.Name()] = channelState{}
	}

	return &Service{
		cfg:      cfg,
		log:      log.With("component", "gateway.service"),
		store:    store,
		verifier: verifier,
		registry: registry,
		bus:      messageBus,
		effects:  dispatcher,
		relay:    broadcaster,
		pump:     relay.NewPump(messageBus, registry, log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Agents and sinks are not browsers; the bearer credential gates access.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		channels:      adapters,
		channelStates: channelStates,
	}, nil
}

// Run serves the websocket endpoint and status routes, drains relay messages
// to the sink and runs adapters until ctx is done or one of them fails.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	addr := net.JoinHostPort(strings.TrimSpace(s.cfg.Gateway.Host), strconv.Itoa(s.cfg.Gateway.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.shutdown()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.serve(gctx, listener) })
	g.Go(func() error { return s.pump.Run(gctx) })
	g.Go(func() error {
		observeEvents(gctx, s.bus, s.log)
		return nil
	})

	for _, adapter := range s.channels {
		s.setChannelState(adapter.Name(), channelState{Running: true})
		g.Go(func() error {
			err := adapter.Run(gctx, s)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
			return nil
		})
	}

	err = g.Wait()
	s.shutdown()
	return err
}

// Handler returns the HTTP routes served by Run.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Gateway.Path, s.handleWebsocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	return mux
}

func (s *Service) serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		// Hijacked websocket handlers watch the request context to close on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.setServing(true)
	defer s.setServing(false)

	s.log.Info("Gateway started", "address", listener.Addr().String(), "path", s.cfg.Gateway.Path)
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve gateway: %w", err)
	}
	return nil
}

// shutdown lets in-flight side effects finish and closes the bus.
func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.effects.Close(ctx); err != nil {
		s.log.Warn("Side effects abandoned at shutdown", "error", err)
	}
	s.bus.Close()
}

// RegisterSink makes an in-process adapter the platform sink.
func (s *Service) RegisterSink(conn session.Conn, label string) func() {
	sess := s.registry.Register(conn, auth.Identity{
		GuildID:    s.cfg.Gateway.SinkGuildID,
		AgentLabel: label,
	})
	return func() { s.registry.Unregister(sess) }
}

// HandlePlatformMessage delivers a message from an in-process adapter.
func (s *Service) HandlePlatformMessage(ctx context.Context, origin session.Conn, msg bus.PlatformMessage) error {
	return s.relay.HandlePlatformMessage(ctx, origin, msg)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondStatus(w, http.StatusOK, s.currentStatus(r.Context(), "ok"))
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	payload := s.currentStatus(r.Context(), "ready")
	statusCode := http.StatusOK
	if !s.isServing() || payload.StorageError != "" {
		statusCode = http.StatusServiceUnavailable
		payload.Status = "not_ready"
	}

	s.respondStatus(w, statusCode, payload)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, payload statusResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(ctx context.Context, status string) statusResponse {
	storageErr := ""
	if err := s.store.Ping(ctx); err != nil {
		storageErr = err.Error()
	}
	_, sinkConnected := s.registry.Sink()

	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		SinkConnected: sinkConnected,
		PendingRelays: s.bus.Pending(),
		StorageError:  storageErr,
		Guilds:        s.registry.Snapshot(),
		Channels:      channels,
	}
}

func (s *Service) setServing(serving bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serving = serving
}

func (s *Service) isServing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serving
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
