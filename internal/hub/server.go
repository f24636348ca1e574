package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jarvislabs/jarvis/internal/audit"
	"github.com/jarvislabs/jarvis/internal/auth"
	"github.com/jarvislabs/jarvis/internal/bus"
	"github.com/jarvislabs/jarvis/internal/config"
	"github.com/jarvislabs/jarvis/internal/cron"
	"github.com/jarvislabs/jarvis/internal/kv"
	"github.com/jarvislabs/jarvis/internal/observability"
	"github.com/jarvislabs/jarvis/internal/ratelimit"
	"github.com/jarvislabs/jarvis/internal/storage"
	"github.com/jarvislabs/jarvis/pkg/models"
)

// Server is the hub process: the WS control plane plus every consumer that
// keeps fabric state moving.
type Server struct {
	cfg     *config.Config
	bus     bus.Bus
	kv      kv.Store
	layout  *storage.Layout
	metrics *observability.Metrics
	logger  *slog.Logger

	clients     *ClientRegistry
	methods     *MethodRegistry
	limiter     *ratelimit.Limiter
	scheduler   *Scheduler
	monitor     *Monitor
	bridge      *Bridge
	coordinator *Coordinator
	channels    *Channels
	cron        *cron.Scheduler
	lockout     *auth.Lockout

	upgrader   websocket.Upgrader
	httpServer *http.Server
	startTime  time.Time

	runCtx context.Context
	cancel context.CancelFunc
}

// New assembles the hub. Nothing starts until Start.
func New(cfg *config.Config, b bus.Bus, store kv.Store, layout *storage.Layout,
	metrics *observability.Metrics, tracer *observability.Tracer, logger *slog.Logger) (*Server, error) {
	logger = logger.With("component", "hub")

	clients := NewClientRegistry(metrics, logger)
	limiter := ratelimit.New(cfg.Hub.MethodRatePerMin)
	methods := NewMethodRegistry(limiter, metrics, tracer, logger)
	scheduler := NewScheduler(b, store, clients, metrics, logger)
	monitor := NewMonitor(b, store, clients, scheduler, metrics,
		cfg.Hub.HeartbeatInterval, cfg.Hub.HeartbeatTimeout, logger)

	s := &Server{
		cfg:         cfg,
		bus:         b,
		kv:          store,
		layout:      layout,
		metrics:     metrics,
		logger:      logger,
		clients:     clients,
		methods:     methods,
		limiter:     limiter,
		scheduler:   scheduler,
		monitor:     monitor,
		bridge:      NewBridge(b, scheduler, clients, metrics, logger),
		coordinator: NewCoordinator(b, scheduler, logger),
		channels:    NewChannels(b, store, layout, clients, logger),
		lockout:     auth.NewLockout(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}

	// Dispatch needs a live context before Start, for tests that mount
	// Handler directly.
	s.runCtx = context.Background()
	s.startTime = time.Now()

	cronDir, err := layout.CronJobsDir()
	if err != nil {
		return nil, fmt.Errorf("cron jobs dir: %w", err)
	}
	s.cron, err = cron.New(cron.NewStore(cronDir), s.createCronTask, cron.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("cron scheduler: %w", err)
	}

	s.registerMethods()
	return s, nil
}

// Start launches the bus consumers and the HTTP listener.
func (s *Server) Start(ctx context.Context) error {
	s.startTime = time.Now()
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := s.monitor.Start(s.runCtx); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}
	if err := s.bridge.Start(s.runCtx); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	if err := s.coordinator.Start(s.runCtx); err != nil {
		return fmt.Errorf("start coordination: %w", err)
	}
	if err := s.channels.Start(s.runCtx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	s.cron.Start(s.runCtx)

	addr := fmt.Sprintf("%s:%d", s.cfg.Hub.Host, s.cfg.Hub.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("hub listen on %s: %w", addr, err)
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("hub listening", "addr", addr, "storage", s.layout.Base,
		"storage_fallback", s.layout.Fallback)
	return nil
}

// Stop shuts the hub down: HTTP first so no new clients arrive, then the
// consumers, then the background trackers.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown error", "error", err)
		}
	}
	s.clients.CloseAll()
	if err := s.cron.Stop(ctx); err != nil {
		s.logger.Warn("cron stop error", "error", err)
	}
	s.coordinator.Stop()
	s.channels.Stop()
	s.bridge.Stop()
	s.monitor.Stop()
	s.lockout.Destroy()
	s.limiter.Destroy()
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("hub stopped")
	return nil
}

// Handler builds the HTTP surface. Exposed so tests can run the hub on
// httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/auth/token", s.handleAuthToken)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)

	if s.lockout.Blocked(ip) {
		audit.Default().AuthBlocked(ip, ip)
		s.recordAuth("blocked")
		http.Error(w, "too many failed attempts", http.StatusTooManyRequests)
		return
	}

	token := bearerToken(r)
	if !auth.VerifyToken(token, s.cfg.Auth.Token) &&
		!auth.VerifyMachineToken(token, s.cfg.Auth.MachineTokenHashes) {
		if s.lockout.RecordFailure(ip) {
			s.logger.Warn("source locked out after repeated auth failures", "ip", ip)
		}
		audit.Default().AuthFailure(ip, ip, "bad token")
		s.recordAuth("failure")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.lockout.RecordSuccess(ip)
	audit.Default().AuthSuccess(ip, ip)
	s.recordAuth("success")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := newClient(uuid.NewString(), conn, s.logger)
	s.clients.Add(client)
	defer s.clients.Remove(client.ID)

	go client.writePump()
	client.readPump(func(frame *Frame) {
		s.dispatch(client, frame)
	})
}

// dispatch runs one request frame. Frames are handled in arrival order per
// connection; pings keep flowing from the write pump while a method runs.
func (s *Server) dispatch(client *Client, frame *Frame) {
	if s.metrics != nil {
		s.metrics.RecordFrame(FrameRequest, "inbound")
	}
	result, errp := s.methods.Dispatch(s.runCtx, client.ID, frame.Method, frame.Params)
	var out *Frame
	if errp != nil {
		out = ErrorFrame(frame.ID, errp)
	} else {
		out = ResultFrame(frame.ID, result)
	}
	client.sendResponse(out)
	if s.metrics != nil {
		s.metrics.RecordFrame(FrameResponse, "outbound")
	}
}

// handleAuthToken hands the dashboard token to loopback callers so local
// CLI setup works without copying secrets around.
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	ip := net.ParseIP(remoteIP(r))
	if ip == nil || !ip.IsLoopback() {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if s.cfg.Auth.Token == "" {
		http.Error(w, "no token configured", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"token": s.cfg.Auth.Token})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) createCronTask(ctx context.Context, job cron.Spec) (*models.Task, error) {
	return s.scheduler.CreateTask(ctx, TaskRequest{
		Title:                job.Task.Title,
		Description:          job.Task.Description,
		Priority:             job.Task.Priority,
		RequiredCapabilities: job.Task.RequiredCapabilities,
		CreatedBy:            "cron:" + job.ID,
	})
}

func (s *Server) recordAuth(result string) {
	if s.metrics != nil {
		s.metrics.RecordAuthEvent(result)
	}
}

// bearerToken pulls the client token from the query string or the
// Authorization header.
func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
