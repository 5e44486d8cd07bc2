// Package hub composes the registry, delivery engine, dispatch fabric, push
// server, and event bus behind a single facade (C6): the one type main.go
// constructs, starts, and shuts down.
package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"relaymesh/hub/internal/auth"
	"relaymesh/hub/internal/audit"
	"relaymesh/hub/internal/config"
	"relaymesh/hub/internal/delivery"
	"relaymesh/hub/internal/dispatch"
	"relaymesh/hub/internal/events"
	"relaymesh/hub/internal/logging"
	"relaymesh/hub/internal/metrics"
	"relaymesh/hub/internal/pushserver"
	"relaymesh/hub/internal/registry"
)

// transportProxy breaks the construction cycle between the delivery engine
// (which needs a Dispatcher at construction time) and the push server
// (which needs that same Engine at construction time): the fabric is built
// against the proxy, and the real push server is installed into it once
// both exist.
type transportProxy struct {
	mu     sync.RWMutex
	server *pushserver.Server
}

func (p *transportProxy) Deliver(envelope delivery.Envelope) error {
	p.mu.RLock()
	server := p.server
	p.mu.RUnlock()
	if server == nil {
		return fmt.Errorf("push server not yet started")
	}
	return server.Deliver(envelope)
}

func (p *transportProxy) bind(server *pushserver.Server) {
	p.mu.Lock()
	p.server = server
	p.mu.Unlock()
}

// Hub wires C1-C5 together and owns the lifecycle of their background loops.
type Hub struct {
	cfg *config.Config
	log *logging.Logger
	now func() time.Time

	Registry *registry.Registry
	Engine   *delivery.Engine
	Fabric   *dispatch.Fabric
	Bus      *events.Bus
	Push     *pushserver.Server
	Metrics  *metrics.Metrics

	boltStore   *registry.Store
	asyncWriter *registry.AsyncWriter
	trail       *audit.Trail
	fabricOpts  []dispatch.Option

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Option configures optional Hub collaborators at construction time.
type Option func(*Hub)

// WithMemoryStore wires an external archive/search collaborator into the
// dispatch fabric.
func WithMemoryStore(store dispatch.MemoryStore) Option {
	return func(h *Hub) {
		if store != nil {
			h.fabricOpts = append(h.fabricOpts, dispatch.WithMemoryStore(store))
		}
	}
}

// New constructs every component and wires them together. Apart from the
// registry's persistence writer and the audit trail's writer goroutines, it
// starts no background loop; call Start for the sweep, metrics, and
// push-server loops.
func New(cfg *config.Config, log *logging.Logger, opts ...Option) (*Hub, error) {
	if cfg == nil {
		return nil, fmt.Errorf("hub: nil config")
	}
	if log == nil {
		log = logging.L()
	}

	h := &Hub{cfg: cfg, log: log, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	h.Bus = events.NewBus()
	h.Metrics = metrics.New()

	if cfg.BoltPath != "" {
		store, err := registry.OpenStore(cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("opening instance store: %w", err)
		}
		h.boltStore = store
	}
	h.asyncWriter = registry.NewAsyncWriter(h.boltStore)

	h.Registry = registry.New(
		registry.WithBus(h.Bus),
		registry.WithPersistence(h.asyncWriter),
	)

	if cfg.AuditDir != "" {
		trail, err := audit.Open(cfg.AuditDir, h.now(), log.With(logging.String("component", "audit")))
		if err != nil {
			return nil, fmt.Errorf("opening audit trail: %w", err)
		}
		h.trail = trail
	}

	proxy := &transportProxy{}
	fabricOpts := append([]dispatch.Option{
		dispatch.WithMetrics(h.Metrics),
		dispatch.WithLogger(log.With(logging.String("component", "dispatch"))),
	}, h.fabricOpts...)
	if h.trail != nil {
		fabricOpts = append(fabricOpts, dispatch.WithAudit(h.trail))
	}
	h.Fabric = dispatch.New(proxy, h.Bus, fabricOpts...)

	h.Engine = delivery.New(h.Registry, h.Fabric, delivery.Config{
		DeliveryTimeout: cfg.DeliveryTimeout,
		AckTimeout:      cfg.AckTimeout,
		MaxRetries:      cfg.MaxRetries,
		BaseBackoff:     cfg.BaseBackoff,
		SweeperInterval: cfg.SweeperInterval,
		EvictionAge:     cfg.EvictionAge,
	}, delivery.WithLogger(log.With(logging.String("component", "delivery"))))

	checker, err := buildCredentialChecker(cfg)
	if err != nil {
		return nil, err
	}

	pushOpts := []pushserver.Option{pushserver.WithLogger(log.With(logging.String("component", "pushserver")))}
	if checker != nil {
		pushOpts = append(pushOpts, pushserver.WithCredentialChecker(checker))
	}
	h.Push = pushserver.New(h.Registry, h.Engine, h.Bus, pushserver.Config{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		SweeperInterval:  cfg.SweeperInterval,
		AllowedOrigins:   cfg.AllowedOrigins,
	}, pushOpts...)
	proxy.bind(h.Push)

	return h, nil
}

func buildCredentialChecker(cfg *config.Config) (auth.CredentialChecker, error) {
	switch cfg.CredentialMode {
	case config.CredentialHMAC:
		checker, err := auth.NewHMACChecker(cfg.HMACSecret, 0)
		if err != nil {
			return nil, fmt.Errorf("building hmac credential checker: %w", err)
		}
		return checker, nil
	case config.CredentialOIDC:
		checker, err := auth.NewOIDCChecker(context.Background(), cfg.OIDCIssuer, cfg.OIDCClientID)
		if err != nil {
			return nil, fmt.Errorf("building oidc credential checker: %w", err)
		}
		return checker, nil
	default:
		return nil, nil
	}
}

// Start begins every background loop: the push server's lifecycle-event
// fan-out and heartbeat sweep, and the engine's eviction sweep plus periodic
// metrics observation. It returns immediately; loops stop when Stop is
// called.
func (h *Hub) Start(ctx context.Context) {
	h.startedAt = h.now()
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.Push.Start(ctx)

	interval := h.cfg.SweeperInterval
	if interval <= 0 {
		interval = time.Minute
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Engine.Sweep()
				h.observeMetrics()
				if h.trail != nil {
					if err := h.trail.RecordStatsSnapshot(h.now(), h.Stats()); err != nil {
						h.log.Warn("stats snapshot failed", logging.Error(err))
					}
				}
			}
		}
	}()

	h.log.Info("hub started",
		logging.Int("push_port", h.cfg.PushPort),
		logging.String("credential_mode", string(h.cfg.CredentialMode)))
}

func (h *Hub) observeMetrics() {
	h.Metrics.ConnectedSessions.Set(float64(h.Push.Stats().ConnectedSessions))
	online := 0
	for _, inst := range h.Registry.Snapshot() {
		if inst.Online {
			online++
		}
	}
	h.Metrics.RegisteredInstances.Set(float64(online))
	counts := make(map[string]int)
	for _, snap := range h.Engine.Pending() {
		counts[string(snap.Status)]++
	}
	h.Metrics.ObserveTrackedMessages(counts)
}

// Stop cancels every background loop and releases durable resources. Safe
// to call once after Start.
func (h *Hub) Stop() error {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()

	var firstErr error
	if h.trail != nil {
		if err := h.trail.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	h.asyncWriter.Close()
	if h.boltStore != nil {
		if err := h.boltStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
