// Package app wires the sync services together and manages their lifecycle:
// local state, remote store client, pairing, heartbeat delivery, presence
// tracking, the push bridge, and the HTTP control API the companion UI
// drives.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"pairbeat/go-sync-core/internal/bridge"
	"pairbeat/go-sync-core/internal/config"
	"pairbeat/go-sync-core/internal/heartbeat"
	"pairbeat/go-sync-core/internal/localstate"
	"pairbeat/go-sync-core/internal/model"
	"pairbeat/go-sync-core/internal/pairing"
	"pairbeat/go-sync-core/internal/presence"
	"pairbeat/go-sync-core/internal/pushbroker"
	"pairbeat/go-sync-core/internal/remotestore"
	"pairbeat/go-sync-core/internal/sched"
)

// App owns the PairBeat services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	state     *localstate.State
	store     *remotestore.HTTPClient
	pairing   *pairing.Coordinator
	heartbeat *heartbeat.Engine
	tracker   *presence.Tracker
	bridge    *bridge.Bridge
	broker    *pushbroker.Broker
	mdns      *zeroconf.Server

	hbSched *sched.Scheduler
	prSched *sched.Scheduler

	mu     sync.Mutex
	selfID string
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is
// cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	state, err := localstate.Open(a.cfg.StatePath)
	if err != nil {
		return err
	}
	a.state = state
	if err := a.state.InitSchema(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := a.state.Close(); cerr != nil {
			a.logger.Error("close local state", "error", cerr)
		}
	}()

	a.store = remotestore.NewHTTPClient(
		&http.Client{Timeout: 30 * time.Second},
		a.cfg.StoreBaseURL,
		a.cfg.StoreToken,
		a.cfg.DeviceID,
	)

	if err := a.resolveIdentity(ctx); err != nil {
		return err
	}
	selfID := a.SelfID()

	clock := sched.Real()
	a.hbSched = sched.NewScheduler(clock)
	a.prSched = sched.NewScheduler(clock)
	defer a.hbSched.Stop()
	defer a.prSched.Stop()

	a.pairing = pairing.New(a.store, a.state, clock, a.logger, a.cfg.PairingSessionTTL)
	a.pairing.SetIdentity(selfID)
	if err := a.pairing.Restore(ctx); err != nil {
		return err
	}

	a.heartbeat = heartbeat.New(a.store, a.state, a.hbSched, a.logger, heartbeat.Config{
		Debounce:       a.cfg.HeartbeatDebounce,
		SendTimeout:    a.cfg.HeartbeatSendTimeout,
		MaxRetries:     a.cfg.HeartbeatMaxRetries,
		InitialBackoff: time.Second,
		MaxBackoff:     a.cfg.HeartbeatMaxBackoff,
		FlushInterval:  a.cfg.FlushInterval,
	})
	defer a.heartbeat.Stop()

	a.bridge = bridge.New(a.cfg.BrokerAddress, selfID, bridge.Handlers{
		OnHeartbeat: func(ctx context.Context, at time.Time) {
			a.heartbeat.MarkReceived(ctx, at)
		},
		OnPairingUpdate: func(ctx context.Context, sessionID string) error {
			return a.pairing.CheckPairingStatus(ctx, sessionID)
		},
		OnPartnerLocation: func(ctx context.Context) error {
			return a.tracker.RefreshPartnerLocation(ctx)
		},
		OnLocationSample: func(ctx context.Context, sample model.LocationSample) {
			a.tracker.HandleSample(ctx, sample)
		},
		OnProviderError: func(err error) {
			a.tracker.HandleProviderError(err)
		},
		OnConnectivityRestored: func(ctx context.Context) {
			a.heartbeat.FlushPending(ctx, a.SelfID())
		},
	}, a.logger)

	provider := bridge.NewProvider(a.bridge)
	a.tracker = presence.New(a.store, a.state, a.prSched, provider, a.logger, presence.Config{
		MaxAccuracy:               a.cfg.MaxLocationAccuracy,
		MaxSampleAge:              a.cfg.MaxLocationAge,
		PublishInterval:           a.cfg.PublishInterval,
		PublishIntervalContinuous: a.cfg.PublishIntervalContinuous,
		RefreshInterval:           a.cfg.RefreshInterval,
		RefreshIntervalContinuous: a.cfg.RefreshIntervalContinuous,
		LocationTTL:               a.cfg.LocationTTL,
		NearbyCandidate:           a.cfg.NearbyCandidateMeters,
		ProximityRadius:           a.cfg.ProximityMeters,
		EncounterCooldown:         a.cfg.EncounterCooldown,
		StoreTimeout:              a.cfg.HeartbeatSendTimeout,
		MaxRetries:                2,
		InitialBackoff:            time.Second,
		MaxBackoff:                30 * time.Second,
	})
	a.tracker.SetIdentity(selfID)
	a.tracker.SetPartnerFunc(a.pairing.PartnerID)
	defer a.tracker.Stop()

	a.pairing.SetOnPaired(func(partnerID string) {
		a.logger.Info("paired", "partner", partnerID)
	})

	var brokerErrCh <-chan error
	if a.cfg.EmbeddedBroker {
		a.broker = pushbroker.New(a.logger)
		brokerErrCh, err = a.broker.Start(a.cfg.MQTTBind)
		if err != nil {
			return err
		}
		defer func() { _ = a.broker.Stop() }()
	}

	if err := a.bridge.Connect(ctx); err != nil {
		// The bridge keeps retrying; queued heartbeats flush once the
		// connection lands.
		a.logger.Warn("push bridge connect failed, retrying in background", "error", err)
	}
	defer a.bridge.Close()

	if err := a.tracker.Restore(ctx); err != nil {
		if !errors.Is(err, presence.ErrPermissionDenied) {
			a.logger.Warn("presence restore failed", "error", err)
		}
	}

	a.heartbeat.Start(selfID)
	a.heartbeat.FlushPending(ctx, selfID)

	if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
		a.logger.Warn("mDNS advertisement failed", "error", err)
	}
	defer a.stopMDNS()

	httpErrCh := make(chan error, 1)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: a.routes(),
	}

	go func() {
		a.logger.Info("control api started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("control api stopped")
			return nil
		case err := <-httpErrCh:
			if err != nil {
				return err
			}
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			if err != nil {
				_ = httpServer.Shutdown(context.Background())
				return err
			}
		}
	}
}

// SelfID returns the resolved device identity, empty until the handshake or
// cache produced one.
func (a *App) SelfID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selfID
}

// resolveIdentity fetches the store-assigned identity, falling back to the
// cached copy so a restart while offline still flushes queued heartbeats.
func (a *App) resolveIdentity(ctx context.Context) error {
	handshakeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	identity, err := a.store.Handshake(handshakeCtx)
	if err == nil && identity.UserID != "" {
		if err := a.state.SetUserID(ctx, identity.UserID); err != nil {
			return err
		}
		a.mu.Lock()
		a.selfID = identity.UserID
		a.mu.Unlock()
		a.logger.Info("identity resolved", "user", identity.UserID)
		return nil
	}

	cached, cacheErr := a.state.UserID(ctx)
	if cacheErr != nil {
		return cacheErr
	}
	if cached == "" {
		return fmt.Errorf("resolve identity: %w", err)
	}
	a.mu.Lock()
	a.selfID = cached
	a.mu.Unlock()
	a.logger.Warn("identity handshake failed, using cached identity", "user", cached, "error", err)
	return nil
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.HandleFunc("/api/status", a.handleStatus)
	mux.HandleFunc("/api/pairing/generate", a.handleGenerateCode)
	mux.HandleFunc("/api/pairing/enter", a.handleEnterCode)
	mux.HandleFunc("/api/pairing/unpair", a.handleUnpair)
	mux.HandleFunc("/api/heartbeat/send", a.handleHeartbeatSend)
	mux.HandleFunc("/api/presence/enable", a.handlePresenceEnable)
	mux.HandleFunc("/api/presence/disable", a.handlePresenceDisable)
	mux.HandleFunc("/api/presence/continuous", a.handlePresenceContinuous)
	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.state == nil || a.SelfID() == "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	lastSent, _ := a.state.LastSentAt(ctx)
	lastReceived, _ := a.state.LastReceivedAt(ctx)
	lastEncounter, _ := a.state.LastEncounterAt(ctx)
	continuous, _ := a.state.ContinuousTracking(ctx)
	distance, haveDistance := a.tracker.DistanceToPartner()

	response := struct {
		UserID          string  `json:"user_id"`
		Paired          bool    `json:"paired"`
		PartnerID       string  `json:"partner_id,omitempty"`
		LastSentAt      string  `json:"last_sent_at,omitempty"`
		LastReceivedAt  string  `json:"last_received_at,omitempty"`
		PendingCount    int     `json:"pending_heartbeats"`
		PresenceStatus  string  `json:"presence_status"`
		Continuous      bool    `json:"continuous_tracking"`
		NearPartner     bool    `json:"near_partner"`
		DistanceMeters  float64 `json:"distance_meters,omitempty"`
		DistanceKnown   bool    `json:"distance_known"`
		LastEncounterAt string  `json:"last_encounter_at,omitempty"`
	}{
		UserID:          a.SelfID(),
		Paired:          a.pairing.IsPaired(),
		PartnerID:       a.pairing.PartnerID(),
		PendingCount:    a.heartbeat.QueueDepth(ctx),
		PresenceStatus:  string(a.tracker.Status()),
		Continuous:      continuous,
		NearPartner:     a.tracker.IsNearPartner(),
		DistanceMeters:  distance,
		DistanceKnown:   haveDistance,
	}
	if !lastSent.IsZero() {
		response.LastSentAt = lastSent.UTC().Format(time.RFC3339Nano)
	}
	if !lastReceived.IsZero() {
		response.LastReceivedAt = lastReceived.UTC().Format(time.RFC3339Nano)
	}
	if !lastEncounter.IsZero() {
		response.LastEncounterAt = lastEncounter.UTC().Format(time.RFC3339Nano)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("encode status response failed", "error", err)
	}
}

func (a *App) handleGenerateCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	code, expiresAt, err := a.pairing.GenerateCode(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}

	response := struct {
		Code      string `json:"code"`
		ExpiresAt string `json:"expires_at"`
	}{Code: code, ExpiresAt: expiresAt.UTC().Format(time.RFC3339Nano)}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("encode generate response failed", "error", err)
	}
}

func (a *App) handleEnterCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	partnerID, err := a.pairing.EnterCode(r.Context(), req.Code)
	if err != nil {
		a.writeError(w, err)
		return
	}

	response := struct {
		PartnerID string `json:"partner_id"`
	}{PartnerID: partnerID}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("encode enter response failed", "error", err)
	}
}

func (a *App) handleUnpair(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := a.pairing.Unpair(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleHeartbeatSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	err := a.heartbeat.Send(r.Context(), a.SelfID(), a.pairing.PartnerID())
	if err != nil {
		if remotestore.IsConnectivity(err) {
			// Queued durably; delivery resumes on reconnect or flush.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"status":"queued"}`))
			return
		}
		a.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"sent"}`))
}

func (a *App) handlePresenceEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.pairing.IsPaired() {
		http.Error(w, "pair before enabling presence", http.StatusConflict)
		return
	}
	if err := a.tracker.Enable(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handlePresenceDisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := a.tracker.Disable(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handlePresenceContinuous(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := a.tracker.SetContinuous(r.Context(), req.Enabled); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pairing.ErrInvalidCodeFormat),
		errors.Is(err, pairing.ErrOwnCode),
		errors.Is(err, heartbeat.ErrSelfLoop),
		errors.Is(err, heartbeat.ErrNotPaired):
		status = http.StatusBadRequest
	case errors.Is(err, pairing.ErrCodeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pairing.ErrPairingExpired),
		errors.Is(err, pairing.ErrCodeAlreadyUsed),
		errors.Is(err, pairing.ErrPairingConflict),
		errors.Is(err, heartbeat.ErrSendInFlight):
		status = http.StatusConflict
	case errors.Is(err, heartbeat.ErrDebounced):
		status = http.StatusTooManyRequests
	case errors.Is(err, presence.ErrPermissionDenied):
		status = http.StatusForbidden
	case remotestore.IsConnectivity(err):
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}
