package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/arc3silicon/dgateplus/pkg/apiauth"
	"github.com/arc3silicon/dgateplus/pkg/audit"
	"github.com/arc3silicon/dgateplus/pkg/correlation"
	"github.com/arc3silicon/dgateplus/pkg/engine"
	"github.com/arc3silicon/dgateplus/pkg/fingerprint"
	"github.com/arc3silicon/dgateplus/pkg/fixedpoint"
	"github.com/arc3silicon/dgateplus/pkg/gate1"
	"github.com/arc3silicon/dgateplus/pkg/gate2"
	"github.com/arc3silicon/dgateplus/pkg/hardening"
	"github.com/arc3silicon/dgateplus/pkg/httpx"
	"github.com/arc3silicon/dgateplus/pkg/metrics"
	"github.com/arc3silicon/dgateplus/pkg/permit"
	"github.com/arc3silicon/dgateplus/pkg/plab"
	"github.com/arc3silicon/dgateplus/pkg/ratelimit"
	"github.com/arc3silicon/dgateplus/pkg/sessionpool"
	"github.com/arc3silicon/dgateplus/pkg/statebus"
	"github.com/arc3silicon/dgateplus/pkg/store"
	"github.com/arc3silicon/dgateplus/pkg/stream"
	"github.com/arc3silicon/dgateplus/pkg/telemetry"
)

// Server holds every collaborator the admission gateway's handlers
// need: the composed engine, audit/metrics sinks, and the ambient
// rate limiting and auth configuration.
type Server struct {
	Engine              *engine.Engine
	Audit               *audit.Writer
	Metrics             *metrics.Registry
	Events              *stream.Hub
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	AuthMode            string
	AuthSecret          string
	MaxRequestBodyBytes int64
	SnapshotStore       *store.SessionSnapshotStore
	SnapshotGeneration  int64
	EnrollmentMirror    store.Cache
}

// gatewayDB is the subset of a Postgres pool the server needs: the
// audit writer's Exec/QueryRow, the snapshot store's Exec/Query, and
// Close for shutdown.
type gatewayDB interface {
	store.SessionDB
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDB, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main().
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDB, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.snapshotLoop(context.Background())
		go s.kafkaConsumeLoop(context.Background())
	}
)

func main() {
	// .env is optional: ignore a missing file so container deployments
	// that set the environment directly keep working unchanged.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("server: .env: %v", err)
	}
	if err := run(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("server: %v", err)
	}
}

func run(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "dgateplus-server")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory rate limiting: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	rateLimitEnabled := env("RATE_LIMIT_ENABLED", "true") == "true"
	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	auditSalt := env("AUDIT_HASH_SALT", "")
	auditRedact := strings.EqualFold(env("AUDIT_REDACT", "false"), "true")
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	eng, err := buildEngine()
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	s := &Server{
		Engine:              eng,
		Audit:               &audit.Writer{DB: pool, HashSalt: []byte(auditSalt), Redact: auditRedact},
		Metrics:             metrics.NewRegistry(),
		Events:              eng.Hub(),
		RateLimitEnabled:    rateLimitEnabled,
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 600),
		AuthMode:            env("AUTH_MODE", "off"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		MaxRequestBodyBytes: maxRequestBodyBytes,
		SnapshotStore:       &store.SessionSnapshotStore{DB: pool},
		EnrollmentMirror:    store.NewCache(ctx, redisClient),
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "dgateplus-server",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		AuthMode:           env("AUTH_MODE", "off"),
	}); err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(httpx.RequestIDMiddleware)
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("dgateplus-server"))
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "dgateplus-server"})
	})
	r.Get("/metrics", s.Metrics.Handler().ServeHTTP)

	authRouter := chi.NewRouter()
	authRouter.Use(apiauth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		apiauth.WithTimeout(time.Millisecond*time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))),
	))
	authRouter.With(apiauth.RequireRole(apiauth.RoleOperator)).Post("/v1/enroll", s.handleEnroll)
	authRouter.With(apiauth.RequireRole(apiauth.RoleOperator)).Post("/v1/admit", s.handleAdmit)
	authRouter.With(apiauth.RequireRole(apiauth.RoleOperator, apiauth.RoleNAS)).Post("/v1/events", s.handleEvent)
	authRouter.With(apiauth.RequireRole(apiauth.RoleOperator, apiauth.RoleObserver)).Get("/v1/sessions/{id}", s.handleGetSession)
	authRouter.With(apiauth.RequireRole(apiauth.RoleObserver)).Get("/v1/stream", s.handleStream)
	r.Mount("/", authRouter)

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("dgateplus-server listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// buildEngine wires Gate 1, Gate 2, the session pool, and the live
// feed hub from environment configuration, all defaulting to the
// reference configuration spec.md §3 and §4 describe.
func buildEngine() (*engine.Engine, error) {
	antennas := envInt("ANTENNA_COUNT", 64)
	codec := fingerprint.NewCodec(antennas, fixedpoint.Q8_8)
	scorer := correlation.NewScorer(codec, fixedpoint.Q16_16)

	registry := plab.New(
		envInt("PLAB_CAPACITY", 10000),
		envInt("PLAB_PROBE_LIMIT", 4),
		uint32(envInt("PLAB_VALIDITY_WINDOW_SEC", 3600)),
	)
	threshold, err := strconv.ParseFloat(env("GATE1_THRESHOLD", "0.8"), 64)
	if err != nil {
		threshold = 0.8
	}
	g1 := gate1.NewEngine(gate1.Config{Registry: registry, Scorer: &scorer, Threshold: threshold})

	verifier, issuerKey, err := buildVerifier()
	if err != nil {
		return nil, err
	}
	g2 := gate2.NewEngine(gate2.Config{
		Verifier:       verifier,
		IssuerKey:      issuerKey,
		MaxTransitions: envInt("GATE2_MAX_TRANSITIONS", 64),
	})

	pool := sessionpool.New(envInt("SESSION_POOL_CAPACITY", 8))
	hub := stream.NewHub()
	return engine.New(g1, g2, pool, hub), nil
}

// buildVerifier chooses how Gate 2 resolves an issuer's signing key.
// ISSUER_KEY_MODE=vault resolves each permit's own issuer identifier
// against a Vault Transit keystore, so home networks can rotate their
// signing key independently of this service; ISSUER_KEY_MODE=static
// (the default when ISSUER_PUBLIC_KEY_HEX is set) pins a single
// issuer key for the reference single-issuer deployment.
func buildVerifier() (permit.Verifier, []byte, error) {
	mode := strings.ToLower(strings.TrimSpace(env("ISSUER_KEY_MODE", "static")))
	if mode == "vault" {
		store := permit.VaultTransitKeyStore{
			Addr:      env("VAULT_ADDR", ""),
			Token:     env("VAULT_TOKEN", ""),
			Namespace: env("VAULT_NAMESPACE", ""),
			Transit:   env("VAULT_TRANSIT_MOUNT", "transit"),
			KeyPrefix: env("VAULT_ISSUER_KEY_PREFIX", "dgateplus-issuer-"),
		}
		if strings.TrimSpace(store.Addr) == "" || strings.TrimSpace(store.Token) == "" {
			return nil, nil, errors.New("ISSUER_KEY_MODE=vault requires VAULT_ADDR and VAULT_TOKEN")
		}
		return permit.KeyStoreVerifier{Store: store, Inner: permit.Ed25519Verifier{}}, nil, nil
	}

	hexKey := strings.TrimSpace(env("ISSUER_PUBLIC_KEY_HEX", ""))
	if hexKey == "" {
		if env("ALLOW_FAKE_PERMIT_VERIFIER", "false") != "true" {
			return nil, nil, errors.New("ISSUER_PUBLIC_KEY_HEX is required unless ALLOW_FAKE_PERMIT_VERIFIER=true")
		}
		return permit.FakeVerifier{}, nil, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, nil, fmt.Errorf("ISSUER_PUBLIC_KEY_HEX: %w", err)
	}
	return permit.Ed25519Verifier{}, key, nil
}

// --- HTTP handlers ---

type csiSample struct {
	Re float64 `json:"re"`
	Im float64 `json:"im"`
}

func (s csiSample) toComplexSample(f fixedpoint.Format) fingerprint.ComplexSample {
	return fingerprint.ComplexSample{Re: fixedpoint.FromFloat(f, s.Re), Im: fixedpoint.FromFloat(f, s.Im)}
}

func decodeVector(samples []csiSample) []fingerprint.ComplexSample {
	out := make([]fingerprint.ComplexSample, len(samples))
	for i, sample := range samples {
		out[i] = sample.toComplexSample(fixedpoint.Q8_8)
	}
	return out
}

type enrollRequest struct {
	SubscriberID uint64      `json:"subscriber_id"`
	Vector       []csiSample `json:"vector"`
	Now          uint32      `json:"now,omitempty"`
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req enrollRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.SubscriberID == 0 {
		httpx.Error(w, http.StatusBadRequest, "subscriber_id required")
		return
	}
	if limited := s.checkRateLimit(w, req.SubscriberID); limited {
		return
	}
	now := requestTimestamp(req.Now)
	if err := s.Engine.Enroll(req.SubscriberID, decodeVector(req.Vector), now); err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "registry full")
		return
	}
	s.mirrorEnrollment(r.Context(), req.SubscriberID, now)
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"status": "enrolled", "subscriber_id": req.SubscriberID})
}

// mirrorEnrollment best-effort records that a subscriber enrolled so
// other gateway replicas sharing the same Redis instance can answer
// "has this subscriber enrolled recently" without querying this
// instance's in-process PLAB registry. It never affects the
// admission decision: a mirror write failure is logged, not returned
// to the caller.
func (s *Server) mirrorEnrollment(ctx context.Context, subscriberID uint64, now uint32) {
	if s.EnrollmentMirror == nil {
		return
	}
	key := "plab:enrolled:" + strconv.FormatUint(subscriberID, 10)
	value := strconv.FormatUint(uint64(now), 10)
	if err := s.EnrollmentMirror.Set(ctx, key, value, time.Hour); err != nil {
		log.Printf("enrollment mirror write failed: %v", err)
	}
}

type admitRequest struct {
	SubscriberID uint64      `json:"subscriber_id"`
	Vector       []csiSample `json:"vector"`
	Now          uint32      `json:"now,omitempty"`
}

type admitResponse struct {
	DecisionID   string  `json:"decision_id"`
	SubscriberID uint64  `json:"subscriber_id"`
	Decision     string  `json:"decision"`
	Score        float64 `json:"score"`
}

func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req admitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.SubscriberID == 0 {
		httpx.Error(w, http.StatusBadRequest, "subscriber_id required")
		return
	}
	if limited := s.checkRateLimit(w, req.SubscriberID); limited {
		return
	}
	now := requestTimestamp(req.Now)
	res, err := s.Engine.Admit(req.SubscriberID, decodeVector(req.Vector), now)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "admission failed")
		return
	}
	decisionID := uuid.New().String()
	s.Metrics.ObserveGate1Decision(string(res.Decision), res.Score.Float(), res.Decision == gate1.DecisionAccept || res.Decision == gate1.DecisionReject)
	if res.Decision == gate1.DecisionReject || res.Decision == gate1.DecisionExpired {
		s.appendAudit(r.Context(), audit.Record{
			DecisionID:   decisionID,
			Gate:         "gate1",
			SubscriberID: req.SubscriberID,
			TriggerEvent: "ADMIT",
			ToState:      string(res.Decision),
			ReasonCode:   string(res.Decision),
		})
	}
	resp := admitResponse{
		DecisionID:   decisionID,
		SubscriberID: res.SubscriberID,
		Decision:     string(res.Decision),
		Score:        res.Score.Float(),
	}
	s.publishEvent(stream.EventAdmit, resp)
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// publishEvent broadcasts a gate decision to every subscriber of
// /v1/stream (operator and SOC dashboards); it is a no-op when no
// client is currently connected, since Hub.Publish drops events on a
// full or absent subscriber channel rather than blocking the request
// path on a slow viewer.
func (s *Server) publishEvent(eventType string, data interface{}) {
	if s.Events == nil {
		return
	}
	s.Events.Publish(stream.NewEvent(eventType, data))
}

type permitDTO struct {
	Version       byte    `json:"version"`
	Subject       uint64  `json:"subject"`
	IssuerID      uint32  `json:"issuer_id"`
	AllowedRATs   byte    `json:"allowed_rats"`
	EmergencyOnly bool    `json:"emergency_only"`
	ValidFrom     uint32  `json:"valid_from"`
	ValidUntil    uint32  `json:"valid_until"`
	Signature     string  `json:"signature,omitempty"` // base64
	Geo           *geoDTO `json:"geo,omitempty"`
}

type geoDTO struct {
	CenterLatDeg float64 `json:"center_lat_deg"`
	CenterLonDeg float64 `json:"center_lon_deg"`
	RadiusKM     float64 `json:"radius_km"`
}

func (p *permitDTO) toPermit() (*permit.Permit, error) {
	if p == nil {
		return nil, nil
	}
	sig, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil && p.Signature != "" {
		return nil, fmt.Errorf("invalid permit signature encoding: %w", err)
	}
	out := &permit.Permit{
		Version:       p.Version,
		Subject:       p.Subject,
		IssuerID:      p.IssuerID,
		AllowedRATs:   p.AllowedRATs,
		EmergencyOnly: p.EmergencyOnly,
		ValidFrom:     p.ValidFrom,
		ValidUntil:    p.ValidUntil,
		Signature:     sig,
	}
	if p.Geo != nil {
		out.Geo = &permit.GeoBound{CenterLatDeg: p.Geo.CenterLatDeg, CenterLonDeg: p.Geo.CenterLonDeg, RadiusKM: p.Geo.RadiusKM}
	}
	return out, nil
}

type eventPayloadDTO struct {
	Permit        *permitDTO `json:"permit,omitempty"`
	DialledNumber uint32     `json:"dialled_number,omitempty"`
	CauseCode     int        `json:"cause_code,omitempty"`
}

type eventRequest struct {
	SubscriberID uint64          `json:"subscriber_id"`
	Event        string          `json:"event"`
	Payload      eventPayloadDTO `json:"payload"`
	Now          uint32          `json:"now,omitempty"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req eventRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.SubscriberID == 0 || req.Event == "" {
		httpx.Error(w, http.StatusBadRequest, "subscriber_id and event required")
		return
	}
	if limited := s.checkRateLimit(w, req.SubscriberID); limited {
		return
	}
	permitValue, err := req.Payload.Permit.toPermit()
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	action := s.processEvent(req.SubscriberID, gate2.Event(req.Event), gate2.Payload{
		Permit:        permitValue,
		DialledNumber: req.Payload.DialledNumber,
		CauseCode:     req.Payload.CauseCode,
	}, requestTimestamp(req.Now))
	httpx.WriteJSON(w, http.StatusOK, action)
}

func (s *Server) processEvent(subscriberID uint64, ev gate2.Event, payload gate2.Payload, now uint32) gate2.Action {
	action := s.Engine.Event(subscriberID, ev, payload, now)
	transitionCount := 0
	if ctx, ok := s.Engine.Session(subscriberID); ok {
		transitionCount = ctx.TransitionCount
	}
	s.Metrics.ObserveGate2Action(string(action.TriggerEvent), string(action.PreviousState), string(action.NewState), action.LogSecurity, transitionCount)
	s.Metrics.SetSessionPoolOccupancy(s.Engine.PoolOccupancy())
	s.publishEvent(stream.EventGate2Action, map[string]interface{}{
		"subscriber_id": subscriberID,
		"event":         string(action.TriggerEvent),
		"from_state":    string(action.PreviousState),
		"to_state":      string(action.NewState),
		"allow_attach":  action.AllowAttach,
		"log_security":  action.LogSecurity,
	})
	if action.LogSecurity {
		s.appendAudit(context.Background(), audit.Record{
			DecisionID:   uuid.New().String(),
			Gate:         "gate2",
			SubscriberID: subscriberID,
			TriggerEvent: string(action.TriggerEvent),
			FromState:    string(action.PreviousState),
			ToState:      string(action.NewState),
		})
	}
	return action
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid subscriber id")
		return
	}
	ctx, ok := s.Engine.Session(id)
	if !ok {
		httpx.Error(w, http.StatusNotFound, "session not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ctx)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent(stream.EventReady, nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// --- background loops ---

// snapshotLoop periodically persists the session pool to Postgres per
// spec.md §4.Q. Failures are logged, not fatal: the pool stays
// authoritative in memory regardless.
func (s *Server) snapshotLoop(ctx context.Context) {
	interval := envDurationSec("SESSION_SNAPSHOT_INTERVAL_SEC", 30)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			generation := atomic.AddInt64(&s.SnapshotGeneration, 1)
			if err := s.SnapshotStore.Snapshot(ctx, generation, s.Engine.ActiveSessions()); err != nil {
				log.Printf("session snapshot failed: %v", err)
			}
		}
	}
}

// kafkaConsumeLoop feeds Gate 2 events from an upstream NAS/AMF
// simulator or control-plane bus, per spec.md §4.N. It is a no-op
// when KAFKA_BROKERS is unset: the HTTP /v1/events endpoint remains
// the other event source either way.
func (s *Server) kafkaConsumeLoop(ctx context.Context) {
	brokers := strings.Split(env("KAFKA_BROKERS", ""), ",")
	topic := env("KAFKA_NAS_EVENTS_TOPIC", "")
	if strings.TrimSpace(topic) == "" {
		return
	}
	consumer, err := statebus.NewKafkaConsumer(statebus.KafkaConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: env("KAFKA_GROUP_ID", "dgateplus-server"),
	})
	if err != nil {
		log.Printf("kafka consumer disabled: %v", err)
		return
	}
	defer consumer.Close()
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("kafka read error: %v", err)
			continue
		}
		s.Metrics.SetKafkaConsumerLag(consumer.Lag())
		var req eventRequest
		if err := json.Unmarshal(msg.Value, &req); err != nil {
			log.Printf("kafka message decode error: %v", err)
			continue
		}
		if req.SubscriberID == 0 || req.Event == "" {
			continue
		}
		permitValue, err := req.Payload.Permit.toPermit()
		if err != nil {
			log.Printf("kafka message permit decode error: %v", err)
			continue
		}
		s.processEvent(req.SubscriberID, gate2.Event(req.Event), gate2.Payload{
			Permit:        permitValue,
			DialledNumber: req.Payload.DialledNumber,
			CauseCode:     req.Payload.CauseCode,
		}, requestTimestamp(req.Now))
	}
}

// --- middleware and small helpers ---

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (rec *statusRecorder) WriteHeader(statusCode int) {
	rec.code = statusCode
	rec.ResponseWriter.WriteHeader(statusCode)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.Metrics.ObserveHTTP(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkRateLimit(w http.ResponseWriter, subscriberID uint64) bool {
	if !s.RateLimitEnabled || s.RateLimiter == nil {
		return false
	}
	decision := s.RateLimiter.Allow(ratelimit.SubscriberKey(subscriberID), s.RateLimitPerMinute)
	if !decision.Allowed {
		httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return true
	}
	return false
}

func (s *Server) appendAudit(ctx context.Context, rec audit.Record) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.Append(ctx, rec); err != nil {
		log.Printf("audit append failed: request_id=%s err=%v", httpx.RequestID(ctx), err)
	}
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func requestTimestamp(now uint32) uint32 {
	if now != 0 {
		return now
	}
	return uint32(time.Now().UTC().Unix())
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
