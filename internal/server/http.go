package server

import (
	"BatchAuction/internal/event"
	"BatchAuction/internal/ingestion"
	"BatchAuction/internal/observability"
	"BatchAuction/internal/persistence"
	"BatchAuction/internal/projection"
	"BatchAuction/internal/query"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// maxOpBodySize bounds operation submissions. A DistributeGame with a
// few thousand contribution records stays well under this.
const maxOpBodySize = 1 << 20

// HTTPServer serves the read API, operation submission and the admin
// surface over HTTP/JSON. Reads touch only the projection tables;
// operation submissions publish onto the inbound op stream and return
// 202 before the core applies them.
type HTTPServer struct {
	httpServer *http.Server
	addr       string
	deps       *ServerDeps
}

// OpsPublisher publishes validated operations onto the inbound op
// stream. ingestion.OpsPublisher implements it.
type OpsPublisher interface {
	Publish(ctx context.Context, evt event.Event) error
}

// ServerDeps holds all dependencies needed by the HTTP handlers.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	OpsPublisher  OpsPublisher
	SnapshotMgr   *persistence.SnapshotManager
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	StartTime     time.Time
}

// NewHTTPServer creates a new HTTP server with all routes registered.
func NewHTTPServer(addr string, deps *ServerDeps) *HTTPServer {
	s := &HTTPServer{addr: addr, deps: deps}

	r := chi.NewRouter()
	s.RegisterRoutes(r)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// RegisterRoutes registers all HTTP routes on the router.
func (s *HTTPServer) RegisterRoutes(r chi.Router) {
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	if s.deps.HealthChecker != nil {
		r.Get("/healthz", s.deps.HealthChecker.LivenessHandler)
		r.Get("/readyz", s.deps.HealthChecker.ReadinessHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/pools/{poolID}", s.handleGetPool)
		r.Get("/pools/{poolID}/batch", s.handleGetPoolBatch)
		r.Get("/batches/{batchID}", s.handleGetBatch)
		r.Get("/batches/{batchID}/fills", s.handleGetBatchFills)
		r.Get("/accounts/{traderID}/balances", s.handleGetBalances)
		r.Get("/accounts/{traderID}/fills", s.handleGetTraderFills)
		r.Get("/accounts/{traderID}/journals", s.handleGetJournals)
		r.Get("/games/{gameID}", s.handleGetGame)

		r.Post("/ops/pool", s.submitOpHandler("pool", "CreatePool"))
		r.Post("/ops/fund", s.submitOpHandler("fund", "FundAccount"))
		r.Post("/ops/open", s.submitOpHandler("open", "OpenBatch"))
		r.Post("/ops/commit", s.submitOpHandler("commit", "CommitOrder"))
		r.Post("/ops/reveal", s.submitOpHandler("reveal", "RevealOrder"))
		r.Post("/ops/game", s.submitOpHandler("game", "DistributeGame"))

		r.Post("/admin/rebuild-projections", s.handleRebuildProjections)
		r.Get("/admin/event-log", s.handleGetEventLogInfo)
		r.Get("/admin/integrity", s.handleVerifyIntegrity)
	})
}

// Start runs the server until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP server listening on %s", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ============================================================================
// Query endpoints
// ============================================================================

func (s *HTTPServer) handleGetPool(w http.ResponseWriter, r *http.Request) {
	const endpoint = "get_pool"
	defer s.observeLatency(endpoint, time.Now())

	poolID, err := uuid.Parse(chi.URLParam(r, "poolID"))
	if err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, fmt.Sprintf("invalid pool_id: %v", err))
		return
	}

	pool, err := s.deps.QueryService.GetPool(r.Context(), poolID)
	if err != nil {
		s.writeQueryError(w, endpoint, err)
		return
	}
	s.writeJSON(w, endpoint, http.StatusOK, pool)
}

func (s *HTTPServer) handleGetPoolBatch(w http.ResponseWriter, r *http.Request) {
	const endpoint = "get_pool_batch"
	defer s.observeLatency(endpoint, time.Now())

	poolID, err := uuid.Parse(chi.URLParam(r, "poolID"))
	if err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, fmt.Sprintf("invalid pool_id: %v", err))
		return
	}

	batch, err := s.deps.QueryService.GetPoolBatch(r.Context(), poolID)
	if err != nil {
		s.writeQueryError(w, endpoint, err)
		return
	}
	s.writeJSON(w, endpoint, http.StatusOK, batch)
}

func (s *HTTPServer) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	const endpoint = "get_batch"
	defer s.observeLatency(endpoint, time.Now())

	batchID, err := uuid.Parse(chi.URLParam(r, "batchID"))
	if err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, fmt.Sprintf("invalid batch_id: %v", err))
		return
	}

	batch, err := s.deps.QueryService.GetBatch(r.Context(), batchID)
	if err != nil {
		s.writeQueryError(w, endpoint, err)
		return
	}
	s.writeJSON(w, endpoint, http.StatusOK, batch)
}

func (s *HTTPServer) handleGetBatchFills(w http.ResponseWriter, r *http.Request) {
	const endpoint = "get_batch_fills"
	defer s.observeLatency(endpoint, time.Now())

	batchID, err := uuid.Parse(chi.URLParam(r, "batchID"))
	if err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, fmt.Sprintf("invalid batch_id: %v", err))
		return
	}

	fills, err := s.deps.QueryService.GetBatchFills(r.Context(), batchID)
	if err != nil {
		s.writeQueryError(w, endpoint, err)
		return
	}
	if fills == nil {
		fills = []query.FillResponse{}
	}
	s.writeJSON(w, endpoint, http.StatusOK, map[string]interface{}{
		"batch_id": batchID,
		"fills":    fills,
	})
}

func (s *HTTPServer) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	const endpoint = "get_balances"
	defer s.observeLatency(endpoint, time.Now())

	traderID, err := uuid.Parse(chi.URLParam(r, "traderID"))
	if err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, fmt.Sprintf("invalid trader_id: %v", err))
		return
	}

	resp, err := s.deps.QueryService.GetBalances(r.Context(), traderID)
	if err != nil {
		s.writeQueryError(w, endpoint, err)
		return
	}
	if resp.Accounts == nil {
		resp.Accounts = []query.AccountBalance{}
	}
	s.writeJSON(w, endpoint, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetTraderFills(w http.ResponseWriter, r *http.Request) {
	const endpoint = "get_trader_fills"
	defer s.observeLatency(endpoint, time.Now())

	traderID, err := uuid.Parse(chi.URLParam(r, "traderID"))
	if err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, fmt.Sprintf("invalid trader_id: %v", err))
		return
	}

	pageSize := parsePageSize(r, 50, 100)
	afterSeq := parseFromSequence(r)

	fills, err := s.deps.QueryService.GetTraderFills(r.Context(), traderID, pageSize, afterSeq)
	if err != nil {
		s.writeQueryError(w, endpoint, err)
		return
	}
	if fills == nil {
		fills = []query.FillResponse{}
	}
	s.writeJSON(w, endpoint, http.StatusOK, map[string]interface{}{
		"trader": traderID,
		"fills":  fills,
	})
}

func (s *HTTPServer) handleGetJournals(w http.ResponseWriter, r *http.Request) {
	const endpoint = "get_journals"
	defer s.observeLatency(endpoint, time.Now())

	traderID, err := uuid.Parse(chi.URLParam(r, "traderID"))
	if err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, fmt.Sprintf("invalid trader_id: %v", err))
		return
	}

	pageSize := parsePageSize(r, 100, 500)
	afterSeq := parseFromSequence(r)

	entries, err := s.deps.QueryService.GetJournalHistory(r.Context(), traderID, pageSize, afterSeq)
	if err != nil {
		s.writeQueryError(w, endpoint, err)
		return
	}
	if entries == nil {
		entries = []query.JournalHistoryEntry{}
	}
	s.writeJSON(w, endpoint, http.StatusOK, map[string]interface{}{
		"trader":   traderID,
		"journals": entries,
	})
}

func (s *HTTPServer) handleGetGame(w http.ResponseWriter, r *http.Request) {
	const endpoint = "get_game"
	defer s.observeLatency(endpoint, time.Now())

	gameID, err := uuid.Parse(chi.URLParam(r, "gameID"))
	if err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, fmt.Sprintf("invalid game_id: %v", err))
		return
	}

	game, err := s.deps.QueryService.GetGame(r.Context(), gameID)
	if err != nil {
		s.writeQueryError(w, endpoint, err)
		return
	}
	s.writeJSON(w, endpoint, http.StatusOK, game)
}

// ============================================================================
// Operation submission
// ============================================================================

// submitOpHandler returns a handler that accepts one operation type as
// wire-form JSON, validates it, and publishes it onto the inbound op
// stream. HTTP submissions join the same stream as direct NATS
// submissions, so both share ordering, redelivery and dedup behavior.
func (s *HTTPServer) submitOpHandler(opName, eventType string) http.HandlerFunc {
	endpoint := "submit_" + opName

	return func(w http.ResponseWriter, r *http.Request) {
		defer s.observeLatency(endpoint, time.Now())

		body, err := io.ReadAll(io.LimitReader(r.Body, maxOpBodySize))
		if err != nil {
			s.writeError(w, endpoint, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
			return
		}

		evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{Subject: eventType, Data: body}, eventType)
		if err != nil {
			s.writeError(w, endpoint, http.StatusBadRequest, fmt.Sprintf("parse %s: %v", eventType, err))
			return
		}

		if err := validateOp(evt); err != nil {
			s.writeError(w, endpoint, http.StatusBadRequest, err.Error())
			return
		}
		stampArrival(evt, time.Now())

		if err := s.deps.OpsPublisher.Publish(r.Context(), evt); err != nil {
			log.Printf("ERROR: publish %s op: %v", eventType, err)
			s.writeError(w, endpoint, http.StatusServiceUnavailable, "submission queue unavailable")
			return
		}

		s.writeJSON(w, endpoint, http.StatusAccepted, map[string]interface{}{
			"accepted":        true,
			"idempotency_key": evt.IdempotencyKey(),
		})
	}
}

var zeroHash [32]byte

// validateOp rejects operations the core would refuse anyway, so
// submitters get a 400 naming the field instead of a silent drop on
// the stream.
func validateOp(evt event.Event) error {
	switch e := evt.(type) {
	case *event.CreatePool:
		if e.PoolCreationID == uuid.Nil {
			return errors.New("pool_creation_id is required")
		}
		if e.PoolUUID == uuid.Nil {
			return errors.New("pool_id is required")
		}
		if e.BaseAsset == "" || e.QuoteAsset == "" {
			return errors.New("base_asset and quote_asset are required")
		}
		if e.ReserveBase <= 0 || e.ReserveQuote <= 0 {
			return errors.New("reserve_base and reserve_quote must be positive")
		}

	case *event.FundAccount:
		if e.FundID == uuid.Nil {
			return errors.New("fund_id is required")
		}
		if e.TraderID == uuid.Nil {
			return errors.New("trader_id is required")
		}
		if e.Asset == "" {
			return errors.New("asset is required")
		}
		if e.Amount <= 0 {
			return errors.New("amount must be positive")
		}

	case *event.OpenBatch:
		if e.BatchUUID == uuid.Nil {
			return errors.New("batch_id is required")
		}
		if e.PoolUUID == uuid.Nil {
			return errors.New("pool_id is required")
		}

	case *event.CommitOrder:
		if e.CommitID == uuid.Nil {
			return errors.New("commit_id is required")
		}
		if e.PoolUUID == uuid.Nil || e.BatchUUID == uuid.Nil {
			return errors.New("pool_id and batch_id are required")
		}
		if e.TraderID == uuid.Nil {
			return errors.New("trader_id is required")
		}
		if e.CommitHash == zeroHash {
			return errors.New("commit_hash is required")
		}
		if e.Deposit <= 0 {
			return errors.New("deposit must be positive")
		}

	case *event.RevealOrder:
		if e.RevealID == uuid.Nil {
			return errors.New("reveal_id is required")
		}
		if e.PoolUUID == uuid.Nil || e.BatchUUID == uuid.Nil {
			return errors.New("pool_id and batch_id are required")
		}
		if e.TraderID == uuid.Nil {
			return errors.New("trader_id is required")
		}
		if e.TokenIn == "" || e.TokenOut == "" {
			return errors.New("token_in and token_out are required")
		}
		if e.AmountIn <= 0 {
			return errors.New("amount_in must be positive")
		}
		if e.PriorityBid < 0 {
			return errors.New("priority_bid must not be negative")
		}

	case *event.DistributeGame:
		if e.GameID == uuid.Nil {
			return errors.New("game_id is required")
		}
		if e.Asset == "" {
			return errors.New("asset is required")
		}
		if e.TotalValue <= 0 {
			return errors.New("total_value must be positive")
		}
		if len(e.Records) == 0 {
			return errors.New("records are required")
		}

	default:
		return fmt.Errorf("unsupported operation type %T", evt)
	}
	return nil
}

// stampArrival backfills an omitted timestamp with the arrival time so
// history rows never show the epoch. An omitted timestamp_us parses as
// micro 0. Submitters that set their own timestamp keep it.
func stampArrival(evt event.Event, now time.Time) {
	switch e := evt.(type) {
	case *event.CreatePool:
		if e.Timestamp.UnixMicro() == 0 {
			e.Timestamp = now
		}
	case *event.FundAccount:
		if e.Timestamp.UnixMicro() == 0 {
			e.Timestamp = now
		}
	case *event.OpenBatch:
		if e.Timestamp.UnixMicro() == 0 {
			e.Timestamp = now
		}
	case *event.CommitOrder:
		if e.Timestamp.UnixMicro() == 0 {
			e.Timestamp = now
		}
	case *event.RevealOrder:
		if e.Timestamp.UnixMicro() == 0 {
			e.Timestamp = now
		}
	case *event.DistributeGame:
		if e.Timestamp.UnixMicro() == 0 {
			e.Timestamp = now
		}
	}
}

// ============================================================================
// Admin endpoints
// ============================================================================

func (s *HTTPServer) handleRebuildProjections(w http.ResponseWriter, r *http.Request) {
	const endpoint = "rebuild_projections"
	defer s.observeLatency(endpoint, time.Now())

	if err := projection.RebuildProjections(r.Context(), s.deps.DB); err != nil {
		log.Printf("ERROR: projection rebuild failed: %v", err)
		s.writeError(w, endpoint, http.StatusInternalServerError, fmt.Sprintf("rebuild failed: %v", err))
		return
	}
	s.writeJSON(w, endpoint, http.StatusOK, map[string]interface{}{
		"started": true,
		"task_id": "rebuild-sync",
	})
}

func (s *HTTPServer) handleGetEventLogInfo(w http.ResponseWriter, r *http.Request) {
	const endpoint = "event_log_info"
	defer s.observeLatency(endpoint, time.Now())

	latestSeq, err := s.deps.SnapshotMgr.GetLatestSequence(r.Context())
	if err != nil {
		s.writeQueryError(w, endpoint, err)
		return
	}
	s.writeJSON(w, endpoint, http.StatusOK, map[string]interface{}{
		"last_sequence": latestSeq,
		"uptime":        time.Since(s.deps.StartTime).String(),
	})
}

func (s *HTTPServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	const endpoint = "verify_integrity"
	defer s.observeLatency(endpoint, time.Now())

	report, err := s.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeQueryError(w, endpoint, err)
		return
	}
	s.writeJSON(w, endpoint, http.StatusOK, report)
}

// ============================================================================
// Helpers
// ============================================================================

func (s *HTTPServer) observeLatency(endpoint string, start time.Time) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, endpoint string, status int, v interface{}) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.QueryRequests.WithLabelValues(endpoint, "ok").Inc()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARN: encode %s response: %v", endpoint, err)
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, endpoint string, status int, msg string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.QueryRequests.WithLabelValues(endpoint, "error").Inc()
		s.deps.Metrics.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeQueryError maps service errors onto HTTP statuses. Unknown
// errors surface as a bare 500; the log carries the cause.
func (s *HTTPServer) writeQueryError(w http.ResponseWriter, endpoint string, err error) {
	if errors.Is(err, query.ErrNotFound) {
		s.writeError(w, endpoint, http.StatusNotFound, err.Error())
		return
	}
	log.Printf("ERROR: %s: %v", endpoint, err)
	s.writeError(w, endpoint, http.StatusInternalServerError, "internal error")
}

// parsePageSize reads ?page_size, falling back to the endpoint default
// when missing, non-numeric or out of range.
func parsePageSize(r *http.Request, def, max int) int {
	v := r.URL.Query().Get("page_size")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > max {
		return def
	}
	return n
}

// parseFromSequence reads the ?from_sequence pagination cursor.
func parseFromSequence(r *http.Request) *int64 {
	v := r.URL.Query().Get("from_sequence")
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return nil
	}
	return &n
}
