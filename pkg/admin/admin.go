// Package admin implements the admin HTTP surface (C10): the adapter that
// exposes C7 (GC cycles), C8 (restore), and C9 (metrics/status aggregates)
// over a fixed endpoint table. It is built on a bare net/http.ServeMux plus
// a small bearer-auth middleware rather than a routing framework, since the
// route set is small and fixed. The JSON response envelope and
// error.kind -> HTTP status mapping are applied consistently across every
// handler.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/siddontang/loggers"

	"github.com/block/s3gc/pkg/config"
	"github.com/block/s3gc/pkg/gc"
	"github.com/block/s3gc/pkg/metrics"
	"github.com/block/s3gc/pkg/objstore"
	"github.com/block/s3gc/pkg/restore"
	"github.com/block/s3gc/pkg/s3gcerr"
	"github.com/block/s3gc/pkg/vault"
)

// Server wires the core components into the admin HTTP surface.
type Server struct {
	Orchestrator *gc.Orchestrator
	Restore      *restore.Engine
	Aggregator   *metrics.Aggregator
	Vault        *vault.Vault
	Store        objstore.Store
	Config       *config.Config
	Metrics      metrics.Sink
	Logger       loggers.Advanced

	// CDCConnected reports whether the CDC ingester (if any) currently has
	// a live stream connection. Nil when cdc_backend is unset (scan-only
	// mode), in which case health always reports cdc_connected=true since
	// there is nothing to be disconnected from.
	CDCConnected func() bool
}

// Handler builds the routed http.Handler, wrapping every route except
// /admin/s3gc/health in the bearer-auth middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/s3gc/health", s.handleHealth)
	mux.HandleFunc("GET /admin/s3gc/status", s.handleStatus)
	mux.HandleFunc("GET /admin/s3gc/metrics", s.handleMetrics)
	mux.HandleFunc("GET /admin/s3gc/config", s.handleConfig)
	mux.HandleFunc("POST /admin/s3gc/run", s.handleRun)
	mux.HandleFunc("GET /admin/s3gc/operations", s.handleOperations)
	mux.HandleFunc("POST /admin/s3gc/restore/{operation_id}", s.handleRestoreOperation)
	mux.HandleFunc("POST /admin/s3gc/restore-key", s.handleRestoreKey)

	return s.requireBearer(mux)
}

// requireBearer enforces "Authorization: Bearer <API_KEY>" on every route
// except the liveness probe, which an orchestrator health check must be
// able to reach unauthenticated.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/admin/s3gc/health" {
			next.ServeHTTP(w, r)
			return
		}
		want := "Bearer " + s.Config.AdminAPIKey
		got := r.Header.Get("Authorization")
		if s.Config.AdminAPIKey == "" || got == "" || got != want {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status          string `json:"status"`
	VaultAccessible bool   `json:"vault_accessible"`
	StoreReachable  bool   `json:"store_reachable"`
	CDCConnected    bool   `json:"cdc_connected"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	vaultOK := true
	if _, err := s.Vault.TotalRuns(ctx); err != nil {
		vaultOK = false
	}

	storeOK := true
	if s.Store != nil {
		if _, err := s.Store.Head(ctx, "__s3gc_health_probe__"); err != nil {
			if !isNotFound(err) {
				storeOK = false
			}
		}
	}

	cdcOK := true
	if s.CDCConnected != nil {
		cdcOK = s.CDCConnected()
	}

	status := "ok"
	if !vaultOK || !storeOK || !cdcOK {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:          status,
		VaultAccessible: vaultOK,
		StoreReachable:  storeOK,
		CDCConnected:    cdcOK,
	})
}

// isNotFound treats a missing health-probe key as a reachable store: the
// bucket answered, it simply doesn't have that key. Head reports a missing
// key as s3gcerr.RestoreError; any other kind means the bucket itself
// could not be reached.
func isNotFound(err error) bool {
	return s3gcerr.Is(err, s3gcerr.RestoreError)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.Aggregator.Status(r.Context())
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleMetrics serves the last cycle's counters as JSON by default, or the
// raw Prometheus scrape format when the request's Accept header asks for
// text/plain.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "text/plain") {
		metrics.Handler().ServeHTTP(w, r)
		return
	}

	last, ok, err := s.Aggregator.LastCycle(r.Context())
	if err != nil {
		writeServerError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, metrics.Aggregates{})
		return
	}
	writeJSON(w, http.StatusOK, last)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Config.Redacted())
}

// GCResult is the POST /admin/s3gc/run response shape.
type GCResult struct {
	OperationID     string   `json:"operation_id"`
	Mode            string   `json:"mode"`
	State           string   `json:"state"`
	Listed          int64    `json:"listed"`
	CandidatesFound int64    `json:"candidates_found"`
	VerifiedOrphans int64    `json:"verified_orphans"`
	DeletedCount    int64    `json:"deleted_count"`
	Skipped         int64    `json:"skipped"`
	Errors          []string `json:"errors"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	cycle, err := s.Orchestrator.Run(r.Context())
	if err != nil {
		if s3gcerr.Is(err, s3gcerr.CycleBusy) {
			writeError(w, http.StatusConflict, string(s3gcerr.CycleBusy), err.Error())
			return
		}
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, GCResult{
		OperationID:     cycle.OperationID,
		Mode:            string(cycle.Mode),
		State:           string(cycle.State),
		Listed:          cycle.Listed,
		CandidatesFound: cycle.Candidates,
		VerifiedOrphans: cycle.Orphans,
		DeletedCount:    cycle.Deleted,
		Skipped:         cycle.Skipped,
		Errors:          cycle.Errors,
	})
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	cursor := r.URL.Query().Get("cursor")

	page, err := s.Aggregator.Operations(r.Context(), limit, cursor)
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// RestoreResult is the POST /admin/s3gc/restore* response shape.
type RestoreResult struct {
	RestoreOperationID string   `json:"restore_operation_id"`
	Restored           int64    `json:"restored"`
	Skipped            int64    `json:"skipped"`
	Errors             []string `json:"errors"`
}

func (s *Server) handleRestoreOperation(w http.ResponseWriter, r *http.Request) {
	operationID := r.PathValue("operation_id")
	if strings.TrimSpace(operationID) == "" {
		writeError(w, http.StatusNotFound, "not_found", "missing operation_id")
		return
	}

	dryRun := queryBool(r, "dry_run")
	skipExisting := queryBool(r, "skip_existing")

	records, err := s.Vault.LookupByOperation(r.Context(), operationID)
	if err != nil {
		writeServerError(w, err)
		return
	}
	if len(records) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "unknown operation_id")
		return
	}

	result, err := s.Restore.RestoreOperation(r.Context(), operationID, dryRun, skipExisting)
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeRestoreResult(w, result.RestoreOperationID, result.Restored, result.Skipped, result.Errors)
}

func (s *Server) handleRestoreKey(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("s3_key")
	if key == "" {
		writeError(w, http.StatusNotFound, "not_found", "missing s3_key")
		return
	}
	dryRun := queryBool(r, "dry_run")

	result, err := s.Restore.RestoreSingleKey(r.Context(), key, dryRun)
	if err != nil {
		writeServerError(w, err)
		return
	}
	if result.Restored == 0 && result.Skipped == 0 {
		writeError(w, http.StatusNotFound, "not_found", "no vault record found for s3_key")
		return
	}
	writeRestoreResult(w, result.RestoreOperationID, result.Restored, result.Skipped, result.Errors)
}

func writeRestoreResult(w http.ResponseWriter, restoreOperationID string, restored, skipped int64, errs []string) {
	writeJSON(w, http.StatusOK, RestoreResult{
		RestoreOperationID: restoreOperationID,
		Restored:           restored,
		Skipped:            skipped,
		Errors:             errs,
	})
}

func queryBool(r *http.Request, name string) bool {
	v := r.URL.Query().Get(name)
	b, _ := strconv.ParseBool(v)
	return b
}

type errorEnvelope struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	var env errorEnvelope
	env.Error.Kind = kind
	env.Error.Message = message
	writeJSON(w, status, env)
}

// writeServerError maps an s3gcerr.Kind to an HTTP status, falling back to
// 500 for an error carrying no recognized kind.
func writeServerError(w http.ResponseWriter, err error) {
	kind, ok := s3gcerr.KindOf(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch kind {
	case s3gcerr.CycleBusy:
		status = http.StatusConflict
	case s3gcerr.ConfigurationError:
		status = http.StatusBadRequest
	}
	writeError(w, status, string(kind), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Ping is a small helper cmd/s3gc can use at startup to confirm the admin
// surface's dependencies are reachable before accepting traffic.
func Ping(ctx context.Context, v *vault.Vault) error {
	_, err := v.TotalRuns(ctx)
	return err
}
