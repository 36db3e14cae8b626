// Package httpapi exposes the blocklist core to the host over a small JSON
// REST API: probe queries, list imports, source diagnostics, per-source
// rule listings, source list replacement, manual refreshes, health and
// Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/common/log"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/repos/sources"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/services/ingest"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/services/reload"
)

// DefaultMaxImportBytes bounds the body of POST /api/import and
// PUT /api/sources.
const DefaultMaxImportBytes = 8 << 20

// Options configures an API. Querier, Catalog and Ingestor are required.
type Options struct {
	Querier  Querier
	Catalog  Catalog
	Ingestor Ingestor
	// Configurator serves PUT /api/sources when set.
	Configurator Configurator
	// Metrics is served on GET /metrics when set.
	Metrics        http.Handler
	MaxImportBytes int64
	Logger         log.Logger
}

// API routes requests to the query engine, the reload coordinator and
// the ingest scheduler.
type API struct {
	querier        Querier
	catalog        Catalog
	ingestor       Ingestor
	configurator   Configurator
	metrics        http.Handler
	maxImportBytes int64
	logger         log.Logger

	router chi.Router
}

// New builds the API and its router.
func New(opts Options) *API {
	a := &API{
		querier:        opts.Querier,
		catalog:        opts.Catalog,
		ingestor:       opts.Ingestor,
		configurator:   opts.Configurator,
		metrics:        opts.Metrics,
		maxImportBytes: opts.MaxImportBytes,
		logger:         opts.Logger,
	}
	if a.maxImportBytes <= 0 {
		a.maxImportBytes = DefaultMaxImportBytes
	}
	if a.logger == nil {
		a.logger = log.GetLogger()
	}
	a.logger = log.Component(a.logger, "httpapi")
	a.buildRouter()
	return a
}

func (a *API) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Get("/healthz", a.handleHealth)
		r.Route("/api", func(r chi.Router) {
			r.Get("/query", a.handleQuery)
			r.Post("/import", a.handleImport)
			r.Get("/sources", a.handleSources)
			if a.configurator != nil {
				r.Put("/sources", a.handleReconfigure)
			}
			r.Get("/rules", a.handleRules)
			r.Post("/reload", a.handleReload)
		})
	})

	a.router = r
}

// Handler returns the API's http.Handler.
func (a *API) Handler() http.Handler {
	return a.router
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// --------------------------------------------------------------------------
// Response types
// --------------------------------------------------------------------------

// ErrorResponse is returned for every error condition.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status     string `json:"status"`
	Generation uint64 `json:"generation"`
	State      string `json:"state"`
}

// TagResponse is one provenance tag.
type TagResponse struct {
	SourceID  string    `json:"source_id"`
	Version   string    `json:"version,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
	Line      int       `json:"line,omitempty"`
	Comment   string    `json:"comment,omitempty"`
}

// QueryResponse is returned by GET /api/query.
type QueryResponse struct {
	Probe      string        `json:"probe"`
	Matched    bool          `json:"matched"`
	Rule       string        `json:"rule,omitempty"`
	Kind       string        `json:"kind,omitempty"`
	Sources    []TagResponse `json:"sources,omitempty"`
	Generation uint64        `json:"generation"`
}

// ImportRequest is the body of POST /api/import. Blocklist holds comma or
// newline separated entries.
type ImportRequest struct {
	SourceID  string `json:"source_id"`
	Format    string `json:"format"`
	Blocklist string `json:"blocklist"`
}

// SourcesRequest is the body of PUT /api/sources. It replaces the whole
// configured source list.
type SourcesRequest struct {
	Sources []sources.Entry `json:"sources"`
}

// BuildStats summarizes one source build.
type BuildStats struct {
	Lines      int `json:"lines"`
	Rules      int `json:"rules"`
	Skipped    int `json:"skipped"`
	Rejected   int `json:"rejected"`
	Duplicates int `json:"duplicates"`
	Subsumed   int `json:"subsumed"`
}

// ReportResponse is returned by POST /api/import and POST /api/reload.
type ReportResponse struct {
	Generation uint64                `json:"generation"`
	Published  bool                  `json:"published"`
	Built      map[string]BuildStats `json:"built"`
	Failed     map[string]string     `json:"failed,omitempty"`
}

// SourceResponse is the diagnostic view of one source.
type SourceResponse struct {
	ID          string     `json:"id"`
	Format      string     `json:"format"`
	Location    string     `json:"location,omitempty"`
	AdHoc       bool       `json:"ad_hoc"`
	ActiveRules int        `json:"active_rules"`
	Warnings    int        `json:"warnings"`
	Version     string     `json:"version,omitempty"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// SourcesResponse is returned by GET /api/sources.
type SourcesResponse struct {
	Generation  uint64           `json:"generation"`
	State       string           `json:"state"`
	PublishedAt *time.Time       `json:"published_at,omitempty"`
	Rules       int              `json:"rules"`
	Sources     []SourceResponse `json:"sources"`
}

// RuleResponse is one active rule and its provenance.
type RuleResponse struct {
	Rule string        `json:"rule"`
	Kind string        `json:"kind"`
	Tags []TagResponse `json:"tags"`
}

// RulesResponse is returned by GET /api/rules.
type RulesResponse struct {
	Source string         `json:"source"`
	Count  int            `json:"count"`
	Rules  []RuleResponse `json:"rules"`
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	d := a.catalog.Diagnostics()
	resp := HealthResponse{Status: "ok", Generation: d.Generation, State: d.State.String()}
	if d.Generation == 0 {
		resp.Status = "starting"
		a.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleQuery(w http.ResponseWriter, r *http.Request) {
	probe := r.URL.Query().Get("probe")
	if probe == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "probe is required"})
		return
	}

	res, err := a.querier.Query(probe)
	if err != nil {
		a.writeError(w, err)
		return
	}

	resp := QueryResponse{Probe: probe, Matched: res.Matched, Generation: res.Generation}
	if res.Matched {
		resp.Rule = res.Rule.String()
		resp.Kind = res.Rule.Kind.String()
		resp.Sources = tagsResponse(res.Sources)
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxImportBytes)

	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: err.Error()})
			return
		}
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	if req.SourceID == "" || req.Blocklist == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "source_id and blocklist are required"})
		return
	}
	format, err := domain.ParseFormatHint(req.Format)
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	report, err := a.ingestor.Import(r.Context(), req.SourceID, format, req.Blocklist)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, reportResponse(report))
}

func (a *API) handleReconfigure(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxImportBytes)

	var req SourcesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: err.Error()})
			return
		}
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Sources == nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "sources is required"})
		return
	}

	specs, err := sources.Specs(req.Sources)
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := a.configurator.Reconfigure(r.Context(), specs); err != nil {
		a.writeError(w, err)
		return
	}
	a.logger.Info(map[string]any{"sources": len(specs)}, "sources_replaced")
	a.handleSources(w, r)
}

func (a *API) handleSources(w http.ResponseWriter, _ *http.Request) {
	d := a.catalog.Diagnostics()
	resp := SourcesResponse{
		Generation:  d.Generation,
		State:       d.State.String(),
		PublishedAt: timePtr(d.PublishedAt),
		Rules:       d.Rules,
		Sources:     make([]SourceResponse, 0, len(d.Sources)),
	}
	for _, s := range d.Sources {
		resp.Sources = append(resp.Sources, SourceResponse{
			ID:          s.ID,
			Format:      s.Format.String(),
			Location:    s.Location,
			AdHoc:       s.AdHoc,
			ActiveRules: s.ActiveRules,
			Warnings:    s.Warnings,
			Version:     s.Version,
			LastAttempt: timePtr(s.LastAttempt),
			LastSuccess: timePtr(s.LastSuccess),
			LastError:   s.LastError,
		})
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRules(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "source is required"})
		return
	}

	entries, err := a.catalog.Rules(source)
	if err != nil {
		a.writeError(w, err)
		return
	}

	resp := RulesResponse{Source: source, Count: len(entries), Rules: make([]RuleResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Rules = append(resp.Rules, RuleResponse{
			Rule: e.Rule.String(),
			Kind: e.Rule.Kind.String(),
			Tags: tagsResponse(e.Tags),
		})
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleReload(w http.ResponseWriter, r *http.Request) {
	report, err := a.ingestor.RefreshAll(r.Context())
	if err != nil {
		a.logger.Warn(map[string]any{"error": err, "built": len(report.Built), "failed": len(report.Failed)}, "manual_reload_errors")
		// partial success still publishes; report the failures alongside
		if len(report.Built) == 0 {
			a.writeError(w, err)
			return
		}
	}
	a.writeJSON(w, http.StatusOK, reportResponse(report))
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug(map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": ww.Status(),
			"took":   time.Since(start),
		}, "http_request")
	})
}

// statusFor maps a core error to an HTTP status.
func statusFor(err error) int {
	var (
		parseErr *domain.ParseError
		emptyErr *domain.EmptySourceError
		fetchErr *domain.FetchError
	)
	switch {
	case errors.Is(err, domain.ErrUnknownSource):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrImportInProgress):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidProbe),
		errors.Is(err, ingest.ErrConfiguredSource),
		errors.As(err, &parseErr),
		errors.As(err, &emptyErr):
		return http.StatusBadRequest
	case errors.As(err, &fetchErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error(map[string]any{"error": err, "status": status}, "http_request_failed")
	}
	a.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error(map[string]any{"error": err}, "http_response_encode_failed")
	}
}

func reportResponse(r reload.Report) ReportResponse {
	resp := ReportResponse{
		Generation: r.Generation,
		Published:  r.Published,
		Built:      make(map[string]BuildStats, len(r.Built)),
	}
	for id, st := range r.Built {
		resp.Built[id] = BuildStats{
			Lines:      st.Lines,
			Rules:      st.Rules,
			Skipped:    st.Skipped,
			Rejected:   st.Rejected,
			Duplicates: st.Duplicates,
			Subsumed:   st.Subsumed,
		}
	}
	if len(r.Failed) > 0 {
		resp.Failed = make(map[string]string, len(r.Failed))
		for id, err := range r.Failed {
			resp.Failed[id] = err.Error()
		}
	}
	return resp
}

func tagsResponse(tags []domain.ProvenanceTag) []TagResponse {
	out := make([]TagResponse, 0, len(tags))
	for _, t := range tags {
		out = append(out, TagResponse{
			SourceID:  t.SourceID,
			Version:   t.Version,
			FetchedAt: t.FetchedAt,
			Line:      t.Line,
			Comment:   t.Comment,
		})
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
