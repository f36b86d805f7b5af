// Package api exposes the HTTP surface: heartbeat ingestion in the editor
// plugin wire format plus aggregated statistics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"example.com/codetime/internal/auth"
	"example.com/codetime/internal/dimension"
	"example.com/codetime/internal/domain"
	"example.com/codetime/internal/stats"
)

// HeartbeatStore is the persistence surface the handlers write to and read
// individual heartbeats from.
type HeartbeatStore interface {
	InsertBatch(ctx context.Context, hbs []domain.Heartbeat) (int, error)
	Latest(ctx context.Context, userID string) (*domain.Heartbeat, error)
	SoftDelete(ctx context.Context, userID, id string) error
	DistinctValues(ctx context.Context, userID string, kind dimension.Kind) ([]string, error)
	TimeBounds(ctx context.Context, userID string) (minTime, maxTime float64, ok bool, err error)
}

// DimensionResolver stamps dimension entity IDs onto heartbeat batches.
type DimensionResolver interface {
	BatchApply(ctx context.Context, hbs []domain.Heartbeat) []domain.Heartbeat
}

// Handler coordinates HTTP requests with the stats service and the store.
type Handler struct {
	store    HeartbeatStore
	resolver DimensionResolver
	stats    *stats.Service
}

// NewHandler builds a Handler.
func NewHandler(store HeartbeatStore, resolver DimensionResolver, statsService *stats.Service) *Handler {
	return &Handler{store: store, resolver: resolver, stats: statsService}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/users/current/heartbeats", h.heartbeats)
	mux.HandleFunc("/api/v1/users/current/heartbeats.bulk", h.heartbeatsBulk)
	mux.HandleFunc("/api/v1/users/current/heartbeats/", h.heartbeatByID)
	mux.HandleFunc("/api/v1/users/current/heartbeats/latest", h.latestHeartbeat)
	mux.HandleFunc("/api/v1/users/current/dimensions", h.dimensionValues)
	mux.HandleFunc("/api/v1/users/current/summary", h.summary)
	mux.HandleFunc("/api/v1/users/current/stats/total", h.statsTotal)
	mux.HandleFunc("/api/v1/users/current/stats/grouped", h.statsGrouped)
	mux.HandleFunc("/api/v1/users/current/stats/spans", h.statsSpans)
	mux.HandleFunc("/api/v1/users/current/stats/daily", h.statsDaily)
	mux.HandleFunc("/api/v1/users/current/stats/streak", h.statsStreak)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) heartbeats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	h.createHeartbeats(w, r)
}

func (h *Handler) heartbeatsBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	h.createHeartbeats(w, r)
}

// createHeartbeats handles both the single and bulk forms. Editor plugins
// send either one object or an array on the same endpoint, so the body is
// sniffed before decoding.
func (h *Handler) createHeartbeats(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeHeartbeatsWrite)
	if !ok {
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	var reqs []HeartbeatRequest
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &reqs); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
			return
		}
	} else {
		var single HeartbeatRequest
		if err := json.Unmarshal(raw, &single); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
			return
		}
		reqs = []HeartbeatRequest{single}
	}

	if len(reqs) == 0 {
		writeError(w, http.StatusBadRequest, "validation_failed", "empty heartbeat batch")
		return
	}

	machine := r.Header.Get("X-Machine-Name")
	userAgent := r.Header.Get("User-Agent")

	hbs := make([]domain.Heartbeat, 0, len(reqs))
	for i, req := range reqs {
		if err := req.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
		hb := req.toDomain(claims.UserID, machine, userAgent)
		if err := hb.Normalize(); err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed",
				"heartbeat "+strconv.Itoa(i)+": invalid timestamp")
			return
		}
		hbs = append(hbs, hb)
	}

	hbs = dedupeByFieldsHash(hbs)
	hbs = h.resolver.BatchApply(r.Context(), hbs)

	inserted, err := h.store.InsertBatch(r.Context(), hbs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if inserted > 0 {
		h.stats.InvalidateUser(claims.UserID)
	}

	views := make([]HeartbeatView, 0, len(hbs))
	for _, hb := range hbs {
		views = append(views, toHeartbeatView(hb))
	}
	writeJSON(w, http.StatusCreated, HeartbeatCreateResponse{
		Data:         views,
		Inserted:     inserted,
		Deduplicated: len(hbs) - inserted,
	})
}

func (h *Handler) heartbeatByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/users/current/heartbeats/")
	if id == "" || id == "latest" {
		// /heartbeats/latest has its own route; ServeMux prefers it.
		writeError(w, http.StatusBadRequest, "invalid_request", "missing heartbeat id")
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := requireScope(w, r, auth.ScopeHeartbeatsWrite)
	if !ok {
		return
	}

	if err := h.store.SoftDelete(r.Context(), claims.UserID, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "heartbeat not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	h.stats.InvalidateUser(claims.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) latestHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeStatsRead, auth.ScopeHeartbeatsWrite)
	if !ok {
		return
	}

	hb, err := h.store.Latest(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if hb == nil {
		writeError(w, http.StatusNotFound, "not_found", "no heartbeats recorded")
		return
	}
	writeJSON(w, http.StatusOK, LatestHeartbeatResponse{Data: toHeartbeatView(*hb)})
}

// dimensionValues lists the distinct raw values of one dimension for the
// authenticated user, most recently used first. Dashboards use it to build
// filter dropdowns.
func (h *Handler) dimensionValues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeStatsRead, auth.ScopeHeartbeatsWrite)
	if !ok {
		return
	}

	kind := dimension.Kind(r.URL.Query().Get("kind"))
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "validation_failed", "unknown dimension: "+string(kind))
		return
	}

	values, err := h.store.DistinctValues(r.Context(), claims.UserID, kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if values == nil {
		values = []string{}
	}
	writeJSON(w, http.StatusOK, DimensionValuesResponse{Kind: string(kind), Values: values})
}

// summary reports the user's recorded time range and all-time total.
func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeStatsRead, auth.ScopeHeartbeatsWrite)
	if !ok {
		return
	}

	first, last, hasData, err := h.store.TimeBounds(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	resp := SummaryResponse{UserID: claims.UserID}
	if hasData {
		total, err := h.stats.TotalDuration(r.Context(), stats.Filter{
			UserID:        claims.UserID,
			ExcludeSource: domain.SourceTestEntry,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		resp.FirstHeartbeatAt = first
		resp.LastHeartbeatAt = last
		resp.TotalSeconds = total
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) statsTotal(w http.ResponseWriter, r *http.Request) {
	claims, f, ok := h.statsRequest(w, r)
	if !ok {
		return
	}

	// With an explicit window the total is clipped exactly to it, so
	// adjacent windows add up without double counting.
	var total float64
	var err error
	if f.From > 0 && f.To > 0 {
		from, to := f.From, f.To
		window := f
		window.From, window.To = 0, 0
		total, err = h.stats.BoundaryDuration(r.Context(), window, from, to)
	} else {
		total, err = h.stats.TotalDuration(r.Context(), f)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, TotalResponse{
		UserID:       claims.UserID,
		TotalSeconds: total,
		From:         f.From,
		To:           f.To,
	})
}

func (h *Handler) statsGrouped(w http.ResponseWriter, r *http.Request) {
	_, f, ok := h.statsRequest(w, r)
	if !ok {
		return
	}

	by := dimension.Kind(r.URL.Query().Get("by"))
	grouped, err := h.stats.GroupedDuration(r.Context(), f, by)
	if err != nil {
		if errors.Is(err, dimension.ErrUnknownKind) {
			writeError(w, http.StatusBadRequest, "validation_failed", "unknown dimension: "+string(by))
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]GroupTotal, 0, len(grouped))
	for key, seconds := range grouped {
		items = append(items, GroupTotal{Key: key, TotalSeconds: seconds})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].TotalSeconds != items[j].TotalSeconds {
			return items[i].TotalSeconds > items[j].TotalSeconds
		}
		return items[i].Key < items[j].Key
	})

	writeJSON(w, http.StatusOK, GroupedResponse{By: string(by), Items: items})
}

func (h *Handler) statsSpans(w http.ResponseWriter, r *http.Request) {
	_, f, ok := h.statsRequest(w, r)
	if !ok {
		return
	}

	spans, err := h.stats.Spans(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	views := make([]SpanView, 0, len(spans))
	for _, span := range spans {
		views = append(views, SpanView{
			StartTime: span.Start,
			EndTime:   span.End,
			Duration:  span.Duration(),
		})
	}
	writeJSON(w, http.StatusOK, SpansResponse{Spans: views})
}

func (h *Handler) statsDaily(w http.ResponseWriter, r *http.Request) {
	_, f, ok := h.statsRequest(w, r)
	if !ok {
		return
	}
	loc, ok := requestLocation(w, r)
	if !ok {
		return
	}

	days, err := h.stats.DailyActivity(r.Context(), f, loc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]DayTotal, 0, len(days))
	for date, seconds := range days {
		items = append(items, DayTotal{Date: date, TotalSeconds: seconds})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Date < items[j].Date })

	writeJSON(w, http.StatusOK, DailyResponse{Timezone: loc.String(), Days: items})
}

func (h *Handler) statsStreak(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeStatsRead, auth.ScopeHeartbeatsWrite)
	if !ok {
		return
	}
	loc, ok := requestLocation(w, r)
	if !ok {
		return
	}

	streak, err := h.stats.Streak(r.Context(), claims.UserID, loc, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StreakResponse{Days: streak, Timezone: loc.String()})
}

// statsRequest performs the shared method, auth, and filter plumbing for the
// stats endpoints.
func (h *Handler) statsRequest(w http.ResponseWriter, r *http.Request) (*auth.Claims, stats.Filter, bool) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return nil, stats.Filter{}, false
	}
	claims, ok := requireScope(w, r, auth.ScopeStatsRead, auth.ScopeHeartbeatsWrite)
	if !ok {
		return nil, stats.Filter{}, false
	}

	f, err := parseFilter(r, claims.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return nil, stats.Filter{}, false
	}
	return claims, f, true
}

// requireScope authenticates the request and checks that at least one of the
// given scopes is present, writing the error response itself on failure.
func requireScope(w http.ResponseWriter, r *http.Request, scopes ...string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	for _, scope := range scopes {
		if claims.HasScope(scope) {
			return claims, true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden", "scope "+scopes[0]+" required")
	return nil, false
}

func parseFilter(r *http.Request, userID string) (stats.Filter, error) {
	q := r.URL.Query()
	f := stats.Filter{
		UserID:          userID,
		Project:         q.Get("project"),
		Language:        q.Get("language"),
		Editor:          q.Get("editor"),
		OperatingSystem: q.Get("operating_system"),
		Machine:         q.Get("machine"),
		Branch:          q.Get("branch"),
		Category:        q.Get("category"),
		ExcludeSource:   domain.SourceTestEntry,
	}

	var err error
	if f.From, err = parseUnixParam(q.Get("from")); err != nil {
		return stats.Filter{}, errors.New("invalid from parameter")
	}
	if f.To, err = parseUnixParam(q.Get("to")); err != nil {
		return stats.Filter{}, errors.New("invalid to parameter")
	}
	if f.From > 0 && f.To > 0 && f.To < f.From {
		return stats.Filter{}, errors.New("to must not precede from")
	}
	return f, nil
}

func parseUnixParam(raw string) (float64, error) {
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value < 0 {
		return 0, errors.New("invalid unix timestamp")
	}
	return value, nil
}

func requestLocation(w http.ResponseWriter, r *http.Request) (*time.Location, bool) {
	tz := r.URL.Query().Get("timezone")
	if tz == "" {
		return time.UTC, true
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "unknown timezone: "+tz)
		return nil, false
	}
	return loc, true
}

// dedupeByFieldsHash keeps the last occurrence of each identity within one
// request, preserving first-seen order. Plugins retry aggressively and often
// repeat heartbeats across batches.
func dedupeByFieldsHash(hbs []domain.Heartbeat) []domain.Heartbeat {
	index := make(map[string]int, len(hbs))
	out := make([]domain.Heartbeat, 0, len(hbs))
	for _, hb := range hbs {
		hash := hb.ComputeFieldsHash()
		hb.FieldsHash = hash
		if at, seen := index[hash]; seen {
			out[at] = hb
			continue
		}
		index[hash] = len(out)
		out = append(out, hb)
	}
	return out
}

// HeartbeatRequest is the wire payload for POST heartbeats. Field names match
// the editor-plugin convention.
type HeartbeatRequest struct {
	Entity          string  `json:"entity"`
	Type            string  `json:"type"`
	Category        string  `json:"category"`
	Project         string  `json:"project"`
	Branch          string  `json:"branch"`
	Language        string  `json:"language"`
	Editor          string  `json:"editor"`
	OperatingSystem string  `json:"operating_system"`
	Machine         string  `json:"machine"`
	UserAgent       string  `json:"user_agent"`
	IsWrite         bool    `json:"is_write"`
	Time            float64 `json:"time"`
}

// Validate ensures request correctness.
func (r HeartbeatRequest) Validate() error {
	if strings.TrimSpace(r.Entity) == "" {
		return errors.New("entity is required")
	}
	if r.Time <= 0 {
		return errors.New("time is required")
	}
	return nil
}

func (r HeartbeatRequest) toDomain(userID, machineHeader, userAgentHeader string) domain.Heartbeat {
	machine := r.Machine
	if machine == "" {
		machine = machineHeader
	}
	userAgent := r.UserAgent
	if userAgent == "" {
		userAgent = userAgentHeader
	}
	return domain.Heartbeat{
		UserID:          userID,
		Time:            r.Time,
		Entity:          r.Entity,
		Type:            r.Type,
		Category:        r.Category,
		Project:         r.Project,
		Branch:          r.Branch,
		Language:        r.Language,
		Editor:          r.Editor,
		OperatingSystem: r.OperatingSystem,
		Machine:         machine,
		UserAgent:       userAgent,
		IsWrite:         r.IsWrite,
	}
}

// HeartbeatView exposes a stored heartbeat.
type HeartbeatView struct {
	ID              string  `json:"id,omitempty"`
	Entity          string  `json:"entity"`
	Type            string  `json:"type,omitempty"`
	Category        string  `json:"category,omitempty"`
	Project         string  `json:"project,omitempty"`
	Branch          string  `json:"branch,omitempty"`
	Language        string  `json:"language,omitempty"`
	Editor          string  `json:"editor,omitempty"`
	OperatingSystem string  `json:"operating_system,omitempty"`
	Machine         string  `json:"machine,omitempty"`
	IsWrite         bool    `json:"is_write"`
	Time            float64 `json:"time"`
}

func toHeartbeatView(hb domain.Heartbeat) HeartbeatView {
	return HeartbeatView{
		ID:              hb.ID,
		Entity:          hb.Entity,
		Type:            hb.Type,
		Category:        hb.Category,
		Project:         hb.Project,
		Branch:          hb.Branch,
		Language:        hb.Language,
		Editor:          hb.Editor,
		OperatingSystem: hb.OperatingSystem,
		Machine:         hb.Machine,
		IsWrite:         hb.IsWrite,
		Time:            hb.Time,
	}
}

// HeartbeatCreateResponse describes the response body for create.
type HeartbeatCreateResponse struct {
	Data         []HeartbeatView `json:"data"`
	Inserted     int             `json:"inserted"`
	Deduplicated int             `json:"deduplicated"`
}

// LatestHeartbeatResponse wraps the most recent heartbeat.
type LatestHeartbeatResponse struct {
	Data HeartbeatView `json:"data"`
}

// DimensionValuesResponse lists one dimension's distinct raw values.
type DimensionValuesResponse struct {
	Kind   string   `json:"kind"`
	Values []string `json:"values"`
}

// SummaryResponse reports a user's recorded range and all-time total.
type SummaryResponse struct {
	UserID           string  `json:"user_id"`
	FirstHeartbeatAt float64 `json:"first_heartbeat_at,omitempty"`
	LastHeartbeatAt  float64 `json:"last_heartbeat_at,omitempty"`
	TotalSeconds     float64 `json:"total_seconds"`
}

// TotalResponse reports total coding seconds for a filter.
type TotalResponse struct {
	UserID       string  `json:"user_id"`
	TotalSeconds float64 `json:"total_seconds"`
	From         float64 `json:"from,omitempty"`
	To           float64 `json:"to,omitempty"`
}

// GroupTotal is one group's share of the total.
type GroupTotal struct {
	Key          string  `json:"key"`
	TotalSeconds float64 `json:"total_seconds"`
}

// GroupedResponse reports duration broken down by one dimension.
type GroupedResponse struct {
	By    string       `json:"by"`
	Items []GroupTotal `json:"items"`
}

// SpanView is one contiguous activity interval.
type SpanView struct {
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Duration  float64 `json:"duration"`
}

// SpansResponse packages span results.
type SpansResponse struct {
	Spans []SpanView `json:"spans"`
}

// DayTotal is one local calendar day's activity.
type DayTotal struct {
	Date         string  `json:"date"`
	TotalSeconds float64 `json:"total_seconds"`
}

// DailyResponse packages daily activity results.
type DailyResponse struct {
	Timezone string     `json:"timezone"`
	Days     []DayTotal `json:"days"`
}

// StreakResponse reports the current consecutive-day streak.
type StreakResponse struct {
	Days     int    `json:"days"`
	Timezone string `json:"timezone"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
