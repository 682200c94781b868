package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"sensornet/ingest-server/internal/archive"
	"sensornet/ingest-server/internal/metrics"
	"sensornet/ingest-server/internal/model"
	"sensornet/ingest-server/internal/store"
	"sensornet/ingest-server/internal/subscriber"
)

const (
	defaultPageLimit = 10
	maxPageLimit     = 500
)

func (a *App) routes() http.Handler {
	router := mux.NewRouter()
	router.Use(a.metricsMiddleware)

	router.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/readyz", a.handleReadyz).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/nodes", a.handleListNodes(true)).Methods(http.MethodGet)
	api.HandleFunc("/nodes/inactive", a.handleListNodes(false)).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{id:[0-9]+}", a.handleGetNode).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{id:[0-9]+}", a.handleArchiveNode).Methods(http.MethodDelete)
	api.HandleFunc("/nodes/{id:[0-9]+}/activate", a.handleActivateNode).Methods(http.MethodPost)

	api.HandleFunc("/types", a.handleListTypes).Methods(http.MethodGet)
	api.HandleFunc("/types/{id:[0-9]+}", a.handleGetType).Methods(http.MethodGet)

	api.HandleFunc("/readings", a.handleListAccepted).Methods(http.MethodGet)
	api.HandleFunc("/readings/archived", a.handleListArchived).Methods(http.MethodGet)
	api.HandleFunc("/readings/rejected", a.handleListRejected).Methods(http.MethodGet)

	api.HandleFunc("/alerts", a.handleRecentAlerts).Methods(http.MethodGet)

	return router
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (a *App) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		a.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	state := subscriber.Disconnected
	if a.supervisor != nil {
		state = a.supervisor.State()
	}

	status := http.StatusOK
	body := map[string]string{"status": "ready", "subscriber": state.String()}

	if a.store == nil {
		status, body["status"] = http.StatusServiceUnavailable, "starting"
	} else {
		ctx, cancel := a.storeContext(r)
		defer cancel()
		if err := a.store.Ping(ctx); err != nil {
			a.logger.Warn("readiness: database unreachable", "error", err)
			status, body["status"] = http.StatusServiceUnavailable, "database unavailable"
		} else if state != subscriber.Subscribed {
			status, body["status"] = http.StatusServiceUnavailable, "starting"
		}
	}

	a.writeJSON(w, status, body)
}

func (a *App) handleListNodes(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := a.storeContext(r)
		defer cancel()

		nodes, err := a.store.ListNodes(ctx, active)
		if err != nil {
			a.logger.Error("failed to list nodes", "active", active, "error", err)
			http.Error(w, "failed to load nodes", http.StatusInternalServerError)
			return
		}
		a.writeJSON(w, http.StatusOK, struct {
			Nodes []model.Node `json:"nodes"`
		}{Nodes: nodes})
	}
}

func (a *App) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	ctx, cancel := a.storeContext(r)
	defer cancel()

	node, err := a.store.FindNodeByID(ctx, id)
	if err != nil {
		a.logger.Error("failed to load node", "node", id, "error", err)
		http.Error(w, "failed to load node", http.StatusInternalServerError)
		return
	}
	if node == nil {
		http.Error(w, "node not found", http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, node)
}

func (a *App) handleArchiveNode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	res, err := a.archiver.Deactivate(r.Context(), id)
	switch {
	case errors.Is(err, archive.ErrNodeNotFound):
		http.Error(w, "node not found", http.StatusNotFound)
		return
	case errors.Is(err, archive.ErrNodeInactive):
		http.Error(w, "node already inactive", http.StatusConflict)
		return
	case err != nil:
		a.logger.Error("archive node failed", "node", id, "error", err)
		http.Error(w, "failed to archive node", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

func (a *App) handleActivateNode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	err := a.archiver.Reactivate(r.Context(), id)
	switch {
	case errors.Is(err, archive.ErrNodeNotFound):
		http.Error(w, "node not found", http.StatusNotFound)
		return
	case err != nil:
		a.logger.Error("activate node failed", "node", id, "error", err)
		http.Error(w, "failed to activate node", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleListTypes(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.storeContext(r)
	defer cancel()

	types, err := a.store.ListTypes(ctx)
	if err != nil {
		a.logger.Error("failed to list measurement types", "error", err)
		http.Error(w, "failed to load types", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, struct {
		Types []model.MeasurementType `json:"types"`
	}{Types: types})
}

func (a *App) handleGetType(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	ctx, cancel := a.storeContext(r)
	defer cancel()

	t, err := a.store.FindTypeByID(ctx, id)
	if err != nil {
		a.logger.Error("failed to load measurement type", "type", id, "error", err)
		http.Error(w, "failed to load type", http.StatusInternalServerError)
		return
	}
	if t == nil {
		http.Error(w, "type not found", http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, t)
}

type listResponse[T any] struct {
	Items      []T        `json:"items"`
	Pagination model.Page `json:"pagination"`
}

func (a *App) handleListAccepted(w http.ResponseWriter, r *http.Request) {
	serveListing(a, w, r, "accepted readings", a.store.ListAccepted)
}

func (a *App) handleListArchived(w http.ResponseWriter, r *http.Request) {
	serveListing(a, w, r, "archived readings", a.store.ListArchived)
}

func (a *App) handleListRejected(w http.ResponseWriter, r *http.Request) {
	serveListing(a, w, r, "rejected readings", a.store.ListRejected)
}

func serveListing[T any](a *App, w http.ResponseWriter, r *http.Request, what string,
	list func(context.Context, store.ReadingFilter) ([]T, model.Page, error),
) {
	filter, err := parseReadingFilter(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := a.storeContext(r)
	defer cancel()

	items, page, err := list(ctx, filter)
	if errors.Is(err, store.ErrUnknownSortField) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		a.logger.Error("failed to list "+what, "error", err)
		http.Error(w, "failed to load "+what, http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, listResponse[T]{Items: items, Pagination: page})
}

func (a *App) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	nodeID, err := optionalInt(q, "node_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	limit := 50
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 || parsed > maxPageLimit {
			http.Error(w, fmt.Sprintf("limit must be between 1 and %d", maxPageLimit), http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	ctx, cancel := a.storeContext(r)
	defer cancel()

	alerts, err := a.store.RecentAlerts(ctx, nodeID, limit)
	if err != nil {
		a.logger.Error("failed to load alerts", "error", err)
		http.Error(w, "failed to load alerts", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, struct {
		Alerts []model.Alert `json:"alerts"`
	}{Alerts: alerts})
}

// parseReadingFilter reads the listing query: node_id, type_id, from, to (RFC 3339),
// min, max, sort, order (asc|desc), page (from 1) and limit.
func parseReadingFilter(q url.Values) (store.ReadingFilter, error) {
	var (
		f   store.ReadingFilter
		err error
	)

	if f.NodeID, err = optionalInt(q, "node_id"); err != nil {
		return f, err
	}
	if f.TypeID, err = optionalInt(q, "type_id"); err != nil {
		return f, err
	}
	if f.From, err = optionalTime(q, "from"); err != nil {
		return f, err
	}
	if f.To, err = optionalTime(q, "to"); err != nil {
		return f, err
	}
	if f.MinValue, err = optionalFloat(q, "min"); err != nil {
		return f, err
	}
	if f.MaxValue, err = optionalFloat(q, "max"); err != nil {
		return f, err
	}

	if f.Sort, err = store.ParseSortField(q.Get("sort")); err != nil {
		return f, err
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "asc":
	case "desc":
		f.Desc = true
	default:
		return f, fmt.Errorf("order must be asc or desc")
	}

	f.Limit = defaultPageLimit
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 || limit > maxPageLimit {
			return f, fmt.Errorf("limit must be between 1 and %d", maxPageLimit)
		}
		f.Limit = limit
	}
	page := 1
	if v := q.Get("page"); v != "" {
		page, err = strconv.Atoi(v)
		if err != nil || page <= 0 {
			return f, fmt.Errorf("page must be a positive integer")
		}
	}
	f.Offset = (page - 1) * f.Limit
	return f, nil
}

func optionalInt(q url.Values, key string) (*int64, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s must be an integer", key)
	}
	return &n, nil
}

func optionalFloat(q url.Values, key string) (*float64, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("%s must be a number", key)
	}
	return &f, nil
}

func optionalTime(q url.Values, key string) (*time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC 3339 timestamp", key)
	}
	return &t, nil
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (a *App) storeContext(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := a.cfg.StoreTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return context.WithTimeout(r.Context(), timeout)
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}
