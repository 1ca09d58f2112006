package httpapi

import (
	"net/http"
	"strings"
	"time"

	"pkt.systems/routed/internal/routes"
	"pkt.systems/routed/internal/unit"
	"pkt.systems/routed/pipeline"
)

type healthResponse struct {
	Status       string `json:"status"`
	TableVersion uint64 `json:"tableVersion"`
	Routes       int    `json:"routes"`
	InFlight     int    `json:"inFlight"`
	Abandoned    int64  `json:"abandoned"`
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) error {
	table := h.routes.Current()
	resp := healthResponse{
		Status:       "ok",
		TableVersion: table.Version(),
		Routes:       table.Len(),
		InFlight:     h.exec.InFlight(),
		Abandoned:    h.exec.Abandoned(),
	}
	status := http.StatusOK
	if !h.ready() {
		resp.Status = "starting"
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp, map[string]string{"Cache-Control": "no-store"})
	return nil
}

type routesResponse struct {
	Version    uint64                 `json:"version"`
	Built      time.Time              `json:"built"`
	Entries    []routes.Entry         `json:"entries"`
	Conflicts  []routes.ConflictError `json:"conflicts"`
	Modules    []unit.Descriptor      `json:"modules"`
	Unresolved []string               `json:"unresolved"`
}

// RoutesDocument renders a table the way the routes endpoint does.
func RoutesDocument(table *routes.Table) any {
	return routesResponse{
		Version:    table.Version(),
		Built:      table.Built(),
		Entries:    nonNil(table.Entries()),
		Conflicts:  nonNil(table.Conflicts()),
		Modules:    nonNil(table.Modules()),
		Unresolved: nonNil(table.Unresolved()),
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (h *Handler) handleRoutes(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, RoutesDocument(h.routes.Current()), nil)
	return nil
}

func (h *Handler) handleManifest(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, h.manifest.Document(), nil)
	return nil
}

func (h *Handler) handleTrace(w http.ResponseWriter, r *http.Request) error {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_request_id", Detail: "request id is required"}
	}
	var view pipeline.TraceView
	var ok bool
	if store := h.exec.Traces(); store != nil {
		view, ok = store.Get(id)
	}
	if !ok {
		return httpError{Status: http.StatusNotFound, Code: "trace_not_found", Detail: "no trace retained for request " + id}
	}
	h.writeJSON(w, http.StatusOK, view, nil)
	return nil
}
