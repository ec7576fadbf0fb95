package api

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const healthTimeout = 3 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	degrade := func() {
		overallStatus = "degraded"
		statusCode = http.StatusServiceUnavailable
	}
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			degrade()
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 2)
	if h.Store != nil {
		components = append(components, recordComponent("datastore", h.Store.Ping(ctx)))
	}
	if h.Provider != nil {
		check := h.Provider.HealthCheck(ctx)
		component := check.Component
		if component == "" {
			component = "ingest"
		}
		entry := componentStatus{Component: component, Status: check.Status, Error: check.Detail}
		if !strings.EqualFold(check.Status, "ok") {
			degrade()
		} else {
			entry.Error = ""
		}
		components = append(components, entry)
	}
	for _, component := range components {
		h.Metrics.SetProviderHealth(component.Component, component.Status)
	}
	return components, overallStatus, statusCode
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	components, status, code := h.componentHealth(ctx)
	writeJSON(w, code, healthResponse{Status: status, Components: components})
}

// ProbeHealth runs the same checks as the health route and returns the
// components that are not ok. It refreshes the health gauges as a side effect.
func (h *Handler) ProbeHealth(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	components, _, _ := h.componentHealth(ctx)
	var degraded []string
	for _, component := range components {
		if !strings.EqualFold(component.Status, "ok") {
			degraded = append(degraded, component.Component)
		}
	}
	return degraded
}
