package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/flowbind/internal/runtime/codec"
	loggingpkg "github.com/drblury/flowbind/internal/runtime/logging"
	"github.com/drblury/flowbind/internal/runtime/supervisor"
)

// StatusResponse is the payload of /api/pipelines.
type StatusResponse struct {
	Node       string                      `json:"node"`
	Members    []string                    `json:"members"`
	Assignment map[string][]string         `json:"assignment"`
	Pipelines  []supervisor.PipelineStatus `json:"pipelines"`
	Process    ProcessUsage                `json:"process"`
}

func (b *Broker) registerHTTPSurfaces() {
	if b.Conf.MetricsEnabled {
		b.RegisterHTTPHandler(b.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(b.gatherer, promhttp.HandlerOpts{}))
	}
	if b.Conf.StatusEnabled {
		b.RegisterHTTPHandler(b.Conf.StatusPort, "/api/pipelines", http.HandlerFunc(b.handleGetPipelines))
	}
}

func (b *Broker) handleGetPipelines(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if b.Conf != nil && len(b.Conf.StatusCORSAllowedOrigins) > 0 {
		if allowed := b.getAllowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := b.coordinator.Snapshot()
	resp := StatusResponse{
		Node:       b.node,
		Members:    snapshot.Members,
		Assignment: snapshot.Owners,
		Pipelines:  b.supervisor.Status(),
		Process:    b.usage.Sample(),
	}
	if err := codec.Encode(w, resp); err != nil {
		b.Logger.Error("Failed to encode pipeline status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin returns the Access-Control-Allow-Origin value for the
// request origin, or "" when it is not allowed.
func (b *Broker) getAllowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range b.Conf.StatusCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

// RegisterHTTPHandler mounts handler on the server of port. Servers start
// with the broker; handlers registered later are served by the running mux.
func (b *Broker) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	b.httpServersMu.Lock()
	defer b.httpServersMu.Unlock()

	if b.httpServers == nil {
		b.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := b.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		b.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (b *Broker) startHTTPServers() {
	b.httpServersMu.Lock()
	defer b.httpServersMu.Unlock()

	for port, mux := range b.httpServers {
		addr := fmt.Sprintf(":%d", port)
		srv := &http.Server{Addr: addr, Handler: mux}
		b.servers = append(b.servers, srv)
		b.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}()
	}
}

func (b *Broker) stopHTTPServers(ctx context.Context) error {
	b.httpServersMu.Lock()
	servers := b.servers
	b.servers = nil
	b.httpServersMu.Unlock()

	var errs []error
	for _, srv := range servers {
		errs = append(errs, srv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
