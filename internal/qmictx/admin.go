package qmictx

import (
	"log/slog"
	"net"
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"
)

// startAdmin binds the optional admin listener: a
// plain net/http mux independent of the RPC fabric, exposing the
// Prometheus registry at /metrics, the running configuration at /config
// (rendered as YAML), and a trivial liveness probe at /healthz.
func (c *Context) startAdmin() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/config", c.handleAdminConfig)
	mux.HandleFunc("/status", c.handleAdminStatus)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	ln, err := net.Listen("tcp", c.cfg.AdminAddr)
	if err != nil {
		return err
	}
	c.admin = &http.Server{Handler: mux}
	go func() {
		if err := c.admin.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Warn("qmictx: admin server exited", "error", err)
		}
	}()
	return nil
}

func (c *Context) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	data, err := yaml.Marshal(c.cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/yaml; charset=utf-8")
	_, _ = w.Write(data)
}

// handleAdminStatus renders the live service and peer inventory, the
// same information the list_services/list_peers RPC methods return, for
// operators poking at the process with curl.
func (c *Context) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	services := c.ListServices()
	peers := c.ListPeers()
	sort.Strings(services)
	sort.Strings(peers)
	data, err := yaml.Marshal(map[string]any{
		"context":  c.name,
		"id":       c.id.String(),
		"services": services,
		"peers":    peers,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/yaml; charset=utf-8")
	_, _ = w.Write(data)
}
