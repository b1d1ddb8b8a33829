package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/caffeineduck/manifold/instance"
	"github.com/caffeineduck/manifold/launcher"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for launching and stopping instances",
	Long: `Start an HTTP server that manages isolated instances.

Endpoints:
  POST   /instances       Launch an instance: {"module": "...", "args": [], "env": {}}
  GET    /instances       List instances
  GET    /instances/{id}  Show one instance
  DELETE /instances/{id}  Shut an instance down
  GET    /health          Health check
  GET    /metrics         Prometheus metrics`,
	Example: `  manifold serve --modules ./modules
  manifold serve --port 9000 --allow-host api.example.com`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().String("host", "127.0.0.1", "Host to bind to")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	port, _ := cmd.Flags().GetInt("port")
	host, _ := cmd.Flags().GetString("host")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	l, log, err := newLauncher(cmd, reg)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer l.Close(context.Background())

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           newServer(l, reg, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(cmd.ErrOrStderr(), "manifold server listening on http://%s\n", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type launchRequest struct {
	Module string            `json:"module"`
	Label  string            `json:"label,omitempty"`
	Args   []string          `json:"args,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
	Entry  string            `json:"entry,omitempty"`
}

type instanceView struct {
	ID       int     `json:"id"`
	Module   string  `json:"module"`
	Label    string  `json:"label,omitempty"`
	State    string  `json:"state"`
	Home     string  `json:"home"`
	Error    string  `json:"error,omitempty"`
	ExitCode *uint32 `json:"exit_code,omitempty"`
}

func viewOf(inst *instance.Instance) instanceView {
	p := inst.Params()
	v := instanceView{
		ID:     inst.ID(),
		Module: p.Module,
		Label:  p.Label,
		State:  inst.State().String(),
		Home:   inst.Home(),
		Error:  inst.ErrorMessage(),
	}
	if code, ok := inst.ExitCode(); ok {
		v.ExitCode = &code
	}
	return v
}

type server struct {
	l   *launcher.Launcher
	log *zap.Logger
}

// newServer returns the HTTP API for l. Metrics are served from g.
func newServer(l *launcher.Launcher, g prometheus.Gatherer, log *zap.Logger) http.Handler {
	s := &server{l: l, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /instances", s.handleLaunch)
	mux.HandleFunc("GET /instances", s.handleList)
	mux.HandleFunc("GET /instances/{id}", s.handleGet)
	mux.HandleFunc("DELETE /instances/{id}", s.handleStop)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}

func (s *server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Module == "" {
		http.Error(w, "module is required", http.StatusBadRequest)
		return
	}

	inst, err := s.l.Launch(context.Background(), instance.Params{
		Module: req.Module,
		Label:  req.Label,
		Args:   req.Args,
		Env:    req.Env,
		Entry:  req.Entry,
	}, func(inst *instance.Instance, err error) {
		if err != nil {
			s.log.Warn("launch failed", zap.Int("instance", inst.ID()), zap.Error(err))
		}
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(inst))
}

func (s *server) handleList(w http.ResponseWriter, _ *http.Request) {
	insts := s.l.Registry().List()
	views := make([]instanceView, 0, len(insts))
	for _, inst := range insts {
		views = append(views, viewOf(inst))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inst, found := s.l.Registry().Find(id)
	if !found {
		http.Error(w, "instance not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(inst))
}

func (s *server) handleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.l.Shutdown(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		http.Error(w, "invalid instance id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, launcher.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, launcher.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
