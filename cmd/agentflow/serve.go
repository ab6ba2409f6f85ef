package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/dshills/agentflow-go/flow"
	"github.com/dshills/agentflow-go/flow/capability"
	"github.com/dshills/agentflow-go/flow/hub"
	"github.com/dshills/agentflow-go/flow/model"
	"github.com/dshills/agentflow-go/flow/stages"
)

func newServeCmd() *cobra.Command {
	var (
		addr     string
		workRoot string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon: run API, websocket events, Prometheus metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return configErr(err)
			}
			log := newLogger()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector())
			metrics := flow.NewMetrics(reg)
			meter := model.NewMeter(reg)

			client, err := cfg.newModelClient(meter)
			if err != nil {
				return configErr(err)
			}

			var hubOpts []hub.Option
			if cfg.hubBuffer > 0 {
				hubOpts = append(hubOpts, hub.WithMailboxSize(cfg.hubBuffer))
			}
			events := hub.New(hubOpts...)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			caps := capability.NewRegistry(log)
			if err := caps.Register(ctx, capability.NewHTTPCapability(30*time.Second, 1<<20)); err != nil {
				return internalErr(err)
			}
			if workRoot != "" {
				if err := caps.Register(ctx, capability.NewFileCapability(workRoot)); err != nil {
					return internalErr(err)
				}
			}
			defer caps.Shutdown(context.Background())

			tp := sdktrace.NewTracerProvider()
			defer tp.Shutdown(context.Background())

			orch, err := cfg.newOrchestrator(log, flow.EngineConfig{
				Models:       client,
				Hub:          events,
				Capabilities: caps,
				Metrics:      metrics,
				Tracer:       tp.Tracer("agentflow"),
			})
			if err != nil {
				return configErr(err)
			}

			mux := http.NewServeMux()
			mux.Handle("/ws", hub.NewWSServer(events, log))
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			registerRunAPI(mux, orch, log)

			srv := &http.Server{
				Addr:              addr,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			log.Info("serving", "addr", addr)

			select {
			case err := <-errc:
				return internalErr(err)
			case <-ctx.Done():
			}

			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutCtx); err != nil {
				return internalErr(err)
			}
			log.Info("shut down")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&workRoot, "work-root", "", "directory exposed through the file capability")
	return cmd
}

// registerRunAPI mounts the minimal run-control surface: submit, list,
// inspect, cancel.
func registerRunAPI(mux *http.ServeMux, orch *flow.Orchestrator, log *slog.Logger) {
	mux.HandleFunc("/runs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handleCreateRun(w, r, orch, log)
		case http.MethodGet:
			handleListRuns(w, r, orch)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/runs/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/runs/")
		id, action, _ := strings.Cut(rest, "/")
		if id == "" {
			http.NotFound(w, r)
			return
		}
		switch {
		case action == "" && r.Method == http.MethodGet:
			handleGetRun(w, orch, id)
		case action == "cancel" && r.Method == http.MethodPost:
			if err := orch.CancelRun(id); err != nil {
				writeAPIError(w, err)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		default:
			http.NotFound(w, r)
		}
	})
}

type createRunRequest struct {
	Requirements string            `json:"requirements"`
	TaskKind     string            `json:"task_kind"`
	Graph        string            `json:"graph,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
	Constraints  []string          `json:"constraints,omitempty"`
}

func handleCreateRun(w http.ResponseWriter, r *http.Request, orch *flow.Orchestrator, log *slog.Logger) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad request body: %v", err), http.StatusBadRequest)
		return
	}
	graph := req.Graph
	if graph == "" {
		graph = stages.PipelineFor(flow.TaskKind(req.TaskKind))
	}
	id, err := orch.CreateRun(graph, flow.RunInputs{
		Requirements: req.Requirements,
		TaskKind:     flow.TaskKind(req.TaskKind),
		Context:      req.Context,
		Constraints:  req.Constraints,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if err := orch.StartRun(id); err != nil {
		writeAPIError(w, err)
		return
	}
	log.Info("run accepted", "run_id", id, "graph", graph)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"run_id": id})
}

func handleListRuns(w http.ResponseWriter, r *http.Request, orch *flow.Orchestrator) {
	q := r.URL.Query()
	runs, err := orch.ListRuns(flow.RunFilter{
		Status:    flow.RunStatus(q.Get("status")),
		GraphName: q.Get("graph"),
	}, flow.Page{Limit: 100})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(runs)
}

func handleGetRun(w http.ResponseWriter, orch *flow.Orchestrator, id string) {
	run, err := orch.GetRun(id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(run)
}

func writeAPIError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var fe *flow.FlowError
	if errors.As(err, &fe) && fe.Kind == flow.KindValidation {
		status = http.StatusBadRequest
	}
	if strings.Contains(err.Error(), "unknown run") {
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}
