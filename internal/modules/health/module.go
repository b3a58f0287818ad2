package health

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"autotrader/internal/models"
	"autotrader/internal/modules/config"
	"autotrader/internal/modules/health/service"
	"autotrader/internal/notify"
	"autotrader/internal/runner"
	"autotrader/pkg/logger"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

type Config struct {
	Addr string // например ":8081"
}

func NewConfig(cfg *config.Config) Config {
	return Config{Addr: cfg.Service.Host + ":" + strconv.Itoa(cfg.Service.AdminPort)}
}

// Control — то, чем оператор управляет движком.
type Control interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() models.EngineStatus
}

func NewMux(state *service.State, ctl Control, hub *notify.Hub) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		// liveness: процесс жив
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		st := ctl.Status()
		ok, reason := state.Check(st, time.Now())
		if !ok {
			if reason == service.StateStalled {
				reason += " since " + st.LastCycle.Format(time.RFC3339)
			}
			http.Error(w, reason, http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		st := ctl.Status()
		ok, reason := state.Check(st, time.Now())
		resp := map[string]any{
			"ready":           ok,
			"state":           reason,
			"running":         st.Running,
			"cycle":           st.Cycle,
			"activePositions": st.ActivePositions,
			"monitors":        st.Monitors,
			"wsClients":       hub.Clients(),
			"uptimeSec":       int64(state.Uptime().Seconds()),
			"lastCycleUnix": func() int64 {
				if st.LastCycle.IsZero() {
					return 0
				}
				return st.LastCycle.Unix()
			}(),
		}
		if reason == service.StateStalled {
			resp["stalledSinceUnix"] = st.LastCycle.Unix()
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ws/events", hub)

	mux.HandleFunc("/control/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := ctl.Start(context.WithoutCancel(r.Context())); err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		logger.Info("[HEALTH] engine started via control endpoint")
		writeJSON(w, http.StatusOK, ctl.Status())
	})

	mux.HandleFunc("/control/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := ctl.Stop(r.Context()); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		logger.Info("[HEALTH] engine stopped via control endpoint")
		writeJSON(w, http.StatusOK, ctl.Status())
	})

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = sonic.ConfigStd.NewEncoder(w).Encode(v)
}

func RunHTTP(lc fx.Lifecycle, cfg Config, mux *http.ServeMux, state *service.State) {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return err
			}
			go func() { _ = srv.Serve(ln) }()
			state.SetReady(true)
			logger.Info("[HEALTH] listening on %s", cfg.Addr)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			state.SetReady(false)
			return srv.Shutdown(ctx)
		},
	})
}

func Module() fx.Option {
	return fx.Module("health",
		fx.Provide(
			func(cfg *config.Config) *service.State { return service.NewState(cfg.Engine.TickInterval) },
			func(e *runner.Engine) Control { return e },
			NewConfig,
			NewMux,
		),
		fx.Invoke(RunHTTP),
	)
}
