// Package httpapi builds the hub's HTTP surface: health, metrics, and the
// websocket upgrade endpoint agents connect through. It exists so that
// surface sits behind request IDs, real-IP resolution, structured request
// logging, and panic recovery instead of a bare net/http mux.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/bastion-backup/bastion/hub/internal/nodemanager"
	"github.com/bastion-backup/bastion/hub/internal/repositories"
	"github.com/bastion-backup/bastion/hub/internal/scheduler"
	"github.com/bastion-backup/bastion/hub/internal/websocket"
)

// RouterConfig carries everything the hub's handlers need to serve a
// request. None of the fields may be nil except Scheduler, which is
// optional — a nil Scheduler just means a newly connected node doesn't get
// an immediate config-snapshot push.
type RouterConfig struct {
	Hub         *websocket.Hub
	NodeMgr     *nodemanager.Manager
	Nodes       repositories.NodeRepository
	Scheduler   *scheduler.Scheduler
	EnrollToken string
	Logger      *zap.Logger
}

// NewRouter assembles the hub's chi router: RequestID and RealIP so logs and
// traces can be correlated with the client's actual address behind a proxy,
// structured request logging, and Recoverer so a panic in any one handler
// (most notably the long-lived websocket upgrade handler) returns a 500
// instead of taking the whole process down.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthzHandler)
	r.Handle("/metrics", newMetricsHandler(cfg.Hub))
	r.Get("/v1/nodes/connect", newConnectHandler(cfg))

	return r
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
