package apiserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	ghandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/shopkit/shopkit-domains/pkg/orchestrator"
	"github.com/shopkit/shopkit-domains/pkg/version"
	"github.com/sirupsen/logrus"
)

type apiServer struct {
	ctx       context.Context
	log       *logrus.Entry
	port      int
	tokenHash string
}

func NewAPIServer(ctx context.Context, log *logrus.Entry, port int, tokenHash string) *apiServer {
	return &apiServer{
		ctx:       ctx,
		log:       log,
		port:      port,
		tokenHash: tokenHash,
	}
}

func (a *apiServer) Start(orch *orchestrator.Orchestrator) error {
	logrus.Infof("Version: %s", version.Get())

	router := a.Router(orch)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.port),
		Handler: ghandlers.CORS()(router),
	}

	go func() {
		a.log.WithField("port", a.port).Info("starting api server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Fatalf("listen: %s\n", err)
		}
	}()

	go orch.StartSweeper(a.ctx.Done())

	<-a.ctx.Done()

	a.log.Info("shutting down the api server gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		a.log.WithError(err).Error("unable to shutdown the api server gracefully")
		return err
	}

	return nil
}

// Router builds the HTTP routing table. Split out from Start so tests can
// exercise the full middleware and handler stack without a listener.
func (a *apiServer) Router(orch *orchestrator.Orchestrator) *mux.Router {
	router := mux.NewRouter().StrictSlash(true)
	router.Use(loggingMiddleware(a.log))
	h := newHandler(orch)

	// When functioning properly, these routes return the running version.
	router.Path("/").HandlerFunc(h.root)
	router.Path("/healthz").HandlerFunc(h.root)

	api := router.PathPrefix("/v1").Subrouter()

	// The dashboard talks to the service with the single server-held token;
	// tenants never see it. An empty hash disables auth for local runs.
	if a.tokenHash != "" {
		api.Use(tokenAuthMiddleware(a.tokenHash))
	} else {
		a.log.Warn("api token hash not configured, running without authentication")
	}

	api.Path("/domains").Methods("POST").HandlerFunc(h.createDomain)
	api.Path("/domains").Methods("GET").HandlerFunc(h.listDomains)
	api.Path("/domains/{id}").Methods("GET").HandlerFunc(h.getDomain)
	api.Path("/domains/{id}").Methods("DELETE").HandlerFunc(h.deleteDomain)

	// Verify is an "action" on the domain resource: it bypasses the re-check
	// timer but coalesces with any in-flight automatic check.
	api.Path("/domains/{id}/verify").Methods("POST").HandlerFunc(h.verifyDomain)

	// Note: this allows not found urls to be logged via the middleware
	// It **HAS** to be defined after all other paths are defined.
	router.NotFoundHandler = router.NewRoute().HandlerFunc(http.NotFound).GetHandler()

	return router
}
