package server

import (
	"context"
	"net/http"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apierrors "github.com/cmu-db/mongodb-d4-sub001/errors"
	"github.com/cmu-db/mongodb-d4-sub001/metrics"
	"github.com/cmu-db/mongodb-d4-sub001/store"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
)

// HttpServer exposes the stored designs and the search metrics.
type HttpServer struct {
	httpServer *http.Server
	store      *store.Store
}

func NewHttpServer(st *store.Store) *HttpServer {
	return &HttpServer{store: st}
}

func (h *HttpServer) Serve(addr string) {
	ph := profile.NewProfileHandler(addr)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), ph),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	if h.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

func (h *HttpServer) newHandler() *rpc.Router {
	router := rpc.New()
	router.Handle(http.MethodGet, "/stats", h.Stats)
	router.Handle(http.MethodGet, "/metrics", h.Metrics)
	router.Handle(http.MethodGet, "/designs", h.ListDesigns)
	router.Handle(http.MethodGet, "/designs/:name", h.GetDesign)
	return router
}

func (h *HttpServer) Stats(c *rpc.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		c.RespondError(err)
		return
	}
	c.RespondJSON(stats)
}

func (h *HttpServer) Metrics(c *rpc.Context) {
	promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}

func (h *HttpServer) ListDesigns(c *rpc.Context) {
	designs, err := h.store.ListDesigns(c.Request.Context())
	if err != nil {
		c.RespondError(err)
		return
	}
	c.RespondJSON(designs)
}

func (h *HttpServer) GetDesign(c *rpc.Context) {
	info, err := h.store.GetDesign(c.Request.Context(), c.Param.ByName("name"))
	if err != nil {
		if apierrors.Is(err, apierrors.ErrNotFound) {
			c.RespondError(rpc.NewError(http.StatusNotFound, "NotFound", err))
			return
		}
		c.RespondError(err)
		return
	}
	c.RespondJSON(info)
}
