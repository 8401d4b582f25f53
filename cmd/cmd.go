// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	_ "github.com/cubefs/cubefs/blobstore/util/version"
	"google.golang.org/grpc"

	"github.com/cmu-db/mongodb-d4-sub001/costmodel"
	"github.com/cmu-db/mongodb-d4-sub001/designer"
	apierrors "github.com/cmu-db/mongodb-d4-sub001/errors"
	"github.com/cmu-db/mongodb-d4-sub001/proto"
	"github.com/cmu-db/mongodb-d4-sub001/search"
	"github.com/cmu-db/mongodb-d4-sub001/server"
	"github.com/cmu-db/mongodb-d4-sub001/store"
	"github.com/cmu-db/mongodb-d4-sub001/transport"
	"github.com/cmu-db/mongodb-d4-sub001/util"
	"github.com/cmu-db/mongodb-d4-sub001/worker"
)

// WorkerConfig turns the process into a design worker of a remote
// coordinator. ID must be lns-i for the coordinator's i-th worker address.
type WorkerConfig struct {
	ID          string `json:"id"`
	Coordinator string `json:"coordinator"`
}

// Config service config
type Config struct {
	designer.Config

	// CatalogFile and WorkloadFile are imported into the store before the
	// search when set.
	CatalogFile  string `json:"catalog_file"`
	WorkloadFile string `json:"workload_file"`
	DesignName   string `json:"design_name"`

	// HttpBindPort serves the stored designs and the metrics when set.
	HttpBindPort uint32 `json:"http_bind_port"`
	// GrpcBindPort receives the messages of remote workers, or of the
	// coordinator in worker mode.
	GrpcBindPort  uint32        `json:"grpc_bind_port"`
	Worker        *WorkerConfig `json:"worker"`
	MaxProcessors int           `json:"max_processors"`
	LogLevel      log.Level     `json:"log_level"`
}

// newConfig returns the defaults config files are loaded over.
func newConfig() *Config {
	return &Config{Config: designer.Config{
		Cost:       costmodel.DefaultConfig(),
		Candidates: search.DefaultCandidateConfig(),
	}}
}

func main() {
	config.Init("f", "", "d4.json")

	cfg := newConfig()
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}

	initConfig(cfg)
	registerLogLevel()
	log.SetOutputLevel(cfg.LogLevel)

	span, ctx := trace.StartSpanFromContext(context.Background(), "d4")
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
		<-ch
		span.Warnf("interrupted, stopping the search at the next round")
		cancel()
	}()

	err := run(ctx, cfg)
	cancel()
	if err != nil {
		log.Fatal(errors.Detail(err))
	}
}

func run(ctx context.Context, cfg *Config) error {
	if cfg.Worker != nil {
		return runWorker(ctx, cfg)
	}

	st, err := store.NewStore(ctx, &cfg.Store)
	if err != nil {
		return errors.Info(err, "open store failed")
	}
	defer st.Close()

	if cfg.HttpBindPort > 0 {
		httpServer := server.NewHttpServer(st)
		httpServer.Serve(":" + strconv.Itoa(int(cfg.HttpBindPort)))
		defer httpServer.Stop()
	}

	if err := importArtifacts(ctx, st, cfg); err != nil {
		return errors.Info(err, "import failed")
	}
	catalog, err := st.GetCollections(ctx)
	if err != nil {
		return errors.Info(err, "load catalog failed")
	}
	workload, err := st.GetSessions(ctx)
	if err != nil {
		return errors.Info(err, "load workload failed")
	}
	if len(catalog) == 0 || len(workload) == 0 {
		return fmt.Errorf("store %s holds %d collections and %d sessions, nothing to design",
			cfg.Store.Path, len(catalog), len(workload))
	}

	d, err := designer.New(&cfg.Config, catalog, workload)
	if err != nil {
		return errors.Info(err, "invalid config")
	}
	if len(cfg.WorkerAddrs) > 0 {
		router := transport.NewRouter()
		stop, err := serveGRPC(cfg.GrpcBindPort, router.Register)
		if err != nil {
			return err
		}
		defer stop()
		d.WithRouter(router)
	}
	ret, err := d.Run(ctx)
	if err != nil {
		return errors.Info(err, "design failed")
	}

	if err := st.PutDesign(ctx, cfg.DesignName+"-initial", ret.Initial, ret.InitialCost); err != nil {
		return errors.Info(err, "save design failed")
	}
	if err := st.PutDesign(ctx, cfg.DesignName, ret.Best, ret.Cost); err != nil {
		return errors.Info(err, "save design failed")
	}
	writeResult(os.Stdout, catalog, ret)
	return nil
}

// runWorker serves a design worker until the coordinator stops it.
func runWorker(ctx context.Context, cfg *Config) error {
	if cfg.Worker.ID == "" || cfg.Worker.Coordinator == "" {
		return fmt.Errorf("worker id %q, coordinator %q: %w", cfg.Worker.ID, cfg.Worker.Coordinator, apierrors.ErrInvalidConfig)
	}
	w, err := worker.New(worker.DesignWorkerName)
	if err != nil {
		return err
	}
	local := transport.NewEndpoint(64)
	defer local.Close()
	stop, err := serveGRPC(cfg.GrpcBindPort, local.Register)
	if err != nil {
		return err
	}
	defer stop()

	log.Infof("worker %s serves coordinator %s", cfg.Worker.ID, cfg.Worker.Coordinator)
	return worker.ServeGRPC(ctx, cfg.Worker.ID, cfg.Worker.Coordinator, local, w)
}

func serveGRPC(port uint32, register func(*grpc.Server)) (stop func(), err error) {
	if port == 0 {
		return nil, fmt.Errorf("grpc_bind_port is not set: %w", apierrors.ErrInvalidConfig)
	}
	lis, err := net.Listen("tcp", ":"+strconv.Itoa(int(port)))
	if err != nil {
		return nil, err
	}
	s := transport.NewServer()
	register(s)
	go func() {
		if err := s.Serve(lis); err != nil {
			log.Error("grpc server exits:", err)
		}
	}()
	log.Info("grpc server is running at:", lis.Addr())
	return s.GracefulStop, nil
}

func initConfig(cfg *Config) {
	if cfg.Store.Path == "" {
		cfg.Store.Path = "./run/store"
	}
	if cfg.DesignName == "" {
		cfg.DesignName = "design-" + util.GenID()[:8]
	}
	if cfg.MaxProcessors > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcessors)
	}
}

func registerLogLevel() {
	logLevelPath, logLevelHandler := log.ChangeDefaultLevelHandler()
	profile.HandleFunc(http.MethodPost, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
	profile.HandleFunc(http.MethodGet, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
}

func importArtifacts(ctx context.Context, st *store.Store, cfg *Config) error {
	if cfg.CatalogFile != "" {
		var catalog proto.Catalog
		if err := readJSON(cfg.CatalogFile, &catalog); err != nil {
			return err
		}
		if err := st.PutCatalog(ctx, catalog); err != nil {
			return err
		}
	}
	if cfg.WorkloadFile != "" {
		var workload proto.Workload
		if err := readJSON(cfg.WorkloadFile, &workload); err != nil {
			return err
		}
		if err := st.PutWorkload(ctx, workload); err != nil {
			return err
		}
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(v); err != nil {
		return errors.Info(err, "decode "+path+" failed")
	}
	return nil
}
