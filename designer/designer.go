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

package designer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/cmu-db/mongodb-d4-sub001/costmodel"
	"github.com/cmu-db/mongodb-d4-sub001/design"
	apierrors "github.com/cmu-db/mongodb-d4-sub001/errors"
	"github.com/cmu-db/mongodb-d4-sub001/proto"
	"github.com/cmu-db/mongodb-d4-sub001/search"
	"github.com/cmu-db/mongodb-d4-sub001/store"
	"github.com/cmu-db/mongodb-d4-sub001/transport"
	"github.com/cmu-db/mongodb-d4-sub001/worker"
	"github.com/cmu-db/mongodb-d4-sub001/workload"
)

const defaultWorkers = 1

type Config struct {
	Cost       costmodel.Config       `json:"cost"`
	Search     search.Config          `json:"search"`
	Candidates search.CandidateConfig `json:"candidates"`
	Store      store.Config           `json:"store"`

	Workers            int     `json:"workers"`
	BroadcastPerSecond float64 `json:"broadcast_per_second"`
	// Coordinated runs every worker behind a coordinator and exchanges
	// incumbents as messages instead of through shared memory.
	Coordinated bool `json:"coordinated"`
	// WorkerAddrs are the grpc addresses of remote design workers. When set
	// the search is coordinated and runs one worker per address.
	WorkerAddrs []string `json:"worker_addrs"`
}

func (cfg *Config) FillDefault() error {
	if err := cfg.Cost.FillDefault(); err != nil {
		return err
	}
	if err := cfg.Search.FillDefault(); err != nil {
		return err
	}
	if err := cfg.Candidates.FillDefault(); err != nil {
		return err
	}
	if cfg.Workers < 0 || cfg.BroadcastPerSecond < 0 {
		return fmt.Errorf("workers %d, broadcast_per_second %f: %w",
			cfg.Workers, cfg.BroadcastPerSecond, apierrors.ErrInvalidConfig)
	}
	if len(cfg.WorkerAddrs) > 0 {
		cfg.Workers = len(cfg.WorkerAddrs)
		cfg.Coordinated = true
	}
	if cfg.Workers == 0 {
		cfg.Workers = defaultWorkers
	}
	return nil
}

// WorkerResult is the outcome of one search worker.
type WorkerResult struct {
	ID   string
	Cost float64
}

type Result struct {
	Initial     *design.Design
	InitialCost float64
	Best        *design.Design
	Cost        float64
	// Breakdown is the unweighted cost of every component for Best.
	Breakdown map[string]float64
	Workers   []WorkerResult
	Elapsed   time.Duration
}

// Designer searches the physical design of one catalog under one workload.
type Designer struct {
	cfg      *Config
	catalog  proto.Catalog
	workload proto.Workload

	router   *transport.Router
	dialOpts []grpc.DialOption
}

func New(cfg *Config, catalog proto.Catalog, w proto.Workload) (*Designer, error) {
	if err := cfg.FillDefault(); err != nil {
		return nil, err
	}
	// operations on collections the catalog does not describe have no
	// design decision to cost
	known := workload.Filter(w, func(op *proto.Operation) bool {
		return catalog.Get(op.Collection) != nil
	})
	return &Designer{cfg: cfg, catalog: catalog, workload: known}, nil
}

// WithRouter receives the replies of the remote workers through router,
// which the caller serves on the address the workers dial back.
func (d *Designer) WithRouter(router *transport.Router, opts ...grpc.DialOption) *Designer {
	d.router = router
	d.dialOpts = opts
	return d
}

// Run generates the candidates, seeds the search with the initial design
// and returns the cheapest design found by the workers.
func (d *Designer) Run(ctx context.Context) (*Result, error) {
	span := trace.SpanFromContextSafe(ctx)
	start := time.Now()

	candidates, err := search.GenerateCandidates(ctx, d.cfg.Candidates, d.catalog, d.workload)
	if err != nil {
		return nil, err
	}
	cm, err := d.newCostModel()
	if err != nil {
		return nil, err
	}
	initial, err := search.StartingDesign(ctx, d.cfg.Search, candidates, candidates.Collections(), d.workload)
	if err != nil {
		return nil, err
	}
	initialCost, err := cm.OverallCost(ctx, initial)
	if err != nil {
		return nil, fmt.Errorf("cost of initial design: %w", err)
	}
	span.Infof("initial design cost %f, %d workers", initialCost, d.cfg.Workers)

	var results []WorkerResult
	var best *design.Design
	if d.cfg.Coordinated {
		best, results, err = d.runCoordinated(ctx, initial)
	} else {
		best, results, err = d.runLocal(ctx, candidates, initial)
	}
	if err != nil {
		return nil, err
	}

	cm.Reset()
	cost, err := cm.OverallCost(ctx, best)
	if err != nil {
		return nil, err
	}
	breakdown, err := cm.Breakdown(ctx, best)
	if err != nil {
		return nil, err
	}
	ret := &Result{
		Initial:     initial,
		InitialCost: initialCost,
		Best:        best,
		Cost:        cost,
		Breakdown:   breakdown,
		Workers:     results,
		Elapsed:     time.Since(start),
	}
	span.Infof("best design cost %f after %s", cost, ret.Elapsed)
	return ret, nil
}

func (d *Designer) newCostModel() (*costmodel.CostModel, error) {
	cfg := d.cfg.Cost
	return costmodel.New(&cfg, d.catalog, d.workload)
}

func (d *Designer) workerID(i int) string {
	return fmt.Sprintf("lns-%d", i)
}

func (d *Designer) workerSearchConfig(i int) search.Config {
	cfg := d.cfg.Search
	if cfg.Seed != 0 {
		cfg.Seed += int64(i)
	}
	return cfg
}

// runLocal runs one LNS designer per worker in this process, sharing
// incumbents through a peer exchange.
func (d *Designer) runLocal(ctx context.Context, candidates *design.Candidates, initial *design.Design) (*design.Design, []WorkerResult, error) {
	exchange := search.NewPeerExchange(d.cfg.BroadcastPerSecond)
	designs := make([]*design.Design, d.cfg.Workers)
	results := make([]WorkerResult, d.cfg.Workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		i := i
		cm, err := d.newCostModel()
		if err != nil {
			return nil, nil, err
		}
		lns, err := search.NewLNSDesigner(d.workerID(i), d.workerSearchConfig(i), candidates,
			candidates.Collections(), search.CostBound(cm))
		if err != nil {
			return nil, nil, err
		}
		lns.WithExchange(exchange)
		g.Go(func() error {
			best, cost, err := lns.Solve(gctx, initial)
			if err != nil {
				return err
			}
			designs[i] = best
			results[i] = WorkerResult{ID: d.workerID(i), Cost: cost}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return pick(designs, results)
}

// runCoordinated drives a design worker per slot through INIT, LOAD and
// EXECUTE. Workers run in process over memory pipes unless remote
// addresses are configured.
func (d *Designer) runCoordinated(ctx context.Context, initial *design.Design) (*design.Design, []WorkerResult, error) {
	var (
		channels map[string]transport.Channel
		err      error
	)
	if len(d.cfg.WorkerAddrs) > 0 {
		channels, err = d.dialWorkers(ctx)
	} else {
		channels, err = d.localWorkers(ctx)
	}
	if err != nil {
		return nil, nil, err
	}

	coordinator := worker.NewCoordinator(channels)
	coordinator.Start(ctx)
	defer coordinator.Close(ctx)

	index := make(map[string]int, d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		index[d.workerID(i)] = i
	}
	err = coordinator.Init(ctx, func(id string) interface{} {
		return &worker.InitArgs{
			Cost:               d.cfg.Cost,
			Search:             d.workerSearchConfig(index[id]),
			Candidates:         d.cfg.Candidates,
			BroadcastPerSecond: d.cfg.BroadcastPerSecond,
		}
	})
	if err != nil {
		return nil, nil, err
	}
	load := &worker.LoadArgs{Catalog: d.catalog, Workload: d.workload}
	if err = coordinator.Load(ctx, func(string) interface{} { return load }); err != nil {
		return nil, nil, err
	}
	execute := &worker.ExecuteArgs{Initial: initial.Records()}
	replies, err := coordinator.Execute(ctx, func(string) interface{} { return execute })
	if err != nil {
		return nil, nil, err
	}

	designs := make([]*design.Design, d.cfg.Workers)
	results := make([]WorkerResult, d.cfg.Workers)
	for id, m := range replies {
		var ret worker.ExecuteResult
		if err := m.UnmarshalData(&ret); err != nil {
			return nil, nil, err
		}
		best, err := design.FromRecords(ret.Design)
		if err != nil {
			return nil, nil, err
		}
		designs[index[id]] = best
		results[index[id]] = WorkerResult{ID: id, Cost: ret.Cost}
	}
	return pick(designs, results)
}

func (d *Designer) localWorkers(ctx context.Context) (map[string]transport.Channel, error) {
	span := trace.SpanFromContextSafe(ctx)
	channels := make(map[string]transport.Channel, d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		w, err := worker.New(worker.DesignWorkerName)
		if err != nil {
			return nil, err
		}
		local, remote := transport.NewMemoryPipe(64)
		id := d.workerID(i)
		channels[id] = local
		go func() {
			if err := worker.Serve(ctx, id, remote, w); err != nil {
				span.Warnf("worker %s exited: %s", id, err)
			}
		}()
	}
	return channels, nil
}

// dialWorkers connects to the remote workers in address order. The worker
// at WorkerAddrs[i] must serve under the id lns-i.
func (d *Designer) dialWorkers(ctx context.Context) (map[string]transport.Channel, error) {
	if d.router == nil {
		return nil, fmt.Errorf("remote workers without a reply router: %w", apierrors.ErrInvalidConfig)
	}
	channels := make(map[string]transport.Channel, len(d.cfg.WorkerAddrs))
	for i, addr := range d.cfg.WorkerAddrs {
		id := d.workerID(i)
		local := transport.NewEndpoint(64)
		d.router.Route(id, local)
		ch, err := transport.DialChannel(ctx, addr, local, d.dialOpts...)
		if err != nil {
			for _, c := range channels {
				c.Close()
			}
			return nil, fmt.Errorf("dial worker %s at %s: %w", id, addr, err)
		}
		channels[id] = &remoteChannel{GRPCChannel: ch, local: local}
	}
	return channels, nil
}

// remoteChannel also closes the endpoint the worker replies to.
type remoteChannel struct {
	*transport.GRPCChannel
	local *transport.Endpoint
}

func (c *remoteChannel) Close() error {
	c.local.Close()
	return c.GRPCChannel.Close()
}

func pick(designs []*design.Design, results []WorkerResult) (*design.Design, []WorkerResult, error) {
	best, bestCost := -1, math.Inf(1)
	for i := range results {
		if designs[i] != nil && results[i].Cost < bestCost {
			best, bestCost = i, results[i].Cost
		}
	}
	if best < 0 {
		return nil, nil, fmt.Errorf("no worker returned a design: %w", apierrors.ErrInvalidDesign)
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Cost < results[j].Cost })
	return designs[best], results, nil
}
