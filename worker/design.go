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

package worker

import (
	"context"
	"fmt"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cmu-db/mongodb-d4-sub001/costmodel"
	"github.com/cmu-db/mongodb-d4-sub001/design"
	apierrors "github.com/cmu-db/mongodb-d4-sub001/errors"
	"github.com/cmu-db/mongodb-d4-sub001/proto"
	"github.com/cmu-db/mongodb-d4-sub001/search"
	"github.com/cmu-db/mongodb-d4-sub001/transport"
)

const DesignWorkerName = "designer"

func init() {
	Register(DesignWorkerName, func() Worker { return &DesignWorker{} })
}

type (
	InitArgs struct {
		Cost               costmodel.Config       `json:"cost"`
		Search             search.Config          `json:"search"`
		Candidates         search.CandidateConfig `json:"candidates"`
		BroadcastPerSecond float64                `json:"broadcast_per_second"`
	}
	LoadArgs struct {
		Catalog  proto.Catalog  `json:"catalog"`
		Workload proto.Workload `json:"workload"`
	}
	// ExecuteArgs starts the search from Initial, or from the initial
	// design heuristic when it is empty.
	ExecuteArgs struct {
		Initial []design.Record `json:"initial,omitempty"`
	}
	ExecuteResult struct {
		Cost   float64         `json:"cost"`
		Design []design.Record `json:"design"`
	}
)

// DesignWorker runs large neighborhood search over the catalog and
// workload it was loaded with. Improvements are published to the
// coordinator and peer incumbents are merged into the running search.
type DesignWorker struct {
	Base

	id       string
	args     InitArgs
	workload proto.Workload

	candidates *design.Candidates
	cm         *costmodel.CostModel
	exchange   *search.PeerExchange
	publish    func(ctx context.Context, cost float64, d *design.Design) error
}

func (w *DesignWorker) SetPublisher(publish func(ctx context.Context, cost float64, d *design.Design) error) {
	w.publish = publish
}

func (w *DesignWorker) Init(ctx context.Context, m *transport.Message) error {
	args := InitArgs{Candidates: search.DefaultCandidateConfig()}
	if err := m.UnmarshalData(&args); err != nil {
		return err
	}
	if err := args.Cost.FillDefault(); err != nil {
		return err
	}
	if err := args.Search.FillDefault(); err != nil {
		return err
	}
	if err := args.Candidates.FillDefault(); err != nil {
		return err
	}
	if args.BroadcastPerSecond < 0 {
		return fmt.Errorf("broadcast_per_second %f: %w", args.BroadcastPerSecond, apierrors.ErrInvalidConfig)
	}

	w.id = m.Worker
	w.args = args
	w.exchange = search.NewPeerExchange(args.BroadcastPerSecond)
	w.exchange.SetForwarder(func(ctx context.Context, _ string, cost float64, d *design.Design) error {
		if w.publish == nil {
			return nil
		}
		return w.publish(ctx, cost, d)
	})
	trace.SpanFromContextSafe(ctx).Infof("design worker %s initialized", w.id)
	return nil
}

func (w *DesignWorker) Load(ctx context.Context, m *transport.Message) error {
	if w.exchange == nil {
		return fmt.Errorf("load before init: %w", apierrors.ErrInvalidConfig)
	}
	var args LoadArgs
	if err := m.UnmarshalData(&args); err != nil {
		return err
	}
	candidates, err := search.GenerateCandidates(ctx, w.args.Candidates, args.Catalog, args.Workload)
	if err != nil {
		return err
	}
	cfg := w.args.Cost
	cm, err := costmodel.New(&cfg, args.Catalog, args.Workload)
	if err != nil {
		return err
	}
	w.workload = args.Workload
	w.candidates = candidates
	w.cm = cm
	trace.SpanFromContextSafe(ctx).Infof("design worker %s loaded %d collections, %d sessions",
		w.id, len(args.Catalog), len(args.Workload))
	return nil
}

func (w *DesignWorker) Execute(ctx context.Context, m *transport.Message) (interface{}, error) {
	if w.cm == nil {
		return nil, fmt.Errorf("execute before load: %w", apierrors.ErrInvalidConfig)
	}
	var args ExecuteArgs
	if len(m.Data) > 0 {
		if err := m.UnmarshalData(&args); err != nil {
			return nil, err
		}
	}

	collections := w.candidates.Collections()
	var (
		initial *design.Design
		err     error
	)
	if len(args.Initial) > 0 {
		initial, err = design.FromRecords(args.Initial)
	} else {
		initial, err = search.InitialDesign(ctx, w.candidates, collections, w.workload)
	}
	if err != nil {
		return nil, err
	}

	lns, err := search.NewLNSDesigner(w.id, w.args.Search, w.candidates, collections, search.CostBound(w.cm))
	if err != nil {
		return nil, err
	}
	best, cost, err := lns.WithExchange(w.exchange).Solve(ctx, initial)
	if err != nil {
		return nil, err
	}
	return &ExecuteResult{Cost: cost, Design: best.Records()}, nil
}

func (w *DesignWorker) ReceiveBest(ctx context.Context, from string, cost float64, d *design.Design) error {
	if w.exchange == nil {
		return fmt.Errorf("update before init: %w", apierrors.ErrInvalidConfig)
	}
	return w.exchange.Receive(ctx, from, cost, d)
}
