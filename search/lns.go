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

package search

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cmu-db/mongodb-d4-sub001/design"
	apierrors "github.com/cmu-db/mongodb-d4-sub001/errors"
	"github.com/cmu-db/mongodb-d4-sub001/metrics"
)

// LNSDesigner improves a complete design by repeatedly relaxing a random
// subset of its collections and re-deciding them with branch and bound while
// every other collection keeps its decision.
type LNSDesigner struct {
	id          string
	cfg         Config
	candidates  *design.Candidates
	collections []string
	bound       BoundingFunc
	rnd         *rand.Rand

	incumbent *Incumbent
	exchange  *PeerExchange
}

func NewLNSDesigner(id string, cfg Config, candidates *design.Candidates, collections []string, bound BoundingFunc) (*LNSDesigner, error) {
	if err := cfg.FillDefault(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	cols := append([]string(nil), collections...)
	sort.Strings(cols)
	return &LNSDesigner{
		id:          id,
		cfg:         cfg,
		candidates:  candidates,
		collections: cols,
		bound:       bound,
		rnd:         rand.New(rand.NewSource(seed)),
		incumbent:   NewIncumbent(nil, 0),
	}, nil
}

// WithExchange makes the designer share its improvements with peers and
// accept theirs.
func (l *LNSDesigner) WithExchange(x *PeerExchange) *LNSDesigner {
	l.exchange = x
	return l
}

func (l *LNSDesigner) Incumbent() *Incumbent {
	return l.incumbent
}

// Solve starts from initial and returns the best design found within the
// time budget or the round limit. Stopping ctx ends the search at the next
// round boundary.
func (l *LNSDesigner) Solve(ctx context.Context, initial *design.Design) (*design.Design, float64, error) {
	span := trace.SpanFromContextSafe(ctx)
	if initial == nil {
		return nil, 0, fmt.Errorf("lns %s without initial design: %w", l.id, apierrors.ErrInvalidDesign)
	}
	cost, _, err := l.bound(ctx, initial, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("cost of initial design: %w", err)
	}
	l.incumbent.Offer(initial, cost)
	if l.exchange != nil {
		l.exchange.Join(l.id, l.incumbent)
		defer l.exchange.Leave(l.id)
	}
	gauge := metrics.LNSBestCost.WithLabelValues(l.id)
	gauge.Set(l.incumbent.Cost())

	relax := l.cfg.RelaxSize
	if relax > len(l.collections) {
		relax = len(l.collections)
	}
	deadline := time.Now().Add(l.cfg.timeBudget())
	stagnant := 0
	round := 0
	for ; l.cfg.MaxRounds == 0 || round < l.cfg.MaxRounds; round++ {
		if ctx.Err() != nil || time.Now().After(deadline) || len(l.collections) == 0 {
			break
		}
		improved := l.round(ctx, relax)
		metrics.LNSRounds.Inc()
		gauge.Set(l.incumbent.Cost())
		if improved {
			metrics.LNSImprovements.Inc()
			stagnant = 0
			continue
		}
		stagnant++
		if stagnant >= l.cfg.RelaxIncreaseAfter && relax < len(l.collections) {
			relax++
			stagnant = 0
			span.Debugf("lns %s relaxes %d collections after %d stagnant rounds", l.id, relax, l.cfg.RelaxIncreaseAfter)
		}
	}

	best, bestCost := l.incumbent.Get()
	span.Infof("lns %s finished after %d rounds, best cost %f", l.id, round, bestCost)
	return best, bestCost, nil
}

func (l *LNSDesigner) round(ctx context.Context, relax int) bool {
	current, cost := l.incumbent.Get()

	perm := l.rnd.Perm(len(l.collections))
	relaxed := make([]string, relax)
	for i := range relaxed {
		relaxed[i] = l.collections[perm[i]]
	}
	sort.Strings(relaxed)

	base := current.Copy()
	for _, col := range relaxed {
		base.RemoveCollection(col)
	}
	bb := NewBBSearch(base, relaxed, l.candidates, l.bound,
		WithUpperBound(cost),
		WithTimeout(l.cfg.roundTimeout()),
		WithMaxIndexes(l.cfg.MaxIndexesPerCollection),
	)
	best, bestCost := bb.Solve(ctx)
	if best == nil || bestCost >= cost {
		return false
	}
	if !l.incumbent.Offer(best, bestCost) {
		// a peer got there first
		return false
	}
	trace.SpanFromContextSafe(ctx).Debugf("lns %s improved %f -> %f relaxing %v", l.id, cost, bestCost, relaxed)
	if l.exchange != nil {
		l.exchange.Broadcast(ctx, l.id, bestCost, best)
	}
	return true
}
