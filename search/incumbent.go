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
	"math"
	"sort"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"golang.org/x/time/rate"

	"github.com/cmu-db/mongodb-d4-sub001/design"
	apierrors "github.com/cmu-db/mongodb-d4-sub001/errors"
)

// Incumbent is the best design of a search worker with its cost. Both are
// read and replaced together under one lock.
type Incumbent struct {
	mu     sync.RWMutex
	design *design.Design
	cost   float64
}

func NewIncumbent(d *design.Design, cost float64) *Incumbent {
	inc := &Incumbent{cost: math.Inf(1)}
	if d != nil {
		inc.design, inc.cost = d.Copy(), cost
	}
	return inc
}

// Get returns a copy of the design together with its cost.
func (inc *Incumbent) Get() (*design.Design, float64) {
	inc.mu.RLock()
	defer inc.mu.RUnlock()
	if inc.design == nil {
		return nil, inc.cost
	}
	return inc.design.Copy(), inc.cost
}

func (inc *Incumbent) Cost() float64 {
	inc.mu.RLock()
	defer inc.mu.RUnlock()
	return inc.cost
}

// Offer replaces the incumbent when cost is strictly lower.
func (inc *Incumbent) Offer(d *design.Design, cost float64) bool {
	if d == nil {
		return false
	}
	cp := d.Copy()
	inc.mu.Lock()
	defer inc.mu.Unlock()
	if cost >= inc.cost {
		return false
	}
	inc.design, inc.cost = cp, cost
	return true
}

// Forwarder sends an incumbent to workers outside this process.
type Forwarder func(ctx context.Context, from string, cost float64, d *design.Design) error

// PeerExchange relays improved incumbents between search workers.
type PeerExchange struct {
	mu        sync.RWMutex
	peers     map[string]*Incumbent
	limiter   *rate.Limiter
	forwarder Forwarder
}

// NewPeerExchange limits broadcasts to perSecond, zero disables the limit.
func NewPeerExchange(perSecond float64) *PeerExchange {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &PeerExchange{
		peers:   make(map[string]*Incumbent),
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (x *PeerExchange) SetForwarder(f Forwarder) {
	x.mu.Lock()
	x.forwarder = f
	x.mu.Unlock()
}

func (x *PeerExchange) Join(id string, inc *Incumbent) {
	x.mu.Lock()
	x.peers[id] = inc
	x.mu.Unlock()
}

func (x *PeerExchange) Leave(id string) {
	x.mu.Lock()
	delete(x.peers, id)
	x.mu.Unlock()
}

// Peers returns the ids of the joined workers, sorted.
func (x *PeerExchange) Peers() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ids := make([]string, 0, len(x.peers))
	for id := range x.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Broadcast offers d to every peer but from. Broadcasts above the rate limit
// are dropped, the next improvement carries a newer design anyway.
func (x *PeerExchange) Broadcast(ctx context.Context, from string, cost float64, d *design.Design) bool {
	if !x.limiter.Allow() {
		return false
	}
	x.offer(from, cost, d)

	x.mu.RLock()
	forwarder := x.forwarder
	x.mu.RUnlock()
	if forwarder != nil {
		if err := forwarder(ctx, from, cost, d); err != nil {
			trace.SpanFromContextSafe(ctx).Warnf("forward best design of %s failed: %v", from, err)
		}
	}
	return true
}

// Receive applies an incumbent sent by a remote worker. A malformed update
// is rejected and leaves every local incumbent untouched.
func (x *PeerExchange) Receive(ctx context.Context, from string, cost float64, d *design.Design) error {
	if d == nil || math.IsNaN(cost) || math.IsInf(cost, 0) || cost < 0 {
		trace.SpanFromContextSafe(ctx).Warnf("ignore malformed best design from %s, cost %f", from, cost)
		return fmt.Errorf("best design from %s: %w", from, apierrors.ErrMalformedMessage)
	}
	x.offer(from, cost, d)
	return nil
}

func (x *PeerExchange) offer(from string, cost float64, d *design.Design) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for id, inc := range x.peers {
		if id != from {
			inc.Offer(d, cost)
		}
	}
}
