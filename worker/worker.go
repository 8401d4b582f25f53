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
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"google.golang.org/grpc"

	"github.com/cmu-db/mongodb-d4-sub001/design"
	apierrors "github.com/cmu-db/mongodb-d4-sub001/errors"
	"github.com/cmu-db/mongodb-d4-sub001/transport"
)

// Worker runs the commands a coordinator dispatches to it. The payload of
// every command is the Data of the received message.
type Worker interface {
	Init(ctx context.Context, m *transport.Message) error
	Load(ctx context.Context, m *transport.Message) error
	// Execute returns the value sent back in the reply's Data.
	Execute(ctx context.Context, m *transport.Message) (interface{}, error)
}

// Publisher is implemented by workers that announce their incumbent while
// executing. Serve installs a function sending UPDATE_BEST to the
// coordinator.
type Publisher interface {
	SetPublisher(publish func(ctx context.Context, cost float64, d *design.Design) error)
}

// BestReceiver is implemented by workers that accept the incumbents of
// their peers.
type BestReceiver interface {
	ReceiveBest(ctx context.Context, from string, cost float64, d *design.Design) error
}

// Base implements every command as a no-op. Workers embed it and override
// what they need.
type Base struct{}

func (Base) Init(context.Context, *transport.Message) error { return nil }

func (Base) Load(context.Context, *transport.Message) error { return nil }

func (Base) Execute(context.Context, *transport.Message) (interface{}, error) { return nil, nil }

type Factory func() Worker

var registry = struct {
	sync.RWMutex
	factories map[string]Factory
}{factories: make(map[string]Factory)}

// Register makes a worker available under name. It panics when name is
// registered twice.
func Register(name string, f Factory) {
	registry.Lock()
	defer registry.Unlock()
	if f == nil {
		panic("worker: nil factory for " + name)
	}
	if _, ok := registry.factories[name]; ok {
		panic("worker: duplicate registration of " + name)
	}
	registry.factories[name] = f
}

// New creates a worker of the type registered under name.
func New(name string) (Worker, error) {
	registry.RLock()
	f, ok := registry.factories[name]
	registry.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, apierrors.ErrUnknownWorker)
	}
	return f(), nil
}

func Names() []string {
	registry.RLock()
	defer registry.RUnlock()
	names := make([]string, 0, len(registry.factories))
	for name := range registry.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Serve reads commands from ch and runs them on w until STOP is received,
// the channel is closed or ctx is done. INIT and LOAD run inline, EXECUTE
// runs in the background so that peer updates keep flowing while it
// searches. Every command is answered with a reply of the same tag.
func Serve(ctx context.Context, id string, ch transport.Channel, w Worker) error {
	span := trace.SpanFromContextSafe(ctx)
	if p, ok := w.(Publisher); ok {
		p.SetPublisher(func(ctx context.Context, cost float64, d *design.Design) error {
			return ch.Send(ctx, transport.NewUpdateBest(id, cost, d))
		})
	}

	execCtx, cancel := context.WithCancel(ctx)
	var (
		wg      sync.WaitGroup
		running int32
	)
	defer func() {
		cancel()
		wg.Wait()
	}()

	reply := func(m *transport.Message) {
		if err := ch.Send(ctx, m); err != nil {
			span.Warnf("worker %s reply %s failed: %s", id, m.Tag, err)
		}
	}

	for {
		m, err := ch.Receive(ctx)
		if err != nil {
			if errors.Is(err, apierrors.ErrChannelClosed) {
				return nil
			}
			return err
		}
		span.Debugf("worker %s received %s", id, m.Tag)

		switch m.Tag {
		case transport.TagInit:
			reply(transport.NewReply(m.Tag, id, nil, w.Init(ctx, m)))
		case transport.TagLoad:
			reply(transport.NewReply(m.Tag, id, nil, w.Load(ctx, m)))
		case transport.TagExecute:
			if !atomic.CompareAndSwapInt32(&running, 0, 1) {
				reply(transport.NewReply(m.Tag, id, nil, errors.New("worker is already executing")))
				continue
			}
			wg.Add(1)
			go func(m *transport.Message) {
				defer wg.Done()
				defer atomic.StoreInt32(&running, 0)
				ret, err := w.Execute(execCtx, m)
				reply(transport.NewReply(m.Tag, id, ret, err))
			}(m)
		case transport.TagUpdateBest:
			r, ok := w.(BestReceiver)
			if !ok {
				continue
			}
			d, cost, err := m.Best()
			if err == nil {
				err = r.ReceiveBest(ctx, m.Worker, cost, d)
			}
			if err != nil {
				span.Warnf("worker %s ignores update from %s: %s", id, m.Worker, err)
			}
		case transport.TagStop:
			span.Infof("worker %s stopped", id)
			return nil
		case transport.TagEmpty:
		default:
			span.Warnf("worker %s ignores message %s", id, m.Tag)
		}
	}
}

// ServeGRPC serves w to the coordinator listening at target. Commands reach
// the worker through local, which the caller registers on its grpc server.
func ServeGRPC(ctx context.Context, id, target string, local *transport.Endpoint, w Worker, opts ...grpc.DialOption) error {
	ch, err := transport.DialChannel(ctx, target, local, opts...)
	if err != nil {
		return err
	}
	defer ch.Close()
	return Serve(ctx, id, ch, w)
}
