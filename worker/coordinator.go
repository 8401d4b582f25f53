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
	"sort"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	"github.com/cmu-db/mongodb-d4-sub001/design"
	"github.com/cmu-db/mongodb-d4-sub001/search"
	"github.com/cmu-db/mongodb-d4-sub001/transport"
)

// PayloadFunc returns the command payload for one worker, nil for none.
type PayloadFunc func(id string) interface{}

// Coordinator dispatches commands to a fixed set of workers and relays the
// incumbents they publish to every other worker.
type Coordinator struct {
	ids      []string
	channels map[string]transport.Channel
	replies  map[string]chan *transport.Message
	taskPool taskpool.TaskPool
	best     *search.Incumbent

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewCoordinator(channels map[string]transport.Channel) *Coordinator {
	poolSize := len(channels)
	if poolSize == 0 {
		poolSize = 1
	}
	c := &Coordinator{
		channels: channels,
		replies:  make(map[string]chan *transport.Message, len(channels)),
		taskPool: taskpool.New(poolSize, poolSize),
		best:     search.NewIncumbent(nil, 0),
	}
	for id := range channels {
		c.ids = append(c.ids, id)
		c.replies[id] = make(chan *transport.Message, 1)
	}
	sort.Strings(c.ids)
	return c
}

func (c *Coordinator) Workers() []string {
	return c.ids
}

// Start receives from every worker until Close.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	for _, id := range c.ids {
		c.wg.Add(1)
		go func(id string) {
			defer c.wg.Done()
			c.receiveLoop(ctx, id)
		}(id)
	}
}

func (c *Coordinator) receiveLoop(ctx context.Context, id string) {
	span := trace.SpanFromContextSafe(ctx)
	for {
		m, err := c.channels[id].Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				span.Warnf("receive from worker %s stopped: %s", id, errors.Detail(err))
			}
			return
		}
		if m.Tag != transport.TagUpdateBest {
			select {
			case c.replies[id] <- m:
			case <-ctx.Done():
				return
			}
			continue
		}

		d, cost, err := m.Best()
		if err != nil {
			span.Warnf("drop update from worker %s: %s", id, err)
			continue
		}
		if !c.best.Offer(d, cost) {
			continue
		}
		span.Debugf("worker %s improved to %f", id, cost)
		for _, peer := range c.ids {
			if peer == id {
				continue
			}
			if err := c.channels[peer].Send(ctx, m); err != nil {
				span.Warnf("relay update to worker %s failed: %s", peer, errors.Detail(err))
			}
		}
	}
}

// Init sends INIT to every worker and waits for all of them to answer.
func (c *Coordinator) Init(ctx context.Context, payload PayloadFunc) error {
	_, err := c.dispatch(ctx, transport.TagInit, payload)
	return err
}

func (c *Coordinator) Load(ctx context.Context, payload PayloadFunc) error {
	_, err := c.dispatch(ctx, transport.TagLoad, payload)
	return err
}

// Execute runs EXECUTE on every worker and returns their replies keyed by
// worker id.
func (c *Coordinator) Execute(ctx context.Context, payload PayloadFunc) (map[string]*transport.Message, error) {
	return c.dispatch(ctx, transport.TagExecute, payload)
}

func (c *Coordinator) dispatch(ctx context.Context, tag transport.Tag, payload PayloadFunc) (map[string]*transport.Message, error) {
	span := trace.SpanFromContextSafe(ctx)
	var (
		lock    sync.Mutex
		wg      sync.WaitGroup
		replies = make(map[string]*transport.Message, len(c.ids))
		errs    []error
	)
	for _, id := range c.ids {
		id := id
		wg.Add(1)
		c.taskPool.Run(func() {
			defer wg.Done()
			m, err := c.call(ctx, id, tag, payload)
			lock.Lock()
			defer lock.Unlock()
			if err != nil {
				span.Errorf("%s on worker %s failed: %s", tag, id, errors.Detail(err))
				errs = append(errs, err)
				return
			}
			replies[id] = m
		})
	}
	wg.Wait()

	if len(errs) > 0 {
		return replies, errs[0]
	}
	span.Infof("%s done on %d workers", tag, len(c.ids))
	return replies, nil
}

func (c *Coordinator) call(ctx context.Context, id string, tag transport.Tag, payload PayloadFunc) (*transport.Message, error) {
	var data interface{}
	if payload != nil {
		data = payload(id)
	}
	m, err := transport.NewMessage(tag, id, data)
	if err != nil {
		return nil, err
	}
	if err := c.channels[id].Send(ctx, m); err != nil {
		return nil, err
	}
	select {
	case reply := <-c.replies[id]:
		if reply.Tag != tag {
			return nil, fmt.Errorf("worker %s answered %s with %s", id, tag, reply.Tag)
		}
		if reply.Error != "" {
			return nil, fmt.Errorf("worker %s: %s", id, reply.Error)
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Best returns the cheapest design any worker published.
func (c *Coordinator) Best() (*design.Design, float64) {
	return c.best.Get()
}

// Close stops every worker, closes their channels and waits for the
// receive loops to exit.
func (c *Coordinator) Close(ctx context.Context) {
	c.once.Do(func() {
		span := trace.SpanFromContextSafe(ctx)
		for _, id := range c.ids {
			if err := c.channels[id].Send(ctx, &transport.Message{Tag: transport.TagStop, Worker: id}); err != nil {
				span.Warnf("stop worker %s failed: %s", id, errors.Detail(err))
			}
		}
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		for _, id := range c.ids {
			c.channels[id].Close()
		}
		c.taskPool.Close()
	})
}
