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

package transport

import (
	"context"
	"sync"

	apierrors "github.com/cmu-db/mongodb-d4-sub001/errors"
	"github.com/cmu-db/mongodb-d4-sub001/metrics"
)

type pipe struct {
	ch     chan *Message
	closed chan struct{}
	once   sync.Once
}

func newPipe(size int) *pipe {
	return &pipe{ch: make(chan *Message, size), closed: make(chan struct{})}
}

func (p *pipe) close() {
	p.once.Do(func() { close(p.closed) })
}

type memoryChannel struct {
	in  *pipe
	out *pipe
}

// NewMemoryPipe returns the two connected ends of an in process channel.
// Messages are copied through their wire encoding, so neither end shares
// memory with the other.
func NewMemoryPipe(size int) (Channel, Channel) {
	a, b := newPipe(size), newPipe(size)
	return &memoryChannel{in: a, out: b}, &memoryChannel{in: b, out: a}
}

func (c *memoryChannel) Send(ctx context.Context, m *Message) error {
	data, err := encode(m)
	if err != nil {
		return err
	}
	cp, err := decode(data)
	if err != nil {
		return err
	}
	select {
	case <-c.out.closed:
		return apierrors.ErrChannelClosed
	case <-c.in.closed:
		return apierrors.ErrChannelClosed
	default:
	}
	select {
	case c.out.ch <- cp:
		metrics.MessagesSent.WithLabelValues(m.Tag.String()).Inc()
		return nil
	case <-c.out.closed:
		return apierrors.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive drains the messages already queued before reporting a closed
// channel.
func (c *memoryChannel) Receive(ctx context.Context) (*Message, error) {
	select {
	case m := <-c.in.ch:
		return m, nil
	default:
	}
	select {
	case m := <-c.in.ch:
		return m, nil
	case <-c.in.closed:
		return nil, apierrors.ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes both directions.
func (c *memoryChannel) Close() error {
	c.in.close()
	c.out.close()
	return nil
}
