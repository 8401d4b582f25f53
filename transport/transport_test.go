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
	"encoding/json"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cmu-db/mongodb-d4-sub001/design"
	apierrors "github.com/cmu-db/mongodb-d4-sub001/errors"
)

func testDesign(t *testing.T) *design.Design {
	d := design.New()
	d.AddCollections("col1", "col2")
	require.NoError(t, d.AddShardKey("col1", design.Key{"k1"}))
	require.NoError(t, d.AddIndex("col1", design.Key{"k1", "k2"}))
	require.NoError(t, d.SetDenormalizationParent("col2", "col1"))
	return d
}

func TestTag(t *testing.T) {
	data, err := json.Marshal(&Message{Tag: TagUpdateBest})
	require.NoError(t, err)
	require.JSONEq(t, `{"tag":"UPDATE_BEST"}`, string(data))

	_, err = decode([]byte(`{"tag":"BOGUS"}`))
	require.ErrorIs(t, err, apierrors.ErrMalformedMessage)
	_, err = Tag(42).MarshalText()
	require.ErrorIs(t, err, apierrors.ErrUnknownMessageTag)
}

func TestMessage_Best(t *testing.T) {
	d := testDesign(t)
	m := NewUpdateBest("w1", 0.25, d)
	got, cost, err := m.Best()
	require.NoError(t, err)
	require.Equal(t, 0.25, cost)
	require.True(t, d.Equal(got))

	for _, bad := range []*Message{
		{Tag: TagExecute},
		{Tag: TagUpdateBest, Cost: math.NaN(), Design: d.Records()},
		{Tag: TagUpdateBest, Cost: -1, Design: d.Records()},
		{Tag: TagUpdateBest, Cost: 0.1},
		{Tag: TagUpdateBest, Cost: 0.1, Design: []design.Record{{Collection: "a", Denorm: "a"}}},
	} {
		_, _, err := bad.Best()
		require.ErrorIs(t, err, apierrors.ErrMalformedMessage)
	}

	var payload struct{ Rounds int }
	m, err = NewMessage(TagExecute, "w1", map[string]int{"Rounds": 3})
	require.NoError(t, err)
	require.NoError(t, m.UnmarshalData(&payload))
	require.Equal(t, 3, payload.Rounds)
	require.ErrorIs(t, (&Message{Tag: TagLoad}).UnmarshalData(&payload), apierrors.ErrMalformedMessage)
}

func TestMemoryPipe(t *testing.T) {
	ctx := context.Background()
	a, b := NewMemoryPipe(4)

	d := testDesign(t)
	sent := NewUpdateBest("w1", 0.5, d)
	require.NoError(t, a.Send(ctx, sent))
	require.NoError(t, b.Send(ctx, &Message{Tag: TagStop}))

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, TagUpdateBest, got.Tag)
	require.Equal(t, sent.Design, got.Design)
	got.Design[0].Collection = "changed"
	require.Equal(t, "col1", sent.Design[0].Collection)

	got, err = a.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, TagStop, got.Tag)

	timeout, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = a.Receive(timeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, a.Send(ctx, &Message{Tag: TagEmpty}))
	require.NoError(t, a.Close())
	require.ErrorIs(t, a.Send(ctx, &Message{Tag: TagEmpty}), apierrors.ErrChannelClosed)
	got, err = b.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, TagEmpty, got.Tag)
	_, err = b.Receive(ctx)
	require.ErrorIs(t, err, apierrors.ErrChannelClosed)
}

func TestGRPCChannel(t *testing.T) {
	ctx := context.Background()
	lis := bufconn.Listen(1 << 20)
	s := NewServer()
	remote := NewEndpoint(4)
	remote.Register(s)
	go s.Serve(lis)
	defer s.Stop()

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	local := NewEndpoint(4)
	ch, err := DialChannel(ctx, "bufnet", local, dialer)
	require.NoError(t, err)
	defer ch.Close()

	d := testDesign(t)
	require.NoError(t, ch.Send(ctx, NewUpdateBest("w1", 0.125, d)))
	m, err := remote.Receive(ctx)
	require.NoError(t, err)
	got, cost, err := m.Best()
	require.NoError(t, err)
	require.Equal(t, 0.125, cost)
	require.True(t, d.Equal(got))

	// malformed payloads are rejected by the endpoint
	conn, err := grpc.DialContext(ctx, "bufnet", dialer, grpc.WithInsecure())
	require.NoError(t, err)
	defer conn.Close()
	err = conn.Invoke(ctx, deliverMethod, &wrapperspb.BytesValue{Value: []byte("{")}, &emptypb.Empty{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	// messages sent to this side are read from the local endpoint
	_, err = local.Deliver(ctx, &wrapperspb.BytesValue{Value: []byte(`{"tag":"STOP"}`)})
	require.NoError(t, err)
	m, err = ch.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, TagStop, m.Tag)

	remote.Close()
	err = ch.Send(ctx, &Message{Tag: TagEmpty})
	require.Equal(t, codes.Unavailable, status.Code(err))
}

func TestRouter(t *testing.T) {
	ctx := context.Background()
	lis := bufconn.Listen(1 << 20)
	s := NewServer()
	router := NewRouter()
	router.Register(s)
	go s.Serve(lis)
	defer s.Stop()

	w1, w2 := NewEndpoint(4), NewEndpoint(4)
	router.Route("w1", w1)
	router.Route("w2", w2)

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	ch, err := DialChannel(ctx, "bufnet", NewEndpoint(1), dialer)
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send(ctx, &Message{Tag: TagInit, Worker: "w2"}))
	require.NoError(t, ch.Send(ctx, &Message{Tag: TagLoad, Worker: "w1"}))
	m, err := w1.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, TagLoad, m.Tag)
	m, err = w2.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, TagInit, m.Tag)

	err = ch.Send(ctx, &Message{Tag: TagInit, Worker: "w3"})
	require.Equal(t, codes.NotFound, status.Code(err))

	w1.Close()
	err = ch.Send(ctx, &Message{Tag: TagInit, Worker: "w1"})
	require.Equal(t, codes.Unavailable, status.Code(err))
}
