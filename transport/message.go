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
	"fmt"
	"math"

	"github.com/cmu-db/mongodb-d4-sub001/design"
	apierrors "github.com/cmu-db/mongodb-d4-sub001/errors"
)

type Tag uint8

const (
	TagEmpty Tag = iota
	TagInit
	TagLoad
	TagExecute
	TagStop
	TagUpdateBest
)

var tagNames = map[Tag]string{
	TagEmpty:      "EMPTY",
	TagInit:       "INIT",
	TagLoad:       "LOAD",
	TagExecute:    "EXECUTE",
	TagStop:       "STOP",
	TagUpdateBest: "UPDATE_BEST",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Tag(%d)", uint8(t))
}

func (t Tag) MarshalText() ([]byte, error) {
	if _, ok := tagNames[t]; !ok {
		return nil, fmt.Errorf("tag %d: %w", uint8(t), apierrors.ErrUnknownMessageTag)
	}
	return []byte(t.String()), nil
}

func (t *Tag) UnmarshalText(b []byte) error {
	for tag, name := range tagNames {
		if name == string(b) {
			*t = tag
			return nil
		}
	}
	return fmt.Errorf("tag %q: %w", string(b), apierrors.ErrUnknownMessageTag)
}

// Message is the envelope exchanged between the coordinator and its workers.
// Data carries the command specific payload, UPDATE_BEST messages carry the
// sender's incumbent in Cost and Design.
type Message struct {
	Tag    Tag             `json:"tag"`
	Worker string          `json:"worker,omitempty"`
	Cost   float64         `json:"cost,omitempty"`
	Design []design.Record `json:"design,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	// Error is set on replies to commands that failed on the worker.
	Error string `json:"error,omitempty"`
}

func NewMessage(tag Tag, worker string, data interface{}) (*Message, error) {
	m := &Message{Tag: tag, Worker: worker}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		m.Data = raw
	}
	return m, nil
}

// NewReply acknowledges a command of type tag, carrying data or the failure.
func NewReply(tag Tag, worker string, data interface{}, err error) *Message {
	if err != nil {
		return &Message{Tag: tag, Worker: worker, Error: err.Error()}
	}
	m, err := NewMessage(tag, worker, data)
	if err != nil {
		return &Message{Tag: tag, Worker: worker, Error: err.Error()}
	}
	return m
}

func NewUpdateBest(worker string, cost float64, d *design.Design) *Message {
	return &Message{Tag: TagUpdateBest, Worker: worker, Cost: cost, Design: d.Records()}
}

// UnmarshalData decodes the payload into v.
func (m *Message) UnmarshalData(v interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message without payload: %w", m.Tag, apierrors.ErrMalformedMessage)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%s payload: %v: %w", m.Tag, err, apierrors.ErrMalformedMessage)
	}
	return nil
}

// Best returns the incumbent carried by an UPDATE_BEST message.
func (m *Message) Best() (*design.Design, float64, error) {
	if m.Tag != TagUpdateBest {
		return nil, 0, fmt.Errorf("%s message carries no design: %w", m.Tag, apierrors.ErrMalformedMessage)
	}
	if math.IsNaN(m.Cost) || math.IsInf(m.Cost, 0) || m.Cost < 0 || len(m.Design) == 0 {
		return nil, 0, fmt.Errorf("update from %s: %w", m.Worker, apierrors.ErrMalformedMessage)
	}
	d, err := design.FromRecords(m.Design)
	if err != nil {
		return nil, 0, fmt.Errorf("update from %s: %v: %w", m.Worker, err, apierrors.ErrMalformedMessage)
	}
	return d, m.Cost, nil
}

func encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

func decode(b []byte) (*Message, error) {
	m := &Message{}
	if err := json.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("%v: %w", err, apierrors.ErrMalformedMessage)
	}
	return m, nil
}

// Channel is a point to point message channel.
type Channel interface {
	Send(ctx context.Context, m *Message) error
	Receive(ctx context.Context) (*Message, error)
	Close() error
}
