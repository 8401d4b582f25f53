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

package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cmu-db/mongodb-d4-sub001/common/kvstore"
	"github.com/cmu-db/mongodb-d4-sub001/design"
	apierrors "github.com/cmu-db/mongodb-d4-sub001/errors"
	"github.com/cmu-db/mongodb-d4-sub001/proto"
)

const CF = "artifacts"

var (
	collectionKeyPrefix = []byte("c")
	sessionKeyPrefix    = []byte("s")
	designKeyPrefix     = []byte("d")
	keyInfix            = []byte("/")
)

type Config struct {
	Path     string         `json:"path"`
	KVOption kvstore.Option `json:"kv_option"`
}

// DesignInfo is a design persisted together with its cost.
type DesignInfo struct {
	Name      string          `json:"name"`
	Cost      float64         `json:"cost"`
	Records   []design.Record `json:"design"`
	CreatedAt int64           `json:"created_at"`
}

func (info *DesignInfo) Design() (*design.Design, error) {
	return design.FromRecords(info.Records)
}

// Store persists the catalog, the workload sessions and the computed
// designs of one experiment.
type Store struct {
	kvStore       kvstore.Store
	keysGenerator *keysGenerator
}

func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path is empty: %w", apierrors.ErrInvalidConfig)
	}
	cfg.KVOption.CreateIfMissing = true
	hasCF := false
	for _, col := range cfg.KVOption.ColumnFamily {
		hasCF = hasCF || col == CF
	}
	if !hasCF {
		cfg.KVOption.ColumnFamily = append(cfg.KVOption.ColumnFamily, CF)
	}
	kvStore, err := kvstore.NewKVStore(ctx, cfg.Path+"/kv", kvstore.RocksdbLsmKVType, &cfg.KVOption)
	if err != nil {
		return nil, err
	}
	return &Store{kvStore: kvStore, keysGenerator: &keysGenerator{}}, nil
}

// PutCatalog replaces the stored catalog in one batch.
func (s *Store) PutCatalog(ctx context.Context, catalog proto.Catalog) error {
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()

	batch.DeleteRange(CF, s.keysGenerator.encodeCollectionKeyPrefix(), s.keysGenerator.encodeCollectionKeyEnd())

	for _, name := range catalog.Names() {
		data, err := json.Marshal(catalog[name])
		if err != nil {
			return err
		}
		batch.Put(CF, s.keysGenerator.encodeCollectionKey(name), data)
	}
	trace.SpanFromContextSafe(ctx).Debugf("put %d collections", batch.Count())
	return s.kvStore.Write(ctx, batch)
}

func (s *Store) PutCollection(ctx context.Context, col *proto.Collection) error {
	data, err := json.Marshal(col)
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, CF, s.keysGenerator.encodeCollectionKey(col.Name), data)
}

func (s *Store) GetCollection(ctx context.Context, name string) (*proto.Collection, error) {
	data, err := s.get(ctx, s.keysGenerator.encodeCollectionKey(name))
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", name, err)
	}
	col := &proto.Collection{}
	if err := json.Unmarshal(data, col); err != nil {
		return nil, errors.Info(err, "json unmarshal collection failed")
	}
	return col, nil
}

// GetCollections returns the whole catalog.
func (s *Store) GetCollections(ctx context.Context) (proto.Catalog, error) {
	catalog := make(proto.Catalog)
	err := s.list(ctx, s.keysGenerator.encodeCollectionKeyPrefix(), func(value []byte) error {
		col := &proto.Collection{}
		if err := json.Unmarshal(value, col); err != nil {
			return errors.Info(err, "json unmarshal collection failed")
		}
		catalog[col.Name] = col
		return nil
	})
	if err != nil {
		return nil, err
	}
	return catalog, nil
}

// PutWorkload replaces the stored sessions with w in one batch, keyed by
// session id.
func (s *Store) PutWorkload(ctx context.Context, w proto.Workload) error {
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()

	batch.DeleteRange(CF, s.keysGenerator.encodeSessionKeyPrefix(), s.keysGenerator.encodeSessionKeyEnd())

	for _, sess := range w {
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		batch.Put(CF, s.keysGenerator.encodeSessionKey(sess.ID), data)
	}
	trace.SpanFromContextSafe(ctx).Debugf("put %d sessions", batch.Count())
	return s.kvStore.Write(ctx, batch)
}

// GetSessions returns the workload ordered by session id.
func (s *Store) GetSessions(ctx context.Context) (proto.Workload, error) {
	var w proto.Workload
	err := s.list(ctx, s.keysGenerator.encodeSessionKeyPrefix(), func(value []byte) error {
		sess := &proto.Session{}
		if err := json.Unmarshal(value, sess); err != nil {
			return errors.Info(err, "json unmarshal session failed")
		}
		w = append(w, sess)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Store) PutDesign(ctx context.Context, name string, d *design.Design, cost float64) error {
	data, err := json.Marshal(&DesignInfo{
		Name:      name,
		Cost:      cost,
		Records:   d.Records(),
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	trace.SpanFromContextSafe(ctx).Infof("put design %s with cost %f", name, cost)
	if err := s.kvStore.SetRaw(ctx, CF, s.keysGenerator.encodeDesignKey(name), data); err != nil {
		return err
	}
	return s.kvStore.FlushCF(ctx, CF)
}

func (s *Store) GetDesign(ctx context.Context, name string) (*DesignInfo, error) {
	data, err := s.get(ctx, s.keysGenerator.encodeDesignKey(name))
	if err != nil {
		return nil, fmt.Errorf("design %s: %w", name, err)
	}
	info := &DesignInfo{}
	if err := json.Unmarshal(data, info); err != nil {
		return nil, errors.Info(err, "json unmarshal design failed")
	}
	return info, nil
}

// ListDesigns returns the stored designs, cheapest first.
func (s *Store) ListDesigns(ctx context.Context) ([]*DesignInfo, error) {
	var ret []*DesignInfo
	err := s.list(ctx, s.keysGenerator.encodeDesignKeyPrefix(), func(value []byte) error {
		info := &DesignInfo{}
		if err := json.Unmarshal(value, info); err != nil {
			return errors.Info(err, "json unmarshal design failed")
		}
		ret = append(ret, info)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ret, func(i, j int) bool { return ret[i].Cost < ret[j].Cost })
	return ret, nil
}

func (s *Store) DeleteDesign(ctx context.Context, name string) error {
	return s.kvStore.Delete(ctx, CF, s.keysGenerator.encodeDesignKey(name))
}

// Stats reports the space and memory used by the underlying kv store.
type Stats struct {
	Columns     []string            `json:"columns"`
	Used        uint64              `json:"used"`
	MemoryUsage kvstore.MemoryUsage `json:"memory_usage"`
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	kvStats, err := s.kvStore.Stats(ctx)
	if err != nil {
		return nil, err
	}
	ret := &Stats{Used: kvStats.Used, MemoryUsage: kvStats.MemoryUsage}
	for _, col := range s.kvStore.GetAllColumns() {
		ret.Columns = append(ret.Columns, col.String())
	}
	sort.Strings(ret.Columns)
	return ret, nil
}

func (s *Store) Close() {
	s.kvStore.Close()
}

func (s *Store) get(ctx context.Context, key []byte) ([]byte, error) {
	data, err := s.kvStore.GetRaw(ctx, CF, key)
	if err == kvstore.ErrNotFound {
		return nil, apierrors.ErrNotFound
	}
	return data, err
}

func (s *Store) list(ctx context.Context, prefix []byte, fn func(value []byte) error) error {
	lr := s.kvStore.List(ctx, CF, prefix, nil)
	defer lr.Close()

	for {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return err
		}
		if key == nil {
			return nil
		}
		if err = fn(value); err != nil {
			trace.SpanFromContextSafe(ctx).Errorf("decode %q failed: %s", key, errors.Detail(err))
			return err
		}
	}
}

type keysGenerator struct{}

func (k *keysGenerator) encodeCollectionKey(name string) []byte {
	return k.encodeNameKey(collectionKeyPrefix, name)
}

func (k *keysGenerator) encodeCollectionKeyPrefix() []byte {
	return k.encodePrefix(collectionKeyPrefix)
}

func (k *keysGenerator) encodeSessionKey(id proto.SessionID) []byte {
	ret := make([]byte, len(sessionKeyPrefix)+len(keyInfix)+8)
	copy(ret, sessionKeyPrefix)
	copy(ret[len(sessionKeyPrefix):], keyInfix)
	binary.BigEndian.PutUint64(ret[len(ret)-8:], id)
	return ret
}

func (k *keysGenerator) encodeSessionKeyPrefix() []byte {
	return k.encodePrefix(sessionKeyPrefix)
}

func (k *keysGenerator) encodeCollectionKeyEnd() []byte {
	return k.encodePrefixEnd(collectionKeyPrefix)
}

func (k *keysGenerator) encodeSessionKeyEnd() []byte {
	return k.encodePrefixEnd(sessionKeyPrefix)
}

func (k *keysGenerator) encodeDesignKey(name string) []byte {
	return k.encodeNameKey(designKeyPrefix, name)
}

func (k *keysGenerator) encodeDesignKeyPrefix() []byte {
	return k.encodePrefix(designKeyPrefix)
}

func (k *keysGenerator) encodeNameKey(prefix []byte, name string) []byte {
	ret := make([]byte, len(prefix)+len(keyInfix)+len(name))
	copy(ret, prefix)
	copy(ret[len(prefix):], keyInfix)
	copy(ret[len(prefix)+len(keyInfix):], name)
	return ret
}

func (k *keysGenerator) encodePrefix(prefix []byte) []byte {
	ret := make([]byte, len(prefix)+len(keyInfix))
	copy(ret, prefix)
	copy(ret[len(prefix):], keyInfix)
	return ret
}

// encodePrefixEnd is the first key past every key under prefix.
func (k *keysGenerator) encodePrefixEnd(prefix []byte) []byte {
	ret := k.encodePrefix(prefix)
	ret[len(ret)-1]++
	return ret
}
