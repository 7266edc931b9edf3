package dstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/mKV/lib/db"
	"github.com/ValentinKolb/mKV/lib/store"
	"github.com/ValentinKolb/mKV/lib/store/dstore/internal"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/logger"
	sm "github.com/lni/dragonboat/v4/statemachine"
)

var log = logger.GetLogger("dstore")

// raftNode is the part of *dragonboat.NodeHost used by the store.
type raftNode interface {
	GetNoOPSession(shardID uint64) *client.Session
	SyncPropose(ctx context.Context, session *client.Session, cmd []byte) (sm.Result, error)
	SyncRead(ctx context.Context, shardID uint64, query interface{}) (interface{}, error)
	StaleRead(shardID uint64, query interface{}) (interface{}, error)
}

// Config controls how the store talks to its shard.
type Config struct {
	Timeout    time.Duration // per proposal or read
	Retries    int           // attempts while the node reports ErrSystemBusy
	StaleReads bool          // serve Get and Has from the local replica without a read index
}

// DefaultConfig returns a five second timeout, five retries and linearizable reads.
func DefaultConfig() Config {
	return Config{Timeout: 5 * time.Second, Retries: 5}
}

// storeImpl is the store.IStore implementation backed by a RAFT shard.
type storeImpl struct {
	nh      raftNode
	shardID uint64
	cs      *client.Session
	cfg     Config
}

// NewDistributedStore creates a new distributed store instance which uses raft consensus to ensure strict linearizability
// across multiple nodes.
func NewDistributedStore(nh *dragonboat.NodeHost, shardID uint64, cfg Config) store.IStore {
	return newStore(nh, shardID, cfg)
}

func newStore(nh raftNode, shardID uint64, cfg Config) *storeImpl {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = def.Retries
	}
	return &storeImpl{
		nh:      nh,
		shardID: shardID,
		cs:      nh.GetNoOPSession(shardID),
		cfg:     cfg,
	}
}

// --------------------------------------------------------------------------
// Internal write and read operations (used by interface methods)
// --------------------------------------------------------------------------

// backoff sleeps before the next attempt, doubling from a tenth of the timeout.
func (s *storeImpl) backoff(attempt int) {
	time.Sleep((s.cfg.Timeout / 10) << min(attempt, 4))
}

// write serializes a Command and sends it via SyncPropose.
// It returns a *store.Error if an error occurs, or nil on success.
func (s *storeImpl) write(cmd internal.Command) error {
	data := cmd.Serialize()
	for i := 0; i < s.cfg.Retries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		res, err := s.nh.SyncPropose(ctx, s.cs, data)
		cancel()

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("shard %d: %s proposal rejected, system busy (%d/%d)", s.shardID, cmd.Type, i+1, s.cfg.Retries)
			s.backoff(i)
			continue
		}
		if err != nil {
			return store.NewError(store.RetCInternalError, err.Error())
		}
		if res.Value != uint64(store.RetCSuccess) {
			return store.NewError(store.RetCode(res.Value), string(res.Data))
		}
		return nil
	}
	return store.NewError(store.RetCInternalError, fmt.Sprintf("%s: system busy after %d attempts", cmd.Type, s.cfg.Retries))
}

// read queries the state machine and converts the response to R. Stale reads
// skip the read index and may return data that is behind the leader.
func read[R any](s *storeImpl, q internal.Query, stale bool) (R, error) {
	var zero R
	for i := 0; i < s.cfg.Retries; i++ {
		var res interface{}
		var err error
		if stale {
			res, err = s.nh.StaleRead(s.shardID, q)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
			res, err = s.nh.SyncRead(ctx, s.shardID, q)
			cancel()
		}

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("shard %d: %s read rejected, system busy (%d/%d)", s.shardID, q.Type, i+1, s.cfg.Retries)
			s.backoff(i)
			continue
		}
		if err != nil {
			var se *store.Error
			if errors.As(err, &se) {
				return zero, se
			}
			return zero, store.NewError(store.RetCInternalError, err.Error())
		}

		casted, ok := res.(R)
		if !ok {
			return zero, store.NewError(store.RetCInternalError,
				fmt.Sprintf("unexpected type: received %T, expected %T", res, zero))
		}
		return casted, nil
	}
	return zero, store.NewError(store.RetCInternalError, fmt.Sprintf("%s: system busy after %d attempts", q.Type, s.cfg.Retries))
}

// --------------------------------------------------------------------------
// Interface Methods (docs see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Set(key string, value []byte) error {
	return s.write(internal.Command{Type: internal.CommandTSet, Key: key, Value: value})
}

func (s *storeImpl) SetIfUnset(key string, value []byte) error {
	return s.write(internal.Command{Type: internal.CommandTSetIfUnset, Key: key, Value: value})
}

func (s *storeImpl) Delete(key string) error {
	return s.write(internal.Command{Type: internal.CommandTDelete, Key: key})
}

func (s *storeImpl) Get(key string) ([]byte, bool, error) {
	res, err := read[internal.QueryResult](s, internal.Query{Type: internal.QueryTGet, Key: key}, s.cfg.StaleReads)
	if err != nil {
		return nil, false, err
	}
	return res.Value, res.Ok, nil
}

func (s *storeImpl) Has(key string) (bool, error) {
	return read[bool](s, internal.Query{Type: internal.QueryTHas, Key: key}, s.cfg.StaleReads)
}

func (s *storeImpl) GetDBInfo() (db.DatabaseInfo, error) {
	// info is always served stale
	return read[db.DatabaseInfo](s, internal.Query{Type: internal.QueryTGetDBInfo}, true)
}

// Close is a no-op. The NodeHost and the shard are owned by the caller.
func (s *storeImpl) Close() error {
	return nil
}
