package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flowengine/core/infrastructure/state"
)

// Config configures the Flow State Store (spec §6.5's SHARD_COUNT,
// DEFAULT_FLOW_TTL_MS, MAX_PROCESSED_REQUEST_IDS).
type Config struct {
	ShardCount          int
	DefaultTTL          time.Duration
	IdempotencyCapacity int
	// Backend durably persists session snapshots; reused from
	// infrastructure/state rather than inventing a second KV abstraction.
	Backend state.PersistenceBackend
}

func (c Config) withDefaults() Config {
	if c.ShardCount <= 0 {
		c.ShardCount = 32
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 10 * time.Minute
	}
	if c.IdempotencyCapacity <= 0 {
		c.IdempotencyCapacity = 100
	}
	if c.Backend == nil {
		c.Backend = state.NewMemoryBackend(0)
	}
	return c
}

// Store is the Flow State Store: N shard actors, each single-writer-per-
// session (spec §4.3, §5).
type Store struct {
	cfg     Config
	shards  []*shard
	durable *state.PersistentState
}

func New(cfg Config) *Store {
	cfg = cfg.withDefaults()
	shards := make([]*shard, cfg.ShardCount)
	for i := range shards {
		shards[i] = newShard(i)
	}
	// NewPersistentState only errors on a nil Backend, which withDefaults
	// above already rules out.
	durable, _ := state.NewPersistentState(state.Config{Backend: cfg.Backend, KeyPrefix: "flow-session:"})
	return &Store{cfg: cfg, shards: shards, durable: durable}
}

func (st *Store) shardFor(sessionID string) *shard {
	return st.shards[shardIndex(sessionID, len(st.shards))]
}

func (st *Store) onExpire(sessionID string) {
	sh := st.shardFor(sessionID)
	sh.remove(sessionID)
	if st.durable != nil {
		_ = st.durable.Delete(context.Background(), sessionID)
	}
}

// Snapshot returns a point-in-time copy of every durably persisted session
// row. Operational tooling that needs a cold read of store state (without
// routing a request through any single shard actor) uses this instead of
// iterating shards directly.
func (st *Store) Snapshot(ctx context.Context) (*state.Snapshot, error) {
	if st.durable == nil {
		return &state.Snapshot{Data: map[string][]byte{}}, nil
	}
	return st.durable.Snapshot(ctx)
}

// Init creates a new session (spec §4.3's init). Fails with
// ErrSessionExists if the session already has state.
func (st *Store) Init(ctx context.Context, p InitParams) (*Session, error) {
	if p.TTL <= 0 {
		p.TTL = st.cfg.DefaultTTL
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	a := st.shardFor(p.SessionID).getOrCreate(p.SessionID, st.cfg.IdempotencyCapacity, st.onExpire)
	res, err := a.send(ctx, command{op: opInit, init: p})
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	st.persist(ctx, res.Session)
	return res.Session, nil
}

// CheckRequest is the idempotency probe of spec §4.3. It never mutates the
// session.
func (st *Store) CheckRequest(ctx context.Context, sessionID, requestID string) (found bool, result interface{}, session *Session, err error) {
	a, ok := st.shardFor(sessionID).get(sessionID)
	if !ok {
		return false, nil, nil, ErrSessionNotFound
	}
	res, err := a.send(ctx, command{op: opCheckRequest, reqID: requestID})
	if err != nil {
		return false, nil, nil, err
	}
	if res.Err != nil {
		return false, nil, nil, res.Err
	}
	return res.Found, res.Result, res.Session, nil
}

// Submit advances a session's cursor and records the idempotency result
// (spec §4.3's submit). The caller (Executor) has already validated and
// bounded every field; the store trusts them verbatim.
func (st *Store) Submit(ctx context.Context, sessionID string, p SubmitParams) (*Session, error) {
	a, ok := st.shardFor(sessionID).get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	res, err := a.send(ctx, command{op: opSubmit, submit: p})
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	st.persist(ctx, res.Session)
	return res.Session, nil
}

// State returns a full session snapshot (spec §4.3's state()).
func (st *Store) State(ctx context.Context, sessionID string) (*Session, error) {
	a, ok := st.shardFor(sessionID).get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	res, err := a.send(ctx, command{op: opState})
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Session, nil
}

// Cancel deletes the session and its alarm; always succeeds, even if the
// session is already absent (spec §4.3's cancel()).
func (st *Store) Cancel(ctx context.Context, sessionID string) error {
	sh := st.shardFor(sessionID)
	a, ok := sh.get(sessionID)
	if ok {
		_, _ = a.send(ctx, command{op: opCancel})
		sh.remove(sessionID)
	}
	if st.durable != nil {
		_ = st.durable.Delete(ctx, sessionID)
	}
	return nil
}

// ShardAddr returns the logical shard address owning sessionID.
func (st *Store) ShardAddr(sessionID string) string {
	return addrFor(shardIndex(sessionID, len(st.shards)))
}

// persist mirrors the actor's now-authoritative snapshot into the durable
// backend. It prefers an optimistic compare-and-swap against whatever is
// currently there, falling back to an unconditional save on the first write
// for a session or when the swap loses a race — the actor has already
// serialized the real ordering decision, so the external store only needs
// to converge on its latest snapshot, never reject it.
func (st *Store) persist(ctx context.Context, session *Session) {
	if session == nil || st.durable == nil {
		return
	}
	data, err := json.Marshal(session)
	if err != nil {
		return
	}
	if old, loadErr := st.durable.Load(ctx, session.SessionID); loadErr == nil {
		if ok, casErr := st.durable.CompareAndSwap(ctx, session.SessionID, old, data); casErr == nil && ok {
			return
		}
	}
	_ = st.durable.Save(ctx, session.SessionID, data)
}
