package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rendis/workcell/pkg/schema"
)

// RedisOptions tunes key layout and the distributed lock.
type RedisOptions struct {
	// Prefix namespaces every key, e.g. "workcell:ot2_cell".
	Prefix string
	// LockTTL expires a lock whose holder died.
	LockTTL time.Duration
	// LockWait bounds how long WithLock waits before ErrCodeLockTimeout.
	LockWait time.Duration
	// LockRetry is the delay between acquisition attempts.
	LockRetry time.Duration
}

func (o *RedisOptions) applyDefaults() {
	if o.Prefix == "" {
		o.Prefix = "workcell"
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.LockWait <= 0 {
		o.LockWait = 10 * time.Second
	}
	if o.LockRetry <= 0 {
		o.LockRetry = 10 * time.Millisecond
	}
}

// releaseScript deletes the lock only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisStore is the StateStore shared by every process of a workcell.
//
// Key layout (with prefix P):
//
//	P:workcell      string, JSON workcell definition
//	P:workflows     hash, workflow id -> JSON workflow
//	P:nodes         hash, node name -> JSON node
//	P:workflow_seq  counter backing Workflow.Sequence
//	P:lock          state lock, value is the holder's token
type RedisStore struct {
	client redis.UniversalClient
	opts   RedisOptions
}

// NewRedisStore wraps a go-redis client.
func NewRedisStore(client redis.UniversalClient, opts RedisOptions) *RedisStore {
	opts.applyDefaults()
	return &RedisStore{client: client, opts: opts}
}

func (s *RedisStore) key(name string) string { return s.opts.Prefix + ":" + name }

func (s *RedisStore) GetWorkcell(ctx context.Context) (*schema.WorkcellDefinition, bool, error) {
	raw, err := s.client.Get(ctx, s.key("workcell")).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, redisErr("get workcell", err)
	}
	var wc schema.WorkcellDefinition
	if err := json.Unmarshal(raw, &wc); err != nil {
		return nil, false, fmt.Errorf("unmarshal workcell: %w", err)
	}
	return &wc, true, nil
}

func (s *RedisStore) SetWorkcell(ctx context.Context, wc *schema.WorkcellDefinition) error {
	raw, err := json.Marshal(wc)
	if err != nil {
		return fmt.Errorf("marshal workcell: %w", err)
	}
	if err := s.client.Set(ctx, s.key("workcell"), raw, 0).Err(); err != nil {
		return redisErr("set workcell", err)
	}
	return nil
}

func (s *RedisStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	seq, err := s.client.Incr(ctx, s.key("workflow_seq")).Result()
	if err != nil {
		return redisErr("next workflow sequence", err)
	}
	wf.Sequence = seq
	raw, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	created, err := s.client.HSetNX(ctx, s.key("workflows"), wf.WorkflowID, raw).Result()
	if err != nil {
		return redisErr("create workflow", err)
	}
	if !created {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.WorkflowID)
	}
	return nil
}

func (s *RedisStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, bool, error) {
	raw, err := s.client.HGet(ctx, s.key("workflows"), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, redisErr("get workflow", err)
	}
	wf, err := decodeWorkflow(raw)
	if err != nil {
		return nil, false, err
	}
	return wf, true, nil
}

func (s *RedisStore) SetWorkflow(ctx context.Context, wf *schema.Workflow) error {
	raw, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	if err := s.client.HSet(ctx, s.key("workflows"), wf.WorkflowID, raw).Err(); err != nil {
		return redisErr("set workflow", err)
	}
	return nil
}

func (s *RedisStore) DeleteWorkflow(ctx context.Context, id string) error {
	n, err := s.client.HDel(ctx, s.key("workflows"), id).Result()
	if err != nil {
		return redisErr("delete workflow", err)
	}
	if n == 0 {
		return storeNotFound("workflow", id)
	}
	return nil
}

func (s *RedisStore) ListWorkflows(ctx context.Context) ([]*schema.Workflow, error) {
	all, err := s.client.HGetAll(ctx, s.key("workflows")).Result()
	if err != nil {
		return nil, redisErr("list workflows", err)
	}
	out := make([]*schema.Workflow, 0, len(all))
	for _, raw := range all {
		wf, err := decodeWorkflow([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	SortWorkflows(out)
	return out, nil
}

func (s *RedisStore) GetNode(ctx context.Context, name string) (*schema.Node, bool, error) {
	raw, err := s.client.HGet(ctx, s.key("nodes"), name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, redisErr("get node", err)
	}
	n, err := decodeNode(raw)
	if err != nil {
		return nil, false, err
	}
	return n, true, nil
}

func (s *RedisStore) SetNode(ctx context.Context, node *schema.Node) error {
	raw, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal node: %w", err)
	}
	if err := s.client.HSet(ctx, s.key("nodes"), node.NodeName, raw).Err(); err != nil {
		return redisErr("set node", err)
	}
	return nil
}

func (s *RedisStore) ListNodes(ctx context.Context) ([]*schema.Node, error) {
	all, err := s.client.HGetAll(ctx, s.key("nodes")).Result()
	if err != nil {
		return nil, redisErr("list nodes", err)
	}
	out := make([]*schema.Node, 0, len(all))
	for _, raw := range all {
		n, err := decodeNode([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	sortNodes(out)
	return out, nil
}

func (s *RedisStore) DeleteNode(ctx context.Context, name string) error {
	n, err := s.client.HDel(ctx, s.key("nodes"), name).Result()
	if err != nil {
		return redisErr("delete node", err)
	}
	if n == 0 {
		return storeNotFound("node", name)
	}
	return nil
}

// WithLock acquires the state lock with SET NX PX and a random token,
// runs fn, and releases the lock only if the token still matches.
func (s *RedisStore) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	token := uuid.NewString()
	lockKey := s.key("lock")
	deadline := time.Now().Add(s.opts.LockWait)

	for {
		ok, err := s.client.SetNX(ctx, lockKey, token, s.opts.LockTTL).Result()
		if err != nil {
			return redisErr("acquire lock", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return schema.NewErrorf(schema.ErrCodeLockTimeout, "state lock not acquired within %s", s.opts.LockWait)
		}
		select {
		case <-ctx.Done():
			return schema.NewError(schema.ErrCodeLockTimeout, "state lock not acquired").WithCause(ctx.Err())
		case <-time.After(s.opts.LockRetry):
		}
	}

	defer func() {
		// Release on a fresh context so a cancelled caller still frees the lock.
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(relCtx, s.client, []string{lockKey}, token).Err()
	}()
	return fn(ctx)
}

func (s *RedisStore) Close() error { return s.client.Close() }

func redisErr(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeStore, "redis %s failed", op).WithCause(err)
}
