package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatfanout/internal/chat"
)

// RedisConfig controls key naming and node liveness.
type RedisConfig struct {
	Prefix string
	Node   string
	// TTL bounds how long a worker's sessions stay visible after it stops
	// heartbeating.
	TTL time.Duration
}

// Redis is a Registry shared by all workers through one Redis instance.
//
// Layout:
//
//	<prefix>:nodes              SET   of worker node ids
//	<prefix>:node:<id>          HASH  session id -> JSON session
//	<prefix>:node:<id>:alive    STRING with TTL, refreshed by Heartbeat
//
// ListAll ignores, and removes, sessions of nodes whose liveness key expired,
// so a crashed worker does not leave ghosts in the online set.
type Redis struct {
	rdb    *redis.Client
	cfg    RedisConfig
	clock  *clock
	logger *zap.Logger
}

var _ Registry = (*Redis)(nil)

// NewRedis creates a registry for the node described by cfg.
func NewRedis(rdb *redis.Client, cfg RedisConfig, logger *zap.Logger) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = "chatfanout"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{rdb: rdb, cfg: cfg, clock: newClock(), logger: logger}
}

func (r *Redis) nodesKey() string { return r.cfg.Prefix + ":nodes" }
func (r *Redis) nodeKey(node string) string { return r.cfg.Prefix + ":node:" + node }
func (r *Redis) aliveKey(node string) string { return r.nodeKey(node) + ":alive" }

// Register records the session under this node and refreshes liveness.
func (r *Redis) Register(ctx context.Context, s chat.Session) error {
	s.Node = r.cfg.Node
	if s.RegisteredAt.IsZero() {
		s.RegisteredAt = r.clock.next()
	}
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encode session")
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, r.nodeKey(r.cfg.Node), s.ID, data)
	pipe.SAdd(ctx, r.nodesKey(), r.cfg.Node)
	pipe.Set(ctx, r.aliveKey(r.cfg.Node), "1", r.cfg.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "register session %s", s.ID)
	}
	return nil
}

// Unregister removes the session from this node.
func (r *Redis) Unregister(ctx context.Context, sessionID string) error {
	if err := r.rdb.HDel(ctx, r.nodeKey(r.cfg.Node), sessionID).Err(); err != nil {
		return errors.Wrapf(err, "unregister session %s", sessionID)
	}
	return nil
}

// ListAll queries every known node. It is one round-trip for the node set
// and one pipelined round-trip for their sessions.
func (r *Redis) ListAll(ctx context.Context) ([]chat.Session, error) {
	nodes, err := r.rdb.SMembers(ctx, r.nodesKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list nodes")
	}
	if len(nodes) == 0 {
		return nil, nil
	}

	type nodeCmds struct {
		alive    *redis.IntCmd
		sessions *redis.MapStringStringCmd
	}
	cmds := make(map[string]nodeCmds, len(nodes))
	pipe := r.rdb.Pipeline()
	for _, node := range nodes {
		cmds[node] = nodeCmds{
			alive:    pipe.Exists(ctx, r.aliveKey(node)),
			sessions: pipe.HGetAll(ctx, r.nodeKey(node)),
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}

	var out []chat.Session
	var dead []string
	for node, c := range cmds {
		if c.alive.Val() == 0 {
			dead = append(dead, node)
			continue
		}
		for id, raw := range c.sessions.Val() {
			var s chat.Session
			if err := json.Unmarshal([]byte(raw), &s); err != nil {
				r.logger.Warn("skipping undecodable session",
					zap.String("node", node), zap.String("session", id), zap.Error(err))
				continue
			}
			out = append(out, s)
		}
	}
	r.reapNodes(ctx, dead)

	sortByRegistration(out)
	return out, nil
}

func (r *Redis) reapNodes(ctx context.Context, nodes []string) {
	for _, node := range nodes {
		if node == r.cfg.Node {
			continue
		}
		pipe := r.rdb.TxPipeline()
		pipe.SRem(ctx, r.nodesKey(), node)
		pipe.Del(ctx, r.nodeKey(node))
		if _, err := pipe.Exec(ctx); err != nil {
			r.logger.Warn("failed to reap expired node", zap.String("node", node), zap.Error(err))
			continue
		}
		r.logger.Info("reaped expired node", zap.String("node", node))
	}
}

// Heartbeat refreshes this node's liveness key.
func (r *Redis) Heartbeat(ctx context.Context) error {
	pipe := r.rdb.TxPipeline()
	pipe.SAdd(ctx, r.nodesKey(), r.cfg.Node)
	pipe.Set(ctx, r.aliveKey(r.cfg.Node), "1", r.cfg.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "heartbeat")
	}
	return nil
}

// Run heartbeats every third of the TTL until ctx is done.
func (r *Redis) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.TTL / 3)
	defer ticker.Stop()

	for {
		if err := r.Heartbeat(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("registry heartbeat failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close removes this node and all of its sessions.
func (r *Redis) Close(ctx context.Context) error {
	pipe := r.rdb.TxPipeline()
	pipe.SRem(ctx, r.nodesKey(), r.cfg.Node)
	pipe.Del(ctx, r.nodeKey(r.cfg.Node), r.aliveKey(r.cfg.Node))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "close registry")
	}
	return nil
}
