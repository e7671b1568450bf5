package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	DefaultRedisKeyPrefix = "skillswap:mailbox:"

	redisWriteRetries = 8
)

// Redis is a Transport backed by Redis. Each document is stored as JSON
// under its own key, each collection keeps a set of member paths, and
// changes are fanned out with PUBLISH on a per-collection channel so several
// server processes can share one mailbox.
type Redis struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Logger    *slog.Logger
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return NewRedisFromClient(client, opts.KeyPrefix, opts.Logger), nil
}

func NewRedisFromClient(client *redis.Client, prefix string, logger *slog.Logger) *Redis {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, prefix: prefix, logger: logger}
}

func (r *Redis) docKey(path string) string  { return r.prefix + "doc:" + path }
func (r *Redis) indexKey(col string) string { return r.prefix + "col:" + col }
func (r *Redis) channel(col string) string  { return r.prefix + "changes:" + col }

func (r *Redis) Write(ctx context.Context, path string, v any, merge bool) (Document, error) {
	col, _, err := Split(path)
	if err != nil {
		return Document{}, err
	}
	data, err := encodeObject(v)
	if err != nil {
		return Document{}, err
	}

	key := r.docKey(path)
	var (
		doc  Document
		kind ChangeKind
	)
	txf := func(tx *redis.Tx) error {
		prev, exists, err := r.get(ctx, tx, key)
		if err != nil {
			return err
		}
		next := data
		if merge && exists {
			next, err = mergeJSON(prev.Data, data)
			if err != nil {
				return err
			}
		}
		doc = Document{Path: path, Data: next, Version: prev.Version + 1, UpdatedAt: time.Now().UTC()}
		kind = ChangeAdded
		if exists {
			kind = ChangeModified
		}
		encoded, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			pipe.SAdd(ctx, r.indexKey(col), path)
			return nil
		})
		return err
	}

	for i := 0; i < redisWriteRetries; i++ {
		err = r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Document{}, err
		}
		r.publish(ctx, col, Change{Kind: kind, Doc: doc})
		return doc, nil
	}
	return Document{}, fmt.Errorf("write %s: too much contention", path)
}

func (r *Redis) Read(ctx context.Context, path string) (Document, error) {
	if err := ValidateDocument(path); err != nil {
		return Document{}, err
	}
	doc, exists, err := r.get(ctx, r.client, r.docKey(path))
	if err != nil {
		return Document{}, err
	}
	if !exists {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

func (r *Redis) Delete(ctx context.Context, path string) error {
	col, _, err := Split(path)
	if err != nil {
		return err
	}
	key := r.docKey(path)
	doc, exists, err := r.get(ctx, r.client, key)
	if err != nil || !exists {
		return err
	}
	if _, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.SRem(ctx, r.indexKey(col), path)
		return nil
	}); err != nil {
		return err
	}
	r.publish(ctx, col, Change{Kind: ChangeRemoved, Doc: doc})
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, q Query, fn func(Change)) (func(), error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	// Subscribe before taking the snapshot so nothing written in between is
	// missed; the dispatcher drops versions it has already delivered.
	ps := r.client.Subscribe(ctx, r.channel(q.Collection))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	d := newDispatcher(fn)
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			_ = ps.Close()
			d.close()
		})
	}

	snapshot, err := r.snapshot(ctx, q)
	if err != nil {
		unsubscribe()
		return nil, err
	}
	for _, doc := range snapshot {
		d.push(Change{Kind: ChangeAdded, Doc: doc})
	}

	go func() {
		for msg := range ps.Channel() {
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				r.logger.Warn("dropping malformed mailbox change", "channel", msg.Channel, "err", err)
				continue
			}
			if c.Kind == ChangeRemoved || q.Matches(c.Doc) {
				if col, _, err := Split(c.Doc.Path); err == nil && col == q.Collection {
					d.push(c)
				}
			}
		}
	}()

	if err := d.flush(ctx); err != nil {
		unsubscribe()
		return nil, err
	}
	return unsubscribe, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) snapshot(ctx context.Context, q Query) ([]Document, error) {
	paths, err := r.client.SMembers(ctx, r.indexKey(q.Collection)).Result()
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, nil
	}
	sort.Strings(paths)
	keys := make([]string, len(paths))
	for i, p := range paths {
		keys[i] = r.docKey(p)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Document, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var doc Document
		if err := json.Unmarshal([]byte(s), &doc); err != nil {
			continue
		}
		if q.Matches(doc) {
			out = append(out, doc)
		}
	}
	return out, nil
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *Redis) get(ctx context.Context, c redisGetter, key string) (Document, bool, error) {
	b, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return Document{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return doc, true, nil
}

// publish is best-effort; subscribers recover the state on their next
// snapshot.
func (r *Redis) publish(ctx context.Context, col string, c Change) {
	payload, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := r.client.Publish(ctx, r.channel(col), payload).Err(); err != nil {
		r.logger.Warn("mailbox publish failed", "collection", col, "path", c.Doc.Path, "err", err)
	}
}
