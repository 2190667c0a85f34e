package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"

	"github.com/refinedata/refinery/internal/logger"
)

// Engine defaults
const (
	// DefaultPollInterval is how often the worker and maintenance loops wake up
	DefaultPollInterval = 2 * time.Second
	// DefaultVisibilityTimeout is how long a claimed entry stays leased before
	// the reaper treats it as abandoned
	DefaultVisibilityTimeout = 6 * time.Minute
	// DefaultEntryTTL is how long terminal entry metadata stays queryable
	DefaultEntryTTL = 23 * time.Hour

	maintenanceBatch = 100
)

// Options configure a Redis engine instance.
type Options struct {
	QueueName         string
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	EntryTTL          time.Duration
}

// Redis is a durable queue engine over a Redis instance. Ready work lives in
// a priority-scored sorted set, delayed retries in a run-at-scored sorted
// set, and claimed entries in a lease-expiry-scored sorted set; per-entry
// metadata lives in a hash. Two maintenance loops run per instance: a mover
// that promotes due delayed entries and a reaper that requeues or fails
// entries whose lease expired.
type Redis struct {
	rdb  *redis.Client
	opts Options

	mu         sync.Mutex
	registered bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Engine = (*Redis)(nil)

// NewRedis creates an engine over the given client and starts its
// maintenance loops. The caller owns nothing afterwards; Close stops the
// loops and closes the client.
func NewRedis(rdb *redis.Client, opts Options) *Redis {
	if opts.QueueName == "" {
		opts.QueueName = "data-refinement"
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.VisibilityTimeout == 0 {
		opts.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if opts.EntryTTL == 0 {
		opts.EntryTTL = DefaultEntryTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Redis{
		rdb:    rdb,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}

	q.wg.Add(2)
	go q.moverLoop()
	go q.reaperLoop()

	return q
}

func (q *Redis) key(parts ...string) string {
	k := "refinery:" + q.opts.QueueName
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// readyScore orders the ready set so that higher priorities pop first and
// equal priorities pop oldest first.
func readyScore(priority int, now time.Time) float64 {
	return float64(10-priority)*1e10 + float64(now.Unix())
}

// Enqueue adds a new entry and returns its id. When opts.DedupKey is set and
// another in-flight entry holds the same key, it returns ErrDuplicateJob and
// adds nothing.
func (q *Redis) Enqueue(ctx context.Context, payload []byte, opts EnqueueOptions) (string, error) {
	if opts.Priority < 1 || opts.Priority > 10 {
		opts.Priority = 5
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Minute
	}
	if opts.TTL <= 0 {
		opts.TTL = q.opts.EntryTTL
	}

	id := uuid.NewString()

	if opts.DedupKey != "" {
		ok, err := q.rdb.SetNX(ctx, q.key("dedup", opts.DedupKey), id, opts.TTL).Result()
		if err != nil {
			return "", errors.Wrap(err, "failed to reserve dedup key")
		}
		if !ok {
			return "", ErrDuplicateJob
		}
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.key("job", id), map[string]interface{}{
		"payload":       payload,
		"priority":      opts.Priority,
		"state":         string(EntryStateCreated),
		"retrycount":    0,
		"retrylimit":    opts.RetryLimit,
		"retrydelay_ms": opts.RetryDelay.Milliseconds(),
		"ttl_ms":        opts.TTL.Milliseconds(),
		"dedup":         opts.DedupKey,
	})
	pipe.ZAdd(ctx, q.key("ready"), redis.Z{Score: readyScore(opts.Priority, time.Now()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		if opts.DedupKey != "" {
			_ = q.rdb.Del(ctx, q.key("dedup", opts.DedupKey)).Err()
		}
		return "", errors.Wrap(err, "failed to enqueue entry")
	}

	return id, nil
}

// Status returns the engine's view of the entry.
func (q *Redis) Status(ctx context.Context, id string) (EntryState, error) {
	state, err := q.rdb.HGet(ctx, q.key("job", id), "state").Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEntryNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to read entry state")
	}
	return EntryState(state), nil
}

// Cancel removes an entry that has not been claimed yet. It returns false
// when the entry is already active, terminal or unknown.
func (q *Redis) Cancel(ctx context.Context, id string) (bool, error) {
	state, err := q.Status(ctx, id)
	if errors.Is(err, ErrEntryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if state != EntryStateCreated && state != EntryStateRetry {
		return false, nil
	}

	dedup, _ := q.rdb.HGet(ctx, q.key("job", id), "dedup").Result()
	ttl := q.entryTTL(ctx, id)

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("ready"), id)
	pipe.ZRem(ctx, q.key("delayed"), id)
	pipe.HSet(ctx, q.key("job", id), "state", string(EntryStateCancelled))
	pipe.PExpire(ctx, q.key("job", id), ttl)
	if dedup != "" {
		pipe.Del(ctx, q.key("dedup", dedup))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, errors.Wrap(err, "failed to cancel entry")
	}
	return true, nil
}

// Depth reports how many entries are waiting and how many are leased.
func (q *Redis) Depth(ctx context.Context) (Depth, error) {
	ready, err := q.rdb.ZCard(ctx, q.key("ready")).Result()
	if err != nil {
		return Depth{}, errors.Wrap(err, "failed to read ready depth")
	}
	delayed, err := q.rdb.ZCard(ctx, q.key("delayed")).Result()
	if err != nil {
		return Depth{}, errors.Wrap(err, "failed to read delayed depth")
	}
	active, err := q.rdb.ZCard(ctx, q.key("active")).Result()
	if err != nil {
		return Depth{}, errors.Wrap(err, "failed to read active depth")
	}
	return Depth{Pending: ready + delayed, Active: active}, nil
}

// RegisterWorker starts the consumer loop. Exactly one consumer may be
// registered per engine handle; API-only instances never call this.
func (q *Redis) RegisterWorker(batchSize int, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.registered {
		return ErrWorkerRegistered
	}
	if batchSize < 1 {
		batchSize = 1
	}
	q.registered = true

	q.wg.Add(1)
	go q.workerLoop(batchSize, handler)

	logger.Infof("Queue worker registered on %q with batch size %d", q.opts.QueueName, batchSize)
	return nil
}

// Close stops the loops and closes the underlying client.
func (q *Redis) Close() error {
	q.cancel()
	q.wg.Wait()
	return q.rdb.Close()
}

func (q *Redis) workerLoop(batchSize int, handler Handler) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
		}

		popped, err := q.rdb.ZPopMin(q.ctx, q.key("ready"), int64(batchSize)).Result()
		if err != nil {
			if q.ctx.Err() == nil {
				logger.Errorf("Queue worker failed to pop ready entries: %v", err)
			}
			continue
		}
		if len(popped) == 0 {
			continue
		}

		jobs := q.claim(popped)
		if len(jobs) == 0 {
			continue
		}

		if err := handler(q.ctx, jobs); err != nil {
			logger.Warnf("Batch handler failed (%d entries), scheduling retries: %v", len(jobs), err)
			for _, j := range jobs {
				q.retryOrFail(j.ID)
			}
			continue
		}
		for _, j := range jobs {
			q.finish(j.ID, EntryStateCompleted)
		}
	}
}

// claim transitions popped ids to active with a lease and builds the batch.
// Cancelled or unknown entries are dropped.
func (q *Redis) claim(popped []redis.Z) []*Job {
	jobs := make([]*Job, 0, len(popped))
	leaseExpiry := float64(time.Now().Add(q.opts.VisibilityTimeout).Unix())

	for _, z := range popped {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		data, err := q.rdb.HGetAll(q.ctx, q.key("job", id)).Result()
		if err != nil || len(data) == 0 {
			logger.Warnf("Dropping queue entry %s with missing metadata", id)
			continue
		}
		if EntryState(data["state"]) == EntryStateCancelled {
			continue
		}

		pipe := q.rdb.TxPipeline()
		pipe.HSet(q.ctx, q.key("job", id), "state", string(EntryStateActive))
		pipe.ZAdd(q.ctx, q.key("active"), redis.Z{Score: leaseExpiry, Member: id})
		if _, err := pipe.Exec(q.ctx); err != nil {
			logger.Errorf("Failed to claim queue entry %s: %v", id, err)
			continue
		}

		priority, _ := strconv.Atoi(data["priority"])
		retryCount, _ := strconv.Atoi(data["retrycount"])
		jobs = append(jobs, &Job{
			ID:         id,
			Payload:    []byte(data["payload"]),
			Priority:   priority,
			RetryCount: retryCount,
		})
	}
	return jobs
}

// retryOrFail schedules another delivery of the entry after its retry delay,
// or marks it failed once the retry limit is exhausted.
func (q *Redis) retryOrFail(id string) {
	data, err := q.rdb.HGetAll(q.ctx, q.key("job", id)).Result()
	if err != nil || len(data) == 0 {
		logger.Errorf("Cannot retry queue entry %s: metadata missing", id)
		return
	}

	retryCount, _ := strconv.Atoi(data["retrycount"])
	retryLimit, _ := strconv.Atoi(data["retrylimit"])
	retryDelayMs, _ := strconv.ParseInt(data["retrydelay_ms"], 10, 64)
	retryCount++

	if retryCount > retryLimit {
		q.finish(id, EntryStateFailed)
		return
	}

	runAt := time.Now().Add(time.Duration(retryDelayMs) * time.Millisecond)
	pipe := q.rdb.TxPipeline()
	pipe.HSet(q.ctx, q.key("job", id), map[string]interface{}{
		"state":      string(EntryStateRetry),
		"retrycount": retryCount,
	})
	pipe.ZRem(q.ctx, q.key("active"), id)
	pipe.ZAdd(q.ctx, q.key("delayed"), redis.Z{Score: float64(runAt.Unix()), Member: id})
	if _, err := pipe.Exec(q.ctx); err != nil {
		logger.Errorf("Failed to schedule retry for queue entry %s: %v", id, err)
	}
}

// finish moves an entry to a terminal state, releases its dedup key and lets
// the metadata expire.
func (q *Redis) finish(id string, state EntryState) {
	dedup, _ := q.rdb.HGet(q.ctx, q.key("job", id), "dedup").Result()
	ttl := q.entryTTL(q.ctx, id)

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(q.ctx, q.key("active"), id)
	pipe.HSet(q.ctx, q.key("job", id), "state", string(state))
	pipe.PExpire(q.ctx, q.key("job", id), ttl)
	if dedup != "" {
		pipe.Del(q.ctx, q.key("dedup", dedup))
	}
	if _, err := pipe.Exec(q.ctx); err != nil {
		logger.Errorf("Failed to finish queue entry %s: %v", id, err)
	}
}

func (q *Redis) entryTTL(ctx context.Context, id string) time.Duration {
	ttlMs, err := q.rdb.HGet(ctx, q.key("job", id), "ttl_ms").Int64()
	if err != nil || ttlMs <= 0 {
		return q.opts.EntryTTL
	}
	return time.Duration(ttlMs) * time.Millisecond
}

// moverLoop promotes delayed entries whose run-at has passed into the ready
// set.
func (q *Redis) moverLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		ids, err := q.rdb.ZRangeByScore(q.ctx, q.key("delayed"), &redis.ZRangeBy{
			Min: "-inf", Max: strconv.FormatInt(now.Unix(), 10), Offset: 0, Count: maintenanceBatch,
		}).Result()
		if err != nil || len(ids) == 0 {
			continue
		}

		for _, id := range ids {
			priority, err := q.rdb.HGet(q.ctx, q.key("job", id), "priority").Int()
			if err != nil {
				priority = 5
			}
			pipe := q.rdb.TxPipeline()
			pipe.HSet(q.ctx, q.key("job", id), "state", string(EntryStateCreated))
			pipe.ZAdd(q.ctx, q.key("ready"), redis.Z{Score: readyScore(priority, now), Member: id})
			pipe.ZRem(q.ctx, q.key("delayed"), id)
			if _, err := pipe.Exec(q.ctx); err != nil {
				logger.Errorf("Failed to promote delayed entry %s: %v", id, err)
			}
		}
	}
}

// reaperLoop requeues or fails entries whose lease expired, which is what
// makes delivery at-least-once when a consumer crashes mid-batch.
func (q *Redis) reaperLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
		}

		ids, err := q.rdb.ZRangeByScore(q.ctx, q.key("active"), &redis.ZRangeBy{
			Min: "-inf", Max: strconv.FormatInt(time.Now().Unix(), 10), Offset: 0, Count: maintenanceBatch,
		}).Result()
		if err != nil || len(ids) == 0 {
			continue
		}

		logger.Warnf("Reaper found %d expired leases on %q", len(ids), q.opts.QueueName)
		for _, id := range ids {
			q.retryOrFail(id)
		}
	}
}
