package keeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "PooledVault/internal/errors"
	"PooledVault/pkg/logger"
)

// DefaultRedisQueue 是结算任务使用的 Redis list 名称。
const DefaultRedisQueue = "pooledvault:settlements"

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 基于两个 list 实现可靠队列：消息先被原子地移入
// processing list，处理成功后才删除。进程崩溃后遗留的消息在下次
// Consume 时回到待处理队列。
type RedisQueue struct {
	client     *redis.Client
	queue      string
	processing string
	wait       time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = DefaultRedisQueue
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{
		client:     client,
		queue:      queue,
		processing: queue + ":processing",
		wait:       wait,
		now:        time.Now,
		logger:     logger.Named("keeper.redis"),
	}
}

// Publish 将任务投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, jobID string) error {
	body, err := encodeEnvelope(jobID, q.now())
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.queue, body).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败").With("job_id", jobID)
	}
	return nil
}

// Depth 返回待处理与处理中的消息数。
func (q *RedisQueue) Depth(ctx context.Context) (pending, inflight int64, err error) {
	pipe := q.client.Pipeline()
	p := pipe.LLen(ctx, q.queue)
	f := pipe.LLen(ctx, q.processing)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, xerrors.Wrap(xerrors.CodeQueueFailure, err, "读取 Redis 队列长度失败")
	}
	return p.Val(), f.Val(), nil
}

// recoverInflight 把上次未确认的消息放回队首。
func (q *RedisQueue) recoverInflight(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.queue, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, xerrors.Wrap(xerrors.CodeQueueFailure, err, "恢复处理中的任务失败")
		}
		moved++
	}
}

// Consume 通过 BLMOVE 取任务，处理失败的消息回到队首。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	if moved, err := q.recoverInflight(ctx); err != nil {
		return err
	} else if moved > 0 {
		q.logger.Warn("恢复未确认的结算消息", slog.Int("count", moved))
	}

	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				if ctx.Err() != nil {
					errCh <- ctx.Err()
					return
				}
				raw, err := q.client.BLMove(ctx, q.queue, q.processing, "RIGHT", "LEFT", q.wait).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
					return
				}
				q.deliver(ctx, raw, handler)
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (q *RedisQueue) deliver(ctx context.Context, raw string, handler Handler) {
	env, err := decodeEnvelope([]byte(raw))
	if err != nil {
		q.logger.Error("丢弃无法解析的结算消息", slog.String("body", raw), slog.Any("error", err))
		_ = q.client.LRem(ctx, q.processing, 1, raw).Err()
		return
	}
	q.logger.Debug("收到结算消息", slog.String("job_id", env.JobID), slog.Duration("lag", env.Lag(q.now())))

	if handlerErr := handler(ctx, env.JobID); handlerErr != nil {
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.processing, 1, raw)
			pipe.RPush(ctx, q.queue, raw)
			return nil
		})
	} else {
		err = q.client.LRem(ctx, q.processing, 1, raw).Err()
	}
	if err != nil {
		q.logger.Warn("确认结算消息失败", slog.String("job_id", env.JobID), slog.Any("error", err))
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
