package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	xerrors "PooledVault/internal/errors"
	"PooledVault/pkg/logger"
)

// HeadSource is the subset of an EVM client the tracker needs.
type HeadSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置 RPC 地址")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "连接以太坊节点失败")
	}
	return client, nil
}

// HeadTracker polls a node for the latest height and serves it as a Clock.
// Reads never touch the network.
type HeadTracker struct {
	source   HeadSource
	interval time.Duration
	height   atomic.Uint64
	chainID  atomic.Pointer[big.Int]
	logger   *slog.Logger
}

// NewHeadTracker builds a tracker. interval defaults to 2s.
func NewHeadTracker(source HeadSource, interval time.Duration) *HeadTracker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &HeadTracker{source: source, interval: interval, logger: logger.Named("chain")}
}

// BlockNumber implements Clock.
func (t *HeadTracker) BlockNumber() uint64 { return t.height.Load() }

// ChainID returns the chain id observed on the first successful refresh.
func (t *HeadTracker) ChainID() *big.Int {
	if id := t.chainID.Load(); id != nil {
		return new(big.Int).Set(id)
	}
	return nil
}

// Refresh fetches the head once. Heights never move backwards.
func (t *HeadTracker) Refresh(ctx context.Context) error {
	if t.source == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "head tracker 缺少数据源")
	}
	if t.chainID.Load() == nil {
		id, err := t.source.ChainID(ctx)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeChainFailure, err, "获取链 ID 失败")
		}
		t.chainID.Store(id)
	}
	head, err := t.source.BlockNumber(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeChainFailure, err, "获取最新区块高度失败")
	}
	for {
		current := t.height.Load()
		if head <= current || t.height.CompareAndSwap(current, head) {
			return nil
		}
	}
}

// Start polls until ctx is cancelled. The first refresh must succeed.
func (t *HeadTracker) Start(ctx context.Context) error {
	if err := t.Refresh(ctx); err != nil {
		return fmt.Errorf("初始化区块高度失败: %w", err)
	}
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
				t.logger.Warn("刷新区块高度失败", slog.Any("error", err))
			}
		}
	}
}

var (
	_ Clock      = (*HeadTracker)(nil)
	_ Clock      = (*ManualClock)(nil)
	_ HeadSource = (*ethclient.Client)(nil)
)
