package keeper

import (
	"encoding/json"
	"strings"
	"time"

	xerrors "PooledVault/internal/errors"
)

// Envelope 是 Redis 与 RabbitMQ 中传递的结算消息。
type Envelope struct {
	JobID      string `json:"job_id"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// Lag 返回消息在队列中停留的时间。
func (e Envelope) Lag(now time.Time) time.Duration {
	if e.EnqueuedAt == 0 {
		return 0
	}
	return now.Sub(time.UnixMilli(e.EnqueuedAt))
}

func encodeEnvelope(jobID string, now time.Time) ([]byte, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	return json.Marshal(Envelope{JobID: jobID, EnqueuedAt: now.UnixMilli()})
}

// decodeEnvelope 兼容只包含任务 ID 的旧消息。
func decodeEnvelope(body []byte) (Envelope, error) {
	raw := strings.TrimSpace(string(body))
	if raw == "" {
		return Envelope{}, xerrors.New(xerrors.CodeInvalidArgument, "空的队列消息")
	}
	if !strings.HasPrefix(raw, "{") {
		return Envelope{JobID: raw}, nil
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "队列消息解析失败")
	}
	if env.JobID == "" {
		return Envelope{}, xerrors.New(xerrors.CodeInvalidArgument, "队列消息缺少 job_id")
	}
	return env, nil
}
