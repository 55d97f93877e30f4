package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"PooledVault/internal/auth"
	"PooledVault/internal/batcher"
	xerrors "PooledVault/internal/errors"
	"PooledVault/internal/keeper"
	"PooledVault/internal/observability/metrics"
	"PooledVault/internal/vault"
	"PooledVault/pkg/logger"
)

// VaultReader 提供金库快照。
type VaultReader interface {
	Snapshot(ctx context.Context) vault.Snapshot
}

// BatcherReader 提供批处理器账本的只读视图。
type BatcherReader interface {
	Account(recipient common.Address) batcher.Account
	VaultInfo() batcher.VaultInfo
	VerificationAuthority() common.Address
	DepositSignatureCheck() bool
	PendingRecipients(kind batcher.Kind) []common.Address
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr        string
	vault       VaultReader
	batcher     BatcherReader
	settlements *keeper.Service
	metrics     *metrics.Registry
	metricsPath string
	guard       *auth.Guard
	ops         Operations
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithMetrics 挂载 Prometheus 指标并为所有路由计数。
func WithMetrics(reg *metrics.Registry, path string) Option {
	return func(s *Server) {
		s.metrics = reg
		if path != "" {
			s.metricsPath = path
		}
	}
}

// WithGuard 要求所有写接口携带运维 token。
func WithGuard(g *auth.Guard) Option {
	return func(s *Server) { s.guard = g }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, v VaultReader, b BatcherReader, settlements *keeper.Service, opts ...Option) *Server {
	s := &Server{addr: addr, vault: v, batcher: b, settlements: settlements, metricsPath: "/metrics"}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由表。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /api/v1/vault", "vault", s.handleVault)
	s.route(mux, "GET /api/v1/batcher", "batcher", s.handleBatcher)
	s.route(mux, "GET /api/v1/batcher/accounts/{address}", "batcher_account", s.handleAccount)
	s.route(mux, "POST /api/v1/settlements", "settlements_create",
		s.guard.Middleware(writeError, auth.PermissionSettle)(http.HandlerFunc(s.handleCreateSettlement)).ServeHTTP)
	s.route(mux, "GET /api/v1/settlements", "settlements_list", s.handleListSettlements)
	s.route(mux, "GET /api/v1/settlements/stats", "settlements_stats", s.handleSettlementStats)
	s.route(mux, "GET /api/v1/settlements/{id}", "settlements_detail", s.handleSettlementDetail)
	s.writeRoutes(mux)
	s.route(mux, "GET /healthz", "healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		mux.Handle("GET "+s.metricsPath, s.metrics.Handler())
	}
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, fn http.HandlerFunc) {
	var h http.Handler = fn
	if s.metrics != nil {
		h = s.metrics.Instrument(name, h)
	}
	mux.Handle(pattern, h)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.L().Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleVault(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "金库未初始化"))
		return
	}
	writeJSON(w, http.StatusOK, s.vault.Snapshot(r.Context()))
}

type batcherResponse struct {
	batcher.VaultInfo
	VerificationAuthority common.Address `json:"verification_authority"`
	SignatureCheck        bool           `json:"signature_check"`
	PendingDeposits       int            `json:"pending_deposit_recipients"`
	PendingWithdrawals    int            `json:"pending_withdraw_recipients"`
}

func (s *Server) handleBatcher(w http.ResponseWriter, _ *http.Request) {
	if s.batcher == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "批处理器未初始化"))
		return
	}
	writeJSON(w, http.StatusOK, batcherResponse{
		VaultInfo:             s.batcher.VaultInfo(),
		VerificationAuthority: s.batcher.VerificationAuthority(),
		SignatureCheck:        s.batcher.DepositSignatureCheck(),
		PendingDeposits:       len(s.batcher.PendingRecipients(batcher.KindDeposit)),
		PendingWithdrawals:    len(s.batcher.PendingRecipients(batcher.KindWithdraw)),
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	if s.batcher == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "批处理器未初始化"))
		return
	}
	raw := strings.TrimSpace(r.PathValue("address"))
	if !common.IsHexAddress(raw) {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "地址格式不正确"))
		return
	}
	writeJSON(w, http.StatusOK, s.batcher.Account(common.HexToAddress(raw)))
}

func (s *Server) handleCreateSettlement(w http.ResponseWriter, r *http.Request) {
	if s.settlements == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "结算服务未初始化"))
		return
	}
	var req keeper.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}

	var (
		job *keeper.Job
		err error
	)
	if len(req.Recipients) == 0 {
		job, err = s.settlements.SubmitPending(r.Context(), req.Kind)
	} else {
		job, err = s.settlements.Submit(r.Context(), req)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if op := auth.OperatorFromContext(r.Context()); op != nil {
		logger.Audit().Info("settlement_submitted",
			slog.String("job_id", job.ID),
			slog.String("kind", string(job.Kind)),
			slog.Int("recipients", len(job.Recipients)),
			slog.String("operator", op.Name),
		)
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	if s.settlements == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "结算服务未初始化"))
		return
	}
	opts, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	jobs, err := s.settlements.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleSettlementStats(w http.ResponseWriter, r *http.Request) {
	if s.settlements == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "结算服务未初始化"))
		return
	}
	opts, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.settlements.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSettlementDetail(w http.ResponseWriter, r *http.Request) {
	if s.settlements == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "结算服务未初始化"))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}
	job, err := s.settlements.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func parseFilter(r *http.Request) ([]keeper.FilterOption, error) {
	q := r.URL.Query()
	var opts []keeper.FilterOption
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为正整数")
		}
		opts = append(opts, keeper.WithLimit(n))
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须为非负整数")
		}
		opts = append(opts, keeper.WithOffset(n))
	}
	if raw := q["status"]; len(raw) > 0 {
		statuses := make([]keeper.Status, 0, len(raw))
		for _, v := range splitValues(raw) {
			status := keeper.Status(v)
			if !keeper.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态 "+v)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, keeper.WithStatuses(statuses...))
	}
	if raw := q["kind"]; len(raw) > 0 {
		kinds := make([]batcher.Kind, 0, len(raw))
		for _, v := range splitValues(raw) {
			kind := batcher.Kind(v)
			if !kind.Valid() {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的结算类型 "+v)
			}
			kinds = append(kinds, kind)
		}
		opts = append(opts, keeper.WithKinds(kinds...))
	}
	if raw := q.Get("recipient"); raw != "" {
		addr, err := parseAddress(raw, "recipient")
		if err != nil {
			return nil, err
		}
		opts = append(opts, keeper.WithRecipient(addr))
	}
	from, to := q.Get("from_block"), q.Get("to_block")
	if from != "" || to != "" {
		var bounds [2]uint64
		for i, raw := range []string{from, to} {
			if raw == "" {
				continue
			}
			n, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "区块高度必须为非负整数")
			}
			bounds[i] = n
		}
		opts = append(opts, keeper.WithBlockRange(bounds[0], bounds[1]))
	}
	if raw := q.Get("settled"); raw != "" {
		settled, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "settled 必须为布尔值")
		}
		opts = append(opts, keeper.WithSettled(settled))
	}
	if raw := q.Get("since"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "since 必须为 Unix 时间戳")
		}
		opts = append(opts, keeper.WithUpdatedSince(time.Unix(ts, 0)))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, keeper.OldestFirst())
	}
	if raw := q.Get("q"); raw != "" {
		opts = append(opts, keeper.WithQuery(raw))
	}
	return opts, nil
}

func splitValues(raw []string) []string {
	var out []string
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

type errorResponse struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatus(err)
	resp := errorResponse{Code: xerrors.CodeOf(err), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		resp.Message = e.Message()
		resp.Metadata = e.Metadata()
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("API 请求失败", slog.Any("error", err), slog.String("code", string(resp.Code)))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
