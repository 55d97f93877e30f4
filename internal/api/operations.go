package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"PooledVault/internal/auth"
	xerrors "PooledVault/internal/errors"
	"PooledVault/pkg/logger"
)

// BatcherWriter 是批处理器面向用户的写操作。
type BatcherWriter interface {
	DepositFunds(ctx context.Context, caller common.Address, amount *uint256.Int, signature []byte, recipient common.Address) error
	InitiateWithdrawal(ctx context.Context, caller common.Address, amount *uint256.Int) error
	ClaimTokens(ctx context.Context, caller common.Address, amount *uint256.Int, recipient common.Address) error
	CompleteWithdrawal(ctx context.Context, caller common.Address, amountOut *uint256.Int, recipient common.Address) error
}

// ExecutorManager 是 keeper 在执行器之间调度资金的操作，由 *vault.Vault 实现。
type ExecutorManager interface {
	Keeper() common.Address
	DepositIntoExecutor(ctx context.Context, caller, addr common.Address, amount *uint256.Int) error
	WithdrawFromExecutor(ctx context.Context, caller, addr common.Address, amount *uint256.Int) (*uint256.Int, error)
}

// PositionReporter 接收 keeper 对异步执行器持仓的估值。
type PositionReporter interface {
	SetPosValue(caller common.Address, value *uint256.Int) error
}

// Approver 设置授权额度。want token 与金库份额都实现它。
type Approver interface {
	Approve(owner, spender common.Address, amount *uint256.Int) error
}

// Faucet 为模拟账本铸造 want token。
type Faucet interface {
	Approver
	Mint(to common.Address, amount *uint256.Int) error
}

// Operations 汇总写接口依赖。字段为 nil 时对应路由返回未初始化错误。
type Operations struct {
	Batcher   BatcherWriter
	Executors ExecutorManager
	// Positions 以执行器地址索引异步执行器。
	Positions map[common.Address]PositionReporter
	Want      Faucet
	Shares    Approver
}

// WithOperations 挂载批处理器、执行器与 token 的写接口。
func WithOperations(ops Operations) Option {
	return func(s *Server) { s.ops = ops }
}

func (s *Server) writeRoutes(mux *http.ServeMux) {
	guarded := func(perm string, fn http.HandlerFunc) http.HandlerFunc {
		return s.guard.Middleware(writeError, perm)(fn).ServeHTTP
	}
	s.route(mux, "POST /api/v1/batcher/deposits", "batcher_deposit", guarded(auth.PermissionBatcher, s.handleDepositFunds))
	s.route(mux, "POST /api/v1/batcher/withdrawals", "batcher_withdraw", guarded(auth.PermissionBatcher, s.handleInitiateWithdrawal))
	s.route(mux, "POST /api/v1/batcher/claims", "batcher_claim", guarded(auth.PermissionBatcher, s.handleClaimTokens))
	s.route(mux, "POST /api/v1/batcher/payouts", "batcher_payout", guarded(auth.PermissionBatcher, s.handleCompleteWithdrawal))
	s.route(mux, "POST /api/v1/token/approvals", "token_approve", guarded(auth.PermissionBatcher, s.handleApprove))
	s.route(mux, "POST /api/v1/token/mint", "token_mint", guarded(auth.PermissionMint, s.handleMint))
	s.route(mux, "POST /api/v1/executors/{address}/deposits", "executor_deposit", guarded(auth.PermissionExecutors, s.handleExecutorDeposit))
	s.route(mux, "POST /api/v1/executors/{address}/withdrawals", "executor_withdraw", guarded(auth.PermissionExecutors, s.handleExecutorWithdraw))
	s.route(mux, "PUT /api/v1/executors/{address}/position", "executor_position", guarded(auth.PermissionExecutors, s.handleReportPosition))
}

// ledgerRequest 是写接口的通用请求体。金额为十进制字符串。
type ledgerRequest struct {
	Caller    string `json:"caller"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Signature string `json:"signature"`
	Asset     string `json:"asset"`
	Spender   string `json:"spender"`
}

func decodeLedgerRequest(r *http.Request) (ledgerRequest, error) {
	var req ledgerRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return req, nil
}

func parseAddress(raw, field string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, field+" 不是合法地址")
	}
	return common.HexToAddress(raw), nil
}

func parseAmount(raw, field string) (*uint256.Int, error) {
	amount, err := uint256.FromDecimal(strings.TrimSpace(raw))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, field+" 必须为十进制整数")
	}
	return amount, nil
}

// recipientOr 缺省收款地址为 caller。
func recipientOr(raw string, caller common.Address) (common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return caller, nil
	}
	return parseAddress(raw, "recipient")
}

type ledgerResponse struct {
	Status string `json:"status"`
	Amount string `json:"amount,omitempty"`
	Fee    string `json:"fee,omitempty"`
}

func (s *Server) userCall(w http.ResponseWriter, r *http.Request, event string, call func(caller, recipient common.Address, amount *uint256.Int, req ledgerRequest) error) {
	if s.ops.Batcher == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "批处理器写接口未启用"))
		return
	}
	req, err := decodeLedgerRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	caller, err := parseAddress(req.Caller, "caller")
	if err != nil {
		writeError(w, err)
		return
	}
	recipient, err := recipientOr(req.Recipient, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := call(caller, recipient, amount, req); err != nil {
		writeError(w, err)
		return
	}
	s.auditWrite(r, event,
		slog.String("caller", caller.Hex()),
		slog.String("recipient", recipient.Hex()),
		slog.String("amount", amount.Dec()),
	)
	writeJSON(w, http.StatusOK, ledgerResponse{Status: "ok", Amount: amount.Dec()})
}

func (s *Server) handleDepositFunds(w http.ResponseWriter, r *http.Request) {
	s.userCall(w, r, "deposit_requested", func(caller, recipient common.Address, amount *uint256.Int, req ledgerRequest) error {
		var sig []byte
		if req.Signature != "" {
			decoded, err := hexutil.Decode(req.Signature)
			if err != nil {
				return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "signature 必须为 0x 前缀的十六进制")
			}
			sig = decoded
		}
		return s.ops.Batcher.DepositFunds(r.Context(), caller, amount, sig, recipient)
	})
}

func (s *Server) handleInitiateWithdrawal(w http.ResponseWriter, r *http.Request) {
	s.userCall(w, r, "withdrawal_requested", func(caller, _ common.Address, amount *uint256.Int, _ ledgerRequest) error {
		return s.ops.Batcher.InitiateWithdrawal(r.Context(), caller, amount)
	})
}

func (s *Server) handleClaimTokens(w http.ResponseWriter, r *http.Request) {
	s.userCall(w, r, "shares_claim_requested", func(caller, recipient common.Address, amount *uint256.Int, _ ledgerRequest) error {
		return s.ops.Batcher.ClaimTokens(r.Context(), caller, amount, recipient)
	})
}

func (s *Server) handleCompleteWithdrawal(w http.ResponseWriter, r *http.Request) {
	s.userCall(w, r, "payout_requested", func(caller, recipient common.Address, amount *uint256.Int, _ ledgerRequest) error {
		return s.ops.Batcher.CompleteWithdrawal(r.Context(), caller, amount, recipient)
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	req, err := decodeLedgerRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var target Approver
	switch req.Asset {
	case "", "want":
		target = s.ops.Want
	case "shares":
		target = s.ops.Shares
	default:
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "asset 只能为 want 或 shares"))
		return
	}
	if target == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "token 写接口未启用"))
		return
	}
	owner, err := parseAddress(req.Caller, "caller")
	if err != nil {
		writeError(w, err)
		return
	}
	spender, err := parseAddress(req.Spender, "spender")
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := target.Approve(owner, spender, amount); err != nil {
		writeError(w, err)
		return
	}
	s.auditWrite(r, "approval_set",
		slog.String("owner", owner.Hex()),
		slog.String("spender", spender.Hex()),
		slog.String("asset", req.Asset),
		slog.String("amount", amount.Dec()),
	)
	writeJSON(w, http.StatusOK, ledgerResponse{Status: "ok", Amount: amount.Dec()})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	if s.ops.Want == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "token 写接口未启用"))
		return
	}
	req, err := decodeLedgerRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := parseAddress(req.Recipient, "recipient")
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.ops.Want.Mint(to, amount); err != nil {
		writeError(w, err)
		return
	}
	s.auditWrite(r, "want_minted", slog.String("recipient", to.Hex()), slog.String("amount", amount.Dec()))
	writeJSON(w, http.StatusOK, ledgerResponse{Status: "ok", Amount: amount.Dec()})
}

// executorCall 解析路径中的执行器地址与请求金额，并以 vault 当前 keeper 身份执行。
func (s *Server) executorCall(w http.ResponseWriter, r *http.Request, call func(keeper, addr common.Address, amount *uint256.Int) (ledgerResponse, error)) {
	if s.ops.Executors == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "执行器写接口未启用"))
		return
	}
	addr, err := parseAddress(r.PathValue("address"), "executor")
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := decodeLedgerRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		writeError(w, err)
		return
	}
	keeper := s.ops.Executors.Keeper()
	resp, err := call(keeper, addr, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	s.auditWrite(r, "executor_operation",
		slog.String("route", r.Pattern),
		slog.String("executor", addr.Hex()),
		slog.String("amount", amount.Dec()),
	)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExecutorDeposit(w http.ResponseWriter, r *http.Request) {
	s.executorCall(w, r, func(keeper, addr common.Address, amount *uint256.Int) (ledgerResponse, error) {
		err := s.ops.Executors.DepositIntoExecutor(r.Context(), keeper, addr, amount)
		return ledgerResponse{Status: "ok", Amount: amount.Dec()}, err
	})
}

func (s *Server) handleExecutorWithdraw(w http.ResponseWriter, r *http.Request) {
	s.executorCall(w, r, func(keeper, addr common.Address, amount *uint256.Int) (ledgerResponse, error) {
		fee, err := s.ops.Executors.WithdrawFromExecutor(r.Context(), keeper, addr, amount)
		if err != nil {
			return ledgerResponse{}, err
		}
		return ledgerResponse{Status: "ok", Amount: amount.Dec(), Fee: fee.Dec()}, nil
	})
}

func (s *Server) handleReportPosition(w http.ResponseWriter, r *http.Request) {
	s.executorCall(w, r, func(keeper, addr common.Address, value *uint256.Int) (ledgerResponse, error) {
		reporter, ok := s.ops.Positions[addr]
		if !ok {
			return ledgerResponse{}, xerrors.New(xerrors.CodeNotFound, "不是异步执行器").With("executor", addr.Hex())
		}
		if err := reporter.SetPosValue(keeper, value); err != nil {
			return ledgerResponse{}, err
		}
		return ledgerResponse{Status: "ok", Amount: value.Dec()}, nil
	})
}

func (s *Server) auditWrite(r *http.Request, event string, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)+1)
	if op := auth.OperatorFromContext(r.Context()); op != nil {
		args = append(args, slog.String("operator", op.Name))
	}
	for _, a := range attrs {
		args = append(args, a)
	}
	logger.Audit().Info(event, args...)
}
