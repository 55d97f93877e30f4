package metrics_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"PooledVault/internal/batcher"
	"PooledVault/internal/observability/metrics"
	"PooledVault/internal/vault"
)

type fakeVault struct{ snap vault.Snapshot }

func (f fakeVault) Snapshot(context.Context) vault.Snapshot { return f.snap }

type fakeBatcher struct{}

func (fakeBatcher) PendingDeposit() *uint256.Int    { return uint256.NewInt(250) }
func (fakeBatcher) PendingWithdrawal() *uint256.Int { return uint256.NewInt(0) }
func (fakeBatcher) PendingRecipients(kind batcher.Kind) []common.Address {
	if kind == batcher.KindDeposit {
		return []common.Address{common.HexToAddress("0x01"), common.HexToAddress("0x02")}
	}
	return nil
}

func scrape(t *testing.T, reg *metrics.Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestInstrumentCountsRequests(t *testing.T) {
	reg := metrics.New()
	h := reg.Instrument("vault", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fail") != "" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	for _, target := range []string{"/x", "/x", "/x?fail=1"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
	}

	body := scrape(t, reg)
	for _, want := range []string{
		`pooledvault_http_requests_total{code="200",handler="vault",method="GET"} 2`,
		`pooledvault_http_requests_total{code="503",handler="vault",method="GET"} 1`,
		`pooledvault_http_request_errors_total{handler="vault",method="GET"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in scrape:\n%s", want, body)
		}
	}
}

func TestVaultGaugesReportStaleness(t *testing.T) {
	reg := metrics.New()
	exec := common.HexToAddress("0x00000000000000000000000000000000000000e1")
	src := &fakeVault{snap: vault.Snapshot{
		SupplyValue: uint256.NewInt(1000),
		IdleValue:   uint256.NewInt(400),
		Executors:   []vault.ExecutorState{{Address: exec, Principal: "600"}},
	}}
	if err := reg.RegisterVault(src, fakeBatcher{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	body := scrape(t, reg)
	for _, want := range []string{
		"pooledvault_vault_total_supply 1000",
		"pooledvault_vault_idle_balance 400",
		"pooledvault_vault_funds_stale 1",
		`pooledvault_executor_fresh{executor="` + exec.Hex() + `"} 0`,
		`pooledvault_batcher_pending_amount{kind="deposit"} 250`,
		`pooledvault_batcher_pending_recipients{kind="deposit"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in scrape:\n%s", want, body)
		}
	}
	if strings.Contains(body, "pooledvault_vault_total_funds ") {
		t.Fatalf("total funds must be absent while stale")
	}

	src.snap.FundsValue = uint256.NewInt(1000)
	src.snap.Executors[0].Value = "600"
	src.snap.Executors[0].Fresh = true
	body = scrape(t, reg)
	if !strings.Contains(body, "pooledvault_vault_total_funds 1000") || !strings.Contains(body, "pooledvault_vault_funds_stale 0") {
		t.Fatalf("expected fresh funds gauge:\n%s", body)
	}
}

func TestObserveSettlement(t *testing.T) {
	reg := metrics.New()
	reg.ObserveSettlement(batcher.KindDeposit, "succeeded", 20*time.Millisecond)
	reg.ObserveSettlement(batcher.KindDeposit, "failed", time.Millisecond)
	reg.ObserveSettlement(batcher.KindWithdraw, "succeeded", time.Millisecond)

	count, err := testutil.GatherAndCount(reg.Gatherer(), "pooledvault_keeper_settlements_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 settlement series, got %d", count)
	}
	if err := reg.RegisterVault(nil, nil); err == nil {
		t.Fatalf("expected error for nil vault source")
	}
}

type fakeQueue struct {
	pending, inflight int64
	err               error
}

func (f *fakeQueue) Depth(context.Context) (int64, int64, error) { return f.pending, f.inflight, f.err }

func TestRegisterQueueReportsDepth(t *testing.T) {
	reg := metrics.New()
	q := &fakeQueue{pending: 7, inflight: 2}
	if err := reg.RegisterQueue(q); err != nil {
		t.Fatalf("register queue: %v", err)
	}
	body := scrape(t, reg)
	if !strings.Contains(body, "pooledvault_keeper_queue_pending 7") || !strings.Contains(body, "pooledvault_keeper_queue_inflight 2") {
		t.Fatalf("missing queue gauges:\n%s", body)
	}

	q.err = context.DeadlineExceeded
	if body := scrape(t, reg); !strings.Contains(body, "pooledvault_keeper_queue_pending -1") {
		t.Fatalf("expected -1 when queue is unreadable:\n%s", body)
	}
	if err := reg.RegisterQueue(q); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}
