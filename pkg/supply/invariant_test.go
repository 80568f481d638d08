package supply

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellar-lumens/lumens-supply/pkg/horizon"
	"github.com/stellar-lumens/lumens-supply/pkg/registry"
)

// fakeSource serves balances from a map; unknown accounts are zero.
type fakeSource struct {
	mu       sync.Mutex
	balances map[string]string
	errs     map[string]error
	ledger   horizon.Ledger
	calls    map[string]int
}

func (f *fakeSource) NativeBalance(_ context.Context, id string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[id]++
	if err := f.errs[id]; err != nil {
		return decimal.Zero, err
	}
	if v, ok := f.balances[id]; ok {
		return decimal.RequireFromString(v), nil
	}
	return decimal.Zero, nil
}

func (f *fakeSource) LatestLedger(context.Context) (*horizon.Ledger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ledger"]++
	l := f.ledger
	return &l, nil
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.Parse([]byte(`
original_supply: "100000000000"
void_account: GVOID
upgrade_reserve_account: GRESERVE
groups:
  - name: escrow
    accounts: [GESC]
  - name: direct_development
    accounts: [GDD1, GDD2]
  - name: growth
    accounts: [GGR]
  - name: product_and_innovation
    accounts: [GPI]
  - name: assets_and_liquidity
    accounts: [GAL]
`))
	require.NoError(t, err)
	return r
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFake() *fakeSource {
	return &fakeSource{
		balances: map[string]string{
			"GVOID":    "1234.5678901",
			"GRESERVE": "500000000.0000001",
			"GESC":     "17999999999.9999999",
			"GDD1":     "123456789012345.1234567",
			"GDD2":     "0.0000001",
			"GGR":      "987654321.7654321",
			"GPI":      "42",
			"GAL":      "314159265.3589793",
		},
		calls: map[string]int{},
		ledger: horizon.Ledger{
			Sequence:   51000000,
			TotalCoins: dec("105443902087.3472865"),
			FeePool:    dec("1807038.9375499"),
		},
	}
}

func TestInflationScenario(t *testing.T) {
	src := newFake()
	src.ledger.TotalCoins = dec("105000000000")
	src.ledger.FeePool = dec("1200000")
	a := NewAggregator(src, testRegistry(t), zerolog.Nop())

	got, err := a.Inflation(context.Background())
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("5000000000")), "got %s", got)

	fee, err := a.LatestLedgerFeePool(context.Background())
	require.NoError(t, err)
	assert.True(t, fee.Equal(dec("1200000")))
}

func TestTotalSupplyInvariant(t *testing.T) {
	src := newFake()
	a := NewAggregator(src, testRegistry(t), zerolog.Nop())
	ctx := context.Background()

	total, err := a.TotalSupply(ctx)
	require.NoError(t, err)
	inflation, err := a.Inflation(ctx)
	require.NoError(t, err)
	burned, err := a.Burned(ctx)
	require.NoError(t, err)

	want := a.OriginalSupply().Add(inflation).Sub(burned)
	assert.True(t, total.Equal(want), "total %s want %s", total, want)
	assert.Equal(t, "105443900852.7793964", total.String())
}

func TestCirculatingInvariant(t *testing.T) {
	src := newFake()
	a := NewAggregator(src, testRegistry(t), zerolog.Nop())
	ctx := context.Background()

	circ, err := a.CirculatingSupply(ctx)
	require.NoError(t, err)
	total, err := a.TotalSupply(ctx)
	require.NoError(t, err)
	non, err := a.NonCirculatingSupply(ctx)
	require.NoError(t, err)
	assert.True(t, circ.Equal(total.Sub(non)))

	reserve, _ := a.UpgradeReserve(ctx)
	fee, _ := a.LatestLedgerFeePool(ctx)
	tracked, _ := a.AllTrackedAccountsSum(ctx)
	assert.True(t, non.Equal(reserve.Add(fee).Add(tracked)))

	sum, err := a.TotalSupplySum(ctx)
	require.NoError(t, err)
	assert.True(t, sum.Equal(total))
}

func TestSumAccountsPrecisionAndOrder(t *testing.T) {
	src := newFake()
	a := NewAggregator(src, testRegistry(t), zerolog.Nop())
	ctx := context.Background()

	ids := []string{"GDD1", "GDD2", "GGR", "GAL", "GPI"}
	fwd, err := a.SumAccounts(ctx, ids)
	require.NoError(t, err)
	rev, err := a.SumAccounts(ctx, []string{"GPI", "GAL", "GGR", "GDD2", "GDD1"})
	require.NoError(t, err)

	assert.True(t, fwd.Equal(rev))
	// 22 significant digits; a float64 sum would lose the tail.
	assert.Equal(t, "123458090825974.2478682", fwd.String())

	empty, err := a.SumAccounts(ctx, nil)
	require.NoError(t, err)
	assert.True(t, empty.IsZero())
}

func TestSumAccountsFailsWhole(t *testing.T) {
	src := newFake()
	src.errs = map[string]error{"GGR": &horizon.StatusError{Op: "account GGR", Code: 500}}
	a := NewAggregator(src, testRegistry(t), zerolog.Nop())

	_, err := a.SumAccounts(context.Background(), []string{"GDD1", "GGR", "GAL"})
	var se *horizon.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 500, se.Code)

	_, err = a.ComputeSnapshot(context.Background())
	assert.Error(t, err)
}

func TestProgramSums(t *testing.T) {
	src := newFake()
	a := NewAggregator(src, testRegistry(t), zerolog.Nop())
	ctx := context.Background()

	dd, err := a.DirectDevelopment(ctx)
	require.NoError(t, err)
	assert.True(t, dd.Equal(dec("123456789012345.1234568")))

	pi, _ := a.ProductAndInnovation(ctx)
	gr, _ := a.Growth(ctx)
	al, _ := a.AssetsAndLiquidity(ctx)
	all, err := a.DistributionAll(ctx)
	require.NoError(t, err)
	assert.True(t, all.Equal(dd.Add(pi).Add(gr).Add(al)))
}

func TestComputeSnapshotMatchesOperations(t *testing.T) {
	src := newFake()
	a := NewAggregator(src, testRegistry(t), zerolog.Nop())
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }
	ctx := context.Background()

	snap, err := a.ComputeSnapshot(ctx)
	require.NoError(t, err)

	// One ledger request per run.
	assert.Equal(t, 1, src.calls["ledger"])
	assert.Equal(t, 1, src.calls["GDD1"])

	total, _ := a.TotalSupply(ctx)
	circ, _ := a.CirculatingSupply(ctx)
	non, _ := a.NonCirculatingSupply(ctx)
	tracked, _ := a.AllTrackedAccountsSum(ctx)
	gr, _ := a.Growth(ctx)

	assert.True(t, snap.TotalSupply.Equal(total))
	assert.True(t, snap.Circulating.Equal(circ))
	assert.True(t, snap.NonCirculating.Equal(non))
	assert.True(t, snap.SDFMandate.Equal(tracked))
	assert.True(t, snap.Programs.Growth.Equal(gr))
	assert.True(t, snap.TotalSupplySum.Equal(snap.TotalSupply))
	assert.True(t, snap.TotalSupply.Equal(snap.OriginalSupply.Add(snap.Inflation).Sub(snap.Burned)))
	assert.Equal(t, int64(51000000), snap.LedgerSequence)
	assert.Equal(t, fixed, snap.UpdatedAt)
	assert.NotEmpty(t, snap.ETag)

	again, err := a.ComputeSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.ETag, again.ETag)
}

// Horizon end to end: A=100.5, B missing, C=50.25.
func TestSumAccountsAgainstHorizon(t *testing.T) {
	balances := map[string]string{"GA": "100.5000000", "GC": "50.2500000"}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/accounts/")
		b, ok := balances[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"balances": []map[string]string{{"asset_type": "native", "balance": b}},
		})
	}))
	defer ts.Close()

	client := horizon.NewClient(ts.URL, ts.Client(), zerolog.Nop())
	a := NewAggregator(client, testRegistry(t), zerolog.Nop())

	got, err := a.SumAccounts(context.Background(), []string{"GA", "GB", "GC"})
	require.NoError(t, err)
	assert.Equal(t, "150.75", got.String())
}
