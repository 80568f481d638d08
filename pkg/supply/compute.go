package supply

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/stellar-lumens/lumens-supply/pkg/horizon"
	"github.com/stellar-lumens/lumens-supply/pkg/registry"
	"github.com/stellar-lumens/lumens-supply/pkg/types"
)

// Source is the slice of the Horizon API the aggregator needs.
type Source interface {
	NativeBalance(ctx context.Context, accountID string) (decimal.Decimal, error)
	LatestLedger(ctx context.Context) (*horizon.Ledger, error)
}

type Aggregator struct {
	src Source
	reg *registry.Registry
	log zerolog.Logger
	now func() time.Time
}

func NewAggregator(src Source, reg *registry.Registry, log zerolog.Logger) *Aggregator {
	if reg == nil {
		reg = registry.Default()
	}
	return &Aggregator{
		src: src,
		reg: reg,
		log: log.With().Str("component", "supply").Logger(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (a *Aggregator) OriginalSupply() decimal.Decimal { return a.reg.Original() }

func (a *Aggregator) LatestLedgerTotalCoins(ctx context.Context) (decimal.Decimal, error) {
	l, err := a.src.LatestLedger(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return l.TotalCoins, nil
}

func (a *Aggregator) LatestLedgerFeePool(ctx context.Context) (decimal.Decimal, error) {
	l, err := a.src.LatestLedger(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return l.FeePool, nil
}

// Inflation is the amount minted on top of the original supply.
func (a *Aggregator) Inflation(ctx context.Context) (decimal.Decimal, error) {
	total, err := a.LatestLedgerTotalCoins(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return total.Sub(a.OriginalSupply()), nil
}

func (a *Aggregator) Burned(ctx context.Context) (decimal.Decimal, error) {
	return a.src.NativeBalance(ctx, a.reg.VoidAccount)
}

func (a *Aggregator) UpgradeReserve(ctx context.Context) (decimal.Decimal, error) {
	return a.src.NativeBalance(ctx, a.reg.UpgradeReserveAccount)
}

func (a *Aggregator) TotalSupply(ctx context.Context) (decimal.Decimal, error) {
	var inflation, burned decimal.Decimal
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { inflation, err = a.Inflation(gctx); return })
	g.Go(func() (err error) { burned, err = a.Burned(gctx); return })
	if err := g.Wait(); err != nil {
		return decimal.Zero, err
	}
	return totalSupply(a.OriginalSupply(), inflation, burned), nil
}

// SumAccounts fetches every account concurrently and adds the balances. The
// first failed fetch cancels the rest and fails the sum.
func (a *Aggregator) SumAccounts(ctx context.Context, accounts []string) (decimal.Decimal, error) {
	balances := make([]decimal.Decimal, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range accounts {
		g.Go(func() error {
			v, err := a.src.NativeBalance(gctx, id)
			if err != nil {
				return err
			}
			balances[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return decimal.Zero, err
	}
	return decimal.Sum(decimal.Zero, balances...), nil
}

func (a *Aggregator) sumGroup(ctx context.Context, group string) (decimal.Decimal, error) {
	v, err := a.SumAccounts(ctx, a.reg.Accounts(group))
	return v, errors.Wrapf(err, "sum %s", group)
}

func (a *Aggregator) DirectDevelopment(ctx context.Context) (decimal.Decimal, error) {
	return a.sumGroup(ctx, registry.DirectDevelopment)
}

func (a *Aggregator) ProductAndInnovation(ctx context.Context) (decimal.Decimal, error) {
	return a.sumGroup(ctx, registry.ProductAndInnovation)
}

func (a *Aggregator) Growth(ctx context.Context) (decimal.Decimal, error) {
	return a.sumGroup(ctx, registry.Growth)
}

func (a *Aggregator) AssetsAndLiquidity(ctx context.Context) (decimal.Decimal, error) {
	return a.sumGroup(ctx, registry.AssetsAndLiquidity)
}

// DistributionAll is the sum of the four program balances.
func (a *Aggregator) DistributionAll(ctx context.Context) (decimal.Decimal, error) {
	sums := make([]decimal.Decimal, len(registry.Programs))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range registry.Programs {
		g.Go(func() (err error) { sums[i], err = a.sumGroup(gctx, p); return })
	}
	if err := g.Wait(); err != nil {
		return decimal.Zero, err
	}
	return decimal.Sum(decimal.Zero, sums...), nil
}

// AllTrackedAccountsSum sums every registry account, program accounts included.
func (a *Aggregator) AllTrackedAccountsSum(ctx context.Context) (decimal.Decimal, error) {
	v, err := a.SumAccounts(ctx, a.reg.AllTracked())
	return v, errors.Wrap(err, "sum tracked accounts")
}

func (a *Aggregator) NonCirculatingSupply(ctx context.Context) (decimal.Decimal, error) {
	var reserve, fee, tracked decimal.Decimal
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { reserve, err = a.UpgradeReserve(gctx); return })
	g.Go(func() (err error) { fee, err = a.LatestLedgerFeePool(gctx); return })
	g.Go(func() (err error) { tracked, err = a.AllTrackedAccountsSum(gctx); return })
	if err := g.Wait(); err != nil {
		return decimal.Zero, err
	}
	return nonCirculating(reserve, fee, tracked), nil
}

func (a *Aggregator) CirculatingSupply(ctx context.Context) (decimal.Decimal, error) {
	var total, non decimal.Decimal
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { total, err = a.TotalSupply(gctx); return })
	g.Go(func() (err error) { non, err = a.NonCirculatingSupply(gctx); return })
	if err := g.Wait(); err != nil {
		return decimal.Zero, err
	}
	return total.Sub(non), nil
}

// TotalSupplySum re-adds circulating and non-circulating supply.
func (a *Aggregator) TotalSupplySum(ctx context.Context) (decimal.Decimal, error) {
	var total, non decimal.Decimal
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { total, err = a.TotalSupply(gctx); return })
	g.Go(func() (err error) { non, err = a.NonCirculatingSupply(gctx); return })
	if err := g.Wait(); err != nil {
		return decimal.Zero, err
	}
	circ := total.Sub(non)
	return circ.Add(non), nil
}

// ComputeSnapshot runs one aggregation: the latest ledger, the void and
// reserve accounts and every registry group are fetched once, concurrently,
// and all figures are derived from those results.
func (a *Aggregator) ComputeSnapshot(ctx context.Context) (*types.Snapshot, error) {
	var (
		ledger          *horizon.Ledger
		burned, reserve decimal.Decimal
		groupSums       = make([]decimal.Decimal, len(a.reg.Groups))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		ledger, err = a.src.LatestLedger(gctx)
		return errors.Wrap(err, "latest ledger")
	})
	g.Go(func() (err error) {
		burned, err = a.Burned(gctx)
		return errors.Wrap(err, "void account")
	})
	g.Go(func() (err error) {
		reserve, err = a.UpgradeReserve(gctx)
		return errors.Wrap(err, "upgrade reserve")
	})
	for i, grp := range a.reg.Groups {
		g.Go(func() (err error) {
			groupSums[i], err = a.SumAccounts(gctx, grp.Accounts)
			return errors.Wrapf(err, "sum %s", grp.Name)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byGroup := make(map[string]decimal.Decimal, len(groupSums))
	for i, grp := range a.reg.Groups {
		byGroup[grp.Name] = groupSums[i]
	}

	original := a.OriginalSupply()
	inflation := ledger.TotalCoins.Sub(original)
	total := totalSupply(original, inflation, burned)
	mandate := decimal.Sum(decimal.Zero, groupSums...)
	non := nonCirculating(reserve, ledger.FeePool, mandate)
	circ := total.Sub(non)

	snap := &types.Snapshot{
		UpdatedAt:      a.now(),
		LedgerSequence: ledger.Sequence,
		OriginalSupply: original,
		Inflation:      inflation,
		Burned:         burned,
		TotalSupply:    total,
		UpgradeReserve: reserve,
		FeePool:        ledger.FeePool,
		SDFMandate:     mandate,
		NonCirculating: non,
		Circulating:    circ,
		TotalSupplySum: circ.Add(non),
		Programs: types.Programs{
			DirectDevelopment:    byGroup[registry.DirectDevelopment],
			ProductAndInnovation: byGroup[registry.ProductAndInnovation],
			Growth:               byGroup[registry.Growth],
			AssetsAndLiquidity:   byGroup[registry.AssetsAndLiquidity],
		},
		Details: types.DetailsURL,
	}
	snap.ETag = computeETag(snap)

	a.log.Debug().Int64("ledger", ledger.Sequence).Str("total", total.String()).
		Str("circulating", circ.String()).Msg("snapshot computed")
	return snap, nil
}

func totalSupply(original, inflation, burned decimal.Decimal) decimal.Decimal {
	return original.Add(inflation).Sub(burned)
}

func nonCirculating(reserve, feePool, tracked decimal.Decimal) decimal.Decimal {
	return reserve.Add(feePool).Add(tracked)
}

func computeETag(s *types.Snapshot) string {
	h := sha1.New()
	h.Write([]byte(strconv.FormatInt(s.LedgerSequence, 10)))
	for _, v := range []decimal.Decimal{
		s.TotalSupply, s.Circulating, s.NonCirculating, s.Burned, s.FeePool,
		s.Programs.DirectDevelopment, s.Programs.ProductAndInnovation,
		s.Programs.Growth, s.Programs.AssetsAndLiquidity,
	} {
		h.Write([]byte{0})
		h.Write([]byte(v.String()))
	}
	return hex.EncodeToString(h.Sum(nil))
}
