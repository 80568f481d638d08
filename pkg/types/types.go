package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// DetailsURL documents how the figures are computed.
const DetailsURL = "https://www.stellar.org/developers/guides/lumen-supply-metrics.html"

// Snapshot is the result of one aggregation run. All amounts are lumens and
// marshal as decimal strings; it is never modified after creation.
type Snapshot struct {
	UpdatedAt      time.Time `json:"updatedAt"`
	LedgerSequence int64     `json:"ledgerSequence"`
	ETag           string    `json:"etag"`

	OriginalSupply decimal.Decimal `json:"originalSupply"`
	Inflation      decimal.Decimal `json:"inflationLumens"`
	Burned         decimal.Decimal `json:"burnedLumens"`
	TotalSupply    decimal.Decimal `json:"totalSupply"`
	UpgradeReserve decimal.Decimal `json:"upgradeReserve"`
	FeePool        decimal.Decimal `json:"feePool"`
	// SDFMandate is the sum over every tracked account.
	SDFMandate     decimal.Decimal `json:"sdfMandate"`
	NonCirculating decimal.Decimal `json:"noncirculatingSupply"`
	Circulating    decimal.Decimal `json:"circulatingSupply"`
	TotalSupplySum decimal.Decimal `json:"totalSupplySum"`

	Programs Programs `json:"programs"`

	Details string `json:"_details"`
}

// Programs holds the per-program distribution balances.
type Programs struct {
	DirectDevelopment    decimal.Decimal `json:"directDevelopment"`
	ProductAndInnovation decimal.Decimal `json:"productAndInnovation"`
	Growth               decimal.Decimal `json:"growth"`
	AssetsAndLiquidity   decimal.Decimal `json:"assetsAndLiquidity"`
}

// SnapshotV1 is the legacy /api/v1 shape.
type SnapshotV1 struct {
	UpdatedAt      time.Time       `json:"updatedAt"`
	TotalCoins     decimal.Decimal `json:"totalCoins"`
	AvailableCoins decimal.Decimal `json:"availableCoins"`
	Programs       Programs        `json:"programs"`
}

func (s *Snapshot) V1() SnapshotV1 {
	return SnapshotV1{
		UpdatedAt:      s.UpdatedAt,
		TotalCoins:     s.TotalSupply,
		AvailableCoins: s.Circulating,
		Programs:       s.Programs,
	}
}
