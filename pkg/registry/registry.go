package registry

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Group names the registry knows about. The four programs are reported
// individually; every group contributes to the tracked-accounts sum.
const (
	Escrow               = "escrow"
	DirectDevelopment    = "direct_development"
	Growth               = "growth"
	ProductAndInnovation = "product_and_innovation"
	AssetsAndLiquidity   = "assets_and_liquidity"
)

// Programs lists the distribution programs in reporting order.
var Programs = []string{DirectDevelopment, ProductAndInnovation, Growth, AssetsAndLiquidity}

// Registry is the static set of accounts that supply figures are derived from.
// It is loaded once at startup and never mutated.
type Registry struct {
	// OriginalSupply is the lumen supply created at network genesis.
	OriginalSupply string `yaml:"original_supply"`

	// VoidAccount holds lumens that are permanently out of supply.
	VoidAccount string `yaml:"void_account"`

	// UpgradeReserveAccount holds the network upgrade reserve.
	UpgradeReserveAccount string `yaml:"upgrade_reserve_account"`

	Groups []Group `yaml:"groups"`

	original decimal.Decimal
}

type Group struct {
	Name     string   `yaml:"name"`
	Accounts []string `yaml:"accounts"`
}

// Default returns the built-in registry.
func Default() *Registry {
	r, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("registry: embedded default invalid: %v", err))
	}
	return r
}

func Load(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read registry")
	}
	return Parse(b)
}

func Parse(b []byte) (*Registry, error) {
	var r Registry
	if err := yaml.Unmarshal(b, &r); err != nil {
		return nil, errors.Wrap(err, "parse registry")
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Registry) Validate() error {
	if r == nil {
		return errors.New("nil registry")
	}
	v, err := decimal.NewFromString(r.OriginalSupply)
	if err != nil {
		return errors.Wrap(err, "original_supply")
	}
	if v.Sign() <= 0 {
		return errors.New("original_supply must be positive")
	}
	r.original = v
	if r.VoidAccount == "" {
		return errors.New("void_account missing")
	}
	if r.UpgradeReserveAccount == "" {
		return errors.New("upgrade_reserve_account missing")
	}
	seen := make(map[string]bool, len(r.Groups))
	for i, g := range r.Groups {
		if g.Name == "" {
			return fmt.Errorf("groups[%d] missing name", i)
		}
		if seen[g.Name] {
			return fmt.Errorf("groups[%d] duplicate name %q", i, g.Name)
		}
		seen[g.Name] = true
		for j, a := range g.Accounts {
			if a == "" {
				return fmt.Errorf("groups[%d].accounts[%d] empty", i, j)
			}
		}
	}
	for _, p := range Programs {
		if !seen[p] {
			return fmt.Errorf("program group %q missing", p)
		}
	}
	return nil
}

// Original returns OriginalSupply as a decimal.
func (r *Registry) Original() decimal.Decimal { return r.original }

// Accounts returns the accounts of a group, or nil if the group is unknown.
func (r *Registry) Accounts(group string) []string {
	for _, g := range r.Groups {
		if g.Name == group {
			return g.Accounts
		}
	}
	return nil
}

// AllTracked returns every account of every group, in registry order. An
// account listed in several groups appears once per group.
func (r *Registry) AllTracked() []string {
	var out []string
	for _, g := range r.Groups {
		out = append(out, g.Accounts...)
	}
	return out
}
