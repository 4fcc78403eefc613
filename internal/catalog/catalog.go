// Package catalog holds the purchasable packages: their prices or amount bands and the
// entitlements a successful payment grants.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/antonminaichev/payflow/internal/types/order"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

var ErrUnknownPackage = errors.New("unknown package")

type Grants struct {
	MembershipTier string `yaml:"membership_tier"`
	MembershipDays int    `yaml:"membership_days"`
	Identity       bool   `yaml:"identity"`
	TaskSelection  bool   `yaml:"task_selection"`
	Forum          bool   `yaml:"forum"`
}

type Package struct {
	Type order.PackageType `yaml:"-"`
	// Price is set for fixed-price packages; Min/Max for banded contributions.
	Price  string `yaml:"price"`
	Min    string `yaml:"min"`
	Max    string `yaml:"max"`
	Grants Grants `yaml:"grants"`

	price, min, max decimal.Decimal
	fixed           bool
}

func (p Package) Fixed() bool { return p.fixed }

func (p Package) FixedPrice() decimal.Decimal { return p.price }

func (p Package) Band() (decimal.Decimal, decimal.Decimal) { return p.min, p.max }

// Accepts reports whether amount satisfies the package price or band.
func (p Package) Accepts(amount decimal.Decimal) bool {
	if !amount.IsPositive() || !amount.Equal(amount.Round(2)) {
		return false
	}
	if p.fixed {
		return amount.Equal(p.price)
	}
	return amount.GreaterThanOrEqual(p.min) && amount.LessThanOrEqual(p.max)
}

type Catalog struct {
	Currency string                         `yaml:"currency"`
	Packages map[order.PackageType]*Package `yaml:"packages"`
}

func (c *Catalog) Lookup(t order.PackageType) (*Package, error) {
	p, ok := c.Packages[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPackage, t)
	}
	return p, nil
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return c
}

// Load reads a catalog file; an empty path yields the embedded default.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal catalog: %w", err)
	}
	if c.Currency == "" {
		return nil, fmt.Errorf("catalog currency is required")
	}
	if len(c.Packages) == 0 {
		return nil, fmt.Errorf("catalog has no packages")
	}
	for t, p := range c.Packages {
		if p == nil {
			return nil, fmt.Errorf("package %s: empty definition", t)
		}
		p.Type = t
		if err := p.parse(); err != nil {
			return nil, fmt.Errorf("package %s: %w", t, err)
		}
	}
	return &c, nil
}

func (p *Package) parse() error {
	var err error
	if p.Price != "" {
		if p.price, err = decimal.NewFromString(p.Price); err != nil {
			return fmt.Errorf("price: %w", err)
		}
		if !p.price.IsPositive() {
			return fmt.Errorf("price must be positive")
		}
		p.fixed = true
		return nil
	}
	if p.Min == "" || p.Max == "" {
		return fmt.Errorf("either price or min and max must be set")
	}
	if p.min, err = decimal.NewFromString(p.Min); err != nil {
		return fmt.Errorf("min: %w", err)
	}
	if p.max, err = decimal.NewFromString(p.Max); err != nil {
		return fmt.Errorf("max: %w", err)
	}
	if !p.min.IsPositive() || p.min.GreaterThan(p.max) {
		return fmt.Errorf("invalid band [%s, %s]", p.Min, p.Max)
	}
	return nil
}
