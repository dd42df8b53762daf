// Package billing holds the usage-credit accounting core: the plan catalog,
// the entitlement evaluator, the usage recorder and the processor event
// reconciler.
package billing

import (
	"fmt"
	"sort"

	"sponsorscout/internal/types"
)

// Plan describes one purchasable plan.
type Plan struct {
	ID             types.PlanID `json:"id"`
	Name           string       `json:"name"`
	IsRecurring    bool         `json:"is_recurring"`
	UnitsPerPeriod int          `json:"units_per_period"`
	PriceID        string       `json:"-"`
}

// PlanCatalog is the single source of truth for plan quotas.
type PlanCatalog interface {
	Get(id types.PlanID) (Plan, bool)
	// ByPriceID resolves a processor price reference to its plan.
	ByPriceID(priceID string) (Plan, bool)
	All() []Plan
}

// CatalogOptions overrides the default quotas and binds processor prices.
// Zero values keep the defaults.
type CatalogOptions struct {
	BasicUnits int
	ProUnits   int
	PriceIDs   map[types.PlanID]string
}

// planDefaults holds the built-in catalog:
//
//	| Plan     | Recurring | Units/period |
//	|----------|-----------|--------------|
//	| one_shot | no        | 1            |
//	| basic    | yes       | 3            |
//	| pro      | yes       | 10           |
var planDefaults = map[types.PlanID]Plan{
	types.PlanOneShot: {ID: types.PlanOneShot, Name: "One-shot search", IsRecurring: false, UnitsPerPeriod: 1},
	types.PlanBasic:   {ID: types.PlanBasic, Name: "Basic", IsRecurring: true, UnitsPerPeriod: 3},
	types.PlanPro:     {ID: types.PlanPro, Name: "Pro", IsRecurring: true, UnitsPerPeriod: 10},
}

type staticCatalog struct {
	plans   map[types.PlanID]Plan
	byPrice map[string]types.PlanID
}

// NewPlanCatalog builds a catalog from the defaults plus opts. It fails when
// an override would leave a plan with fewer than one unit per period.
func NewPlanCatalog(opts CatalogOptions) (PlanCatalog, error) {
	plans := make(map[types.PlanID]Plan, len(planDefaults))
	for k, v := range planDefaults {
		plans[k] = v
	}

	if opts.BasicUnits != 0 {
		p := plans[types.PlanBasic]
		p.UnitsPerPeriod = opts.BasicUnits
		plans[types.PlanBasic] = p
	}
	if opts.ProUnits != 0 {
		p := plans[types.PlanPro]
		p.UnitsPerPeriod = opts.ProUnits
		plans[types.PlanPro] = p
	}

	byPrice := make(map[string]types.PlanID, len(opts.PriceIDs))
	for id, price := range opts.PriceIDs {
		p, ok := plans[id]
		if !ok {
			return nil, fmt.Errorf("billing: price %q bound to unknown plan %q", price, id)
		}
		if price == "" {
			continue
		}
		if other, dup := byPrice[price]; dup {
			return nil, fmt.Errorf("billing: price %q bound to both %q and %q", price, other, id)
		}
		p.PriceID = price
		plans[id] = p
		byPrice[price] = id
	}

	for id, p := range plans {
		if p.UnitsPerPeriod < 1 {
			return nil, fmt.Errorf("billing: plan %q must grant at least one unit per period, got %d", id, p.UnitsPerPeriod)
		}
	}

	return &staticCatalog{plans: plans, byPrice: byPrice}, nil
}

// DefaultPlanCatalog returns the built-in catalog without price bindings.
func DefaultPlanCatalog() PlanCatalog {
	c, err := NewPlanCatalog(CatalogOptions{})
	if err != nil {
		panic(err)
	}
	return c
}

func (c *staticCatalog) Get(id types.PlanID) (Plan, bool) {
	p, ok := c.plans[id]
	return p, ok
}

func (c *staticCatalog) ByPriceID(priceID string) (Plan, bool) {
	id, ok := c.byPrice[priceID]
	if !ok {
		return Plan{}, false
	}
	return c.plans[id], true
}

// All returns the plans ordered by quota, smallest first.
func (c *staticCatalog) All() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UnitsPerPeriod != out[j].UnitsPerPeriod {
			return out[i].UnitsPerPeriod < out[j].UnitsPerPeriod
		}
		return out[i].ID < out[j].ID
	})
	return out
}
