package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sponsorscout/internal/types"
)

func TestDefaultPlanCatalog(t *testing.T) {
	c := DefaultPlanCatalog()

	oneShot, ok := c.Get(types.PlanOneShot)
	require.True(t, ok)
	assert.False(t, oneShot.IsRecurring)
	assert.Equal(t, 1, oneShot.UnitsPerPeriod)

	basic, ok := c.Get(types.PlanBasic)
	require.True(t, ok)
	assert.True(t, basic.IsRecurring)
	assert.Equal(t, 3, basic.UnitsPerPeriod)

	pro, ok := c.Get(types.PlanPro)
	require.True(t, ok)
	assert.True(t, pro.IsRecurring)
	assert.Equal(t, 10, pro.UnitsPerPeriod)

	_, ok = c.Get(types.PlanID("enterprise"))
	assert.False(t, ok)
}

func TestNewPlanCatalog_Overrides(t *testing.T) {
	c, err := NewPlanCatalog(CatalogOptions{
		BasicUnits: 5,
		ProUnits:   25,
		PriceIDs: map[types.PlanID]string{
			types.PlanOneShot: "price_once",
			types.PlanBasic:   "price_basic",
			types.PlanPro:     "",
		},
	})
	require.NoError(t, err)

	basic, _ := c.Get(types.PlanBasic)
	assert.Equal(t, 5, basic.UnitsPerPeriod)
	assert.Equal(t, "price_basic", basic.PriceID)

	p, ok := c.ByPriceID("price_once")
	require.True(t, ok)
	assert.Equal(t, types.PlanOneShot, p.ID)

	_, ok = c.ByPriceID("")
	assert.False(t, ok)
	_, ok = c.ByPriceID("price_unknown")
	assert.False(t, ok)
}

func TestNewPlanCatalog_DoesNotMutateDefaults(t *testing.T) {
	_, err := NewPlanCatalog(CatalogOptions{BasicUnits: 99})
	require.NoError(t, err)

	basic, _ := DefaultPlanCatalog().Get(types.PlanBasic)
	assert.Equal(t, 3, basic.UnitsPerPeriod)
}

func TestNewPlanCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opts CatalogOptions
	}{
		{"negative quota", CatalogOptions{BasicUnits: -1}},
		{"unknown plan price", CatalogOptions{PriceIDs: map[types.PlanID]string{"gold": "price_gold"}}},
		{"shared price", CatalogOptions{PriceIDs: map[types.PlanID]string{
			types.PlanBasic: "price_x",
			types.PlanPro:   "price_x",
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPlanCatalog(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestCatalogAll_OrderedByQuota(t *testing.T) {
	plans := DefaultPlanCatalog().All()
	require.Len(t, plans, 3)
	assert.Equal(t, types.PlanOneShot, plans[0].ID)
	assert.Equal(t, types.PlanBasic, plans[1].ID)
	assert.Equal(t, types.PlanPro, plans[2].ID)
}

func TestPeriodKey(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	// 2026-11-01 05:00 local is still October in UTC.
	assert.Equal(t, "2026-10", PeriodKey(time.Date(2026, 11, 1, 5, 0, 0, 0, loc)))
	assert.Equal(t, "2026-11", PeriodKey(time.Date(2026, 11, 30, 23, 59, 0, 0, time.UTC)))

	start, err := ParsePeriodKey("2026-02")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), start)

	_, err = ParsePeriodKey("2026-13")
	assert.Error(t, err)
	_, err = ParsePeriodKey("Feb 2026")
	assert.Error(t, err)
}

func TestSamePeriodStart(t *testing.T) {
	a := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	b := a.Add(300 * time.Millisecond)
	c := a.AddDate(0, 1, 0)

	assert.True(t, samePeriodStart(nil, nil))
	assert.False(t, samePeriodStart(&a, nil))
	assert.True(t, samePeriodStart(&a, &b))
	assert.False(t, samePeriodStart(&a, &c))
}

func TestQuotaErrorMatchesSentinel(t *testing.T) {
	err := error(&QuotaError{Limit: 3, ResetsAt: "2026-11-01"})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.NotErrorIs(t, err, ErrAlreadyConsumed)
	assert.Contains(t, err.Error(), "3")
}

func TestStoreErrWrapsTransient(t *testing.T) {
	cause := assert.AnError
	err := storeErr("load", cause)
	assert.ErrorIs(t, err, ErrTransientStore)
	assert.ErrorIs(t, err, cause)

	again := storeErr("outer", err)
	assert.ErrorIs(t, again, ErrTransientStore)
}
