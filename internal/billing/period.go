package billing

import (
	"fmt"
	"time"
)

const periodKeyLayout = "2006-01"

// PeriodKey returns the ledger aggregation key ("YYYY-MM", UTC) for t.
func PeriodKey(t time.Time) string {
	return t.UTC().Format(periodKeyLayout)
}

// ParsePeriodKey validates a "YYYY-MM" key and returns the first instant of
// that month in UTC.
func ParsePeriodKey(key string) (time.Time, error) {
	t, err := time.Parse(periodKeyLayout, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid billing period %q: want YYYY-MM", key)
	}
	return t, nil
}

// samePeriodStart reports whether two optional period starts denote the same
// instant. Processor timestamps have second precision.
func samePeriodStart(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Truncate(time.Second).Equal(b.Truncate(time.Second))
}
