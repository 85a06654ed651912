//go:build test

package firmata

import "github.com/prometheus/client_golang/prometheus/testutil"

// OpenSubscriptions reads the subscriptions gauge.
func OpenSubscriptions() float64 {
	return testutil.ToFloat64(subscriptions)
}
