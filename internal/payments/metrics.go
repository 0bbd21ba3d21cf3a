package payments

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

func countCheckout(kind Kind) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`unipay_checkouts_created_total{kind=%q}`, kind)).Inc()
}

func countCheckoutRejected(reason string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`unipay_checkouts_rejected_total{reason=%q}`, reason)).Inc()
}

func countTransition(to Status, outcome string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`unipay_payment_transitions_total{status=%q,outcome=%q}`, to, outcome)).Inc()
}
