package payments

import (
	"reflect"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// row feeds scanPayment fixed column values in paymentColumns order.
type row struct {
	values []any
	err    error
}

func (r row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r.values[i]))
	}
	return nil
}

func paymentRow(status, kind string) row {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	return row{values: []any{
		int64(1001), int64(42), int64(7), "cs_1", (*string)(nil),
		int64(500), "PEN", status, kind, []byte(`{"kind":"enrollment","period_id":7}`), (*string)(nil), true,
		now, now, (*time.Time)(nil),
	}}
}

func TestScanPayment(t *testing.T) {
	p, err := scanPayment(paymentRow("succeeded", "enrollment"))
	require.NoError(t, err)
	assert.Equal(t, KindEnrollment, p.Kind)
	assert.Equal(t, StatusSucceeded, p.Status)
	assert.Equal(t, "5.00 PEN", p.Amount.String())
	assert.Equal(t, int64(7), p.Metadata.PeriodID)

	tests := []struct {
		name string
		row  row
	}{
		{"unknown kind", paymentRow("pending", "donation")},
		{"unknown status", paymentRow("refunded", "course")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := scanPayment(tt.row)
			assert.Error(t, err)
			assert.NotErrorIs(t, err, ErrNotFound)
		})
	}

	_, err = scanPayment(row{err: pgx.ErrNoRows})
	assert.ErrorIs(t, err, ErrNotFound)
}
