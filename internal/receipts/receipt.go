// Package receipts issues one human-facing receipt per successful payment.
package receipts

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"unipay/internal/common/money"
)

var (
	ErrNotFound = errors.New("receipt not found")

	// ErrDuplicate means a receipt for the same session or event already exists.
	ErrDuplicate = errors.New("receipt already issued")

	// ErrCodeTaken means another receipt claimed the generated code first.
	ErrCodeTaken = errors.New("receipt code taken")

	// ErrSequenceExhausted means every code of the year has been issued.
	ErrSequenceExhausted = errors.New("receipt sequence exhausted")
)

// StatusPaid is the only status receipts are issued with.
const StatusPaid = "PAID"

// Receipt is the record handed to the payer as proof of payment.
type Receipt struct {
	ID              int64       `json:"id"`
	Code            string      `json:"receipt_code"`
	SessionID       string      `json:"session_id"`
	PaymentIntentID string      `json:"payment_intent_id,omitempty"`
	SubjectID       int64       `json:"subject_id"`
	SubjectCode     string      `json:"subject_code"`
	SubjectName     string      `json:"subject_name"`
	InstitutionName string      `json:"institution_name"`
	UnitName        string      `json:"unit_name"`
	Concept         string      `json:"concept"`
	PeriodLabel     string      `json:"period"`
	AcademicYear    int         `json:"academic_year"`
	Amount          money.Money `json:"total"`
	Status          string      `json:"status"`
	PaidAt          time.Time   `json:"paid_at"`
	SourceEventID   string      `json:"-"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

const (
	codeDigits  = 6
	maxSequence = 999999
)

// CodePrefix is the shared prefix of every code issued in year.
func CodePrefix(year int) string {
	return fmt.Sprintf("REC-%d-", year)
}

// NextCode returns the code following last within year. An empty last
// starts the sequence at 000001; codes stop at 999999.
func NextCode(year int, last string) (string, error) {
	prefix := CodePrefix(year)
	var seq int64
	if last != "" {
		suffix, ok := strings.CutPrefix(last, prefix)
		if !ok {
			return "", fmt.Errorf("receipt code %q does not belong to %d", last, year)
		}
		n, err := strconv.ParseInt(suffix, 10, 64)
		if err != nil || n < 0 {
			return "", fmt.Errorf("receipt code %q has a malformed sequence", last)
		}
		seq = n
	}
	if seq >= maxSequence {
		return "", fmt.Errorf("%w: %d", ErrSequenceExhausted, year)
	}
	return fmt.Sprintf("%s%0*d", prefix, codeDigits, seq+1), nil
}
