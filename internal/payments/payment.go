// Package payments owns the payment lifecycle: checkout creation and
// gateway-driven reconciliation of each attempt's final state.
package payments

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"unipay/internal/common/money"
)

// Domain errors. Callers match them with errors.Is.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("conflict")
	ErrNotFound        = errors.New("not found")

	// ErrNoTransition reports that a payment already sits in the requested state.
	ErrNoTransition = errors.New("no state transition")
)

// Status is the lifecycle state of a payment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// IsTerminal returns true for succeeded and failed payments.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

func parseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusSucceeded, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown payment status %q", s)
}

// Kind distinguishes a flat enrollment fee from itemized course payments.
type Kind string

const (
	KindEnrollment Kind = "enrollment"
	KindCourse     Kind = "course"
)

func parseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindEnrollment, KindCourse:
		return k, nil
	}
	return "", fmt.Errorf("unknown payment kind %q", s)
}

// EnrollmentItemID is the line item id used for the flat enrollment fee.
const EnrollmentItemID int64 = 0

// MaxErrorMessageLen bounds the stored failure reason, in characters.
const MaxErrorMessageLen = 1000

// LineItem is one denormalized row of what a payment paid for.
type LineItem struct {
	ItemID    int64       `json:"item_id"`
	Name      string      `json:"name"`
	Quantity  int         `json:"quantity"`
	UnitPrice money.Money `json:"unit_price"`
	Subtotal  money.Money `json:"subtotal"`
}

// NewLineItem builds a line item, computing its subtotal.
func NewLineItem(itemID int64, name string, quantity int, unitPrice money.Money) (LineItem, error) {
	subtotal, err := unitPrice.Multiply(int64(quantity))
	if err != nil {
		return LineItem{}, err
	}
	return LineItem{
		ItemID:    itemID,
		Name:      name,
		Quantity:  quantity,
		UnitPrice: unitPrice,
		Subtotal:  subtotal,
	}, nil
}

// Metadata is the typed checkout context persisted alongside a payment.
type Metadata struct {
	Kind     Kind        `json:"kind"`
	PeriodID int64       `json:"period_id"`
	Courses  []CourseRef `json:"courses,omitempty"`
}

// CourseRef records a course that was part of a course payment.
type CourseRef struct {
	CourseID int64  `json:"course_id"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// Payment is one checkout attempt.
type Payment struct {
	ID                 int64       `json:"id"`
	SubjectID          int64       `json:"subject_id"`
	PeriodID           int64       `json:"period_id"`
	ExternalSessionID  string      `json:"session_id"`
	ExternalCustomerID string      `json:"customer_id,omitempty"`
	Amount             money.Money `json:"total"`
	Status             Status      `json:"status"`
	Kind               Kind        `json:"kind"`
	Metadata           Metadata    `json:"-"`
	ErrorMessage       string      `json:"error_message,omitempty"`
	Processed          bool        `json:"processed"`
	Items              []LineItem  `json:"items"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
	SucceededAt        *time.Time  `json:"succeeded_at,omitempty"`
}

// MarkSucceeded moves the payment to succeeded. Enrollment payments need no
// further business step, so they are flagged processed at the same time.
func (p *Payment) MarkSucceeded(at time.Time) error {
	if p.Status == StatusSucceeded {
		return ErrNoTransition
	}
	p.Status = StatusSucceeded
	p.SucceededAt = &at
	p.ErrorMessage = ""
	p.UpdatedAt = at
	if p.Kind == KindEnrollment {
		p.Processed = true
	}
	return nil
}

// MarkFailed moves the payment to failed, keeping a bounded reason.
// Processed is left untouched.
func (p *Payment) MarkFailed(reason string, at time.Time) error {
	reason = truncate(reason, MaxErrorMessageLen)
	if p.Status == StatusFailed && p.ErrorMessage == reason {
		return ErrNoTransition
	}
	p.Status = StatusFailed
	p.ErrorMessage = reason
	p.UpdatedAt = at
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
