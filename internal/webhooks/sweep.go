package webhooks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"unipay/internal/payments"
)

// Sweeper reconciles pending payments by polling the gateway. It is the
// fallback for notifications that were lost or could not be matched.
type Sweeper struct {
	reconciler
}

// NewSweeper creates a sweeper. Unlike the dispatcher it needs no signing
// secret since it only reads from the gateway.
func NewSweeper(gateway payments.Gateway, engine Engine, issuer Issuer, logger *slog.Logger) *Sweeper {
	return &Sweeper{reconciler{gateway: gateway, engine: engine, issuer: issuer, logger: logger}}
}

// SweepResult counts what a reconciliation sweep did.
type SweepResult struct {
	Checked   int
	Succeeded int
	Failed    int
	Skipped   int
	Errors    int
}

// Sweep asks the gateway about pending payments older than age and applies
// whatever the gateway already decided. It closes the gap left by lost or
// unmatched notifications.
func (s *Sweeper) Sweep(ctx context.Context, age time.Duration, limit int) (SweepResult, error) {
	var res SweepResult

	pending, err := s.engine.ListPending(ctx, age, limit)
	if err != nil {
		return res, fmt.Errorf("list pending payments: %w", err)
	}

	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++

		session, err := s.gateway.GetSession(ctx, p.ExternalSessionID)
		if err != nil {
			res.Errors++
			s.logger.Warn("sweep: session lookup failed", "payment_id", p.ID, "session_id", p.ExternalSessionID, "error", err)
			continue
		}

		switch {
		case session.Paid():
			err = s.complete(ctx, sweepEventID(session.ID), session)
			if err == nil {
				res.Succeeded++
			}
		case session.Status == payments.SessionExpired:
			err = s.engine.ReconcileFailed(ctx, session.ID, ReasonSessionExpired)
			if err == nil {
				res.Failed++
			}
		default:
			res.Skipped++
		}
		if err != nil {
			res.Errors++
			s.logger.Error("sweep: reconcile failed", "payment_id", p.ID, "session_id", session.ID, "error", err)
		}
	}

	s.logger.Info("sweep finished",
		"checked", res.Checked,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"errors", res.Errors,
	)
	return res, nil
}

// sweepEventID stands in for a notification id when the sweep issues a
// receipt. It is stable per session, so repeated sweeps stay idempotent.
func sweepEventID(sessionID string) string {
	return "sweep:" + sessionID
}
