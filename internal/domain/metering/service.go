package metering

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/datachest/billing-api/internal/domain/deduction"
	"github.com/datachest/billing-api/internal/pkg/billingauthority"
)

// DeductionQueue is the durable queue the metering front-end produces into.
// Satisfied by *deduction.Queue.
type DeductionQueue interface {
	Enqueue(ctx context.Context, p deduction.Payload) (deduction.EnqueueOutcome, error)
	SendNow(ctx context.Context, idempotencyKey string) (*billingauthority.SendResult, error)
}

// Rates configures cost computation. Rates are in cents per token.
type Rates struct {
	InputCentsPerToken  float64
	OutputCentsPerToken float64
	MinCostCents        int64
}

// DefaultRates returns the production token pricing.
func DefaultRates() Rates {
	return Rates{
		InputCentsPerToken:  0.0003,
		OutputCentsPerToken: 0.0015,
		MinCostCents:        1,
	}
}

const (
	ReasonZeroBalance         = "zero_balance"
	ReasonInsufficientBalance = "insufficient_balance"
)

// BalanceDecision is the result of a pre-flight balance check.
type BalanceDecision struct {
	Allowed bool
	Reason  string
}

// Service is the metering front-end: it computes cost from token counts,
// performs the pre-flight balance check, and is the only producer that
// enqueues deductions.
type Service struct {
	queue DeductionQueue
	rates Rates
}

func NewService(queue DeductionQueue, rates Rates) *Service {
	if rates == (Rates{}) {
		rates = DefaultRates()
	}
	return &Service{queue: queue, rates: rates}
}

// CalculateCost returns ceil((in*INPUT_RATE + out*OUTPUT_RATE) * markup) in
// cents, floored at the configured minimum whenever any tokens were used.
func (s *Service) CalculateCost(inputTokens, outputTokens int64, markupRate float64) int64 {
	if inputTokens <= 0 && outputTokens <= 0 {
		return 0
	}

	wholesale := float64(inputTokens)*s.rates.InputCentsPerToken +
		float64(outputTokens)*s.rates.OutputCentsPerToken
	cost := int64(math.Ceil(wholesale * markupRate))

	if cost < s.rates.MinCostCents {
		cost = s.rates.MinCostCents
	}
	return cost
}

// CheckBalance decides whether usage may proceed given the current balance
// and the estimated cost of the upcoming request.
func (s *Service) CheckBalance(balanceCents, estimatedCostCents int64) BalanceDecision {
	if balanceCents <= 0 {
		return BalanceDecision{Allowed: false, Reason: ReasonZeroBalance}
	}
	if balanceCents < estimatedCostCents {
		return BalanceDecision{Allowed: false, Reason: ReasonInsufficientBalance}
	}
	return BalanceDecision{Allowed: true}
}

// ReportUsage records one billable event. The durable row is written first;
// a single synchronous send then gives the caller fast feedback. Transient
// send failures fail open (the row guarantees eventual billing), while an
// insufficient-funds decline fails closed.
func (s *Service) ReportUsage(ctx context.Context, req *UsageRequest) (*UsageResult, error) {
	cost := s.CalculateCost(req.InputTokens, req.OutputTokens, req.MarkupRate)

	if decision := s.CheckBalance(req.BalanceCents, cost); !decision.Allowed {
		return &UsageResult{
			Allowed:      false,
			Reason:       decision.Reason,
			CostCents:    cost,
			BalanceCents: req.BalanceCents,
		}, nil
	}

	var idempotencyKey string
	if req.MessageID != "" {
		idempotencyKey = deduction.DeriveKey(req.UserID, req.SessionID, req.MessageID)
	} else {
		// Captured once; in-memory retries of this call reuse the same key.
		idempotencyKey = deduction.DeriveKeyAtTime(req.UserID, req.SessionID, time.Now())
	}

	payload := deduction.Payload{
		UserID:         req.UserID,
		AmountCents:    cost,
		Service:        req.Service,
		TokensIn:       req.InputTokens,
		TokensOut:      req.OutputTokens,
		Model:          req.Model,
		MarkupRate:     req.MarkupRate,
		IdempotencyKey: idempotencyKey,
	}

	outcome, err := s.queue.Enqueue(ctx, payload)
	if err != nil {
		// Nothing was durably recorded; the caller's supervision retries.
		return nil, err
	}
	if outcome == deduction.OutcomeAlreadyQueued {
		log.Debug().
			Str("user_id", req.UserID).
			Str("idempotency_key", idempotencyKey).
			Msg("Usage already reported, skipping duplicate")
	}

	result := &UsageResult{
		Allowed:      true,
		CostCents:    cost,
		BalanceCents: req.BalanceCents - cost,
	}

	sendResult, err := s.queue.SendNow(ctx, idempotencyKey)
	if err != nil {
		if !errors.Is(err, deduction.ErrNotFound) {
			log.Warn().Err(err).
				Str("user_id", req.UserID).
				Msg("Synchronous deduction attempt failed, deferring to queue")
		}
		return result, nil
	}

	switch sendResult.Outcome {
	case billingauthority.OutcomeSuccess:
		result.BalanceCents = sendResult.BalanceCents
	case billingauthority.OutcomeTerminal:
		if sendResult.Reason == billingauthority.ReasonInsufficientFunds {
			result.Allowed = false
			result.Reason = sendResult.Reason
			result.BalanceCents = sendResult.BalanceCents
		} else {
			// Technical rejection: the charge will never land, but the usage
			// already happened. Surfaced as a bug signal, not to the caller.
			log.Error().
				Str("user_id", req.UserID).
				Str("reason", sendResult.Reason).
				Msg("Deduction rejected terminally by billing authority")
		}
	default:
		// Retryable: fail open, the batch loop will re-send the durable row.
	}

	return result, nil
}
