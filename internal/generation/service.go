package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/lumora/backend/internal/config"
	"github.com/lumora/backend/internal/credentials"
)

// CredentialPool hands out credentials and hears back how they did.
type CredentialPool interface {
	AcquireExcept(ctx context.Context, skip map[uuid.UUID]bool) (*credentials.Lease, error)
	ReportOutcome(ctx context.Context, id uuid.UUID, success bool, detail string) error
}

type AI interface {
	Generate(ctx context.Context, secret string, req Request) (*Output, error)
}

// ScoreRecorder credits weekly leaderboard points.
type ScoreRecorder interface {
	AddScore(ctx context.Context, userID uuid.UUID, points int64) error
}

type Result struct {
	JobID      uuid.UUID `json:"job_id"`
	Cost       int64     `json:"cost"`
	NewBalance int64     `json:"new_balance"`
	Output     *Output   `json:"output"`
}

// Service prices requests and runs them through the Guard, retrying on other
// credentials when one is exhausted.
type Service struct {
	guard       *Guard
	pricing     Pricing
	creds       CredentialPool
	ai          AI
	scores      ScoreRecorder
	maxAttempts int
	log         *slog.Logger
}

func NewService(guard *Guard, creds CredentialPool, ai AI, scores ScoreRecorder, cfg config.GenerationConfig, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Service{
		guard:       guard,
		pricing:     NewPricing(cfg),
		creds:       creds,
		ai:          ai,
		scores:      scores,
		maxAttempts: attempts,
		log:         log,
	}
}

func (s *Service) Quote(req Request) (*Quote, error) {
	return s.pricing.Quote(req)
}

func (s *Service) Generate(ctx context.Context, userID uuid.UUID, req Request) (*Result, error) {
	cost, err := s.pricing.Cost(req)
	if err != nil {
		return nil, err
	}
	jobID := uuid.New()
	if req.JobID != nil {
		jobID = *req.JobID
	}
	charged, err := s.guard.Run(ctx, Charge{
		UserID:      userID,
		JobID:       jobID,
		Cost:        cost,
		Description: fmt.Sprintf("generation %s/%s x%d", req.Tier, req.Resolution, max(req.Count, 1)),
	}, func(ctx context.Context) (*Output, error) {
		return s.callWithFallback(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	if s.scores != nil {
		if err := s.scores.AddScore(context.WithoutCancel(ctx), userID, cost); err != nil {
			s.log.Warn("weekly score update failed", "user_id", userID, "points", cost, "error", err)
		}
	}
	return &Result{JobID: jobID, Cost: cost, NewBalance: charged.NewBalance, Output: charged.Output}, nil
}

func (s *Service) callWithFallback(ctx context.Context, req Request) (*Output, error) {
	tried := map[uuid.UUID]bool{}
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		lease, err := s.creds.AcquireExcept(ctx, tried)
		if err != nil {
			if lastErr != nil && errors.Is(err, credentials.ErrNoCredentialsAvailable) {
				return nil, lastErr
			}
			return nil, err
		}
		tried[lease.ID] = true

		out, err := s.ai.Generate(ctx, lease.Secret, req)
		s.report(ctx, lease, err)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
		s.log.Info("retrying generation on another credential", "credential_id", lease.ID, "kind", KindOf(err))
	}
	return nil, lastErr
}

func (s *Service) report(ctx context.Context, lease *credentials.Lease, err error) {
	switch {
	case err == nil, KindOf(err) == KindSafetyRejected:
		err = s.creds.ReportOutcome(context.WithoutCancel(ctx), lease.ID, true, "")
	case countsAgainstCredential(err):
		err = s.creds.ReportOutcome(context.WithoutCancel(ctx), lease.ID, false, err.Error())
	default:
		return
	}
	if err != nil {
		s.log.Warn("credential outcome not recorded", "credential_id", lease.ID, "error", err)
	}
}
