package generation

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/lumora/backend/internal/config"
)

var ErrInvalidRequest = errors.New("invalid generation request")

const maxCount = 4

// Request is one billable generation call. JobID, when set by the client, makes
// retries of the same call idempotent.
type Request struct {
	JobID      *uuid.UUID `json:"job_id,omitempty"`
	Prompt     string     `json:"prompt"`
	Tier       string     `json:"tier"`
	Resolution string     `json:"resolution"`
	AddOns     []string   `json:"add_ons,omitempty"`
	Count      int        `json:"count,omitempty"`
}

// Quote is the price breakdown for a request.
type Quote struct {
	Tier       string           `json:"tier"`
	Resolution string           `json:"resolution"`
	UnitBase   int64            `json:"unit_base"`
	AddOns     map[string]int64 `json:"add_ons,omitempty"`
	Count      int              `json:"count"`
	Total      int64            `json:"total"`
}

// Pricing computes costs from the configured price tables.
type Pricing struct {
	tiers       map[string]int64
	resolutions map[string]int64
	addOns      map[string]int64
}

func NewPricing(cfg config.GenerationConfig) Pricing {
	return Pricing{tiers: cfg.Tiers, resolutions: cfg.Resolutions, addOns: cfg.AddOns}
}

// Cost is (tier base × resolution multiplier + Σ add-ons) × count.
func (p Pricing) Cost(req Request) (int64, error) {
	q, err := p.Quote(req)
	if err != nil {
		return 0, err
	}
	return q.Total, nil
}

func (p Pricing) Quote(req Request) (*Quote, error) {
	base, ok := p.tiers[req.Tier]
	if !ok {
		return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidRequest, req.Tier)
	}
	mult, ok := p.resolutions[req.Resolution]
	if !ok {
		return nil, fmt.Errorf("%w: unknown resolution %q", ErrInvalidRequest, req.Resolution)
	}
	count := req.Count
	if count == 0 {
		count = 1
	}
	if count < 0 || count > maxCount {
		return nil, fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidRequest, maxCount)
	}
	q := &Quote{Tier: req.Tier, Resolution: req.Resolution, UnitBase: base * mult, Count: count}
	unit := q.UnitBase
	seen := make([]string, 0, len(req.AddOns))
	for _, a := range req.AddOns {
		price, ok := p.addOns[a]
		if !ok {
			return nil, fmt.Errorf("%w: unknown add-on %q", ErrInvalidRequest, a)
		}
		if slices.Contains(seen, a) {
			return nil, fmt.Errorf("%w: add-on %q listed twice", ErrInvalidRequest, a)
		}
		seen = append(seen, a)
		if q.AddOns == nil {
			q.AddOns = map[string]int64{}
		}
		q.AddOns[a] = price
		unit += price
	}
	q.Total = unit * int64(count)
	return q, nil
}
