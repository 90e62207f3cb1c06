// Package budget implements the token budget guard on the request dispatch
// path. The guard is consulted immediately before every outbound model call;
// an Exceeded verdict is a hard stop raised before any network I/O.
package budget

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jkaninda/idhini/internal/config"
)

// ErrBudgetExceeded is returned when a prompt's estimated size exceeds the
// configured token budget. Callers must not dispatch the request.
var ErrBudgetExceeded = errors.New("token budget exceeded")

// Verdict is the outcome of a budget check.
type Verdict int

const (
	Ok Verdict = iota
	Warn
	Exceeded
)

func (v Verdict) String() string {
	switch v {
	case Ok:
		return "ok"
	case Warn:
		return "warn"
	case Exceeded:
		return "exceeded"
	default:
		return "unknown"
	}
}

// Estimate approximates the token count of a string. Four characters per
// token, rounded up. Deterministic, no I/O.
func Estimate(s string) int {
	return (len(s) + 3) / 4
}

// Guard checks estimated prompt sizes against the current config snapshot.
type Guard struct {
	store  *config.Store
	logger *slog.Logger
}

// NewGuard creates a guard reading budgets from the given store.
func NewGuard(store *config.Store, logger *slog.Logger) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("budget guard requires a config store")
	}
	return &Guard{store: store, logger: logger}, nil
}

// Check classifies a prompt against the current snapshot's budget and
// warning threshold. Exceeded when estimate > budget; Warn when the
// estimate has reached the threshold but still fits the budget; Ok
// otherwise. A zero budget means unlimited. Warn is advisory only and
// never blocks.
func (g *Guard) Check(prompt string) (Verdict, error) {
	snap, err := g.store.Get()
	if err != nil {
		return Exceeded, fmt.Errorf("reading config: %w", err)
	}

	est := Estimate(prompt)
	if snap.TokenBudget <= 0 {
		return Ok, nil
	}

	switch {
	case est > snap.TokenBudget:
		g.logger.Warn("token budget exceeded",
			slog.Int("estimated_tokens", est),
			slog.Int("budget", snap.TokenBudget),
		)
		return Exceeded, fmt.Errorf("%w: estimated %d tokens, budget %d", ErrBudgetExceeded, est, snap.TokenBudget)
	case snap.WarnThreshold > 0 && est >= snap.WarnThreshold:
		g.logger.Warn("token budget warning threshold crossed",
			slog.Int("estimated_tokens", est),
			slog.Int("threshold", snap.WarnThreshold),
			slog.Int("budget", snap.TokenBudget),
		)
		return Warn, nil
	default:
		return Ok, nil
	}
}
