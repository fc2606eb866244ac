package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/llmgate/llmgate/internal/llm"
	"github.com/llmgate/llmgate/internal/store"
)

// LimitType is a group's token-ceiling policy.
type LimitType string

const (
	LimitUnlimited LimitType = "unlimited"
	LimitLimited   LimitType = "limited"
)

// ModelPolicy is a group's model allow-list policy.
type ModelPolicy string

const (
	ModelsAll      ModelPolicy = "all"
	ModelsSpecific ModelPolicy = "specific"
)

// Group is one quota group's policy.
type Group struct {
	TokenLimitType    LimitType
	MonthlyTokenLimit int
	ModelType         ModelPolicy
	AllowedModels     []string // "provider/model" pairs
}

// Decision is the pre-flight quota verdict for one request.
type Decision struct {
	TokenPass bool
	ModelPass bool
}

// Accountant enforces the quota gate and maintains usage counters.
type Accountant struct {
	store        *store.Store
	groups       map[string]Group
	users        map[string]string // user id -> group name
	defaultGroup string

	now func() time.Time
}

func NewAccountant(st *store.Store, groups map[string]Group, users map[string]string, defaultGroup string) *Accountant {
	return &Accountant{
		store:        st,
		groups:       groups,
		users:        users,
		defaultGroup: defaultGroup,
		now:          time.Now,
	}
}

// groupFor resolves a user's group. Users without an assignment, and
// assignments naming an unknown group, fall back to the default group; with
// no default configured the user is unrestricted.
func (a *Accountant) groupFor(userID string) Group {
	name, ok := a.users[userID]
	if !ok {
		name = a.defaultGroup
	}
	group, ok := a.groups[name]
	if !ok {
		if group, ok = a.groups[a.defaultGroup]; !ok {
			return Group{TokenLimitType: LimitUnlimited, ModelType: ModelsAll}
		}
	}
	return group
}

// CheckQuota computes the gate decision for one request, before any upstream
// cost is incurred. An unlimited group passes the token check unconditionally;
// a limited group passes iff its current-month counter is strictly below the
// ceiling. The month counter only counts if its last update falls inside the
// current calendar month; a stale counter reads as zero.
func (a *Accountant) CheckQuota(ctx context.Context, userID, provider, model string) (Decision, error) {
	group := a.groupFor(userID)
	decision := Decision{TokenPass: true, ModelPass: true}

	if group.TokenLimitType == LimitLimited {
		usage, err := a.store.GetUserUsage(ctx, userID)
		if err != nil {
			return Decision{}, fmt.Errorf("load user usage: %w", err)
		}
		monthTokens := 0
		if usage != nil && !usage.UpdatedAt.Before(startOfMonth(a.now())) {
			monthTokens = usage.MonthTotalTokens
		}
		decision.TokenPass = monthTokens < group.MonthlyTokenLimit
	}

	if group.ModelType == ModelsSpecific {
		decision.ModelPass = false
		want := provider + "/" + model
		for _, allowed := range group.AllowedModels {
			if allowed == want {
				decision.ModelPass = true
				break
			}
		}
	}

	return decision, nil
}

// RecordUsage applies one terminal usage snapshot: user counters with
// day/month rollover, the conversation's cumulative counters, and the
// per-(date, user, model, provider) aggregate. The three updates are
// independent; failure of one never blocks the others.
func (a *Accountant) RecordUsage(ctx context.Context, userID, provider, model, conversationID string, u llm.Usage) error {
	now := a.now()
	var errs []error

	if err := a.applyUserUsage(ctx, userID, u.TotalTokens, now); err != nil {
		errs = append(errs, fmt.Errorf("user counters: %w", err))
	}

	if conversationID != "" {
		if err := a.store.AddConversationUsage(ctx, conversationID, u); err != nil {
			errs = append(errs, fmt.Errorf("conversation counters: %w", err))
		}
	}

	date := now.Format("2006-01-02")
	if err := a.store.UpsertUsageReport(ctx, date, userID, provider, model, u); err != nil {
		errs = append(errs, fmt.Errorf("usage report: %w", err))
	}

	if len(errs) > 0 {
		log.Error().Errs("errors", errs).Str("user", userID).Msg("usage recording partially failed")
	}
	return errors.Join(errs...)
}

// applyUserUsage updates the per-user counters. Crossing a month boundary
// resets both counters to the new usage; crossing a day boundary resets the
// daily counter and adds to the monthly one; otherwise both counters take an
// atomic increment. The reset paths are guarded on the stored timestamp so a
// concurrent turn can roll the period over at most once; a losing writer
// falls back to the add path.
func (a *Accountant) applyUserUsage(ctx context.Context, userID string, total int, now time.Time) error {
	row, err := a.store.GetUserUsage(ctx, userID)
	if err != nil {
		return err
	}
	if row == nil {
		return a.store.AddUserUsage(ctx, userID, total, now)
	}

	monthStart := startOfMonth(now)
	dayStart := startOfDay(now)

	switch {
	case row.UpdatedAt.Before(monthStart):
		ok, err := a.store.ResetUserUsageMonth(ctx, userID, total, now, monthStart)
		if err != nil {
			return err
		}
		if !ok {
			return a.store.AddUserUsage(ctx, userID, total, now)
		}
		return nil
	case row.UpdatedAt.Before(dayStart):
		ok, err := a.store.ResetUserUsageDay(ctx, userID, total, now, dayStart)
		if err != nil {
			return err
		}
		if !ok {
			return a.store.AddUserUsage(ctx, userID, total, now)
		}
		return nil
	default:
		return a.store.AddUserUsage(ctx, userID, total, now)
	}
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
