package quota

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/llmgate/llmgate/internal/llm"
	"github.com/llmgate/llmgate/internal/store"
)

func newTestAccountant(t *testing.T, groups map[string]Group, users map[string]string) (*Accountant, *store.Store) {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "quota.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewAccountant(st, groups, users, "default"), st
}

func TestCheckQuota_UnlimitedAlwaysPasses(t *testing.T) {
	groups := map[string]Group{
		"default": {TokenLimitType: LimitUnlimited, ModelType: ModelsAll},
	}
	a, st := newTestAccountant(t, groups, nil)
	ctx := context.Background()

	if err := st.AddUserUsage(ctx, "alice", 1_000_000_000, time.Now()); err != nil {
		t.Fatal(err)
	}
	d, err := a.CheckQuota(ctx, "alice", "openai", "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if !d.TokenPass || !d.ModelPass {
		t.Errorf("unlimited group must always pass, got %+v", d)
	}
}

func TestCheckQuota_CeilingIsStrict(t *testing.T) {
	groups := map[string]Group{
		"metered": {TokenLimitType: LimitLimited, MonthlyTokenLimit: 100, ModelType: ModelsAll},
	}
	users := map[string]string{"bob": "metered"}
	a, st := newTestAccountant(t, groups, users)
	ctx := context.Background()
	now := time.Now()

	if err := st.AddUserUsage(ctx, "bob", 99, now); err != nil {
		t.Fatal(err)
	}
	d, err := a.CheckQuota(ctx, "bob", "openai", "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if !d.TokenPass {
		t.Error("99 of 100 must pass")
	}

	if err := st.AddUserUsage(ctx, "bob", 1, now); err != nil {
		t.Fatal(err)
	}
	d, err = a.CheckQuota(ctx, "bob", "openai", "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if d.TokenPass {
		t.Error("exactly at the ceiling must fail, the check is strictly less-than")
	}
}

func TestCheckQuota_StaleMonthCounterReadsAsZero(t *testing.T) {
	groups := map[string]Group{
		"metered": {TokenLimitType: LimitLimited, MonthlyTokenLimit: 100, ModelType: ModelsAll},
	}
	users := map[string]string{"bob": "metered"}
	a, st := newTestAccountant(t, groups, users)
	ctx := context.Background()

	// Exhausted last month; the new month starts clean without waiting for
	// a write to roll the row over.
	lastMonth := time.Date(2026, 2, 20, 10, 0, 0, 0, time.UTC)
	if err := st.AddUserUsage(ctx, "bob", 500, lastMonth); err != nil {
		t.Fatal(err)
	}
	a.now = func() time.Time { return time.Date(2026, 3, 1, 0, 1, 0, 0, time.UTC) }

	d, err := a.CheckQuota(ctx, "bob", "openai", "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if !d.TokenPass {
		t.Error("a counter last updated in a previous month must read as zero")
	}
}

func TestCheckQuota_ModelAllowList(t *testing.T) {
	groups := map[string]Group{
		"restricted": {
			TokenLimitType: LimitUnlimited,
			ModelType:      ModelsSpecific,
			AllowedModels:  []string{"openai/gpt-4o-mini", "anthropic/claude-haiku"},
		},
	}
	users := map[string]string{"carol": "restricted"}
	a, _ := newTestAccountant(t, groups, users)
	ctx := context.Background()

	d, err := a.CheckQuota(ctx, "carol", "openai", "gpt-4o-mini")
	if err != nil {
		t.Fatal(err)
	}
	if !d.ModelPass {
		t.Error("allow-listed model must pass")
	}

	d, err = a.CheckQuota(ctx, "carol", "openai", "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if d.ModelPass {
		t.Error("model outside the allow-list must fail")
	}
	if !d.TokenPass {
		t.Error("model failure must not affect the token verdict")
	}
}

func TestCheckQuota_UnknownUserFallsBackToDefaultGroup(t *testing.T) {
	groups := map[string]Group{
		"default": {TokenLimitType: LimitLimited, MonthlyTokenLimit: 10, ModelType: ModelsAll},
	}
	a, st := newTestAccountant(t, groups, nil)
	ctx := context.Background()

	if err := st.AddUserUsage(ctx, "stranger", 10, time.Now()); err != nil {
		t.Fatal(err)
	}
	d, err := a.CheckQuota(ctx, "stranger", "openai", "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if d.TokenPass {
		t.Error("unmapped user must inherit the default group's ceiling")
	}
}

func TestRecordUsage_SameDayAccumulates(t *testing.T) {
	a, st := newTestAccountant(t, map[string]Group{}, nil)
	ctx := context.Background()
	a.now = func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) }

	if err := a.RecordUsage(ctx, "alice", "openai", "gpt-4o", "", llm.Usage{TotalTokens: 50}); err != nil {
		t.Fatal(err)
	}
	a.now = func() time.Time { return time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC) }
	if err := a.RecordUsage(ctx, "alice", "openai", "gpt-4o", "", llm.Usage{TotalTokens: 30}); err != nil {
		t.Fatal(err)
	}

	u, err := st.GetUserUsage(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u.TodayTotalTokens != 80 || u.MonthTotalTokens != 80 {
		t.Errorf("expected 80/80 on the same day, got %d/%d", u.TodayTotalTokens, u.MonthTotalTokens)
	}
}

func TestRecordUsage_DayRolloverResetsNotAdds(t *testing.T) {
	a, st := newTestAccountant(t, map[string]Group{}, nil)
	ctx := context.Background()

	a.now = func() time.Time { return time.Date(2026, 3, 15, 23, 0, 0, 0, time.UTC) }
	if err := a.RecordUsage(ctx, "alice", "openai", "gpt-4o", "", llm.Usage{TotalTokens: 500}); err != nil {
		t.Fatal(err)
	}

	a.now = func() time.Time { return time.Date(2026, 3, 16, 1, 0, 0, 0, time.UTC) }
	if err := a.RecordUsage(ctx, "alice", "openai", "gpt-4o", "", llm.Usage{TotalTokens: 40}); err != nil {
		t.Fatal(err)
	}

	u, err := st.GetUserUsage(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u.TodayTotalTokens != 40 {
		t.Errorf("day rollover must reset, not add: expected 40, got %d", u.TodayTotalTokens)
	}
	if u.MonthTotalTokens != 540 {
		t.Errorf("month counter keeps accumulating within the month: expected 540, got %d", u.MonthTotalTokens)
	}
}

func TestRecordUsage_MonthRolloverResetsNotAdds(t *testing.T) {
	a, st := newTestAccountant(t, map[string]Group{}, nil)
	ctx := context.Background()

	a.now = func() time.Time { return time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC) }
	if err := a.RecordUsage(ctx, "alice", "openai", "gpt-4o", "", llm.Usage{TotalTokens: 900}); err != nil {
		t.Fatal(err)
	}

	a.now = func() time.Time { return time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC) }
	if err := a.RecordUsage(ctx, "alice", "openai", "gpt-4o", "", llm.Usage{TotalTokens: 100}); err != nil {
		t.Fatal(err)
	}

	u, err := st.GetUserUsage(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u.TodayTotalTokens != 100 || u.MonthTotalTokens != 100 {
		t.Errorf("month rollover must reset both counters to exactly 100, got %d/%d", u.TodayTotalTokens, u.MonthTotalTokens)
	}
}

func TestRecordUsage_ConversationAndReportCounters(t *testing.T) {
	a, st := newTestAccountant(t, map[string]Group{}, nil)
	ctx := context.Background()
	a.now = func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) }

	if err := st.EnsureConversation(ctx, "conv-1", "alice", "openai", "gpt-4o"); err != nil {
		t.Fatal(err)
	}
	usage := llm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
	if err := a.RecordUsage(ctx, "alice", "openai", "gpt-4o", "conv-1", usage); err != nil {
		t.Fatal(err)
	}

	c, err := st.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if c.TotalTokens != 15 {
		t.Errorf("expected conversation counter 15, got %d", c.TotalTokens)
	}

	reports, err := st.GetUsageReports(ctx, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 || reports[0].Date != "2026-03-15" || reports[0].TotalTokens != 15 {
		t.Errorf("unexpected report rows: %+v", reports)
	}
}

func TestRecordUsage_ZeroUsageStillRecorded(t *testing.T) {
	a, st := newTestAccountant(t, map[string]Group{}, nil)
	ctx := context.Background()
	a.now = func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) }

	if err := a.RecordUsage(ctx, "alice", "openai", "gpt-4o", "", llm.Usage{}); err != nil {
		t.Fatal(err)
	}
	u, err := st.GetUserUsage(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u == nil {
		t.Fatal("a zero-usage turn must still create the counter row")
	}
}
