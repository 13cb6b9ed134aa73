package consent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/phicore/internal/platform/auth"
	"github.com/ehr/phicore/internal/platform/hipaa"
)

type recordingSink struct {
	mu      sync.Mutex
	intents []hipaa.AuditIntent
	err     error
}

func (r *recordingSink) Emit(_ context.Context, intent hipaa.AuditIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, intent)
	return r.err
}

func (r *recordingSink) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.intents))
	for i, in := range r.intents {
		out[i] = in.Action
	}
	return out
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreakGlass(repo GrantRepository, sink hipaa.AuditSink, cfg BreakGlassConfig) (*BreakGlass, *clock) {
	clk := &clock{now: testNow}
	b := NewBreakGlass(repo, cfg, zerolog.Nop(), WithAuditSink(sink))
	b.nowFn = clk.Now
	return b, clk
}

func TestBreakGlass_GrantStatusRevoke(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	b, _ := newTestBreakGlass(NewMemoryRepo(), sink, BreakGlassConfig{})
	doctor := &auth.Actor{ID: "dr-1", Role: auth.RoleDoctor}
	patient := uuid.New()

	g, err := b.Grant(ctx, doctor, patient, 30, "cardiac arrest")
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if g.Reason != "cardiac arrest" || g.Scope != ScopeBTG || g.GranteeID != "dr-1" {
		t.Errorf("unexpected grant %+v", g)
	}
	if want := testNow.Add(30 * time.Minute); !g.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", g.ExpiresAt, want)
	}

	st, err := b.Status(ctx, doctor, patient)
	if err != nil || !st.Active {
		t.Fatalf("Status = %+v, %v; want active", st, err)
	}
	if *st.GrantID != g.ID {
		t.Errorf("status grant id = %s, want %s", st.GrantID, g.ID)
	}

	again, err := b.Grant(ctx, doctor, patient, 30, "still coding")
	if err != nil {
		t.Fatalf("second Grant: %v", err)
	}
	if again.ID != g.ID {
		t.Errorf("re-grant should return the same id, got %s want %s", again.ID, g.ID)
	}

	revoked, err := b.Revoke(ctx, doctor, patient)
	if err != nil || !revoked {
		t.Fatalf("Revoke = %v, %v", revoked, err)
	}
	st, _ = b.Status(ctx, doctor, patient)
	if st.Active {
		t.Error("status should be inactive after revoke")
	}

	revoked, err = b.Revoke(ctx, doctor, patient)
	if err != nil || revoked {
		t.Errorf("second Revoke = %v, %v; want false, nil", revoked, err)
	}

	want := []string{
		hipaa.AuditActionBTGGrant, hipaa.AuditActionBTGStatus, hipaa.AuditActionBTGGrant,
		hipaa.AuditActionBTGRevoke, hipaa.AuditActionBTGStatus, hipaa.AuditActionBTGRevoke,
	}
	got := sink.actions()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("audit actions = %v, want %v", got, want)
	}
	if !strings.Contains(sink.intents[0].Description, "cardiac arrest") {
		t.Errorf("grant audit should carry the reason: %q", sink.intents[0].Description)
	}
}

func TestBreakGlass_ExpiryAndRenewal(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo()
	b, clk := newTestBreakGlass(repo, nil, BreakGlassConfig{})
	nurse := &auth.Actor{ID: "n-1", Role: auth.RoleNurse}
	patient := uuid.New()

	first, err := b.Grant(ctx, nurse, patient, 10, "seizure")
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(11 * time.Minute)

	st, _ := b.Status(ctx, nurse, patient)
	if st.Active {
		t.Fatal("grant should have expired")
	}
	if revoked, _ := b.Revoke(ctx, nurse, patient); revoked {
		t.Error("revoking an expired grant should report false")
	}

	second, err := b.Grant(ctx, nurse, patient, 10, "second episode")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == first.ID {
		t.Fatal("expected a new grant after expiry")
	}

	grants, total, _ := repo.ListByPatient(ctx, patient, 10, 0)
	if total != 2 {
		t.Fatalf("expected 2 grants kept, got %d", total)
	}
	unrevoked := 0
	for _, g := range grants {
		if g.RevokedAt == nil {
			unrevoked++
		}
	}
	if unrevoked != 1 {
		t.Errorf("expected exactly one un-revoked grant, got %d", unrevoked)
	}
}

func TestBreakGlass_Validation(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreakGlass(NewMemoryRepo(), nil, BreakGlassConfig{MaxMinutes: 60})
	doctor := &auth.Actor{ID: "dr", Role: auth.RoleDoctor}
	patient := uuid.New()

	tests := []struct {
		name    string
		actor   *auth.Actor
		minutes int
		reason  string
		want    error
	}{
		{"blank reason", doctor, 10, "   ", ErrInvalidInput},
		{"negative minutes", doctor, -1, "x", ErrInvalidInput},
		{"too long", doctor, 61, "x", ErrInvalidInput},
		{"no actor", nil, 10, "x", ErrAccessDenied},
		{"patient role", &auth.Actor{ID: "p", Role: auth.RolePatient}, 10, "x", ErrAccessDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Grant(ctx, tt.actor, patient, tt.minutes, tt.reason)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	g, err := b.Grant(ctx, doctor, patient, 0, "default duration")
	if err != nil {
		t.Fatal(err)
	}
	if want := testNow.Add(DefaultBTGMinutes * time.Minute); !g.ExpiresAt.Equal(want) {
		t.Errorf("default ExpiresAt = %v, want %v", g.ExpiresAt, want)
	}
}

func TestBreakGlass_RateLimit(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	b, clk := newTestBreakGlass(NewMemoryRepo(), sink, BreakGlassConfig{MaxGrantsPerHour: 2})
	doctor := &auth.Actor{ID: "dr", Role: auth.RoleDoctor}

	for i := 0; i < 2; i++ {
		if _, err := b.Grant(ctx, doctor, uuid.New(), 5, "triage"); err != nil {
			t.Fatalf("grant %d: %v", i, err)
		}
	}
	if _, err := b.Grant(ctx, doctor, uuid.New(), 5, "triage"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if last := sink.intents[len(sink.intents)-1]; last.Outcome != "denied" {
		t.Errorf("refused grant should be audited as denied, got %q", last.Outcome)
	}

	clk.Advance(61 * time.Minute)
	if _, err := b.Grant(ctx, doctor, uuid.New(), 5, "triage"); err != nil {
		t.Errorf("window should have reset: %v", err)
	}
}

// flakyCreateRepo fails the next failures calls to Create.
type flakyCreateRepo struct {
	*MemoryRepo
	failures int
}

func (f *flakyCreateRepo) Create(ctx context.Context, g *Grant) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("db down")
	}
	return f.MemoryRepo.Create(ctx, g)
}

func TestBreakGlass_FailedWritesDoNotUseRateLimit(t *testing.T) {
	ctx := context.Background()
	repo := &flakyCreateRepo{MemoryRepo: NewMemoryRepo(), failures: 2}
	b, _ := newTestBreakGlass(repo, &recordingSink{}, BreakGlassConfig{MaxGrantsPerHour: 2})
	doctor := &auth.Actor{ID: "dr", Role: auth.RoleDoctor}

	for i := 0; i < 2; i++ {
		if _, err := b.Grant(ctx, doctor, uuid.New(), 5, "sepsis"); err == nil || errors.Is(err, ErrRateLimited) {
			t.Fatalf("attempt %d: expected store error, got %v", i, err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := b.Grant(ctx, doctor, uuid.New(), 5, "sepsis"); err != nil {
			t.Fatalf("grant %d after recovery: %v", i, err)
		}
	}
	if _, err := b.Grant(ctx, doctor, uuid.New(), 5, "sepsis"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("stored grants still count, got %v", err)
	}
}

func TestBreakGlass_RateLimitedRequestLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo()
	b, clk := newTestBreakGlass(repo, &recordingSink{}, BreakGlassConfig{MaxGrantsPerHour: 1})
	doctor := &auth.Actor{ID: "dr", Role: auth.RoleDoctor}
	patient := uuid.New()

	first, err := b.Grant(ctx, doctor, patient, 5, "overdose")
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	clk.Advance(10 * time.Minute)

	if _, err := b.Grant(ctx, doctor, patient, 5, "overdose"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	stored, err := repo.FindUnrevoked(ctx, patient, "dr", ScopeBTG)
	if err != nil {
		t.Fatalf("expired grant should still be un-revoked: %v", err)
	}
	if stored.ID != first.ID || stored.RevokedAt != nil {
		t.Errorf("refused request changed the store: %+v", stored)
	}
}

func TestGrantRateLimit_Release(t *testing.T) {
	rl := newGrantRateLimit()
	if !rl.reserve("a", testNow, 1) {
		t.Fatal("first reserve should pass")
	}
	if rl.reserve("a", testNow.Add(time.Second), 1) {
		t.Fatal("second reserve should be refused")
	}
	rl.release("a", testNow)
	if !rl.reserve("a", testNow.Add(time.Second), 1) {
		t.Error("released slot should be reusable")
	}
	rl.release("b", testNow)
}

func TestBreakGlass_AuditFailureIsSwallowed(t *testing.T) {
	sink := &recordingSink{err: errors.New("audit store down")}
	b, _ := newTestBreakGlass(NewMemoryRepo(), sink, BreakGlassConfig{})
	doctor := &auth.Actor{ID: "dr", Role: auth.RoleDoctor}

	if _, err := b.Grant(context.Background(), doctor, uuid.New(), 5, "stroke"); err != nil {
		t.Fatalf("audit failure must not fail the grant: %v", err)
	}
}

func TestGrantRateLimit_Cleanup(t *testing.T) {
	rl := newGrantRateLimit()
	rl.reserve("a", testNow, 5)
	rl.reserve("b", testNow.Add(50*time.Minute), 5)

	rl.cleanup(testNow.Add(90 * time.Minute))
	if _, ok := rl.entries["a"]; ok {
		t.Error("stale actor should be dropped")
	}
	if len(rl.entries["b"]) != 1 {
		t.Error("recent actor should be kept")
	}
}
