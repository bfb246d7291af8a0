package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"membership-portal/config"
	"membership-portal/models"
	"membership-portal/repository/memory"
)

var baseTime = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *clock { return &clock{now: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []ReferralEvent
}

func (p *recordingPublisher) Publish(_ context.Context, evt ReferralEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func testReferralConfig() config.ReferralConfig {
	return config.ReferralConfig{
		Enabled:                 true,
		HoldDays:                30,
		InitialCommissionRate:   0.15,
		RecurringCommissionRate: 0.10,
		CookieExpiryDays:        30,
	}
}

type fixture struct {
	store     *memory.Store
	clock     *clock
	events    *recordingPublisher
	codes     *ReferralCodeService
	referrals *ReferralService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	clk := newClock(baseTime)
	events := &recordingPublisher{}
	cfg := testReferralConfig()

	codes := NewReferralCodeService(store, store, cfg)
	codes.Now = clk.Now
	tokens := []string{"aaaa", "bbbb", "cccccc", "dddddddd", "eeeeeeeeee"}
	calls := 0
	codes.randomToken = func(n int) (string, error) {
		tok := tokens[calls%len(tokens)]
		calls++
		return tok, nil
	}

	referrals := NewReferralService(codes, store, store, events, cfg)
	referrals.Now = clk.Now

	return &fixture{store: store, clock: clk, events: events, codes: codes, referrals: referrals}
}

func (f *fixture) member(id string) {
	f.store.PutMember(models.Member{ID: id, Email: id + "@example.com", DisplayName: id})
}

// linked creates a referrer, a code and one attribution for userID.
func (f *fixture) linked(t *testing.T, referrerID, userID string) *models.Referral {
	t.Helper()
	f.member(referrerID)
	code, err := f.codes.GetOrCreateReferralCode(context.Background(), referrerID)
	if err != nil {
		t.Fatalf("get code: %v", err)
	}
	res, err := f.referrals.LinkReferralToUser(context.Background(), code, userID)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if !res.Linked {
		t.Fatalf("expected link, got %s", res.Reason)
	}
	return res.Referral
}

func (f *fixture) attribution(t *testing.T, userID string) *models.Referral {
	t.Helper()
	ref, err := f.store.FindByReferredUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("find attribution for %s: %v", userID, err)
	}
	return ref
}

func ptr[T any](v T) *T { return &v }
