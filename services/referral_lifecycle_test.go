package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"membership-portal/models"
	"membership-portal/repository/memory"

	"github.com/shopspring/decimal"
)

func TestLinkReferralToUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ref := f.linked(t, "ref", "u1")

	if ref.ReferrerID != "ref" || *ref.ReferredUserID != "u1" {
		t.Fatalf("unexpected attribution %+v", ref)
	}
	if ref.Status != models.ReferralStatusSignedUp || ref.SignedUpAt == nil || !ref.SignedUpAt.Equal(baseTime) {
		t.Fatalf("expected SIGNED_UP at %v, got %s at %v", baseTime, ref.Status, ref.SignedUpAt)
	}

	code, _ := f.codes.GetOrCreateReferralCode(ctx, "ref")
	second, err := f.referrals.LinkReferralToUser(ctx, code, "u2", WithClickedAt(baseTime.Add(-time.Hour)))
	if err != nil || !second.Linked {
		t.Fatalf("code must be reusable: %+v, %v", second, err)
	}
	if second.Referral.ClickedAt == nil {
		t.Fatalf("expected clickedAt to be recorded")
	}

	rows := f.store.Referrals()
	if len(rows) != 3 {
		t.Fatalf("expected template plus two attributions, got %d rows", len(rows))
	}
	tmpl, err := f.store.FindTemplate(ctx, "ref", code)
	if err != nil || tmpl.Status != models.ReferralStatusPending || tmpl.ReferredUserID != nil {
		t.Fatalf("template must stay untouched: %+v, %v", tmpl, err)
	}
	if got := f.events.Types(); len(got) != 2 || got[0] != EventReferralLinked {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestLinkReferralToUserFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("self referral", func(t *testing.T) {
		f := newFixture(t)
		f.member("ref")
		code, _ := f.codes.GetOrCreateReferralCode(ctx, "ref")
		res, err := f.referrals.LinkReferralToUser(ctx, code, "ref")
		if err != nil || res.Linked || res.Reason != FailureSelfReferral {
			t.Fatalf("got %+v, %v", res, err)
		}
	})

	t.Run("already linked", func(t *testing.T) {
		f := newFixture(t)
		f.linked(t, "ref", "u1")
		f.member("ref2")
		code, _ := f.codes.GetOrCreateReferralCode(ctx, "ref2")
		res, err := f.referrals.LinkReferralToUser(ctx, code, "u1")
		if err != nil || res.Linked || res.Reason != FailureAlreadyLinked {
			t.Fatalf("got %+v, %v", res, err)
		}
		if got := f.attribution(t, "u1").ReferrerID; got != "ref" {
			t.Fatalf("first attribution must win, got referrer %s", got)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t)
		f.referrals.Config.Enabled = false
		res, err := f.referrals.LinkReferralToUser(ctx, "anything", "u1")
		if err != nil || res.Reason != FailureDisabled {
			t.Fatalf("got %+v, %v", res, err)
		}
	})

	t.Run("missing user", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.referrals.LinkReferralToUser(ctx, "anything", " ")
		if err != nil || res.Reason != FailureMissingUser {
			t.Fatalf("got %+v, %v", res, err)
		}
	})

	t.Run("unknown code", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.referrals.LinkReferralToUser(ctx, "nope", "u1")
		if err != nil || res.Reason != FailureUnknownCode {
			t.Fatalf("got %+v, %v", res, err)
		}
		if len(f.store.Referrals()) != 0 {
			t.Fatalf("failed validation must not write rows")
		}
	})
}

func TestConcurrentLinkSameUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.member("ref")
	code, _ := f.codes.GetOrCreateReferralCode(ctx, "ref")

	var wg sync.WaitGroup
	results := make([]LinkResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.referrals.LinkReferralToUser(ctx, code, "u1")
			if err != nil {
				t.Errorf("link %d: %v", i, err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	linked := 0
	for _, r := range results {
		if r.Linked {
			linked++
		} else if r.Reason != FailureAlreadyLinked {
			t.Fatalf("loser should see already_linked, got %s", r.Reason)
		}
	}
	if linked != 1 {
		t.Fatalf("expected exactly one winner, got %d", linked)
	}
}

func TestMarkReferralTrial(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.linked(t, "ref", "u1")

	ends := baseTime.AddDate(0, 0, 14)
	if err := f.referrals.MarkReferralTrial(ctx, "u1", baseTime, &ends); err != nil {
		t.Fatalf("mark trial: %v", err)
	}
	ref := f.attribution(t, "u1")
	if ref.Status != models.ReferralStatusTrial || ref.TrialEndsAt == nil || !ref.TrialEndsAt.Equal(ends) {
		t.Fatalf("unexpected trial state %+v", ref)
	}

	if err := f.referrals.MarkReferralTrial(ctx, "not-referred", baseTime, nil); err != nil {
		t.Fatalf("unreferred users are a no-op, got %v", err)
	}
}

func TestMarkReferralQualifiedFromPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.linked(t, "ref", "u1")

	paidAt := baseTime.Add(time.Hour)
	err := f.referrals.MarkReferralQualifiedFromPayment(ctx, PaymentSignal{
		UserID: "u1", PaidAt: paidAt, PlanPriceCents: 10000, Currency: "usd", IsInitial: true,
	})
	if err != nil {
		t.Fatalf("qualify: %v", err)
	}
	ref := f.attribution(t, "u1")
	if ref.Status != models.ReferralStatusQualified {
		t.Fatalf("expected QUALIFIED, got %s", ref.Status)
	}
	if *ref.CommissionAmountCents != 1500 || *ref.Currency != "USD" || *ref.HoldDays != 30 {
		t.Fatalf("unexpected terms amount=%d currency=%s hold=%d", *ref.CommissionAmountCents, *ref.Currency, *ref.HoldDays)
	}
	if !ref.PayableAt.Equal(paidAt.AddDate(0, 0, 30)) {
		t.Fatalf("payableAt = %v", ref.PayableAt)
	}

	// A redelivered or later payment must not move any term.
	err = f.referrals.MarkReferralQualifiedFromPayment(ctx, PaymentSignal{
		UserID: "u1", PaidAt: paidAt.AddDate(0, 1, 0), PlanPriceCents: 99900, Currency: "eur",
	})
	if err != nil {
		t.Fatalf("second payment: %v", err)
	}
	again := f.attribution(t, "u1")
	if !again.QualifiedAt.Equal(paidAt) || *again.CommissionAmountCents != 1500 || *again.Currency != "USD" {
		t.Fatalf("qualification terms changed: %+v", again)
	}
}

func TestLinkCopiesTemplateTerms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.member("ref")
	code, _ := f.codes.GetOrCreateReferralCode(ctx, "ref")
	tmpl, err := f.store.FindTemplate(ctx, "ref", code)
	if err != nil {
		t.Fatalf("find template: %v", err)
	}
	tmpl.CommissionType = ptr(models.CommissionTypeFixed)
	tmpl.CommissionValue = ptr(2500.0)
	tmpl.HoldDays = ptr(7)
	f.store.PutReferral(*tmpl)

	res, err := f.referrals.LinkReferralToUser(ctx, code, "u1")
	if err != nil || !res.Linked {
		t.Fatalf("link: %+v, %v", res, err)
	}
	err = f.referrals.MarkReferralQualifiedFromPayment(ctx, PaymentSignal{
		UserID: "u1", PaidAt: baseTime, PlanPriceCents: 10000, Currency: "USD", IsInitial: true,
	})
	if err != nil {
		t.Fatalf("qualify: %v", err)
	}
	ref := f.attribution(t, "u1")
	if *ref.CommissionType != models.CommissionTypeFixed || *ref.CommissionAmountCents != 2500 {
		t.Fatalf("expected fixed commission 2500, got %s %d", *ref.CommissionType, *ref.CommissionAmountCents)
	}
	if *ref.HoldDays != 7 || !ref.PayableAt.Equal(baseTime.AddDate(0, 0, 7)) {
		t.Fatalf("expected the template hold of 7 days, got %d (%v)", *ref.HoldDays, ref.PayableAt)
	}

	stored, _ := f.store.FindTemplate(ctx, "ref", code)
	if stored.CommissionAmountCents != nil || stored.ReferredUserID != nil {
		t.Fatalf("template must not be touched by qualification: %+v", stored)
	}
}

func TestDefaultTermsArePercentOfConfiguredRate(t *testing.T) {
	f := newFixture(t)
	f.linked(t, "ref", "u1")
	err := f.referrals.MarkReferralQualifiedFromPayment(context.Background(), PaymentSignal{
		UserID: "u1", PaidAt: baseTime, PlanPriceCents: 5, Currency: "USD", IsInitial: true,
	})
	if err != nil {
		t.Fatalf("qualify: %v", err)
	}
	ref := f.attribution(t, "u1")
	if *ref.CommissionType != models.CommissionTypePercent || *ref.CommissionValue != 0.15 {
		t.Fatalf("expected PERCENT 0.15, got %s %v", *ref.CommissionType, *ref.CommissionValue)
	}
	if got := *ref.CommissionAmountCents; got != 0 {
		t.Fatalf("percent terms floor, expected 0 cents, got %d", got)
	}
}

func TestPreviewCommission(t *testing.T) {
	f := newFixture(t)
	if got := f.referrals.PreviewCommission(decimal.RequireFromString("0.05"), true); !got.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("tier preview keeps the minimum, got %s", got)
	}
	if got := f.referrals.PreviewCommission(decimal.NewFromInt(50), false); !got.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("got %s, want 5", got)
	}
}

func TestRecurringPaymentUsesRecurringRate(t *testing.T) {
	f := newFixture(t)
	f.linked(t, "ref", "u1")
	err := f.referrals.MarkReferralQualifiedFromPayment(context.Background(), PaymentSignal{
		UserID: "u1", PaidAt: baseTime, PlanPriceCents: 5000, Currency: "USD",
	})
	if err != nil {
		t.Fatalf("qualify: %v", err)
	}
	if got := *f.attribution(t, "u1").CommissionAmountCents; got != 500 {
		t.Fatalf("expected 500 cents, got %d", got)
	}
}

func TestVoidReferralIfInHold(t *testing.T) {
	ctx := context.Background()

	t.Run("never qualified", func(t *testing.T) {
		f := newFixture(t)
		f.linked(t, "ref", "u1")
		if err := f.referrals.VoidReferralIfInHold(ctx, "u1", baseTime, "trial_cancelled"); err != nil {
			t.Fatalf("void: %v", err)
		}
		ref := f.attribution(t, "u1")
		if ref.Status != models.ReferralStatusVoid || ref.VoidedAt == nil {
			t.Fatalf("expected VOID, got %s", ref.Status)
		}
		if ref.Metadata["voidReason"] != "trial_cancelled" {
			t.Fatalf("expected void reason in metadata, got %v", ref.Metadata)
		}
	})

	t.Run("inside hold", func(t *testing.T) {
		f := newFixture(t)
		f.linked(t, "ref", "u1")
		qualify(t, f, "u1", baseTime)
		if err := f.referrals.VoidReferralIfInHold(ctx, "u1", baseTime.AddDate(0, 0, 29), "refund"); err != nil {
			t.Fatalf("void: %v", err)
		}
		if got := f.attribution(t, "u1").Status; got != models.ReferralStatusVoid {
			t.Fatalf("expected VOID, got %s", got)
		}
	})

	t.Run("after hold keeps commission", func(t *testing.T) {
		f := newFixture(t)
		f.linked(t, "ref", "u1")
		qualify(t, f, "u1", baseTime)
		if err := f.referrals.VoidReferralIfInHold(ctx, "u1", baseTime.AddDate(0, 0, 30), "churn"); err != nil {
			t.Fatalf("void: %v", err)
		}
		ref := f.attribution(t, "u1")
		if ref.VoidedAt != nil || ref.Status == models.ReferralStatusVoid {
			t.Fatalf("commission past the hold must survive, got %s", ref.Status)
		}
	})

	t.Run("void is sticky", func(t *testing.T) {
		f := newFixture(t)
		f.linked(t, "ref", "u1")
		if err := f.referrals.VoidReferralIfInHold(ctx, "u1", baseTime, "first"); err != nil {
			t.Fatalf("void: %v", err)
		}
		if err := f.referrals.VoidReferralIfInHold(ctx, "u1", baseTime, "second"); err != nil {
			t.Fatalf("second void: %v", err)
		}
		qualify(t, f, "u1", baseTime)
		ref := f.attribution(t, "u1")
		if ref.Status != models.ReferralStatusVoid || ref.QualifiedAt != nil {
			t.Fatalf("void referral must ignore later payments, got %s qualified=%v", ref.Status, ref.QualifiedAt)
		}
		if ref.Metadata["voidReason"] != "first" {
			t.Fatalf("void reason must not be overwritten, got %v", ref.Metadata["voidReason"])
		}
	})
}

func TestMarkReferralPaid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ref := f.linked(t, "ref", "u1")

	if err := f.referrals.MarkReferralPaid(ctx, ref.ID, baseTime); !errors.Is(err, ErrReferralNotPayable) {
		t.Fatalf("expected ErrReferralNotPayable before qualification, got %v", err)
	}
	qualify(t, f, "u1", baseTime)
	if err := f.referrals.MarkReferralPaid(ctx, ref.ID, baseTime.AddDate(0, 0, 10)); !errors.Is(err, ErrReferralNotPayable) {
		t.Fatalf("expected ErrReferralNotPayable inside hold, got %v", err)
	}

	payout := baseTime.AddDate(0, 0, 31)
	if err := f.referrals.MarkReferralPaid(ctx, ref.ID, payout); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if err := f.referrals.MarkReferralPaid(ctx, ref.ID, payout.Add(time.Hour)); err != nil {
		t.Fatalf("repeat payout must be a no-op, got %v", err)
	}
	got := f.attribution(t, "u1")
	if got.Status != models.ReferralStatusPaid || !got.PaidAt.Equal(payout) {
		t.Fatalf("expected PAID at %v, got %s at %v", payout, got.Status, got.PaidAt)
	}

	if err := f.referrals.MarkReferralPaid(ctx, "missing", payout); !errors.Is(err, ErrReferralNotFound) {
		t.Fatalf("expected ErrReferralNotFound, got %v", err)
	}
}

func TestListAndSummarizeReferrals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.linked(t, "ref", "u1")
	code, _ := f.codes.GetOrCreateReferralCode(ctx, "ref")
	for _, u := range []string{"u2", "u3"} {
		if res, err := f.referrals.LinkReferralToUser(ctx, code, u); err != nil || !res.Linked {
			t.Fatalf("link %s: %+v, %v", u, res, err)
		}
	}
	f.store.PutMembership(models.Membership{ID: "m2", UserID: "u2", Status: models.MembershipStatusTrial})
	qualify(t, f, "u3", baseTime.AddDate(0, 0, -40))

	views, err := f.referrals.ListReferrals(ctx, "ref")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 3 {
		t.Fatalf("expected 3 attributions, got %d", len(views))
	}
	byUser := map[string]models.ReferralStatus{}
	for _, v := range views {
		byUser[*v.ReferredUserID] = v.DerivedStatus
	}
	want := map[string]models.ReferralStatus{
		"u1": models.ReferralStatusSignedUp,
		"u2": models.ReferralStatusTrial,
		"u3": models.ReferralStatusPayable,
	}
	for u, s := range want {
		if byUser[u] != s {
			t.Fatalf("%s: got %s, want %s", u, byUser[u], s)
		}
	}

	summary, err := f.referrals.SummarizeReferrals(ctx, "ref")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Total != 3 || summary.ByStatus[models.ReferralStatusPayable] != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if usd := summary.Totals["USD"]; usd == nil || usd.PayableCents != 1500 {
		t.Fatalf("expected 1500 payable USD cents, got %+v", summary.Totals)
	}
}

func TestRefreshPayableStatuses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.linked(t, "ref", "u1")
	qualify(t, f, "u1", baseTime)

	n, err := f.referrals.RefreshPayableStatuses(ctx, 10)
	if err != nil || n != 0 {
		t.Fatalf("nothing is payable yet: %d, %v", n, err)
	}

	f.clock.Advance(31 * 24 * time.Hour)
	n, err = f.referrals.RefreshPayableStatuses(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("expected one refreshed referral, got %d, %v", n, err)
	}
	if got := f.attribution(t, "u1").Status; got != models.ReferralStatusPayable {
		t.Fatalf("expected cached PAYABLE, got %s", got)
	}
}

// interleavingStore runs hook once, right after the next read of an attribution and
// before the reader gets to write it back.
type interleavingStore struct {
	*memory.Store
	mu   sync.Mutex
	hook func()
}

func (s *interleavingStore) runHook() {
	s.mu.Lock()
	h := s.hook
	s.hook = nil
	s.mu.Unlock()
	if h != nil {
		h()
	}
}

func (s *interleavingStore) FindByReferredUser(ctx context.Context, userID string) (*models.Referral, error) {
	ref, err := s.Store.FindByReferredUser(ctx, userID)
	s.runHook()
	return ref, err
}

func (s *interleavingStore) FindByID(ctx context.Context, id string) (*models.Referral, error) {
	ref, err := s.Store.FindByID(ctx, id)
	s.runHook()
	return ref, err
}

func (f *fixture) interleave(hook func()) {
	f.referrals.Referrals = &interleavingStore{Store: f.store, hook: hook}
}

func TestPaymentDoesNotUndoConcurrentVoid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.linked(t, "ref", "u1")
	f.interleave(func() {
		if err := f.referrals.VoidReferralIfInHold(ctx, "u1", baseTime, "trial_cancelled"); err != nil {
			t.Errorf("void: %v", err)
		}
	})

	qualify(t, f, "u1", baseTime)

	ref := f.attribution(t, "u1")
	if ref.Status != models.ReferralStatusVoid || ref.VoidedAt == nil {
		t.Fatalf("void must survive the payment, got %s voidedAt=%v", ref.Status, ref.VoidedAt)
	}
	if ref.QualifiedAt != nil || ref.CommissionAmountCents != nil {
		t.Fatalf("payment must not qualify a void referral: %+v", ref)
	}
	for _, typ := range f.events.Types() {
		if typ == EventReferralQualified {
			t.Fatalf("no qualification event expected, got %v", f.events.Types())
		}
	}
}

func TestVoidRetriesOverConcurrentPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.linked(t, "ref", "u1")
	f.interleave(func() { qualify(t, f, "u1", baseTime) })

	if err := f.referrals.VoidReferralIfInHold(ctx, "u1", baseTime.AddDate(0, 0, 1), "refund"); err != nil {
		t.Fatalf("void: %v", err)
	}
	ref := f.attribution(t, "u1")
	if ref.Status != models.ReferralStatusVoid || ref.QualifiedAt == nil {
		t.Fatalf("expected a qualified referral voided in hold, got %s qualified=%v", ref.Status, ref.QualifiedAt)
	}
}

func TestPayoutDoesNotUndoConcurrentVoid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ref := f.linked(t, "ref", "u1")
	qualify(t, f, "u1", baseTime)
	f.interleave(func() {
		if err := f.referrals.VoidReferralIfInHold(ctx, "u1", baseTime.AddDate(0, 0, 10), "chargeback"); err != nil {
			t.Errorf("void: %v", err)
		}
	})

	err := f.referrals.MarkReferralPaid(ctx, ref.ID, baseTime.AddDate(0, 0, 31))
	if !errors.Is(err, ErrReferralVoid) {
		t.Fatalf("expected ErrReferralVoid, got %v", err)
	}
	got := f.attribution(t, "u1")
	if got.Status != models.ReferralStatusVoid || got.PaidAt != nil {
		t.Fatalf("void must survive the payout, got %s paidAt=%v", got.Status, got.PaidAt)
	}
}

func TestConcurrentPaymentAndVoid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	users := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"}
	f.linked(t, "ref", users[0])
	code, _ := f.codes.GetOrCreateReferralCode(ctx, "ref")
	for _, u := range users[1:] {
		if res, err := f.referrals.LinkReferralToUser(ctx, code, u); err != nil || !res.Linked {
			t.Fatalf("link %s: %+v, %v", u, res, err)
		}
	}

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(2)
		go func(u string) {
			defer wg.Done()
			err := f.referrals.MarkReferralQualifiedFromPayment(ctx, PaymentSignal{
				UserID: u, PaidAt: baseTime, PlanPriceCents: 10000, Currency: "USD", IsInitial: true,
			})
			if err != nil {
				t.Errorf("qualify %s: %v", u, err)
			}
		}(u)
		go func(u string) {
			defer wg.Done()
			if err := f.referrals.VoidReferralIfInHold(ctx, u, baseTime, "cancelled"); err != nil {
				t.Errorf("void %s: %v", u, err)
			}
		}(u)
	}
	wg.Wait()

	// Either order ends void: before payment it was never qualified, after it the
	// cancellation is inside the hold window.
	for _, u := range users {
		if ref := f.attribution(t, u); ref.Status != models.ReferralStatusVoid || ref.VoidedAt == nil {
			t.Fatalf("%s: expected VOID, got %s", u, ref.Status)
		}
	}
}

func qualify(t *testing.T, f *fixture, userID string, paidAt time.Time) {
	t.Helper()
	err := f.referrals.MarkReferralQualifiedFromPayment(context.Background(), PaymentSignal{
		UserID: userID, PaidAt: paidAt, PlanPriceCents: 10000, Currency: "USD", IsInitial: true,
	})
	if err != nil {
		t.Fatalf("qualify %s: %v", userID, err)
	}
}
