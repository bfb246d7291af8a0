package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"membership-portal/config"
	"membership-portal/models"
	"membership-portal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrReferralNotFound   = errors.New("referral not found")
	ErrReferralNotPayable = errors.New("referral is not payable")
	ErrReferralVoid       = errors.New("referral is void")
	ErrReferralContended  = errors.New("referral kept changing during update")
)

const maxReferralWriteAttempts = 5

type LinkResult struct {
	Linked   bool
	Referral *models.Referral
	Reason   FailureReason
}

type linkOptions struct {
	clickedAt *time.Time
}

type LinkOption func(*linkOptions)

// WithClickedAt records when the referral link was first clicked.
func WithClickedAt(t time.Time) LinkOption {
	return func(o *linkOptions) {
		if !t.IsZero() {
			o.clickedAt = &t
		}
	}
}

// PaymentSignal is a successful payment reported by the billing provider.
type PaymentSignal struct {
	UserID         string
	PaidAt         time.Time
	PlanPriceCents int64
	Currency       string
	IsInitial      bool
}

// ReferralService owns every write to attribution rows. Each mutator checks terminal and
// already-set conditions first so redelivered signals are no-ops.
type ReferralService struct {
	Codes       *ReferralCodeService
	Referrals   ReferralStore
	Memberships MembershipStore
	Events      EventPublisher
	Config      config.ReferralConfig
	Now         func() time.Time
}

func NewReferralService(codes *ReferralCodeService, referrals ReferralStore, memberships MembershipStore, events EventPublisher, cfg config.ReferralConfig) *ReferralService {
	if events == nil {
		events = LogEventPublisher{}
	}
	return &ReferralService{
		Codes:       codes,
		Referrals:   referrals,
		Memberships: memberships,
		Events:      events,
		Config:      cfg,
		Now:         time.Now,
	}
}

// LinkReferralToUser attributes userID to the referrer behind code by inserting a new
// attribution row. The code template is never modified, so one code can refer any number
// of users.
func (s *ReferralService) LinkReferralToUser(ctx context.Context, code, userID string, opts ...LinkOption) (LinkResult, error) {
	if !s.Config.Enabled {
		return LinkResult{Reason: FailureDisabled}, nil
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return LinkResult{Reason: FailureMissingUser}, nil
	}
	var o linkOptions
	for _, opt := range opts {
		opt(&o)
	}

	validation, err := s.Codes.ValidateReferralCode(ctx, code)
	if err != nil {
		return LinkResult{}, err
	}
	if !validation.Valid {
		return LinkResult{Reason: validation.Reason}, nil
	}
	tmpl := validation.Referral
	if tmpl.ReferrerID == userID {
		return LinkResult{Reason: FailureSelfReferral}, nil
	}

	existing, err := s.attributionFor(ctx, userID)
	if err != nil {
		return LinkResult{}, err
	}
	if existing != nil {
		log.Printf("ℹ️ [ReferralLifecycle] user %s already referred by %s", userID, existing.ReferrerID)
		return LinkResult{Reason: FailureAlreadyLinked}, nil
	}

	now := s.Now()
	ref := &models.Referral{
		ID:             uuid.NewString(),
		ReferrerID:     tmpl.ReferrerID,
		ReferredUserID: &userID,
		Code:           tmpl.Code,
		SignedUpAt:     &now,
		ClickedAt:      o.clickedAt,
	}
	// Terms negotiated on the code carry over to every attribution made with it.
	if tmpl.IsTemplate() {
		ref.CommissionType = clonePtr(tmpl.CommissionType)
		ref.CommissionValue = clonePtr(tmpl.CommissionValue)
		ref.HoldDays = clonePtr(tmpl.HoldDays)
	}
	ref.Status = DeriveStatus(ref, "", now)

	if err := s.Referrals.CreateAttribution(ctx, ref); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			log.Printf("ℹ️ [ReferralLifecycle] concurrent link for user %s lost the race", userID)
			return LinkResult{Reason: FailureAlreadyLinked}, nil
		}
		return LinkResult{}, fmt.Errorf("create referral attribution: %w", err)
	}

	log.Printf("✅ [ReferralLifecycle] linked %s -> %s via %s", ref.ReferrerID, userID, ref.Code)
	s.publish(ctx, EventReferralLinked, ref, nil)
	return LinkResult{Linked: true, Referral: ref}, nil
}

func (s *ReferralService) MarkReferralTrial(ctx context.Context, userID string, trialStartedAt time.Time, trialEndsAt *time.Time) error {
	ref, changed, err := s.mutate(ctx, s.attributionLoader(ctx, userID), func(ref *models.Referral) (bool, error) {
		if isVoid(ref) {
			log.Printf("ℹ️ [ReferralLifecycle] trial for %s ignored: referral is void", userID)
			return false, nil
		}
		ref.TrialStartedAt = &trialStartedAt
		if trialEndsAt != nil {
			ref.TrialEndsAt = trialEndsAt
		}
		return true, nil
	})
	if err != nil || !changed {
		return err
	}
	s.publish(ctx, EventReferralTrialStarted, ref, nil)
	return nil
}

// MarkReferralQualifiedFromPayment starts the commission clock. Every term is first write
// wins, so a duplicate or later payment can never change a settled commission.
func (s *ReferralService) MarkReferralQualifiedFromPayment(ctx context.Context, p PaymentSignal) error {
	ref, changed, err := s.mutate(ctx, s.attributionLoader(ctx, p.UserID), func(ref *models.Referral) (bool, error) {
		switch {
		case isVoid(ref):
			log.Printf("ℹ️ [ReferralLifecycle] payment for %s ignored: referral is void", p.UserID)
			return false, nil
		case ref.PaidAt != nil:
			log.Printf("ℹ️ [ReferralLifecycle] payment for %s ignored: referral already paid", p.UserID)
			return false, nil
		case ref.QualifiedAt != nil && ref.FirstPaidAt != nil:
			log.Printf("ℹ️ [ReferralLifecycle] payment for %s ignored: already qualified", p.UserID)
			return false, nil
		}
		s.applyQualification(ref, p)
		return true, nil
	})
	if err != nil || !changed {
		return err
	}
	log.Printf("💰 [ReferralLifecycle] %s qualified: %d cents payable at %s",
		p.UserID, *ref.CommissionAmountCents, ref.PayableAt.Format(time.RFC3339))
	s.publish(ctx, EventReferralQualified, ref, map[string]any{
		"commission_amount_cents": *ref.CommissionAmountCents,
		"payable_at":              ref.PayableAt,
	})
	return nil
}

// applyQualification fills every qualification term that is still unset. Terms copied
// from the code template win; otherwise the configured tier rate is recorded as PERCENT.
func (s *ReferralService) applyQualification(ref *models.Referral, p PaymentSignal) {
	paidAt := p.PaidAt
	if ref.QualifiedAt == nil {
		ref.QualifiedAt = &paidAt
	}
	if ref.FirstPaidAt == nil {
		ref.FirstPaidAt = &paidAt
	}
	if ref.CommissionType == nil {
		t := models.CommissionTypePercent
		ref.CommissionType = &t
	}
	if ref.CommissionValue == nil {
		rates := s.tieredRates()
		rate := rates.Recurring
		if p.IsInitial {
			rate = rates.Initial
		}
		value := rate.InexactFloat64()
		ref.CommissionValue = &value
	}
	if ref.CommissionAmountCents == nil {
		amount := ComputeCommissionAmountCents(p.PlanPriceCents, *ref.CommissionType, *ref.CommissionValue)
		ref.CommissionAmountCents = &amount
	}
	if ref.Currency == nil && p.Currency != "" {
		cur := strings.ToUpper(p.Currency)
		ref.Currency = &cur
	}
	if ref.HoldDays == nil {
		hold := s.Config.HoldDays
		ref.HoldDays = &hold
	}
	if ref.PayableAt == nil {
		ref.PayableAt = ComputePayableAt(ref.QualifiedAt, *ref.HoldDays)
	}
}

func (s *ReferralService) tieredRates() TieredRates {
	return NewTieredRates(s.Config.InitialCommissionRate, s.Config.RecurringCommissionRate)
}

// PreviewCommission quotes the platform tier commission for a payment of amount.
func (s *ReferralService) PreviewCommission(amount decimal.Decimal, isInitial bool) decimal.Decimal {
	return CalculateCommission(amount, isInitial, s.tieredRates())
}

// VoidReferralIfInHold claws back a commission when the referred user churns before
// ever paying or inside the hold window. After payableAt the commission is earned and
// is left alone.
func (s *ReferralService) VoidReferralIfInHold(ctx context.Context, userID string, occurredAt time.Time, reason string) error {
	ref, changed, err := s.mutate(ctx, s.attributionLoader(ctx, userID), func(ref *models.Referral) (bool, error) {
		if ref.PaidAt != nil || isVoid(ref) {
			return false, nil
		}
		neverQualified := ref.QualifiedAt == nil
		inHold := ref.PayableAt != nil && occurredAt.Before(*ref.PayableAt)
		if !neverQualified && !inHold {
			log.Printf("ℹ️ [ReferralLifecycle] cancellation for %s after hold: commission kept", userID)
			return false, nil
		}

		now := s.Now()
		meta := map[string]any{}
		for k, v := range ref.Metadata {
			meta[k] = v
		}
		meta["voidedAt"] = now.UTC().Format(time.RFC3339)
		meta["voidReason"] = reason
		meta["voidOccurredAt"] = occurredAt.UTC().Format(time.RFC3339)
		ref.Metadata = meta
		ref.VoidedAt = &now
		return true, nil
	})
	if err != nil || !changed {
		return err
	}
	log.Printf("🚫 [ReferralLifecycle] voided referral %s for %s (%s)", ref.ID, userID, reason)
	s.publish(ctx, EventReferralVoided, ref, map[string]any{"reason": reason})
	return nil
}

// MarkReferralPaid records the payout of a commission that survived its hold.
func (s *ReferralService) MarkReferralPaid(ctx context.Context, referralID string, paidAt time.Time) error {
	load := func() (*models.Referral, error) {
		ref, err := s.Referrals.FindByID(ctx, referralID)
		if errors.Is(err, repository.ErrNotFound) || (err == nil && ref.IsTemplate()) {
			return nil, ErrReferralNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("find referral: %w", err)
		}
		return ref, nil
	}
	ref, changed, err := s.mutate(ctx, load, func(ref *models.Referral) (bool, error) {
		switch DeriveStatus(ref, "", paidAt) {
		case models.ReferralStatusPaid:
			return false, nil
		case models.ReferralStatusVoid:
			return false, ErrReferralVoid
		case models.ReferralStatusPayable:
		default:
			return false, ErrReferralNotPayable
		}
		ref.PaidAt = &paidAt
		return true, nil
	})
	if err != nil || !changed {
		return err
	}
	s.publish(ctx, EventReferralPaid, ref, nil)
	return nil
}

// ReferralView is an attribution with its status derived at read time.
type ReferralView struct {
	models.Referral
	DerivedStatus models.ReferralStatus `json:"derived_status"`
}

type CommissionTotals struct {
	PendingCents int64 `json:"pending_cents"`
	PayableCents int64 `json:"payable_cents"`
	PaidCents    int64 `json:"paid_cents"`
}

type ReferralSummary struct {
	Total    int                           `json:"total"`
	ByStatus map[models.ReferralStatus]int `json:"by_status"`
	Totals   map[string]*CommissionTotals  `json:"totals"` // keyed by currency
}

func (s *ReferralService) ListReferrals(ctx context.Context, referrerID string) ([]ReferralView, error) {
	refs, err := s.Referrals.ListByReferrer(ctx, referrerID)
	if err != nil {
		return nil, fmt.Errorf("list referrals: %w", err)
	}
	userIDs := make([]string, 0, len(refs))
	for _, r := range refs {
		userIDs = append(userIDs, *r.ReferredUserID)
	}
	statuses, err := s.Memberships.MembershipStatuses(ctx, userIDs...)
	if err != nil {
		return nil, fmt.Errorf("load membership statuses: %w", err)
	}

	now := s.Now()
	views := make([]ReferralView, 0, len(refs))
	for i := range refs {
		views = append(views, ReferralView{
			Referral:      refs[i],
			DerivedStatus: DeriveStatus(&refs[i], statuses[*refs[i].ReferredUserID], now),
		})
	}
	return views, nil
}

func (s *ReferralService) SummarizeReferrals(ctx context.Context, referrerID string) (ReferralSummary, error) {
	views, err := s.ListReferrals(ctx, referrerID)
	if err != nil {
		return ReferralSummary{}, err
	}
	summary := ReferralSummary{
		Total:    len(views),
		ByStatus: map[models.ReferralStatus]int{},
		Totals:   map[string]*CommissionTotals{},
	}
	for _, v := range views {
		summary.ByStatus[v.DerivedStatus]++
		if v.CommissionAmountCents == nil {
			continue
		}
		cur := "USD"
		if v.Currency != nil {
			cur = *v.Currency
		}
		t, ok := summary.Totals[cur]
		if !ok {
			t = &CommissionTotals{}
			summary.Totals[cur] = t
		}
		switch v.DerivedStatus {
		case models.ReferralStatusQualified:
			t.PendingCents += *v.CommissionAmountCents
		case models.ReferralStatusPayable:
			t.PayableCents += *v.CommissionAmountCents
		case models.ReferralStatusPaid:
			t.PaidCents += *v.CommissionAmountCents
		}
	}
	return summary, nil
}

// RefreshPayableStatuses rewrites the cached status of referrals whose hold has elapsed.
func (s *ReferralService) RefreshPayableStatuses(ctx context.Context, limit int) (int, error) {
	now := s.Now()
	refs, err := s.Referrals.ListStalePayable(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list stale payable referrals: %w", err)
	}
	updated := 0
	for i := range refs {
		ref := &refs[i]
		ref.Status = DeriveStatus(ref, "", now)
		ok, err := s.Referrals.UpdateIfUnchanged(ctx, ref, ref.UpdatedAt)
		if err != nil {
			return updated, fmt.Errorf("refresh referral %s: %w", ref.ID, err)
		}
		// A row written since the listing already carries a fresh status.
		if ok {
			updated++
		}
	}
	return updated, nil
}

func (s *ReferralService) attributionFor(ctx context.Context, userID string) (*models.Referral, error) {
	ref, err := s.Referrals.FindByReferredUser(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find referral for user %s: %w", userID, err)
	}
	return ref, nil
}

func (s *ReferralService) attributionLoader(ctx context.Context, userID string) func() (*models.Referral, error) {
	return func() (*models.Referral, error) { return s.attributionFor(ctx, userID) }
}

// mutate loads a row, lets change edit it and writes it back only if nobody wrote the row
// in between. On a lost race the row is reloaded and change runs again on the fresh copy,
// so change must decide from the row it is given. A nil row from load is a no-op.
func (s *ReferralService) mutate(ctx context.Context, load func() (*models.Referral, error), change func(*models.Referral) (bool, error)) (*models.Referral, bool, error) {
	for attempt := 1; attempt <= maxReferralWriteAttempts; attempt++ {
		ref, err := load()
		if err != nil || ref == nil {
			return nil, false, err
		}
		apply, err := change(ref)
		if err != nil || !apply {
			return ref, false, err
		}
		written, err := s.persist(ctx, ref)
		if err != nil {
			return nil, false, err
		}
		if written {
			return ref, true, nil
		}
		log.Printf("🔁 [ReferralLifecycle] referral %s changed concurrently, retrying (%d/%d)", ref.ID, attempt, maxReferralWriteAttempts)
	}
	return nil, false, ErrReferralContended
}

// persist recomputes the cached status and writes it with the timestamps in one statement.
func (s *ReferralService) persist(ctx context.Context, ref *models.Referral) (bool, error) {
	var membership models.MembershipStatus
	if ref.ReferredUserID != nil {
		statuses, err := s.Memberships.MembershipStatuses(ctx, *ref.ReferredUserID)
		if err != nil {
			return false, fmt.Errorf("load membership status: %w", err)
		}
		membership = statuses[*ref.ReferredUserID]
	}
	ref.Status = DeriveStatus(ref, membership, s.Now())
	written, err := s.Referrals.UpdateIfUnchanged(ctx, ref, ref.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("save referral %s: %w", ref.ID, err)
	}
	return written, nil
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (s *ReferralService) publish(ctx context.Context, eventType string, ref *models.Referral, data map[string]any) {
	evt := ReferralEvent{
		Type:       eventType,
		ReferralID: ref.ID,
		ReferrerID: ref.ReferrerID,
		Status:     string(ref.Status),
		OccurredAt: s.Now().UTC(),
		Data:       data,
	}
	if ref.ReferredUserID != nil {
		evt.ReferredUserID = *ref.ReferredUserID
	}
	s.Events.Publish(ctx, evt)
}
