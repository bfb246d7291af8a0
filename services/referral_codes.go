package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"membership-portal/config"
	"membership-portal/models"
	"membership-portal/repository"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

var (
	ErrMemberNotFound  = errors.New("member not found")
	ErrSlugTaken       = errors.New("referral slug already taken")
	ErrSlugAssigned    = errors.New("member already has a referral slug")
	ErrInvalidSlug     = errors.New("referral slug must be 3-40 characters of letters, digits and dashes")
	ErrSlugUnavailable = errors.New("could not allocate a unique referral slug")
)

// FailureReason is a handled validation failure. It is returned, never thrown.
type FailureReason string

const (
	FailureDisabled      FailureReason = "referrals_disabled"
	FailureEmptyCode     FailureReason = "empty_code"
	FailureMissingUser   FailureReason = "missing_user"
	FailureUnknownCode   FailureReason = "unknown_code"
	FailureCancelledCode FailureReason = "cancelled_code"
	FailureExpiredCode   FailureReason = "expired_code"
	FailureSelfReferral  FailureReason = "self_referral"
	FailureAlreadyLinked FailureReason = "already_linked"
)

var failureMessages = map[FailureReason]string{
	FailureDisabled:      "referral system is disabled",
	FailureEmptyCode:     "referral code is required",
	FailureMissingUser:   "user id is required",
	FailureUnknownCode:   "referral code not found",
	FailureCancelledCode: "referral code has been cancelled",
	FailureExpiredCode:   "referral code has expired",
	FailureSelfReferral:  "you cannot use your own referral code",
	FailureAlreadyLinked: "user has already been referred",
}

func (r FailureReason) Message() string {
	if msg, ok := failureMessages[r]; ok {
		return msg
	}
	return string(r)
}

type ValidationResult struct {
	Valid    bool
	Referral *models.Referral // the template (or legacy row) the code resolved to
	Reason   FailureReason
}

// slugEntropy is the random suffix length per attempt; later attempts widen it.
var slugEntropy = []int{4, 4, 6, 8, 10}

const slugAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// ReferralCodeService issues and validates reusable referral codes.
type ReferralCodeService struct {
	Members   MemberStore
	Referrals ReferralStore
	Config    config.ReferralConfig
	Now       func() time.Time

	randomToken func(n int) (string, error)
}

func NewReferralCodeService(members MemberStore, referrals ReferralStore, cfg config.ReferralConfig) *ReferralCodeService {
	return &ReferralCodeService{
		Members:     members,
		Referrals:   referrals,
		Config:      cfg,
		Now:         time.Now,
		randomToken: randomToken,
	}
}

// GetOrCreateReferralCode returns the referrer's reusable code, assigning a slug and
// creating the template row on first use.
func (s *ReferralCodeService) GetOrCreateReferralCode(ctx context.Context, referrerID string) (string, error) {
	code, err := s.resolveSlug(ctx, referrerID)
	if err != nil {
		return "", err
	}

	tmpl, err := s.Referrals.FindTemplate(ctx, referrerID, code)
	switch {
	case err == nil:
		if tmpl.Status == models.ReferralStatusCancelled {
			log.Printf("⚠️ [ReferralCodes] code %s for %s is cancelled", code, referrerID)
		}
		return code, nil
	case !errors.Is(err, repository.ErrNotFound):
		return "", fmt.Errorf("find referral template: %w", err)
	}

	if _, err := s.createTemplate(ctx, referrerID, code); err != nil {
		return "", err
	}
	return code, nil
}

// ValidateReferralCode resolves a code to its referrer's template. Slugs are tried first,
// then legacy codes carried by any referral row. Failures never mutate state.
func (s *ReferralCodeService) ValidateReferralCode(ctx context.Context, code string) (ValidationResult, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return ValidationResult{Reason: FailureEmptyCode}, nil
	}

	var (
		referrerID string
		legacy     *models.Referral
		slugPath   bool
	)
	member, err := s.Members.FindMemberBySlug(ctx, strings.ToLower(code))
	switch {
	case err == nil:
		referrerID = member.ID
		code = *member.ReferralSlug
		slugPath = true
	case errors.Is(err, repository.ErrNotFound):
		legacy, err = s.Referrals.FindAnyByCode(ctx, code)
		if errors.Is(err, repository.ErrNotFound) {
			return ValidationResult{Reason: FailureUnknownCode}, nil
		}
		if err != nil {
			return ValidationResult{}, fmt.Errorf("find legacy referral code: %w", err)
		}
		referrerID = legacy.ReferrerID
	default:
		return ValidationResult{}, fmt.Errorf("find member by slug: %w", err)
	}

	tmpl, err := s.Referrals.FindTemplate(ctx, referrerID, code)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return ValidationResult{}, fmt.Errorf("find referral template: %w", err)
	}
	if tmpl == nil {
		if slugPath {
			if tmpl, err = s.createTemplate(ctx, referrerID, code); err != nil {
				return ValidationResult{}, err
			}
		} else {
			// Legacy code whose template was consumed by an earlier attribution; the
			// code still identifies the referrer.
			tmpl = legacy
		}
	}

	if tmpl.Status == models.ReferralStatusCancelled {
		return ValidationResult{Reason: FailureCancelledCode}, nil
	}
	if tmpl.ExpiresAt != nil && tmpl.ExpiresAt.Before(s.Now()) {
		return ValidationResult{Reason: FailureExpiredCode}, nil
	}
	return ValidationResult{Valid: true, Referral: tmpl}, nil
}

// ClaimReferralSlug lets a member pick their slug before one is assigned for them.
func (s *ReferralCodeService) ClaimReferralSlug(ctx context.Context, referrerID, desired string) (string, error) {
	candidate := slug.Make(desired)
	if len(candidate) < 3 || len(candidate) > 40 || !slug.IsSlug(candidate) {
		return "", ErrInvalidSlug
	}

	member, err := s.Members.FindMember(ctx, referrerID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", ErrMemberNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find member: %w", err)
	}
	if member.ReferralSlug != nil {
		return "", ErrSlugAssigned
	}

	assigned, err := s.Members.AssignSlug(ctx, referrerID, candidate)
	if errors.Is(err, repository.ErrDuplicate) {
		return "", ErrSlugTaken
	}
	if err != nil {
		return "", fmt.Errorf("assign referral slug: %w", err)
	}
	if !assigned {
		return "", ErrSlugAssigned
	}
	log.Printf("🔖 [ReferralCodes] %s claimed slug %s", referrerID, candidate)
	return candidate, nil
}

func (s *ReferralCodeService) resolveSlug(ctx context.Context, referrerID string) (string, error) {
	member, err := s.Members.FindMember(ctx, referrerID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", ErrMemberNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find member: %w", err)
	}
	if member.ReferralSlug != nil {
		return *member.ReferralSlug, nil
	}

	prefix := strings.ToLower(strings.ReplaceAll(referrerID, "-", ""))
	if len(prefix) > 6 {
		prefix = prefix[:6]
	}
	for _, n := range slugEntropy {
		suffix, err := s.randomToken(n)
		if err != nil {
			return "", fmt.Errorf("generate slug: %w", err)
		}
		candidate := "user" + prefix + suffix

		assigned, err := s.Members.AssignSlug(ctx, referrerID, candidate)
		if errors.Is(err, repository.ErrDuplicate) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("assign referral slug: %w", err)
		}
		if assigned {
			return candidate, nil
		}
		// A concurrent request assigned one first.
		member, err = s.Members.FindMember(ctx, referrerID)
		if err != nil {
			return "", fmt.Errorf("reload member: %w", err)
		}
		if member.ReferralSlug != nil {
			return *member.ReferralSlug, nil
		}
	}
	return "", ErrSlugUnavailable
}

func (s *ReferralCodeService) createTemplate(ctx context.Context, referrerID, code string) (*models.Referral, error) {
	tmpl := &models.Referral{
		ID:         uuid.NewString(),
		ReferrerID: referrerID,
		Code:       code,
		Status:     models.ReferralStatusPending,
	}
	if days := s.Config.CodeExpiryDays; days != nil {
		expires := s.Now().AddDate(0, 0, *days)
		tmpl.ExpiresAt = &expires
	}

	err := s.Referrals.CreateTemplate(ctx, tmpl)
	if errors.Is(err, repository.ErrDuplicate) {
		existing, findErr := s.Referrals.FindTemplate(ctx, referrerID, code)
		if findErr != nil {
			return nil, fmt.Errorf("reload referral template: %w", findErr)
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create referral template: %w", err)
	}
	log.Printf("✅ [ReferralCodes] created code %s for %s", code, referrerID)
	return tmpl, nil
}

func randomToken(n int) (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(slugAlphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(slugAlphabet[idx.Int64()])
	}
	return b.String(), nil
}
