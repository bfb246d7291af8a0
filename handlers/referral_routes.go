// handlers/referral_routes.go
package handlers

import (
	"errors"
	"log"
	"time"

	"membership-portal/middleware"
	"membership-portal/services"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

type signupSignal struct {
	Code      string     `json:"code"`
	UserID    string     `json:"user_id"`
	ClickedAt *time.Time `json:"clicked_at"`
}

type trialStartedSignal struct {
	UserID         string     `json:"user_id"`
	TrialStartedAt time.Time  `json:"trial_started_at"`
	TrialEndsAt    *time.Time `json:"trial_ends_at"`
}

type paymentSucceededSignal struct {
	UserID         string    `json:"user_id"`
	PaidAt         time.Time `json:"paid_at"`
	PlanPriceCents int64     `json:"plan_price_cents"`
	Currency       string    `json:"currency"`
	IsInitial      bool      `json:"is_initial"`
}

type subscriptionCancelledSignal struct {
	UserID     string    `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Reason     string    `json:"reason"`
}

type payoutRequest struct {
	PaidAt *time.Time `json:"paid_at"`
}

type claimSlugRequest struct {
	Slug string `json:"slug"`
}

func SetupReferralRoutes(app *fiber.App, codes *services.ReferralCodeService, referrals *services.ReferralService) {
	// 🔓 Public — the gateway forwards unauthenticated code checks from the signup page
	app.Get("/referrals/validate/:code", func(c *fiber.Ctx) error {
		result, err := codes.ValidateReferralCode(c.UserContext(), c.Params("code"))
		if err != nil {
			return internalError(c, "failed to validate referral code", err)
		}
		if !result.Valid {
			return c.JSON(fiber.Map{"valid": false, "reason": result.Reason, "error": result.Reason.Message()})
		}
		return c.JSON(fiber.Map{"valid": true, "code": result.Referral.Code, "referrer_id": result.Referral.ReferrerID})
	})

	// 📨 Billing and signup signals, delivered at least once
	signals := app.Group("/internal/signals")

	signals.Post("/signup", func(c *fiber.Ctx) error {
		var in signupSignal
		if err := c.BodyParser(&in); err != nil {
			return badRequest(c, "invalid signup payload")
		}
		var opts []services.LinkOption
		if in.ClickedAt != nil {
			opts = append(opts, services.WithClickedAt(*in.ClickedAt))
		}
		result, err := referrals.LinkReferralToUser(c.UserContext(), in.Code, in.UserID, opts...)
		if err != nil {
			return internalError(c, "failed to link referral", err)
		}
		if !result.Linked {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"linked": false,
				"reason": result.Reason,
				"error":  result.Reason.Message(),
			})
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"linked": true, "referral": result.Referral})
	})

	signals.Post("/trial-started", func(c *fiber.Ctx) error {
		var in trialStartedSignal
		if err := c.BodyParser(&in); err != nil || in.UserID == "" || in.TrialStartedAt.IsZero() {
			return badRequest(c, "user_id and trial_started_at are required")
		}
		if err := referrals.MarkReferralTrial(c.UserContext(), in.UserID, in.TrialStartedAt, in.TrialEndsAt); err != nil {
			return internalError(c, "failed to record trial", err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	signals.Post("/payment-succeeded", func(c *fiber.Ctx) error {
		var in paymentSucceededSignal
		if err := c.BodyParser(&in); err != nil || in.UserID == "" || in.PaidAt.IsZero() {
			return badRequest(c, "user_id and paid_at are required")
		}
		if in.PlanPriceCents < 0 {
			return badRequest(c, "plan_price_cents must not be negative")
		}
		err := referrals.MarkReferralQualifiedFromPayment(c.UserContext(), services.PaymentSignal{
			UserID:         in.UserID,
			PaidAt:         in.PaidAt,
			PlanPriceCents: in.PlanPriceCents,
			Currency:       in.Currency,
			IsInitial:      in.IsInitial,
		})
		if err != nil {
			return internalError(c, "failed to record payment", err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	signals.Post("/subscription-cancelled", func(c *fiber.Ctx) error {
		var in subscriptionCancelledSignal
		if err := c.BodyParser(&in); err != nil || in.UserID == "" || in.OccurredAt.IsZero() {
			return badRequest(c, "user_id and occurred_at are required")
		}
		if in.Reason == "" {
			in.Reason = "subscription_cancelled"
		}
		if err := referrals.VoidReferralIfInHold(c.UserContext(), in.UserID, in.OccurredAt, in.Reason); err != nil {
			return internalError(c, "failed to record cancellation", err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	// 💸 Settlement payouts
	app.Post("/internal/referrals/:id/paid", func(c *fiber.Ctx) error {
		var in payoutRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&in); err != nil {
				return badRequest(c, "invalid payout payload")
			}
		}
		paidAt := time.Now()
		if in.PaidAt != nil {
			paidAt = *in.PaidAt
		}
		err := referrals.MarkReferralPaid(c.UserContext(), c.Params("id"), paidAt)
		switch {
		case errors.Is(err, services.ErrReferralNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, services.ErrReferralNotPayable), errors.Is(err, services.ErrReferralVoid):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		case err != nil:
			return internalError(c, "failed to mark referral paid", err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	// 🔐 Member dashboard
	secured := app.Group("/s/referrals", middleware.UserContextMiddleware())

	secured.Get("/code", func(c *fiber.Ctx) error {
		code, err := codes.GetOrCreateReferralCode(c.UserContext(), middleware.UserID(c))
		if errors.Is(err, services.ErrMemberNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}
		if err != nil {
			return internalError(c, "failed to get referral code", err)
		}
		return c.JSON(fiber.Map{"code": code})
	})

	secured.Post("/slug", func(c *fiber.Ctx) error {
		var in claimSlugRequest
		if err := c.BodyParser(&in); err != nil {
			return badRequest(c, "invalid slug payload")
		}
		slug, err := codes.ClaimReferralSlug(c.UserContext(), middleware.UserID(c), in.Slug)
		switch {
		case errors.Is(err, services.ErrInvalidSlug):
			return badRequest(c, err.Error())
		case errors.Is(err, services.ErrSlugTaken), errors.Is(err, services.ErrSlugAssigned):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, services.ErrMemberNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		case err != nil:
			return internalError(c, "failed to claim slug", err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"slug": slug})
	})

	secured.Get("/", func(c *fiber.Ctx) error {
		views, err := referrals.ListReferrals(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return internalError(c, "failed to list referrals", err)
		}
		return c.JSON(fiber.Map{"referrals": views})
	})

	// Quotes the platform tier commission for a payment amount in currency units.
	secured.Get("/commission-preview", func(c *fiber.Ctx) error {
		amount, err := decimal.NewFromString(c.Query("amount"))
		if err != nil || amount.IsNegative() {
			return badRequest(c, "amount must be a non-negative decimal")
		}
		commission := referrals.PreviewCommission(amount, c.QueryBool("initial", true))
		return c.JSON(fiber.Map{"amount": amount, "commission": commission})
	})

	secured.Get("/summary", func(c *fiber.Ctx) error {
		summary, err := referrals.SummarizeReferrals(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return internalError(c, "failed to summarize referrals", err)
		}
		return c.JSON(summary)
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

func internalError(c *fiber.Ctx, msg string, err error) error {
	log.Printf("❌ %s %s: %v", c.Method(), c.Path(), err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": msg,
		"cause": err.Error(),
	})
}
