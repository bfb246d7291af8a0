package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"membership-portal/models"

	"github.com/google/uuid"
)

const (
	ScopeMembershipExpiry       = "membership-expiry"
	ScopeTrialReminderDigest    = "trial-reminder-digest"
	ScopeReferralPayableRefresh = "referral-payable-refresh"

	globalLockKey = "global"

	DigestStatusEmpty         = "empty"
	DigestStatusSent          = "sent"
	DigestStatusSentLogFailed = "sent_log_failed"
	DigestStatusFailed        = "failed"

	trialReminderLeadDays = 7
	payableRefreshBatch   = 500
)

// JobOutcome describes one invocation. Skipped runs carry the lock reason.
type JobOutcome struct {
	Job     string         `json:"job"`
	Key     string         `json:"key"`
	Ran     bool           `json:"ran"`
	Skipped string         `json:"skipped,omitempty"`
	Status  string         `json:"status,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
}

// DigestArchiver stores a copy of each sent digest.
type DigestArchiver interface {
	PutJSON(ctx context.Context, key string, body []byte) error
}

// ExpireMembershipsJob moves trial and active memberships past their period end to inactive.
type ExpireMembershipsJob struct {
	Locks       *JobLockCoordinator
	Memberships MembershipStore
	Now         func() time.Time
}

func NewExpireMembershipsJob(locks *JobLockCoordinator, memberships MembershipStore) *ExpireMembershipsJob {
	return &ExpireMembershipsJob{Locks: locks, Memberships: memberships, Now: time.Now}
}

func (j *ExpireMembershipsJob) Name() string { return ScopeMembershipExpiry }

func (j *ExpireMembershipsJob) Run(ctx context.Context, trigger string) (JobOutcome, error) {
	out := JobOutcome{Job: j.Name(), Key: globalLockKey}
	acq, err := j.Locks.Acquire(ctx, AcquireRequest{Scope: ScopeMembershipExpiry, Key: globalLockKey, Trigger: trigger})
	if err != nil {
		return out, err
	}
	if !acq.Acquired {
		out.Skipped = acq.Reason
		return out, nil
	}
	defer releaseLease(ctx, j.Locks, acq.Lease)

	n, err := j.Memberships.ExpireLapsed(ctx, j.Now())
	if err != nil {
		return out, fmt.Errorf("expire memberships: %w", err)
	}
	if n > 0 {
		log.Printf("⏰ [Scheduler] expired %d membership(s)", n)
	}
	out.Ran = true
	out.Result = map[string]any{"expired": n}
	return out, nil
}

// TrialReminderDigestJob sends one operations digest per target date listing trials that
// end seven days out.
type TrialReminderDigestJob struct {
	Locks       *JobLockCoordinator
	Memberships MembershipStore
	Reminders   ReminderLogStore
	Mailer      Mailer
	Archive     DigestArchiver
	OpsEmail    string
	AppURL      string
	Now         func() time.Time
}

func NewTrialReminderDigestJob(locks *JobLockCoordinator, memberships MembershipStore, reminders ReminderLogStore, mailer Mailer, opsEmail, appURL string) *TrialReminderDigestJob {
	return &TrialReminderDigestJob{
		Locks:       locks,
		Memberships: memberships,
		Reminders:   reminders,
		Mailer:      mailer,
		OpsEmail:    opsEmail,
		AppURL:      appURL,
		Now:         time.Now,
	}
}

func (j *TrialReminderDigestJob) Name() string { return ScopeTrialReminderDigest }

// TargetDate is the UTC calendar day whose ending trials the digest covers.
func (j *TrialReminderDigestJob) TargetDate() time.Time {
	now := j.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return today.AddDate(0, 0, trialReminderLeadDays)
}

func (j *TrialReminderDigestJob) Run(ctx context.Context, trigger string) (JobOutcome, error) {
	start := j.TargetDate()
	end := start.AddDate(0, 0, 1)
	key := start.Format(time.DateOnly)
	out := JobOutcome{Job: j.Name(), Key: key}

	acq, err := j.Locks.Acquire(ctx, AcquireRequest{
		Scope:        ScopeTrialReminderDigest,
		Key:          key,
		Trigger:      trigger,
		DoneStatuses: []string{DigestStatusSent, DigestStatusSentLogFailed},
	})
	if err != nil {
		return out, err
	}
	if !acq.Acquired {
		if acq.Reason == ReasonAlreadyDone {
			log.Printf("ℹ️ [Scheduler] trial digest for %s already %s", key, acq.Status)
		}
		out.Skipped = acq.Reason
		out.Status = acq.Status
		return out, nil
	}
	lease := acq.Lease

	trials, err := j.eligibleTrials(ctx, start, end)
	if err != nil {
		releaseLease(ctx, j.Locks, lease)
		return out, err
	}

	out.Ran = true
	if len(trials) == 0 {
		out.Status = DigestStatusEmpty
		out.Result = map[string]any{"count": 0}
		return out, j.complete(ctx, lease, out)
	}

	email := RenderTrialDigest(j.OpsEmail, j.AppURL, key, trials)
	if err := j.Mailer.SendDigest(ctx, email, "trial-digest:"+key); err != nil {
		out.Status = DigestStatusFailed
		out.Result = map[string]any{"count": len(trials), "error": err.Error()}
		if cerr := j.complete(ctx, lease, out); cerr != nil {
			log.Printf("⚠️ [Scheduler] could not record digest failure for %s: %v", key, cerr)
		}
		return out, fmt.Errorf("send trial digest for %s: %w", key, err)
	}
	log.Printf("📧 [Scheduler] trial digest for %s sent with %d trial(s)", key, len(trials))

	// The email is out; from here on nothing may fail the run.
	out.Status = DigestStatusSent
	out.Result = map[string]any{"count": len(trials)}
	sentAt := j.Now()
	logs := make([]models.TrialReminderLog, 0, len(trials))
	for _, t := range trials {
		logs = append(logs, models.TrialReminderLog{
			ID:           uuid.NewString(),
			MembershipID: t.MembershipID,
			PeriodEnd:    t.PeriodEnd,
			TargetDate:   key,
			SentAt:       sentAt,
		})
	}
	if err := j.Reminders.RecordSent(ctx, logs); err != nil {
		log.Printf("⚠️ [Scheduler] reminder log write failed for %s: %v", key, err)
		out.Status = DigestStatusSentLogFailed
		out.Result["logError"] = err.Error()
	}
	if j.Archive != nil {
		j.archive(ctx, key, email, out.Result)
	}

	return out, j.complete(ctx, lease, out)
}

func (j *TrialReminderDigestJob) eligibleTrials(ctx context.Context, start, end time.Time) ([]models.TrialEnding, error) {
	trials, err := j.Memberships.ListTrialsEndingBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("list trials ending: %w", err)
	}
	if len(trials) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(trials))
	for _, t := range trials {
		ids = append(ids, t.MembershipID)
	}
	sent, err := j.Reminders.ListSent(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list sent reminders: %w", err)
	}
	already := make(map[string]bool, len(sent))
	for _, s := range sent {
		already[reminderKey(s.MembershipID, s.PeriodEnd)] = true
	}
	eligible := trials[:0]
	for _, t := range trials {
		if !already[reminderKey(t.MembershipID, t.PeriodEnd)] {
			eligible = append(eligible, t)
		}
	}
	return eligible, nil
}

func (j *TrialReminderDigestJob) archive(ctx context.Context, key string, email DigestEmail, result map[string]any) {
	body, err := json.Marshal(email)
	if err == nil {
		err = j.Archive.PutJSON(ctx, "trial-digests/"+key+".json", body)
	}
	if err != nil {
		log.Printf("⚠️ [Scheduler] digest archive failed for %s: %v", key, err)
		result["archiveError"] = err.Error()
	}
}

func (j *TrialReminderDigestJob) complete(ctx context.Context, lease *Lease, out JobOutcome) error {
	if err := j.Locks.Complete(ctx, lease, out.Status, out.Result); err != nil {
		return fmt.Errorf("complete trial digest lock: %w", err)
	}
	return nil
}

func reminderKey(membershipID string, periodEnd time.Time) string {
	return membershipID + "|" + periodEnd.UTC().Format(time.RFC3339Nano)
}

// PayableRefreshJob rewrites cached QUALIFIED statuses whose hold has elapsed.
type PayableRefreshJob struct {
	Locks     *JobLockCoordinator
	Referrals *ReferralService
}

func NewPayableRefreshJob(locks *JobLockCoordinator, referrals *ReferralService) *PayableRefreshJob {
	return &PayableRefreshJob{Locks: locks, Referrals: referrals}
}

func (j *PayableRefreshJob) Name() string { return ScopeReferralPayableRefresh }

func (j *PayableRefreshJob) Run(ctx context.Context, trigger string) (JobOutcome, error) {
	out := JobOutcome{Job: j.Name(), Key: globalLockKey}
	acq, err := j.Locks.Acquire(ctx, AcquireRequest{Scope: ScopeReferralPayableRefresh, Key: globalLockKey, Trigger: trigger})
	if err != nil {
		return out, err
	}
	if !acq.Acquired {
		out.Skipped = acq.Reason
		return out, nil
	}
	defer releaseLease(ctx, j.Locks, acq.Lease)

	n, err := j.Referrals.RefreshPayableStatuses(ctx, payableRefreshBatch)
	if err != nil {
		return out, err
	}
	if n > 0 {
		log.Printf("💸 [Scheduler] %d referral(s) became payable", n)
	}
	out.Ran = true
	out.Result = map[string]any{"updated": n}
	return out, nil
}

func releaseLease(ctx context.Context, locks *JobLockCoordinator, lease *Lease) {
	if err := locks.Release(ctx, lease); err != nil {
		log.Printf("⚠️ [JobLock] release %s/%s: %v", lease.Scope, lease.Key, err)
	}
}
