package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"membership-portal/config"
	"membership-portal/models"
	"membership-portal/repository"

	"github.com/google/uuid"
)

const (
	LockStatusRunning = "running"

	ReasonLocked      = "locked"
	ReasonAlreadyDone = "already-done"
)

// ErrLeaseLost means the row no longer belongs to the lease's run, usually because a
// stealer took it over after the TTL.
var ErrLeaseLost = errors.New("job lock lease lost")

type AcquireRequest struct {
	Scope   string
	Key     string
	Trigger string
	// DoneStatuses are payload statuses that mark the (scope, key) pair as finished for good.
	DoneStatuses []string
}

type Lease struct {
	Scope  string
	Key    string
	RunID  string
	Stolen bool
}

type AcquireResult struct {
	Acquired bool
	Reason   string
	Lease    *Lease
	// Status is the payload status of the row that blocked acquisition.
	Status string
}

// JobLockCoordinator hands out at most one live lease per (scope, key).
type JobLockCoordinator struct {
	Store  JobLockStore
	TTL    time.Duration
	Holder string
	Now    func() time.Time

	newRunID func() string
}

func NewJobLockCoordinator(store JobLockStore, ttl time.Duration, holder string) *JobLockCoordinator {
	if ttl <= 0 {
		ttl = config.DefaultJobLockTTL
	}
	if holder == "" {
		holder, _ = os.Hostname()
	}
	return &JobLockCoordinator{
		Store:    store,
		TTL:      ttl,
		Holder:   holder,
		Now:      time.Now,
		newRunID: uuid.NewString,
	}
}

func (c *JobLockCoordinator) Acquire(ctx context.Context, req AcquireRequest) (AcquireResult, error) {
	now := c.Now()
	runID := c.newRunID()
	payload := models.JobLockPayload{
		RunID:    runID,
		Trigger:  req.Trigger,
		Holder:   c.Holder,
		Status:   LockStatusRunning,
		LockedAt: now.UTC(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("encode lock payload: %w", err)
	}

	err = c.Store.InsertLock(ctx, &models.JobLock{
		Scope:     req.Scope,
		Key:       req.Key,
		Payload:   raw,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err == nil {
		log.Printf("🔒 [JobLock] %s/%s acquired by run %s (%s)", req.Scope, req.Key, runID, req.Trigger)
		return AcquireResult{Acquired: true, Lease: &Lease{Scope: req.Scope, Key: req.Key, RunID: runID}}, nil
	}
	if !errors.Is(err, repository.ErrDuplicate) {
		return AcquireResult{}, fmt.Errorf("insert job lock %s/%s: %w", req.Scope, req.Key, err)
	}

	existing, err := c.Store.GetLock(ctx, req.Scope, req.Key)
	if errors.Is(err, repository.ErrNotFound) {
		// Released between our insert and read; the next tick will pick it up.
		return AcquireResult{Reason: ReasonLocked}, nil
	}
	if err != nil {
		return AcquireResult{}, fmt.Errorf("read job lock %s/%s: %w", req.Scope, req.Key, err)
	}

	var current models.JobLockPayload
	if err := json.Unmarshal(existing.Payload, &current); err != nil {
		log.Printf("⚠️ [JobLock] %s/%s has unreadable payload: %v", req.Scope, req.Key, err)
	}
	for _, done := range req.DoneStatuses {
		if current.Status == done {
			return AcquireResult{Reason: ReasonAlreadyDone, Status: current.Status}, nil
		}
	}

	if now.Sub(existing.UpdatedAt) <= c.TTL {
		return AcquireResult{Reason: ReasonLocked, Status: current.Status}, nil
	}

	payload.Stolen = true
	payload.PreviousRunID = current.RunID
	raw, err = json.Marshal(payload)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("encode lock payload: %w", err)
	}
	swapped, err := c.Store.ReplaceLock(ctx, req.Scope, req.Key, existing.UpdatedAt, raw, now)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("steal job lock %s/%s: %w", req.Scope, req.Key, err)
	}
	if !swapped {
		return AcquireResult{Reason: ReasonLocked, Status: current.Status}, nil
	}
	log.Printf("⚠️ [JobLock] %s/%s stolen from stale run %s by %s", req.Scope, req.Key, current.RunID, runID)
	return AcquireResult{
		Acquired: true,
		Lease:    &Lease{Scope: req.Scope, Key: req.Key, RunID: runID, Stolen: true},
	}, nil
}

// Complete records a terminal status for the lease and keeps the row, so later
// acquisitions listing that status as done short-circuit.
func (c *JobLockCoordinator) Complete(ctx context.Context, lease *Lease, status string, result map[string]any) error {
	existing, err := c.Store.GetLock(ctx, lease.Scope, lease.Key)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("read job lock %s/%s: %w", lease.Scope, lease.Key, err)
	}
	var payload models.JobLockPayload
	if err := json.Unmarshal(existing.Payload, &payload); err != nil || payload.RunID != lease.RunID {
		return ErrLeaseLost
	}
	payload.Status = status
	payload.Result = result

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode lock payload: %w", err)
	}
	ok, err := c.Store.UpdateLockPayload(ctx, lease.Scope, lease.Key, lease.RunID, raw, c.Now())
	if err != nil {
		return fmt.Errorf("complete job lock %s/%s: %w", lease.Scope, lease.Key, err)
	}
	if !ok {
		return ErrLeaseLost
	}
	log.Printf("🏁 [JobLock] %s/%s run %s finished: %s", lease.Scope, lease.Key, lease.RunID, status)
	return nil
}

// Release deletes the row so the next invocation can acquire immediately.
func (c *JobLockCoordinator) Release(ctx context.Context, lease *Lease) error {
	ok, err := c.Store.DeleteLock(ctx, lease.Scope, lease.Key, lease.RunID)
	if err != nil {
		return fmt.Errorf("release job lock %s/%s: %w", lease.Scope, lease.Key, err)
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}
