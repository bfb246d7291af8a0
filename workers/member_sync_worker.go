// workers/member_sync_worker.go
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"membership-portal/models"
	"membership-portal/utils"
)

// RemoteProfile matches one entry of the profile sync endpoint.
type RemoteProfile struct {
	ExternalID string    `json:"external_id"`
	Username   string    `json:"username"`
	Email      string    `json:"email"`
	FirstName  *string   `json:"first_name,omitempty"`
	LastName   *string   `json:"last_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type GetProfileChangesResponse struct {
	Users []RemoteProfile `json:"users"`
}

// MemberMirror is the local side of the sync.
type MemberMirror interface {
	UpsertMembers(ctx context.Context, members []models.Member) error
	LastMemberUpdate(ctx context.Context) (time.Time, error)
}

// MemberSyncWorker keeps member contact details in step with the profile service so the
// trial digest can address people by name.
type MemberSyncWorker struct {
	members      MemberMirror
	interval     time.Duration
	baseURL      string
	endpointPath string
	serviceToken string
	httpClient   *http.Client
}

func NewMemberSyncWorker(members MemberMirror, baseURL, endpointPath, serviceToken string, interval time.Duration) *MemberSyncWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &MemberSyncWorker{
		members:      members,
		interval:     interval,
		baseURL:      baseURL,
		endpointPath: endpointPath,
		serviceToken: serviceToken,
		httpClient:   utils.HTTPClient,
	}
}

func (w *MemberSyncWorker) Start(ctx context.Context) {
	log.Println("🔁 Starting Member Sync Worker (profile service → members)…")
	go w.run(ctx)
}

func (w *MemberSyncWorker) run(ctx context.Context) {
	if _, err := w.SyncOnce(ctx); err != nil {
		log.Printf("⚠️ [SYNC] Initial member sync failed: %v", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.SyncOnce(ctx); err != nil {
				log.Printf("❌ [SYNC] Member sync batch failed: %v", err)
			}
		case <-ctx.Done():
			log.Println("⏹️ Member Sync Worker stopped")
			return
		}
	}
}

// SyncOnce pulls every profile changed since the newest local row and upserts it.
func (w *MemberSyncWorker) SyncOnce(ctx context.Context) (int, error) {
	since, err := w.members.LastMemberUpdate(ctx)
	if err != nil {
		return 0, fmt.Errorf("read last member update: %w", err)
	}
	profiles, err := w.fetch(ctx, since)
	if err != nil {
		return 0, err
	}
	if len(profiles) == 0 {
		return 0, nil
	}

	members := make([]models.Member, 0, len(profiles))
	for _, p := range profiles {
		if p.ExternalID == "" {
			continue
		}
		members = append(members, models.Member{
			ID:          p.ExternalID,
			Email:       p.Email,
			DisplayName: profileName(p),
			CreatedAt:   p.CreatedAt,
			UpdatedAt:   p.UpdatedAt,
		})
	}
	if err := w.members.UpsertMembers(ctx, members); err != nil {
		return 0, fmt.Errorf("upsert %d member(s): %w", len(members), err)
	}
	log.Printf("[SYNC] ✅ Synced %d member(s)", len(members))
	return len(members), nil
}

func (w *MemberSyncWorker) fetch(ctx context.Context, since time.Time) ([]RemoteProfile, error) {
	base, err := url.Parse(w.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid sync service URL '%s': %w", w.baseURL, err)
	}
	endpointURL := base.JoinPath(w.endpointPath)
	q := endpointURL.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	endpointURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Service-Token", w.serviceToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to sync service failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("sync service returned status %d: %s", resp.StatusCode, string(body))
	}

	var response GetProfileChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode sync service response: %w", err)
	}
	return response.Users, nil
}

func profileName(p RemoteProfile) string {
	var parts []string
	if p.FirstName != nil && strings.TrimSpace(*p.FirstName) != "" {
		parts = append(parts, strings.TrimSpace(*p.FirstName))
	}
	if p.LastName != nil && strings.TrimSpace(*p.LastName) != "" {
		parts = append(parts, strings.TrimSpace(*p.LastName))
	}
	if len(parts) == 0 {
		return p.Username
	}
	return strings.Join(parts, " ")
}
