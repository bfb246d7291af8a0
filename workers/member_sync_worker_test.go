package workers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"membership-portal/models"
	"membership-portal/repository/memory"
)

func TestMemberSyncOnce(t *testing.T) {
	store := memory.New()
	slug := "kept-slug"
	store.PutMember(models.Member{ID: "u1", Email: "old@example.com", ReferralSlug: &slug, UpdatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)})

	var gotSince, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/public/profiles" {
			http.NotFound(w, r)
			return
		}
		gotSince = r.URL.Query().Get("since")
		gotToken = r.Header.Get("X-Service-Token")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"users":[
			{"external_id":"u1","username":"ada","email":"ada@example.com","first_name":"Ada","last_name":"Lovelace","updated_at":"2025-02-01T00:00:00Z"},
			{"external_id":"u2","username":"grace","email":"grace@example.com","updated_at":"2025-02-02T00:00:00Z"},
			{"external_id":"","username":"ghost"}
		]}`))
	}))
	defer srv.Close()

	worker := NewMemberSyncWorker(store, srv.URL, "/api/v1/public/profiles", "tok", time.Minute)
	n, err := worker.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 members synced, got %d", n)
	}
	if gotSince != "2025-01-01T00:00:00Z" || gotToken != "tok" {
		t.Fatalf("unexpected request since=%q token=%q", gotSince, gotToken)
	}

	u1, err := store.FindMember(context.Background(), "u1")
	if err != nil {
		t.Fatalf("find u1: %v", err)
	}
	if u1.DisplayName != "Ada Lovelace" || u1.Email != "ada@example.com" {
		t.Fatalf("unexpected u1 %+v", u1)
	}
	if u1.ReferralSlug == nil || *u1.ReferralSlug != "kept-slug" {
		t.Fatalf("sync must not touch referral slugs, got %v", u1.ReferralSlug)
	}
	u2, _ := store.FindMember(context.Background(), "u2")
	if u2 == nil || u2.DisplayName != "grace" {
		t.Fatalf("expected username fallback, got %+v", u2)
	}
}

func TestMemberSyncReportsUpstreamErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	worker := NewMemberSyncWorker(memory.New(), srv.URL, "/profiles", "tok", time.Minute)
	if _, err := worker.SyncOnce(context.Background()); err == nil {
		t.Fatalf("expected error for non-200 response")
	}
}
