// membership-portal/services/mailer.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"membership-portal/models"
	"membership-portal/utils"

	"github.com/gosimple/unidecode"
	"golang.org/x/text/cases"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

type DigestEntry struct {
	MembershipID string    `json:"membership_id"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PeriodEnd    time.Time `json:"period_end"`
	Price        string    `json:"price"`
}

type DigestEmail struct {
	To         string        `json:"to"`
	Subject    string        `json:"subject"`
	TargetDate string        `json:"target_date"`
	AppURL     string        `json:"app_url"`
	Entries    []DigestEntry `json:"entries"`
	Text       string        `json:"text"`
}

// Mailer delivers at most one message per idempotency key.
type Mailer interface {
	SendDigest(ctx context.Context, email DigestEmail, idempotencyKey string) error
}

// EmailServiceClient talks to the internal email service over HTTP.
type EmailServiceClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewEmailServiceClient(baseURL, token string) *EmailServiceClient {
	return &EmailServiceClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  utils.HTTPClient,
	}
}

// SendDigest calls POST /emails on the email service
func (c *EmailServiceClient) SendDigest(ctx context.Context, email DigestEmail, idempotencyKey string) error {
	url := fmt.Sprintf("%s/emails", c.BaseURL)

	reqBody := map[string]interface{}{
		"to":       email.To,
		"subject":  email.Subject,
		"text":     email.Text,
		"template": "trial-digest",
		"data":     email,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("encode digest email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("email service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Printf("EmailService /emails returned %d: %s", resp.StatusCode, string(body))
		return fmt.Errorf("email service returned %d", resp.StatusCode)
	}
	return nil
}

// LogMailer stands in for the email service in local runs.
type LogMailer struct{}

func (LogMailer) SendDigest(_ context.Context, email DigestEmail, idempotencyKey string) error {
	log.Printf("📧 [Mailer] (log only) %q to %s key=%s entries=%d\n%s",
		email.Subject, email.To, idempotencyKey, len(email.Entries), email.Text)
	return nil
}

var digestTitle = cases.Title(language.English)

// RenderTrialDigest builds the operations digest for trials ending on targetDate.
func RenderTrialDigest(to, appURL, targetDate string, trials []models.TrialEnding) DigestEmail {
	p := message.NewPrinter(language.English)
	email := DigestEmail{
		To:         to,
		Subject:    p.Sprintf("%d trial(s) ending on %s", len(trials), targetDate),
		TargetDate: targetDate,
		AppURL:     appURL,
		Entries:    make([]DigestEntry, 0, len(trials)),
	}

	var b strings.Builder
	b.WriteString(p.Sprintf("Trials ending on %s: %d\n\n", targetDate, len(trials)))
	for _, t := range trials {
		entry := DigestEntry{
			MembershipID: t.MembershipID,
			UserID:       t.UserID,
			Email:        t.Email,
			Name:         displayName(t.DisplayName, t.Email),
			PeriodEnd:    t.PeriodEnd.UTC(),
			Price:        formatPrice(p, t.PlanPriceCents, t.Currency),
		}
		email.Entries = append(email.Entries, entry)
		b.WriteString(p.Sprintf("- %s <%s> %s, ends %s\n",
			entry.Name, entry.Email, entry.Price, entry.PeriodEnd.Format(time.RFC3339)))
	}
	if appURL != "" {
		b.WriteString("\n" + appURL + "/admin/memberships?trial_ends=" + targetDate + "\n")
	}
	email.Text = b.String()
	return email
}

func displayName(name, email string) string {
	name = strings.TrimSpace(unidecode.Unidecode(name))
	if name == "" {
		if at := strings.IndexByte(email, '@'); at > 0 {
			return email[:at]
		}
		return email
	}
	return digestTitle.String(name)
}

func formatPrice(p *message.Printer, cents int64, code string) string {
	unit, err := currency.ParseISO(strings.ToUpper(code))
	if err != nil {
		return p.Sprintf("%.2f %s", float64(cents)/100, code)
	}
	return p.Sprintf("%s %.2f", unit.String(), float64(cents)/100)
}
