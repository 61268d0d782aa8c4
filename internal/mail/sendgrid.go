package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultSendGridURL is the v3 mail endpoint.
const DefaultSendGridURL = "https://api.sendgrid.com/v3/mail/send"

// SendGrid posts messages to the SendGrid v3 API.
type SendGrid struct {
	URL    string
	APIKey string
	Client *http.Client
}

// NewSendGrid returns a sender with a 10 second request timeout.
func NewSendGrid(url, apiKey string) *SendGrid {
	if url == "" {
		url = DefaultSendGridURL
	}
	return &SendGrid{URL: url, APIKey: apiKey, Client: &http.Client{Timeout: 10 * time.Second}}
}

type sgAddress struct {
	Email string `json:"email"`
}

type sgPersonalization struct {
	To []sgAddress `json:"to"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgMail struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content"`
	CustomArgs       map[string]string   `json:"custom_args,omitempty"`
}

// Send delivers m; any non-2xx status is an error.
func (s *SendGrid) Send(ctx context.Context, m Message) error {
	payload := sgMail{
		Personalizations: []sgPersonalization{{To: []sgAddress{{Email: m.To}}}},
		From:             sgAddress{Email: m.From},
		Subject:          m.Subject,
		Content:          []sgContent{{Type: "text/html", Value: m.HTML}},
	}
	if m.ID != "" {
		payload.CustomArgs = map[string]string{"message_id": m.ID}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.APIKey)

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sendgrid returned HTTP status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	return nil
}
