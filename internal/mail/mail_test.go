package mail

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type recordingSender struct {
	sent []Message
	err  error
}

func (r *recordingSender) Send(_ context.Context, m Message) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, m)
	return nil
}

func TestLimiterSlidingWindow(t *testing.T) {
	l := NewLimiter(2, time.Hour)
	start := time.Unix(1_700_000_000, 0)

	if !l.Allow("a@example.org", start) || !l.Allow("a@example.org", start.Add(time.Minute)) {
		t.Fatal("first two attempts must pass")
	}
	if l.Allow("a@example.org", start.Add(2*time.Minute)) {
		t.Fatal("third attempt inside window must be denied")
	}
	if !l.Allow("b@example.org", start) {
		t.Fatal("quota is per key")
	}
	if got := l.Remaining("a@example.org", start.Add(2*time.Minute)); got != 0 {
		t.Fatalf("remaining=%d, want 0", got)
	}
	// the first event ages out, denied attempts never consumed quota
	if !l.Allow("a@example.org", start.Add(time.Hour+time.Second)) {
		t.Fatal("attempt after window must pass")
	}
}

func TestLimiterRelease(t *testing.T) {
	l := NewLimiter(1, time.Hour)
	at := time.Unix(1_700_000_000, 0)
	if !l.Allow("a@example.org", at) {
		t.Fatal("first attempt must pass")
	}
	l.Release("a@example.org", at)
	if got := l.Remaining("a@example.org", at); got != 1 {
		t.Fatalf("remaining=%d after release, want 1", got)
	}
	l.Release("a@example.org", at)
	if !l.Allow("a@example.org", at.Add(time.Second)) {
		t.Fatal("released quota must be reusable")
	}
}

func TestConfirmationCode(t *testing.T) {
	code := ConfirmationCode("UeOOzJL1KvY_YtoZkG0lYabXERDXPl_1", "s3cret")
	if len(code) != 32 {
		t.Fatalf("unexpected code length %d", len(code))
	}
	if code != ConfirmationCode("UeOOzJL1KvY_YtoZkG0lYabXERDXPl_1", "s3cret") {
		t.Fatal("code must be deterministic")
	}
	if code == ConfirmationCode("UeOOzJL1KvY_YtoZkG0lYabXERDXPl_1", "other") {
		t.Fatal("code must depend on the secret")
	}
}

func TestTriggerConfirm(t *testing.T) {
	sender := &recordingSender{}
	trig := NewTrigger(sender, "noreply@pseudomat.org", "s3cret")
	if err := trig.Confirm(context.Background(), "pid", "alice@example.org", "My <Project>"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(sender.sent))
	}
	m := sender.sent[0]
	if m.To != "alice@example.org" || m.Subject != Subject || m.ID == "" {
		t.Fatalf("unexpected message: %+v", m)
	}
	code := ConfirmationCode("pid", "s3cret")
	if !strings.Contains(m.HTML, "pseudomat project verify "+code) {
		t.Fatal("message lacks verify command")
	}
	if !strings.Contains(m.HTML, "My &lt;Project&gt;") {
		t.Fatal("project name must be escaped")
	}
}

func TestTriggerRateLimit(t *testing.T) {
	sender := &recordingSender{}
	trig := NewTrigger(sender, "noreply@pseudomat.org", "s")
	trig.Limiter = NewLimiter(1, time.Hour)
	ctx := context.Background()
	if err := trig.Confirm(ctx, "p1", "Bob@Example.org", "one"); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	if err := trig.Confirm(ctx, "p2", "bob@example.org", "two"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestTriggerSendFailure(t *testing.T) {
	sender := &recordingSender{err: errors.New("down")}
	trig := NewTrigger(sender, "noreply@pseudomat.org", "s")
	trig.Limiter = NewLimiter(1, time.Hour)
	ctx := context.Background()
	err := trig.Confirm(ctx, "p1", "carol@example.org", "x")
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
	if n := trig.Limiter.Remaining("carol@example.org", time.Now()); n != 1 {
		t.Fatalf("failed send consumed quota: remaining=%d", n)
	}
	sender.err = nil
	if err := trig.Confirm(ctx, "p1", "carol@example.org", "x"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestSendGridPostsJSON(t *testing.T) {
	var got sgMail
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key-1" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sg := NewSendGrid(srv.URL, "key-1")
	err := sg.Send(context.Background(), Message{ID: "01J", From: "a@x.org", To: "b@y.org", Subject: Subject, HTML: "<p>hi</p>"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(got.Personalizations) != 1 || got.Personalizations[0].To[0].Email != "b@y.org" {
		t.Fatalf("unexpected personalizations: %+v", got.Personalizations)
	}
	if got.Content[0].Type != "text/html" || got.Content[0].Value != "<p>hi</p>" {
		t.Fatalf("unexpected content: %+v", got.Content)
	}
}

func TestSendGridNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := NewSendGrid(srv.URL, "nope").Send(context.Background(), Message{To: "b@y.org"})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected status error, got %v", err)
	}
}
