// Package mail sends project confirmation codes to the email address a
// project token names as its issuer.
package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	"pseudomat.org/internal/canon"
	"pseudomat.org/internal/ids"
	"pseudomat.org/internal/obs"
)

var (
	// ErrRateLimited is returned when an address exhausted its daily quota.
	ErrRateLimited = errors.New("mail: rate limit exceeded")
	// ErrSendFailed wraps delivery failures.
	ErrSendFailed = errors.New("mail: send failed")
)

// Subject of every confirmation message.
const Subject = "Pseudomat email address confirmation"

// Message is a single outgoing mail.
type Message struct {
	ID      string
	From    string
	To      string
	Subject string
	HTML    string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// ConfirmationCode derives the code a project owner must present to verify
// the address of projectID.
func ConfirmationCode(projectID, secret string) string {
	return canon.MustFingerprint([]string{projectID, secret})
}

var confirmationTmpl = template.Must(template.New("confirm").Parse(`<html><head></head><body><p>Dear project owner,</p>

<p>You, or someone pretending to be you, has just created a Pseudomat project<br/>
named <b>{{.Name}}</b>.</p>

<p>Before you can start using this project, you must confirm its email address<br/>
<tt>{{.Email}}</tt> with the following code:</p>

<p><b><tt>{{.Code}}</tt></b></p>

<p>You can do this by running the following command on your computer:</p>

<p><tt><b>pseudomat project verify {{.Code}}</b></tt></p>

<p>If the project is not your current default project, you’ll have to specify the<br/>
project ID too:</p>

<p><tt><b>pseudomat project verify --project {{.ProjectID}} {{.Code}}</b></tt></p>

<p>Kind regards,<br/>
The Pseudomat Team</p></body></html>`))

// Trigger rate-limits and sends confirmation mail.
type Trigger struct {
	Sender  Sender
	Limiter *Limiter
	From    string
	Secret  string
	Now     func() time.Time
}

// NewTrigger wires a trigger with the default quota.
func NewTrigger(sender Sender, from, secret string) *Trigger {
	return &Trigger{
		Sender:  sender,
		Limiter: NewLimiter(DefaultLimit, DefaultWindow),
		From:    from,
		Secret:  secret,
		Now:     time.Now,
	}
}

// Confirm sends the confirmation code for projectID to email. name is the
// project subject shown in the message body.
func (t *Trigger) Confirm(ctx context.Context, projectID, email, name string) error {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	key := strings.ToLower(strings.TrimSpace(email))
	at := now()
	if t.Limiter != nil && !t.Limiter.Allow(key, at) {
		obs.ObserveMail("rate_limited")
		return ErrRateLimited
	}
	release := func() {
		if t.Limiter != nil {
			t.Limiter.Release(key, at)
		}
	}

	code := ConfirmationCode(projectID, t.Secret)
	var body bytes.Buffer
	if err := confirmationTmpl.Execute(&body, map[string]string{
		"Name":      name,
		"Email":     email,
		"ProjectID": projectID,
		"Code":      code,
	}); err != nil {
		release()
		return fmt.Errorf("render confirmation: %w", err)
	}

	msg := Message{
		ID:      ids.New(),
		From:    t.From,
		To:      email,
		Subject: Subject,
		HTML:    body.String(),
	}
	if err := t.Sender.Send(ctx, msg); err != nil {
		release()
		obs.ObserveMail("failed")
		obs.Error("confirmation mail failed", err, map[string]any{"project": projectID, "message_id": msg.ID})
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	obs.ObserveMail("sent")
	return nil
}
