// Package notify delivers alerts about failed preference saves to a webhook
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
)

// Params for the webhook alerter
type Params struct {
	URL      string        // webhook url, POSTed with a json body
	Timeout  time.Duration // request timeout, 5s if not set
	Headers  []string      // extra headers in "Name:value" form
	HostName string        // reported as the alert source, os hostname if empty
}

// Webhook sends alerts as json messages
type Webhook struct {
	url      string
	hostName string
	client   *notify.Webhook
}

// Alert is the message body
type Alert struct {
	Subject string    `json:"subject"`
	Text    string    `json:"text"`
	Host    string    `json:"host"`
	TS      time.Time `json:"ts"`
}

// New makes Webhook alerter, returns nil if no url set
func New(p Params) *Webhook {
	if p.URL == "" {
		return nil
	}
	if p.Timeout == 0 {
		p.Timeout = 5 * time.Second
	}
	if p.HostName == "" {
		if h, err := os.Hostname(); err == nil {
			p.HostName = h
		}
	}
	headers := append([]string{"Content-Type:application/json"}, p.Headers...)
	log.Printf("[INFO] alerts enabled, webhook %s", p.URL)
	return &Webhook{
		url:      p.URL,
		hostName: p.HostName,
		client:   notify.NewWebhook(notify.WebhookParams{Timeout: p.Timeout, Headers: headers}),
	}
}

// Alert posts subject and text to the webhook
func (w *Webhook) Alert(ctx context.Context, subject, text string) error {
	if w == nil {
		return errors.New("alerts not configured")
	}
	body, err := json.Marshal(Alert{Subject: subject, Text: text, Host: w.hostName, TS: time.Now()})
	if err != nil {
		return fmt.Errorf("can't marshal alert: %w", err)
	}
	if err := w.client.Send(ctx, w.url, string(body)); err != nil {
		return fmt.Errorf("can't send alert to webhook: %w", err)
	}
	log.Printf("[DEBUG] alert %q sent", subject)
	return nil
}

func (w *Webhook) String() string {
	return fmt.Sprintf("webhook alerts to %s", w.url)
}
