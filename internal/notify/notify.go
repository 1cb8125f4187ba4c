// Package notify posts human-facing updates to an outbound webhook.
// Notifications are best-effort: delivery failures are logged and
// swallowed, and without a configured URL the sink is a no-op.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

// requestTimeout bounds one webhook delivery attempt.
const requestTimeout = 5 * time.Second

// Sink delivers messages to a webhook endpoint.
type Sink struct {
	url    string
	client *http.Client
}

// NewSink creates a sink for url. An empty url disables delivery.
func NewSink(url string) *Sink {
	return &Sink{
		url:    url,
		client: &http.Client{Timeout: requestTimeout},
	}
}

// Enabled reports whether a webhook URL is configured.
func (s *Sink) Enabled() bool {
	return s.url != ""
}

// SendTask posts a task-scoped update: "<emoji> **<task name>**" on the
// first line, the message below it.
func (s *Sink) SendTask(emoji, taskName, message string) {
	s.Send(fmt.Sprintf("%s **%s**\n%s", emoji, taskName, message))
}

// Send posts a message. Discord webhooks expect "content"; everything
// else gets the Slack-style "text" field.
func (s *Sink) Send(message string) {
	if s.url == "" {
		return
	}

	field := "text"
	if strings.Contains(s.url, "discord") {
		field = "content"
	}
	payload, err := json.Marshal(map[string]string{field: message})
	if err != nil {
		log.Printf("[Notify] marshal: %v", err)
		return
	}

	resp, err := s.client.Post(s.url, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Printf("[Notify] webhook delivery failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("[Notify] webhook returned %d", resp.StatusCode)
	}
}
