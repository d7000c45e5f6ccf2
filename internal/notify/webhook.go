package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookNotifier posts a JSON document to an arbitrary endpoint
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// WebhookPayload is the body sent by WebhookNotifier
type WebhookPayload struct {
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Level   string    `json:"level"`
	TaskID  string    `json:"task_id,omitempty"`
	Script  string    `json:"script,omitempty"`
	User    string    `json:"user,omitempty"`
	Time    time.Time `json:"time"`
}

// NewWebhookNotifier creates a new webhook notifier
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Send posts the notification
func (w *WebhookNotifier) Send(n Notification) error {
	if w.url == "" {
		return nil
	}

	payload, err := json.Marshal(WebhookPayload{
		Title:   n.Title,
		Message: n.Message,
		Level:   n.Type.String(),
		TaskID:  n.TaskID,
		Script:  n.Script,
		User:    n.User,
		Time:    time.Now(),
	})
	if err != nil {
		return err
	}
	return post(w.client, w.url, payload, "webhook")
}

// post sends payload as JSON and treats any non-2xx status as an error.
func post(client *http.Client, url string, payload []byte, name string) error {
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %d", name, resp.StatusCode)
	}
	return nil
}
