package notify

import (
	"encoding/json"
	"net/http"
	"time"
)

// SlackNotifier posts to an incoming-webhook URL
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

// SlackMessage is the incoming-webhook body
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment carries the colour bar and the script/user fields
type SlackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title,omitempty"`
	Text   string       `json:"text"`
	Fields []SlackField `json:"fields,omitempty"`
	Footer string       `json:"footer,omitempty"`
	TS     int64        `json:"ts,omitempty"`
}

// SlackField is one short key/value cell of an attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

func (m *SlackMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// SlackColor maps a level to an attachment colour
func SlackColor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "good"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "danger"
	default:
		return "#439FE0"
	}
}

// Message builds the payload for n without sending it.
func (s *SlackNotifier) Message(n Notification) SlackMessage {
	att := SlackAttachment{
		Color:  SlackColor(n.Type),
		Title:  n.Subject(),
		Text:   n.Message,
		Footer: "AUTO-MAS " + n.Type.String(),
		TS:     s.now().Unix(),
	}
	for _, f := range []SlackField{
		{Title: "Script", Value: n.Script, Short: true},
		{Title: "User", Value: n.User, Short: true},
		{Title: "Task", Value: n.TaskID, Short: true},
	} {
		if f.Value != "" {
			att.Fields = append(att.Fields, f)
		}
	}
	return SlackMessage{Text: n.Title, Attachments: []SlackAttachment{att}}
}

// Send is a no-op without a webhook URL.
func (s *SlackNotifier) Send(n Notification) error {
	if s.webhookURL == "" {
		return nil
	}
	msg := s.Message(n)
	payload, err := msg.ToJSON()
	if err != nil {
		return err
	}
	return post(s.client, s.webhookURL, payload, "slack")
}
