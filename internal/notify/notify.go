package notify

import (
	"errors"
	"fmt"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/config"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

func (t NotificationType) String() string {
	switch t {
	case NotifySuccess:
		return "success"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "error"
	default:
		return "info"
	}
}

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	TaskID  string // Optional task reference
	Script  string // Optional script name
	User    string // Optional user name
}

// Subject joins the script and user names for display
func (n Notification) Subject() string {
	switch {
	case n.Script != "" && n.User != "":
		return fmt.Sprintf("%s / %s", n.Script, n.User)
	case n.Script != "":
		return n.Script
	default:
		return n.User
	}
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// New builds the notifier set enabled in cfg
func New(cfg config.NotificationsConfig) Notifier {
	var ns []Notifier
	if cfg.Desktop {
		ns = append(ns, NewDesktopNotifier(true))
	}
	if cfg.SlackWebhook != "" {
		ns = append(ns, NewSlackNotifier(cfg.SlackWebhook))
	}
	if cfg.WebhookURL != "" {
		ns = append(ns, NewWebhookNotifier(cfg.WebhookURL))
	}
	if len(ns) == 0 {
		return NoopNotifier{}
	}
	return NewMultiNotifier(ns...)
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers, even if some of them fail
func (m *MultiNotifier) Send(n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }
