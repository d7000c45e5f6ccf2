package notify

import (
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier sends desktop notifications
type DesktopNotifier struct {
	enabled bool
}

// NewDesktopNotifier creates a new desktop notifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled}
}

// Send sends a desktop notification
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}

	title := n.Title
	if s := n.Subject(); s != "" {
		title = title + " - " + s
	}

	switch runtime.GOOS {
	case "darwin":
		return d.sendMacOS(title, n.Message)
	case "linux":
		return d.sendLinux(title, n)
	case "windows":
		return d.sendWindows(title, n.Message)
	default:
		return nil // Unsupported
	}
}

func (d *DesktopNotifier) sendMacOS(title, message string) error {
	script := `display notification "` + escapeQuotes(message) + `" with title "` + escapeQuotes(title) + `"`
	cmd := exec.Command("osascript", "-e", script)
	return cmd.Run()
}

func (d *DesktopNotifier) sendLinux(title string, n Notification) error {
	cmd := exec.Command("notify-send", "-i", IconForType(n.Type), title, n.Message)
	return cmd.Run()
}

func (d *DesktopNotifier) sendWindows(title, message string) error {
	script := `[reflection.assembly]::loadwithpartialname('System.Windows.Forms') | Out-Null;` +
		`$n = New-Object System.Windows.Forms.NotifyIcon;` +
		`$n.Icon = [System.Drawing.SystemIcons]::Information;` +
		`$n.Visible = $true;` +
		`$n.ShowBalloonTip(5000, '` + escapeSingle(title) + `', '` + escapeSingle(message) + `', 'None')`
	return exec.Command("powershell", "-NoProfile", "-Command", script).Run()
}

func escapeQuotes(s string) string { return strings.ReplaceAll(s, `"`, `\"`) }
func escapeSingle(s string) string { return strings.ReplaceAll(s, `'`, `''`) }

// IconForType returns an icon name for the notification type
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
