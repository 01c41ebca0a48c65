// ABOUTME: Notification surface boundary for host-level "new message" alerts
// ABOUTME: Permission state is read-only here; actual OS delivery is another system

package notify

import "log/slog"

// Permission mirrors the host environment's notification permission.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

// Notifier asks the host environment to show a system-level notification.
type Notifier interface {
	Notify(title, body string)
	Permission() Permission
}

// LogNotifier writes notifications to the log. It stands in for the real
// host surface in tests and the CLI.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier backed by the given logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) Notify(title, body string) {
	n.logger.Info("notification", "title", title, "body", body)
}

func (n *LogNotifier) Permission() Permission { return PermissionGranted }
