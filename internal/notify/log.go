package notify

import (
	"context"
	"log/slog"
)

// LogNotifier writes notifications to the log. Used when no webhook is set.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n *Notification) error {
	l.logger.Warn("risk alert",
		"notification_id", n.ID,
		"subject_id", n.SubjectID,
		"action", n.Action,
		"severity", n.Severity,
		"reason", n.Reason,
		"signal_id", n.SignalID,
		"verdict", n.Verdict,
	)
	return nil
}
