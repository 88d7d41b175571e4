package notify

import (
	"context"
	"fmt"
	"log/slog"

	nnotify "github.com/nikoksr/notify"
	"github.com/nikoksr/notify/service/mail"

	"fleettrack/internal/domain"
)

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
}

// MailSink emails every alert to a fixed recipient list.
type MailSink struct {
	recipients []string
	build      func(recipients []string) nnotify.Notifier
	logger     *slog.Logger
}

func NewMailSink(cfg SMTPConfig, recipients []string, logger *slog.Logger) *MailSink {
	return &MailSink{
		recipients: recipients,
		build: func(recipients []string) nnotify.Notifier {
			// A fresh service per alert: receivers accumulate across
			// AddReceivers calls.
			svc := mail.New(cfg.User, fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
			svc.AuthenticateSMTP("", cfg.User, cfg.Password, cfg.Host)
			svc.AddReceivers(recipients...)

			n := nnotify.New()
			n.UseServices(svc)
			return n
		},
		logger: logger.With("component", "mail_sink"),
	}
}

func (s *MailSink) Notify(ctx context.Context, alert domain.Alert) error {
	if len(s.recipients) == 0 {
		s.logger.Debug("no recipients configured", "kind", alert.Kind)
		return nil
	}

	subject := "[Fleet] " + alert.Subject()
	body := fmt.Sprintf("%s\nTrip: %s\nVehicle: %s\nTime: %s",
		alert.Message(),
		alert.TripID,
		alert.VehicleID,
		alert.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"),
	)

	if err := s.build(s.recipients).Send(ctx, subject, body); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	s.logger.Info("alert emailed", "kind", alert.Kind, "trip_id", alert.TripID, "recipients", len(s.recipients))
	return nil
}
