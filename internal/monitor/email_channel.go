package monitor

import (
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/relaypool/internal/model"
)

// EmailConfig holds SMTP settings for alert delivery.
type EmailConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Recipients []string
}

// EmailChannel delivers alerts over SMTP.
type EmailChannel struct {
	logger *zap.Logger
	cfg    EmailConfig
}

// NewEmailChannel creates an email notification channel.
func NewEmailChannel(cfg EmailConfig, logger *zap.Logger) *EmailChannel {
	return &EmailChannel{
		logger: logger.Named("email-channel"),
		cfg:    cfg,
	}
}

// Send implements NotificationChannel.
func (c *EmailChannel) Send(alert *model.Alert) error {
	if len(c.cfg.Recipients) == 0 {
		return fmt.Errorf("no recipients configured")
	}

	auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)

	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Type)
	msg := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"\r\n"+
		"%s\r\n\r\nRaised at %s\r\n",
		c.cfg.From,
		strings.Join(c.cfg.Recipients, ", "),
		subject,
		alert.Message,
		alert.CreatedAt.Format("2006-01-02 15:04:05 MST"))

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	if err := smtp.SendMail(addr, auth, c.cfg.From, c.cfg.Recipients, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}

	c.logger.Info("Alert email sent",
		zap.String("alert_id", alert.ID),
		zap.Int("recipients", len(c.cfg.Recipients)))
	return nil
}
