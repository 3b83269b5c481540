package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"stockpilot/internal/models"
)

// Email delivers events over SMTP using a user's stored email settings.
type Email struct {
	Settings models.EmailSettings
	Logger   *zap.Logger

	// send is swappable for tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (e *Email) Publish(ctx context.Context, event Event) {
	if e == nil || !e.Settings.Enabled || e.Settings.Host == "" || e.Settings.ToEmail == "" {
		return
	}
	subject := fmt.Sprintf("stockpilot: %s %s", event.Type, event.Symbol)
	lines := []string{
		"Rule: " + event.Rule,
		"Symbol: " + event.Symbol,
	}
	if event.Side != "" {
		lines = append(lines, "Side: "+event.Side, fmt.Sprintf("Shares: %d", event.Shares), "Price: "+event.Price)
	}
	if event.Detail != "" {
		lines = append(lines, "Detail: "+event.Detail)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		e.Settings.Username, e.Settings.ToEmail, subject, strings.Join(lines, "\r\n"))

	addr := fmt.Sprintf("%s:%d", e.Settings.Host, e.Settings.Port)
	auth := smtp.PlainAuth("", e.Settings.Username, e.Settings.Password, e.Settings.Host)
	sender := e.send
	if sender == nil {
		sender = smtp.SendMail
	}
	if err := sender(addr, auth, e.Settings.Username, []string{e.Settings.ToEmail}, []byte(msg)); err != nil {
		if e.Logger != nil {
			e.Logger.Warn("email delivery failed", zap.String("type", event.Type), zap.Error(err))
		}
	}
}
