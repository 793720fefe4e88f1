package notification

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/gridsense/tradingcore/core"
)

// Mail delivers engine events over SMTP.
type Mail struct {
	auth              smtp.Auth
	smtpServerPort    int
	smtpServerAddress string
	to                string
	from              string
	log               core.Logger
}

// MailParams contains all parameters needed to initialize a Mail instance.
type MailParams struct {
	SMTPServerPort    int
	SMTPServerAddress string
	To                string
	From              string
	Password          string
}

// NewMail creates a new Mail notifier with the provided parameters.
func NewMail(params MailParams, log core.Logger) Mail {
	return Mail{
		from:              params.From,
		to:                params.To,
		smtpServerPort:    params.SMTPServerPort,
		smtpServerAddress: params.SMTPServerAddress,
		log:               log,
		auth: smtp.PlainAuth(
			"",
			params.From,
			params.Password,
			params.SMTPServerAddress,
		),
	}
}

// Notify sends one engine event as an email.
func (m Mail) Notify(_ context.Context, event core.Event) error {
	serverAddress := fmt.Sprintf("%s:%d", m.smtpServerAddress, m.smtpServerPort)

	subject := subjectFor(event)
	message := fmt.Sprintf(
		"To: \"User\" <%s>\r\nFrom: \"GridSense\" <%s>\r\nSubject: %s\r\n\r\n%s",
		m.to,
		m.from,
		subject,
		formatEvent(event),
	)

	err := smtp.SendMail(
		serverAddress,
		m.auth,
		m.from,
		[]string{m.to},
		[]byte(message),
	)
	if err != nil {
		m.log.WithError(err).Error("notification/mail: failed to send email")
		return err
	}
	return nil
}

func subjectFor(event core.Event) string {
	switch event.Kind {
	case "trade":
		if event.Order != nil && event.Order.Status == core.OrderStatusTypeFilled {
			return fmt.Sprintf("ORDER FILLED - %s", event.Order.Pair)
		}
		return "ORDER UPDATE"
	case "risk":
		return "RISK EVENT"
	case "shutdown":
		return "BOT STOPPED"
	default:
		return "NOTIFICATION"
	}
}

var _ core.Notifier = Mail{}
