package notification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridsense/tradingcore/core"
	"github.com/gridsense/tradingcore/logger/zerolog"
)

func getLog(t *testing.T) core.Logger {
	t.Helper()
	log, err := zerolog.New("error", "2006-01-02 15:04:05", false, false)
	require.NoError(t, err)
	return log
}

func TestFormatEvent(t *testing.T) {
	filled := core.Event{
		Kind: "trade",
		Order: &core.Order{
			Pair:   "BTC",
			Side:   core.SideTypeBuy,
			Status: core.OrderStatusTypeFilled,
			Size:   0.001,
			Price:  50000,
		},
	}
	assert.Contains(t, formatEvent(filled), "ORDER FILLED - BTC")

	rejected := core.Event{
		Kind: "trade",
		Order: &core.Order{
			Pair:   "BTC",
			Status: core.OrderStatusTypeRejected,
		},
	}
	assert.Contains(t, formatEvent(rejected), "ORDER CANCELED / REJECTED - BTC")

	risk := core.Event{Kind: "risk", Message: "drawdown 25% exceeds limit 20%"}
	text := formatEvent(risk)
	assert.Contains(t, text, "RISK EVENT")
	assert.Contains(t, text, "drawdown 25% exceeds limit 20%")

	shutdown := core.Event{Kind: "shutdown", Message: "trading engine stopped"}
	assert.Contains(t, formatEvent(shutdown), "SHUTDOWN")

	plain := core.Event{Kind: "custom", Message: "hello"}
	assert.Equal(t, "hello", formatEvent(plain))
}

func TestMailSubjects(t *testing.T) {
	filled := core.Event{
		Kind:  "trade",
		Order: &core.Order{Pair: "ETH", Status: core.OrderStatusTypeFilled},
	}
	assert.Equal(t, "ORDER FILLED - ETH", subjectFor(filled))

	submitted := core.Event{
		Kind:  "trade",
		Order: &core.Order{Pair: "ETH", Status: core.OrderStatusTypeSubmitted},
	}
	assert.Equal(t, "ORDER UPDATE", subjectFor(submitted))

	assert.Equal(t, "RISK EVENT", subjectFor(core.Event{Kind: "risk"}))
	assert.Equal(t, "BOT STOPPED", subjectFor(core.Event{Kind: "shutdown"}))
	assert.Equal(t, "NOTIFICATION", subjectFor(core.Event{Kind: "other"}))
}

func TestNewMail(t *testing.T) {
	mail := NewMail(MailParams{
		SMTPServerAddress: "smtp.example.com",
		SMTPServerPort:    587,
		From:              "bot@example.com",
		To:                "trader@example.com",
		Password:          "secret",
	}, getLog(t))

	assert.Equal(t, "smtp.example.com", mail.smtpServerAddress)
	assert.Equal(t, 587, mail.smtpServerPort)
	assert.Equal(t, "bot@example.com", mail.from)
	assert.Equal(t, "trader@example.com", mail.to)
	assert.NotNil(t, mail.auth)
}
