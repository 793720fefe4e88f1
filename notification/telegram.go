// Package notification provides the engine's fan-out destinations for
// trade, risk, and shutdown events: Telegram (with inline buy/sell
// commands) and SMTP mail.
package notification

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	tb "gopkg.in/tucnak/telebot.v2"

	"github.com/gridsense/tradingcore/core"
)

const pollingTimeout = 10 * time.Second

var (
	buyRegexp  = regexp.MustCompile(`/buy\s+(?P<asset>\w+)\s+(?P<amount>\d+(?:\.\d+)?)`)
	sellRegexp = regexp.MustCompile(`/sell\s+(?P<asset>\w+)\s+(?P<amount>\d+(?:\.\d+)?)`)
)

// TelegramConfig holds the bot token and the authorized user allowlist.
type TelegramConfig struct {
	Token string
	Users []int
}

// Telegram delivers engine events to authorized users and accepts inline
// /buy, /sell, /status and /balance commands routed to the exchange
// adapter.
type Telegram struct {
	cfg     TelegramConfig
	adapter core.ExchangeAdapter
	client  *tb.Bot
	menu    *tb.ReplyMarkup
	log     core.Logger
}

// NewTelegram creates and wires the Telegram notifier.
func NewTelegram(cfg TelegramConfig, adapter core.ExchangeAdapter, log core.Logger) (*Telegram, error) {
	poller := &tb.LongPoller{Timeout: pollingTimeout}
	middleware := tb.NewMiddlewarePoller(poller, func(u *tb.Update) bool {
		if u.Message == nil || u.Message.Sender == nil {
			log.Error("telegram update without sender ", u)
			return false
		}
		if slices.Contains(cfg.Users, int(u.Message.Sender.ID)) {
			return true
		}
		log.Error("unauthorized telegram user ", u.Message.Sender.ID)
		return false
	})

	client, err := tb.NewBot(tb.Settings{
		ParseMode: tb.ModeMarkdown,
		Token:     cfg.Token,
		Poller:    middleware,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	menu := &tb.ReplyMarkup{ResizeReplyKeyboard: true}
	menu.Reply(
		menu.Row(menu.Text("/status"), menu.Text("/balance")),
		menu.Row(menu.Text("/buy"), menu.Text("/sell")),
	)

	if err := client.SetCommands([]tb.Command{
		{Text: "/help", Description: "Display help instructions"},
		{Text: "/status", Description: "Check bot status"},
		{Text: "/balance", Description: "Account balance"},
		{Text: "/buy", Description: "Open a buy order"},
		{Text: "/sell", Description: "Open a sell order"},
	}); err != nil {
		return nil, fmt.Errorf("failed to set commands: %w", err)
	}

	t := &Telegram{
		cfg:     cfg,
		adapter: adapter,
		client:  client,
		menu:    menu,
		log:     log,
	}

	client.Handle("/help", t.helpHandle)
	client.Handle("/status", t.statusHandle)
	client.Handle("/balance", t.balanceHandle)
	client.Handle("/buy", t.buyHandle)
	client.Handle("/sell", t.sellHandle)

	return t, nil
}

// Start begins the long-polling receive loop and greets the authorized
// users. The loop stops when ctx is cancelled.
func (t *Telegram) Start(ctx context.Context) error {
	go t.client.Start()
	go func() {
		<-ctx.Done()
		t.client.Stop()
	}()
	t.broadcast("Bot initialized.", t.menu)
	return nil
}

// Notify delivers one engine event to every authorized user.
func (t *Telegram) Notify(_ context.Context, event core.Event) error {
	t.broadcast(formatEvent(event))
	return nil
}

func (t *Telegram) broadcast(text string, options ...any) {
	for _, user := range t.cfg.Users {
		if _, err := t.client.Send(&tb.User{ID: int64(user)}, text, options...); err != nil {
			t.log.WithError(err).Error("failed to send telegram notification")
		}
	}
}

func (t *Telegram) send(to *tb.User, text string, options ...any) {
	if _, err := t.client.Send(to, text, options...); err != nil {
		t.log.WithError(err).Error("failed to send telegram message")
	}
}

func (t *Telegram) helpHandle(m *tb.Message) {
	commands, err := t.client.GetCommands()
	if err != nil {
		t.log.WithError(err).Error("failed to get telegram commands")
		return
	}

	lines := make([]string, 0, len(commands))
	for _, command := range commands {
		lines = append(lines, fmt.Sprintf("/%s - %s", command.Text, command.Description))
	}
	t.send(m.Sender, strings.Join(lines, "\n"))
}

func (t *Telegram) statusHandle(m *tb.Message) {
	metrics, err := t.adapter.GetAccountMetrics(context.Background())
	if err != nil {
		t.send(m.Sender, fmt.Sprintf("Status unavailable: %v", err))
		return
	}
	t.send(m.Sender, fmt.Sprintf(
		"*STATUS*\nEquity: `%.2f`\nRealized PnL: `%.2f`\nUnrealized PnL: `%.2f`\nDrawdown: `%.2f%%`\nPositions: `%d`",
		metrics.TotalValue, metrics.RealizedPnL, metrics.UnrealizedPnL, metrics.DrawdownPct, metrics.PositionsCount,
	))
}

func (t *Telegram) balanceHandle(m *tb.Message) {
	balance, err := t.adapter.GetBalance(context.Background(), "USD")
	if err != nil {
		t.send(m.Sender, fmt.Sprintf("Balance unavailable: %v", err))
		return
	}
	t.send(m.Sender, fmt.Sprintf("*BALANCE*\nAvailable: `%.2f`\nLocked: `%.2f`\nTotal: `%.2f`",
		balance.Available, balance.Locked, balance.Total()))
}

func (t *Telegram) buyHandle(m *tb.Message) {
	t.handleOrderCommand(m, buyRegexp, core.SideTypeBuy,
		"Invalid command.\nExample of usage:\n`/buy BTC 0.001`")
}

func (t *Telegram) sellHandle(m *tb.Message) {
	t.handleOrderCommand(m, sellRegexp, core.SideTypeSell,
		"Invalid command.\nExample of usage:\n`/sell BTC 0.001`")
}

func (t *Telegram) handleOrderCommand(m *tb.Message, re *regexp.Regexp, side core.SideType, usage string) {
	match := re.FindStringSubmatch(m.Text)
	if len(match) == 0 {
		t.send(m.Sender, usage)
		return
	}

	params := extractCommandParams(re, match)
	asset := strings.ToUpper(params["asset"])
	amount, err := strconv.ParseFloat(params["amount"], 64)
	if err != nil || amount <= 0 {
		t.send(m.Sender, "Invalid amount")
		return
	}

	id, err := t.adapter.PlaceOrder(context.Background(), core.Order{
		Pair:      asset,
		Side:      side,
		Type:      core.OrderTypeMarket,
		Size:      amount,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.send(m.Sender, fmt.Sprintf("Order failed: %v", err))
		return
	}

	t.log.Infof("[telegram] %s order created: %s %f %s", side, id, amount, asset)
	t.send(m.Sender, fmt.Sprintf("%s order submitted: `%f %s`", side, amount, asset))
}

func formatEvent(event core.Event) string {
	switch event.Kind {
	case "trade":
		title := "ORDER UPDATE"
		if event.Order != nil {
			switch event.Order.Status {
			case core.OrderStatusTypeFilled:
				title = fmt.Sprintf("ORDER FILLED - %s", event.Order.Pair)
			case core.OrderStatusTypeCanceled, core.OrderStatusTypeRejected:
				title = fmt.Sprintf("ORDER CANCELED / REJECTED - %s", event.Order.Pair)
			}
			return fmt.Sprintf("%s\n-----\n%s", title, event.Order)
		}
		return fmt.Sprintf("%s\n-----\n%s", title, event.Message)
	case "risk":
		return fmt.Sprintf("RISK EVENT\n-----\n%s", event.Message)
	case "shutdown":
		return fmt.Sprintf("SHUTDOWN\n-----\n%s", event.Message)
	default:
		return event.Message
	}
}

func extractCommandParams(re *regexp.Regexp, match []string) map[string]string {
	params := make(map[string]string)
	for i, name := range re.SubexpNames() {
		if i != 0 && name != "" {
			params[name] = match[i]
		}
	}
	return params
}

var _ core.NotifierWithStart = (*Telegram)(nil)
