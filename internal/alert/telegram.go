package alert

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"upwatch/internal/model"
	logx "upwatch/pkg/logx"
)

// TelegramConfig configures the Telegram transport.
type TelegramConfig struct {
	Token      string
	ChatID     int64
	RatePerMin int
}

// Telegram delivers alerts to a single chat.
//
// A token bucket caps delivery rate; a saturated bucket reports
// ReasonThrottle so the gate can set a pending flag instead of losing
// the alert.
type Telegram struct {
	bot     *tele.Bot
	chatID  int64
	limiter *rate.Limiter
	log     logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	// Send-only: no poller configured and Start() is never called, the
	// dispatcher never consumes updates.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	rpm := cfg.RatePerMin
	if rpm <= 0 {
		rpm = 20
	}
	return &Telegram{
		bot:     b,
		chatID:  cfg.ChatID,
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		log:     log,
	}, nil
}

func (t *Telegram) Dispatch(ctx context.Context, a Alert) Outcome {
	if t.chatID == 0 {
		return Outcome{Reason: ReasonMissingRecipient}
	}
	if !t.limiter.Allow() {
		t.log.Debug("alert throttled", logx.String("check", a.Check.ID))
		return Outcome{Reason: ReasonThrottle}
	}

	msg := formatAlert(a)
	chat := &tele.Chat{ID: t.chatID}

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(chat, msg, &tele.SendOptions{DisableWebPagePreview: true})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.log.Warn("alert send failed", logx.String("check", a.Check.ID), logx.Err(err))
			return Outcome{Reason: ReasonError}
		}
	case <-sctx.Done():
		t.log.Warn("alert send timed out", logx.String("check", a.Check.ID))
		return Outcome{Reason: ReasonError}
	}
	return Outcome{Delivered: true, Reason: ReasonNone}
}

func formatAlert(a Alert) string {
	switch a.Kind {
	case KindError:
		return fmt.Sprintf("⚠️ %s: transient error (%d) %s", a.Check.URL, a.Check.LastStatusCode, a.Check.LastError)
	default:
		icon := "🔴"
		if a.NewStatus == model.StatusOnline {
			icon = "🟢"
		}
		return fmt.Sprintf("%s %s: %s → %s", icon, a.Check.URL, a.OldStatus, a.NewStatus)
	}
}
