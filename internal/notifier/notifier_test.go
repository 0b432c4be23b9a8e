package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatMessage(t *testing.T) {
	msg := formatMessage("u1", "position_closed", map[string]any{
		"symbol": "BTC-USDT",
		"pnl":    "3.00",
		"reason": "take_profit",
	})
	assert.Equal(t, "[POSITION_CLOSED] user=u1\npnl: 3.00\nreason: take_profit\nsymbol: BTC-USDT", msg)

	msg = formatMessage("u1", "bot_stopped", nil)
	assert.Equal(t, "[BOT_STOPPED] user=u1", msg)
}

func TestNopSink(t *testing.T) {
	assert.NoError(t, Nop{}.Notify(context.Background(), "u1", "anything", nil))
}

func TestNewTelegramSinkDefaults(t *testing.T) {
	s := NewTelegramSink("tok", "chat", 0, 0)
	assert.Equal(t, 3, s.Retries)
	assert.Equal(t, 5*time.Second, s.Delay)
}
