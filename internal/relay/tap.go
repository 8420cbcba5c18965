// ABOUTME: Logs outbound and dead-letter records when the relay runs on the in-memory bus.
// ABOUTME: With no external subscriber, the log is the only place those records can be seen.

package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/2389/coven-relay/internal/bus/memory"
)

// tap subscribes to the relay's output subjects on a memory bus.
type tap struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func startTap(b *memory.Bus, outbound, deadLetter string, logger *slog.Logger) *tap {
	ctx, cancel := context.WithCancel(context.Background())
	t := &tap{cancel: cancel}
	log := logger.With("component", "memory_tap")

	outCh, _ := b.Subscribe(ctx, outbound)
	dlqCh, _ := b.Subscribe(ctx, deadLetter)

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		for msg := range outCh {
			log.Info("outbound envelope",
				"subject", msg.Subject,
				"user_id", gjson.GetBytes(msg.Data, "user_id").String(),
				"model", gjson.GetBytes(msg.Data, "ai_response.model").String(),
				"bytes", len(msg.Data))
		}
	}()
	go func() {
		defer t.wg.Done()
		for msg := range dlqCh {
			log.Warn("dead-lettered envelope",
				"subject", msg.Subject,
				"code", gjson.GetBytes(msg.Data, "code").String(),
				"error", gjson.GetBytes(msg.Data, "error").String(),
				"delivery_attempt", gjson.GetBytes(msg.Data, "delivery_attempt").Int(),
				"user_id", gjson.GetBytes(msg.Data, "payload.user_id").String())
		}
	}()
	return t
}

// stop ends both subscriptions and waits for the loggers to drain.
func (t *tap) stop() {
	t.cancel()
	t.wg.Wait()
}
