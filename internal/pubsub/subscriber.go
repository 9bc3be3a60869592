package pubsub

import (
	"context"
	"fmt"
	"log/slog"
)

// ShutdownMessage asks subscribers to stop listening. The channel itself
// gives it no meaning.
const ShutdownMessage = "KILL_SERVER"

// Listen subscribes to channel and hands every message to handler until
// handler has seen ShutdownMessage (returns nil), ctx is done (returns
// ctx.Err()) or the subscription ends.
func (p *Publisher) Listen(ctx context.Context, channel string, handler func(Message)) error {
	sub, err := p.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %q: %w", channel, err)
	}
	defer sub.Close()

	p.logger.Debug("Listening", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-sub.C:
			if !ok {
				return fmt.Errorf("subscription to %q ended: %w", channel, ErrClosed)
			}

			handler(msg)

			if msg.Payload == ShutdownMessage {
				p.logger.Debug("Shutdown message received", slog.String("channel", channel))
				return nil
			}
		}
	}
}
