package replication

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/polisai/polis-federation/internal/governance"
	"github.com/polisai/polis-federation/pkg/domain"
	"github.com/polisai/polis-federation/pkg/federation"
)

// DefaultChannel is the Redis pub/sub channel used for replication.
const DefaultChannel = "fedgate.replication"

// PubSubClient is the subset of the Redis client used by Channel.
type PubSubClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// ChannelOptions configures a Channel.
type ChannelOptions struct {
	// Name is the pub/sub channel. Defaults to DefaultChannel.
	Name string
	// Instance identifies this process. Commands it published itself are
	// ignored when received back.
	Instance string
	Retry    *governance.RetryPolicy
	// Breaker stops publishing while Redis keeps failing.
	Breaker *governance.CircuitBreaker
	Logger  *slog.Logger
}

// Channel publishes and consumes replication commands over Redis.
type Channel struct {
	client   PubSubClient
	notifier federation.Notifier
	name     string
	instance string
	retry    *governance.RetryPolicy
	breaker  *governance.CircuitBreaker
	logger   *slog.Logger
}

// NewChannel creates a Channel. Received REMOTE_SERVER_UP commands are
// repeated to notifier.
func NewChannel(client PubSubClient, notifier federation.Notifier, opts ChannelOptions) *Channel {
	if opts.Name == "" {
		opts.Name = DefaultChannel
	}
	if opts.Retry == nil {
		opts.Retry = governance.NewRetryPolicy(governance.DefaultRetryConfig(), nil)
	}
	if opts.Breaker == nil {
		opts.Breaker = governance.NewCircuitBreaker(governance.DefaultCircuitBreakerConfig())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Channel{
		client:   client,
		notifier: notifier,
		name:     opts.Name,
		instance: opts.Instance,
		retry:    opts.Retry,
		breaker:  opts.Breaker,
		logger:   opts.Logger.With("component", "replication", "instance", opts.Instance),
	}
}

// SendRemoteServerUp publishes a REMOTE_SERVER_UP command for origin.
func (c *Channel) SendRemoteServerUp(ctx context.Context, origin domain.ServerName) error {
	payload, err := Encode(Command{
		Name:     CommandRemoteServerUp,
		Origin:   string(origin),
		Instance: c.instance,
	})
	if err != nil {
		return err
	}

	err = c.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		return c.retry.Do(ctx, func(ctx context.Context) error {
			return c.client.Publish(ctx, c.name, payload).Err()
		})
	})
	if err != nil {
		return fmt.Errorf("publish %s for %s: %w", CommandRemoteServerUp, origin, err)
	}
	return nil
}

// BreakerStats reports the state of the publish circuit breaker.
func (c *Channel) BreakerStats() governance.CircuitBreakerStats {
	return c.breaker.Stats()
}

// Run consumes commands until ctx is done.
func (c *Channel) Run(ctx context.Context) error {
	sub := c.client.Subscribe(ctx, c.name)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.name, err)
	}
	c.logger.Info("replication channel subscribed", "channel", c.name)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if err := c.HandleMessage([]byte(msg.Payload)); err != nil {
				c.logger.Warn("dropping replication message", "error", err)
			}
		}
	}
}

// HandleMessage applies one received payload.
func (c *Channel) HandleMessage(payload []byte) error {
	cmd, err := Decode(payload)
	if err != nil {
		return err
	}
	if cmd.Instance != "" && cmd.Instance == c.instance {
		return nil
	}

	switch cmd.Name {
	case CommandRemoteServerUp:
		origin, err := domain.ParseServerName(cmd.Origin)
		if err != nil {
			return fmt.Errorf("%s: %w", CommandRemoteServerUp, err)
		}
		c.logger.Debug("remote server up", "origin", origin, "from", cmd.Instance)
		c.notifier.NotifyRemoteServerUp(origin)
		return nil
	default:
		return fmt.Errorf("unknown replication command %q", cmd.Name)
	}
}
