package replication

import (
	"context"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-federation/internal/governance"
	"github.com/polisai/polis-federation/pkg/domain"
)

type fakeRedis struct {
	mu        sync.Mutex
	published [][]byte
	failures  int
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return redis.NewIntResult(0, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED})
	}
	f.published = append(f.published, message.([]byte))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Subscribe(context.Context, ...string) *redis.PubSub {
	panic("not used")
}

func fastRetry() *governance.RetryPolicy {
	return governance.NewRetryPolicy(governance.RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}, nil)
}

func TestCodecDeterministic(t *testing.T) {
	cmd := Command{Name: CommandRemoteServerUp, Origin: "example.org", Instance: "worker1"}
	a, err := Encode(cmd)
	require.NoError(t, err)
	b, err := Encode(cmd)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	got, err := Decode(a)
	require.NoError(t, err)
	assert.Equal(t, cmd, got)

	_, err = Decode([]byte{0xff})
	assert.Error(t, err)

	empty, err := Encode(Command{})
	require.NoError(t, err)
	_, err = Decode(empty)
	assert.Error(t, err)
}

func TestSendRemoteServerUpRetries(t *testing.T) {
	client := &fakeRedis{failures: 2}
	ch := NewChannel(client, NewLocalNotifier(), ChannelOptions{Instance: "worker1", Retry: fastRetry()})

	require.NoError(t, ch.SendRemoteServerUp(context.Background(), "example.org"))
	require.Len(t, client.published, 1)

	cmd, err := Decode(client.published[0])
	require.NoError(t, err)
	assert.Equal(t, Command{Name: CommandRemoteServerUp, Origin: "example.org", Instance: "worker1"}, cmd)
}

func TestSendRemoteServerUpGivesUp(t *testing.T) {
	client := &fakeRedis{failures: 10}
	ch := NewChannel(client, NewLocalNotifier(), ChannelOptions{Instance: "worker1", Retry: fastRetry()})

	err := ch.SendRemoteServerUp(context.Background(), "example.org")
	assert.ErrorIs(t, err, governance.ErrMaxRetriesExceeded)
}

func TestSendRemoteServerUpCircuitOpens(t *testing.T) {
	client := &fakeRedis{failures: 100}
	ch := NewChannel(client, NewLocalNotifier(), ChannelOptions{
		Instance: "worker1",
		Retry:    fastRetry(),
		Breaker:  governance.NewCircuitBreaker(governance.CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Hour}),
	})

	err := ch.SendRemoteServerUp(context.Background(), "example.org")
	assert.ErrorIs(t, err, governance.ErrMaxRetriesExceeded)
	assert.Equal(t, string(governance.StateOpen), ch.BreakerStats().State)

	client.mu.Lock()
	remaining := client.failures
	client.mu.Unlock()

	err = ch.SendRemoteServerUp(context.Background(), "example.org")
	assert.ErrorIs(t, err, governance.ErrCircuitOpen)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, remaining, client.failures, "no publish attempted while open")
}

func TestHandleMessage(t *testing.T) {
	notifier := NewLocalNotifier()
	var mu sync.Mutex
	var seen []domain.ServerName
	notifier.Subscribe(func(origin domain.ServerName) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, origin)
	})

	primary := NewChannel(&fakeRedis{}, notifier, ChannelOptions{Instance: "master"})

	fromWorker, err := Encode(Command{Name: CommandRemoteServerUp, Origin: "example.org", Instance: "worker1"})
	require.NoError(t, err)
	require.NoError(t, primary.HandleMessage(fromWorker))

	fromSelf, err := Encode(Command{Name: CommandRemoteServerUp, Origin: "self.org", Instance: "master"})
	require.NoError(t, err)
	require.NoError(t, primary.HandleMessage(fromSelf))

	badOrigin, err := Encode(Command{Name: CommandRemoteServerUp, Origin: "bad_origin", Instance: "worker1"})
	require.NoError(t, err)
	assert.Error(t, primary.HandleMessage(badOrigin))

	unknown, err := Encode(Command{Name: "POSITION", Instance: "worker1"})
	require.NoError(t, err)
	assert.Error(t, primary.HandleMessage(unknown))

	assert.Equal(t, []domain.ServerName{"example.org"}, seen)
}

func TestLocalNotifierUnsubscribe(t *testing.T) {
	n := NewLocalNotifier()
	calls := 0
	unsubscribe := n.Subscribe(func(domain.ServerName) { calls++ })

	n.NotifyRemoteServerUp("a.org")
	unsubscribe()
	n.NotifyRemoteServerUp("b.org")
	assert.Equal(t, 1, calls)
}
