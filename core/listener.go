package core

// Transfer-event listener (C11). Grounded on the teacher's
// connection_pool.go reconnect-with-backoff shape, with the reconnect timer
// built on cenkalti/backoff/v4 (already wired for the billing guard's
// recovery loop in guard.go) rather than a hand-rolled retry counter.

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// TransferEvent is one batch entry the watcher delivers.
type TransferEvent struct {
	Collection string
	TokenID    string
	From       string
	To         string
}

// UnwatchFunc cancels an active subscription.
type UnwatchFunc func()

// EventWatcherClient is the external collaborator the listener subscribes
// through; out of scope per spec §3.1 beyond this narrow contract.
type EventWatcherClient interface {
	WatchContractEvent(ctx context.Context, onBatch func([]TransferEvent), onError func(error)) (UnwatchFunc, error)
}

// OwnershipCache is invalidated, never populated, by the listener: the next
// read-path call must re-fetch on chain (spec §4.11).
type OwnershipCache interface {
	Invalidate(collection, tokenID string)
}

type ListenerState int

const (
	ListenerIdle ListenerState = iota
	ListenerRunning
	ListenerReconnecting
	ListenerStopped
)

// ListenerConfig names the reconnect backoff bounds of spec §4.11.
type ListenerConfig struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxRetries  int
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{BaseBackoff: time.Second, MaxBackoff: 60 * time.Second, MaxRetries: 10}
}

// TransferListener drives the idle -> running -> running(reconnecting) ->
// running | stopped state machine.
type TransferListener struct {
	mu       sync.Mutex
	state    ListenerState
	client   EventWatcherClient
	cache    OwnershipCache
	cfg      ListenerConfig
	onTransfer func(from, to, tokenID string)
	unwatch  UnwatchFunc
	cancel   context.CancelFunc
	log      *log.Logger
	retries  int
}

func NewTransferListener(client EventWatcherClient, cache OwnershipCache, cfg ListenerConfig, onTransfer func(from, to, tokenID string), logger *log.Logger) *TransferListener {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &TransferListener{state: ListenerIdle, client: client, cache: cache, cfg: cfg, onTransfer: onTransfer, log: logger}
}

// Start is idempotent: calling it while already running is a no-op.
func (l *TransferListener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state == ListenerRunning || l.state == ListenerReconnecting {
		l.mu.Unlock()
		return nil
	}
	l.retries = 0
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.state = ListenerRunning
	l.mu.Unlock()

	return l.subscribe(runCtx)
}

func (l *TransferListener) subscribe(ctx context.Context) error {
	unwatch, err := l.client.WatchContractEvent(ctx, l.handleBatch, func(err error) { l.handleError(ctx, err) })
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.unwatch = unwatch
	l.mu.Unlock()
	return nil
}

func (l *TransferListener) handleBatch(events []TransferEvent) {
	for _, e := range events {
		l.cache.Invalidate(e.Collection, e.TokenID)
		if l.onTransfer != nil {
			l.onTransfer(e.From, e.To, e.TokenID)
		}
	}
}

// handleError unwatches and schedules a reconnect at baseBackoff*2^retry
// with jitter, capped at maxBackoff; gives up after maxRetries.
func (l *TransferListener) handleError(ctx context.Context, cause error) {
	l.mu.Lock()
	if l.state == ListenerStopped {
		l.mu.Unlock()
		return
	}
	if l.unwatch != nil {
		l.unwatch()
		l.unwatch = nil
	}
	l.state = ListenerReconnecting
	l.mu.Unlock()

	l.log.WithField("error", cause).Warn("transfer listener: subscription error, scheduling reconnect")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.BaseBackoff
	b.MaxInterval = l.cfg.MaxBackoff
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		l.mu.Lock()
		stopped := l.state == ListenerStopped
		l.mu.Unlock()
		if stopped {
			return backoff.Permanent(context.Canceled)
		}
		attempt++
		if attempt > l.cfg.MaxRetries {
			return backoff.Permanent(cause)
		}
		if err := l.subscribe(ctx); err != nil {
			return err
		}
		l.mu.Lock()
		l.state = ListenerRunning
		l.retries = 0
		l.mu.Unlock()
		return nil
	}, backoff.WithContext(b, ctx))

	if err != nil {
		l.log.WithField("error", err).Error("transfer listener: giving up after max reconnect retries")
	}
}

// Stop is idempotent and cancels any pending reconnect timer.
func (l *TransferListener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == ListenerStopped {
		return
	}
	if l.unwatch != nil {
		l.unwatch()
		l.unwatch = nil
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.state = ListenerStopped
}

func (l *TransferListener) State() ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}
