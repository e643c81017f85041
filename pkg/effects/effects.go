// Package effects applies reward ledger mutations implied by classified chat
// lines in the background, so slow or failing persistence never holds up the
// relay path.
package effects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"wynnbridge/pkg/bus"
	"wynnbridge/pkg/classifier"
	"wynnbridge/pkg/logger"
)

const (
	// RaidReward is credited to every participant of a completed raid.
	RaidReward = 0.5
	// AspectCost is debited from the receiver of an aspect.
	AspectCost = -1.0

	defaultAttempts       = 4
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
)

var ErrClosed = errors.New("effects dispatcher closed")

// Raid is a persisted raid completion.
type Raid struct {
	ID           string
	Participants []string
	Name         string
	CompletedAt  time.Time
}

// Ledger persists guild reward state.
type Ledger interface {
	CreateRaid(ctx context.Context, guildID string, raid Raid) (Raid, error)
	AdjustRewards(ctx context.Context, guildID, username string, delta float64) error
	ClearTome(ctx context.Context, guildID, username string) error
}

// EventPublisher receives failure notifications.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event bus.Event) bool
}

type Options struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Events         EventPublisher
	Logger         *slog.Logger
	Now            func() time.Time
}

// Dispatcher runs ledger mutations as detached, retried background tasks.
type Dispatcher struct {
	ledger   Ledger
	events   EventPublisher
	log      *slog.Logger
	now      func() time.Time
	attempts int
	initial  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(ledger Ledger, opts Options) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		ledger:   ledger,
		events:   opts.Events,
		log:      opts.Logger.With("component", "effects.dispatcher"),
		now:      opts.Now,
		attempts: opts.MaxAttempts,
		initial:  opts.InitialBackoff,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Dispatch starts applying effect for guildID and returns immediately.
func (d *Dispatcher) Dispatch(guildID string, effect classifier.Effect) error {
	if effect == nil {
		return nil
	}

	// The completion time is the moment the line was classified, not when
	// the write finally lands.
	at := d.now().UTC()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Warn("side effect dropped after shutdown", "guild", guildID, "kind", effect.EffectKind())
		return ErrClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.fail(guildID, effect.EffectKind(), "", fmt.Errorf("panic: %v", r))
			}
		}()
		d.apply(guildID, effect, at)
	}()
	return nil
}

func (d *Dispatcher) apply(guildID string, effect classifier.Effect, at time.Time) {
	kind := effect.EffectKind()

	switch e := effect.(type) {
	case classifier.RaidCompletion:
		raid, err := retry(d, func(ctx context.Context) (Raid, error) {
			return d.ledger.CreateRaid(ctx, guildID, Raid{
				Participants: e.Participants,
				Name:         e.Raid,
				CompletedAt:  at,
			})
		})
		if err != nil {
			d.fail(guildID, kind, e.Raid, err)
			return
		}
		d.log.Info("raid recorded", "guild", guildID, "raid", raid.Name, "raid_id", raid.ID, "participants", len(raid.Participants))

		for _, participant := range raid.Participants {
			d.adjust(guildID, kind, participant, RaidReward)
		}
	case classifier.AspectGift:
		d.adjust(guildID, kind, e.Receiver, AspectCost)
	case classifier.TomeGift:
		_, err := retry(d, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, d.ledger.ClearTome(ctx, guildID, e.Receiver)
		})
		if err != nil {
			d.fail(guildID, kind, e.Receiver, err)
			return
		}
		d.log.Debug("tome request cleared", "guild", guildID, "username", e.Receiver)
	default:
		d.log.Warn("unknown side effect", "guild", guildID, "kind", kind)
	}
}

func (d *Dispatcher) adjust(guildID, kind, username string, delta float64) {
	_, err := retry(d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.ledger.AdjustRewards(ctx, guildID, username, delta)
	})
	if err != nil {
		d.fail(guildID, kind, username, err)
		return
	}
	d.log.Debug("rewards adjusted", "guild", guildID, "username", username, "delta", delta)
}

func retry[T any](d *Dispatcher, op func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initial
	b.MaxInterval = defaultMaxBackoff

	return backoff.Retry(d.ctx, func() (T, error) {
		return op(d.ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.attempts)),
	)
}

func (d *Dispatcher) fail(guildID, kind, subject string, err error) {
	d.log.Error("side effect failed",
		"guild", guildID,
		"kind", kind,
		"subject", subject,
		"attempts", d.attempts,
		"error", err,
	)

	if d.events == nil {
		return
	}
	d.events.PublishEvent(context.Background(), bus.Event{
		Type:    bus.EventSideEffectFailed,
		GuildID: guildID,
		Payload: map[string]string{
			"kind":     kind,
			"subject":  subject,
			"attempts": strconv.Itoa(d.attempts),
		},
		Error: err.Error(),
	})
}

// Close stops accepting work and waits for running tasks until ctx is done,
// after which pending retries are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
