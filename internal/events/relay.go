package events

import (
	"context"
	"sync"
	"time"

	"github.com/gezibash/arc-sign/internal/ledger"
	"github.com/gezibash/arc-sign/pkg/document"
	"github.com/gezibash/arc-sign/pkg/logging"
)

// Source is where a Relay reads ledger events from.
// *ledgerclient.Client satisfies it.
type Source interface {
	Subscribe(ctx context.Context, h ledger.Handler) (ledger.Subscription, error)
}

// Relay republishes every ledger event on a Hub. If the ledger stream
// fails, it resubscribes after a backoff; if the ledger closes the stream
// without an error, the relay stops.
type Relay struct {
	src     Source
	hub     Hub
	log     *logging.Logger
	backoff time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewRelay creates a relay. Call Start to begin forwarding.
func NewRelay(src Source, hub Hub, log *logging.Logger) *Relay {
	if log == nil {
		log = logging.New(nil)
	}
	return &Relay{
		src:     src,
		hub:     hub,
		log:     log.WithComponent("relay"),
		backoff: time.Second,
		done:    make(chan struct{}),
	}
}

// Start subscribes to the source and returns once the first subscription
// is established.
func (r *Relay) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	sub, err := r.src.Subscribe(ctx, r.forward(ctx))
	if err != nil {
		cancel()
		return err
	}
	r.cancel = cancel
	go r.run(ctx, sub)
	return nil
}

func (r *Relay) forward(ctx context.Context) ledger.Handler {
	return func(ev document.Event) {
		if err := r.hub.Publish(ctx, ev); err != nil {
			r.log.WithDocument(ev.DocumentID).WithError(err).WarnContext(ctx, "relay publish failed", "kind", string(ev.Kind))
		}
	}
}

func (r *Relay) run(ctx context.Context, sub ledger.Subscription) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return
		case err, ok := <-sub.Err():
			sub.Unsubscribe()
			if !ok || err == nil {
				// The ledger ended the stream itself, e.g. on Close.
				r.log.InfoContext(ctx, "ledger event stream closed, relay stopping")
				return
			}
			r.log.WithError(err).WarnContext(ctx, "ledger event stream failed, resubscribing")
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.backoff):
			}
			next, err := r.src.Subscribe(ctx, r.forward(ctx))
			if err == nil {
				sub = next
				break
			}
			r.log.WithError(err).WarnContext(ctx, "resubscribe failed")
		}
	}
}

// Done is closed once the relay has stopped forwarding, either through Stop
// or because the ledger closed its stream.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Stop ends forwarding and waits for the relay goroutine.
func (r *Relay) Stop() {
	r.once.Do(func() {
		if r.cancel == nil {
			return
		}
		r.cancel()
		<-r.done
	})
}
