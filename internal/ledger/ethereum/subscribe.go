package ethereum

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"

	"github.com/gezibash/arc-sign/internal/ledger"
	"github.com/gezibash/arc-sign/pkg/document"
	"github.com/gezibash/arc-sign/pkg/identity"
)

type watch struct {
	logs chan types.Log
	sub  event.Subscription
	kind document.EventKind
	name string
}

// chainSubscription merges the three contract event streams. Each stream
// is delivered by its own goroutine in log order; there is no ordering
// across kinds.
type chainSubscription struct {
	watches []watch
	errc    chan error
	quit    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func (s *chainSubscription) Err() <-chan error { return s.errc }

func (s *chainSubscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		for _, w := range s.watches {
			w.sub.Unsubscribe()
		}
	})
}

// Subscribe implements ledger.Ledger. It needs a websocket or IPC RPC
// endpoint; HTTP endpoints cannot carry log subscriptions.
func (l *Ledger) Subscribe(ctx context.Context, h ledger.Handler) (ledger.Subscription, error) {
	const opName = "ledger.subscribe"
	if err := l.checkOpen(opName); err != nil {
		return nil, err
	}

	s := &chainSubscription{errc: make(chan error, 1), quit: make(chan struct{})}
	for _, w := range []struct {
		name string
		kind document.EventKind
	}{
		{eventCreated, document.EventCreated},
		{eventSigned, document.EventSigned},
		{eventRevoked, document.EventRevoked},
	} {
		logs, sub, err := l.contract.WatchLogs(&bind.WatchOpts{Context: ctx}, w.name)
		if err != nil {
			s.Unsubscribe()
			return nil, classify(opName, err)
		}
		s.watches = append(s.watches, watch{logs: logs, sub: sub, kind: w.kind, name: w.name})
	}

	// Serialises handler calls across the three streams.
	var deliverMu sync.Mutex
	for _, w := range s.watches {
		s.wg.Add(1)
		go func(w watch) {
			defer s.wg.Done()
			for {
				select {
				case <-s.quit:
					return
				case <-ctx.Done():
					return
				case err, ok := <-w.sub.Err():
					if ok && err != nil {
						select {
						case s.errc <- classify(opName, err):
						default:
						}
					}
					return
				case lg := <-w.logs:
					if lg.Removed {
						continue
					}
					ev, ok := l.decodeLog(w, lg)
					if !ok {
						slog.WarnContext(ctx, "undecodable contract log", "event", w.name, "tx", lg.TxHash.Hex())
						continue
					}
					deliverMu.Lock()
					h(ev)
					deliverMu.Unlock()
				}
			}
		}(w)
	}
	go func() {
		s.wg.Wait()
		close(s.errc)
	}()
	return s, nil
}

func (l *Ledger) decodeLog(w watch, lg types.Log) (document.Event, bool) {
	ev := document.Event{
		Kind:     w.kind,
		Position: PositionOf(lg.BlockNumber, lg.Index),
		TxRef:    lg.TxHash.Hex(),
		At:       time.Now().UTC(),
	}
	switch w.kind {
	case document.EventCreated:
		var out createdLog
		if err := l.contract.UnpackLog(&out, w.name, lg); err != nil {
			return ev, false
		}
		ev.DocumentID, ev.Actor = document.ID(out.DocumentId), identity.Address(out.Creator)
	case document.EventSigned:
		var out signedLog
		if err := l.contract.UnpackLog(&out, w.name, lg); err != nil {
			return ev, false
		}
		ev.DocumentID, ev.Actor = document.ID(out.DocumentId), identity.Address(out.Signer)
	case document.EventRevoked:
		var out revokedLog
		if err := l.contract.UnpackLog(&out, w.name, lg); err != nil {
			return ev, false
		}
		ev.DocumentID, ev.Actor = document.ID(out.DocumentId), identity.Address(out.Revoker)
	}
	return ev, true
}
