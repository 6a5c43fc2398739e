package gateway

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/vrsync/go/internal/journal"
	"github.com/mcdev12/vrsync/go/internal/metrics"
	"github.com/mcdev12/vrsync/go/internal/registry"
	"github.com/rs/zerolog/log"
)

// lifecycleObserver reports registry membership changes to the journal and
// metrics, and releases dispatcher state for departed connections.
type lifecycleObserver struct {
	clock      clockwork.Clock
	journal    journal.Recorder
	metrics    metrics.Collector
	dispatcher *Dispatcher
}

func (o *lifecycleObserver) ConnectionRegistered(rec registry.Record) {
	o.metrics.ConnectionOpened()
	o.journal.Record(journal.Entry{
		At:           o.clock.Now(),
		Kind:         journal.KindConnect,
		ConnectionID: rec.ID,
	})
}

func (o *lifecycleObserver) ConnectionUnregistered(rec registry.Record, reason registry.Reason) {
	o.metrics.ConnectionClosed(string(reason))
	if o.dispatcher != nil {
		o.dispatcher.Forget(rec.ID)
	}

	kind := journal.KindDisconnect
	if reason == registry.ReasonTimeout {
		kind = journal.KindEvict
	}
	o.journal.Record(journal.Entry{
		At:           o.clock.Now(),
		Kind:         kind,
		ConnectionID: rec.ID,
		DeviceID:     rec.DeviceID,
		Detail:       fmt.Sprintf("reason=%s connected_for=%s", reason, o.clock.Since(rec.ConnectedAt).Round(time.Millisecond)),
	})

	log.Info().
		Str("connection_id", rec.ID).
		Str("device_id", rec.DeviceID).
		Str("reason", string(reason)).
		Msg("connection unregistered")
}
