package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"relaybridge/internal/eventbus"
	"relaybridge/internal/storage"
	"relaybridge/pkg/logx"
)

// recordJournal writes every dispatch outcome to the journal.
func (a *App) recordJournal(ctx context.Context) error {
	log := a.log.With(logx.String("comp", "journal"))
	ch, unsub := a.bus.Subscribe(256)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			d, ok := e.Data.(eventbus.Delivery)
			if !ok {
				continue
			}
			entry := storage.Entry{
				At:        e.Time,
				Recipient: d.Recipient,
				Outcome:   d.Outcome,
				Detail:    d.Detail,
			}
			// The bus is shutting down with us; finish the write regardless.
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if _, err := a.journal.Record(wctx, entry); err != nil {
				log.Warn("journal write failed", logx.String("event", e.Type), logx.Err(err))
			}
			cancel()
		}
	}
}

// startPruner schedules journal retention on the configured cron schedule.
func (a *App) startPruner() error {
	log := a.log.With(logx.String("comp", "journal"))
	retention := a.rt.Journal.Retention

	c := cron.New(cron.WithLogger(cronLogger{log}))
	_, err := c.AddFunc(a.rt.Journal.PruneSchedule, func() {
		ctx, cancel := context.WithTimeout(a.sup.Context(), time.Minute)
		defer cancel()
		n, err := a.journal.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			log.Warn("journal prune failed", logx.Err(err))
			return
		}
		log.Info("journal pruned", logx.Int64("deleted", n), logx.Duration("retention", retention))
	})
	if err != nil {
		return fmt.Errorf("journal.prune_schedule: %w", err)
	}
	c.Start()
	a.cron = c
	return nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
