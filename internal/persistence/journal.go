package persistence

import (
	"context"
	"log/slog"
	"time"

	"github.com/qtmspin/alpaca-api-service-sub000/internal/events"
	"github.com/qtmspin/alpaca-api-service-sub000/pkg/broker"
	"github.com/qtmspin/alpaca-api-service-sub000/pkg/db"
)

// Journal is a write-only audit trail of broker submissions and artificial
// order transitions. Nothing reads it back to rebuild state.
type Journal struct {
	db     *db.Database
	writer *BatchWriter
	bus    *events.Bus
	token  events.Token
	now    func() time.Time
	log    *slog.Logger
}

func NewJournal(database *db.Database, bus *events.Bus, logger *slog.Logger) *Journal {
	return &Journal{
		db:     database,
		writer: NewBatchWriter(database.DB, 50, 500*time.Millisecond, logger),
		bus:    bus,
		now:    time.Now,
		log:    logger.With("component", "journal"),
	}
}

// Start records every artificial order update published on the bus.
func (j *Journal) Start() {
	j.token = j.bus.Subscribe(events.Topic{Channel: events.ChannelArtificial, Symbol: events.AnySymbol}, func(ev events.Event) {
		if u, ok := ev.(events.ArtificialOrderUpdate); ok {
			j.RecordTransition(u)
		}
	})
}

// RecordSubmission implements order.Recorder.
func (j *Journal) RecordSubmission(origin string, p broker.OrderParams, res broker.Order, err error) {
	s := db.Submission{
		Origin:        origin,
		ClientOrderID: p.ClientOrderID,
		BrokerOrderID: res.ID,
		Symbol:        p.Symbol,
		Side:          string(p.Side),
		OrderType:     string(p.Type),
		Qty:           p.Qty,
		LimitPrice:    p.LimitPrice,
		ExtendedHours: p.ExtendedHours,
		CreatedAt:     j.now().UTC(),
	}
	if err != nil {
		s.Error = err.Error()
	}
	j.writer.Write(db.InsertSubmissionSQL, db.SubmissionArgs(s)...)
}

func (j *Journal) RecordTransition(u events.ArtificialOrderUpdate) {
	price := u.TriggeredPrice
	if u.Status == "pending" {
		price = u.TriggerPrice
	}
	t := db.Transition{
		OrderID:       u.ID,
		Symbol:        u.Symbol,
		FromStatus:    u.PreviousStatus,
		ToStatus:      u.Status,
		Price:         price,
		BrokerOrderID: u.BrokerOrderID,
		Reason:        u.FailureReason,
		CreatedAt:     u.UpdatedAt.UTC(),
	}
	j.writer.Write(db.InsertTransitionSQL, db.TransitionArgs(t)...)
}

// History flushes pending writes and returns the transitions of one order.
func (j *Journal) History(ctx context.Context, orderID string) ([]db.Transition, error) {
	if err := j.writer.Flush(); err != nil {
		j.log.Warn("flush before history read failed", "error", err)
	}
	return j.db.TransitionsByOrder(ctx, orderID)
}

func (j *Journal) Stats() Stats { return j.writer.Stats() }

// Close unsubscribes and flushes what is buffered.
func (j *Journal) Close() error {
	if j.token != 0 {
		j.bus.Unsubscribe(j.token)
	}
	return j.writer.Close()
}
