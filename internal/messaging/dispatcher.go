package messaging

import (
	"context"
	"log/slog"

	"github.com/solarflow/solarflow/internal/models"
)

// Handler consumes one inbound message. Implemented by the flow engine.
type Handler interface {
	HandleMessage(ctx context.Context, msg models.Message) error
}

// Dispatcher pumps inbound messages from a Service into the flow engine.
// Each message is handled on its own goroutine: the engine serializes turns
// per contact, so different contacts can progress concurrently while the
// channel never backs up behind a slow turn.
type Dispatcher struct {
	service Service
	handler Handler
}

// NewDispatcher creates a dispatcher connecting service to handler.
func NewDispatcher(service Service, handler Handler) *Dispatcher {
	return &Dispatcher{service: service, handler: handler}
}

// Run consumes messages until the context is cancelled or the service's
// message channel closes. Receipts are drained and logged.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("Dispatcher starting")
	go d.drainReceipts(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Dispatcher stopping", "reason", ctx.Err())
			return
		case msg, ok := <-d.service.Messages():
			if !ok {
				slog.Info("Dispatcher stopping, message channel closed")
				return
			}
			go func(m models.Message) {
				if err := d.handler.HandleMessage(ctx, m); err != nil {
					slog.Error("Dispatcher message handling failed", "error", err, "from", m.From)
				}
			}(msg)
		}
	}
}

func (d *Dispatcher) drainReceipts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-d.service.Receipts():
			if !ok {
				return
			}
			slog.Debug("Delivery receipt", "to", r.To, "status", r.Status)
		}
	}
}
