package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/alfredjeanlab/dealroom/internal/delivery"
	"github.com/alfredjeanlab/dealroom/internal/dispute"
	"github.com/alfredjeanlab/dealroom/internal/escrow"
	"github.com/alfredjeanlab/dealroom/internal/logging"
	"github.com/alfredjeanlab/dealroom/internal/model"
)

// Router forwards transaction notifications to the escrow, dispute and
// delivery components. Nil components are skipped.
type Router struct {
	Escrow     *escrow.Registry
	Disputes   *dispute.Guard
	Deliveries *delivery.Registry
	Logger     *zap.Logger
}

var _ Observer = (*Router)(nil)

// ObserveNotification implements Observer. Delivery reloads run in their
// own goroutine.
func (r *Router) ObserveNotification(ctx context.Context, n model.Notification) {
	log := logging.OrNop(r.Logger)
	switch p := n.Payload.(type) {
	case model.PaymentRequired:
		if r.Escrow != nil {
			r.Escrow.Observe(n)
		}
	case model.DisputeOpened, model.DisputeResolved, model.DeliveryConfirmed:
		r.applyDispute(ctx, n, log)
	case model.DeliverySubmitted:
		r.applyDispute(ctx, n, log)
		if r.Deliveries != nil {
			g := r.Deliveries.Get(p.RoomID)
			go func() {
				if err := g.Load(context.WithoutCancel(ctx)); err != nil {
					log.Warn("engine: reloading delivery", zap.String("room", p.RoomID), zap.Error(err))
				}
			}()
		}
	}
}

func (r *Router) applyDispute(ctx context.Context, n model.Notification, log *zap.Logger) {
	if r.Disputes == nil {
		return
	}
	if err := r.Disputes.Apply(ctx, n); err != nil {
		log.Warn("engine: applying notification", zap.String("notification", n.ID), zap.Error(err))
	}
}
