package events

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"circadgo/internal/logger"
)

// PubSub is the subset of the redis client the relay needs.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// relayed lists the events mirrored to other processes.
var relayed = []Type{CredentialsChanged, SessionExpired, LoggedOut, AnalysisUpdated}

// Relay mirrors shared-state events between processes over a pub/sub channel.
type Relay struct {
	bus     *Bus
	ps      PubSub
	channel string
	origin  string
	log     *zap.Logger
}

func NewRelay(bus *Bus, ps PubSub, channel string, log *zap.Logger) *Relay {
	return &Relay{
		bus:     bus,
		ps:      ps,
		channel: channel,
		origin:  uuid.NewString(),
		log:     logger.OrNop(log).Named("relay"),
	}
}

// Origin returns the id stamped on events this relay forwards.
func (r *Relay) Origin() string { return r.origin }

// Run forwards events both ways until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	incoming, err := r.ps.Subscribe(ctx, r.channel)
	if err != nil {
		return err
	}
	sub := r.bus.Subscribe(64, relayed...)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C:
			if !ok {
				return nil
			}
			if e.Remote() {
				continue
			}
			r.forward(ctx, e)
		case payload, ok := <-incoming:
			if !ok {
				return nil
			}
			r.deliver(payload)
		}
	}
}

func (r *Relay) forward(ctx context.Context, e Event) {
	e.Origin = r.origin
	payload, err := json.Marshal(e)
	if err != nil {
		r.log.Warn("relay marshal failed", zap.String("type", string(e.Type)), zap.Error(err))
		return
	}
	if err := r.ps.Publish(ctx, r.channel, payload); err != nil {
		r.log.Warn("relay publish failed", zap.String("type", string(e.Type)), zap.Error(err))
	}
}

func (r *Relay) deliver(payload []byte) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		r.log.Warn("relay decode failed", zap.Error(err))
		return
	}
	if e.Origin == "" || e.Origin == r.origin {
		return
	}
	r.bus.Publish(e)
}
