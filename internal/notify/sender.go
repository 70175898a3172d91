// Package notify delivers error notifications to per-project channels.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/bugshot/pkg/models"
)

// Sentinel errors for notification delivery.
var (
	ErrMissingTarget      = errors.New("notification target not configured")
	ErrUnsupportedChannel = errors.New("unsupported channel type")
	ErrDeliveryFailed     = errors.New("notification delivery failed")
	ErrTargetUnreachable  = errors.New("notification target unreachable")
	ErrTargetTimeout      = errors.New("notification target timeout")
)

// Sender delivers to one kind of channel.
type Sender interface {
	Type() models.ChannelType
	Send(ctx context.Context, ch *models.NotificationChannel, project *models.Project, agg *models.ErrorAggregate, occ *models.Occurrence) error
	SendTest(ctx context.Context, ch *models.NotificationChannel) error
}

// Registry resolves senders by channel type.
type Registry map[models.ChannelType]Sender

func NewRegistry(senders ...Sender) Registry {
	r := make(Registry, len(senders))
	for _, s := range senders {
		r[s.Type()] = s
	}
	return r
}

func (r Registry) Lookup(t models.ChannelType) (Sender, error) {
	s, ok := r[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChannel, t)
	}
	return s, nil
}

func configValue(ch *models.NotificationChannel, keys ...string) string {
	for _, k := range keys {
		if v := ch.Config[k]; v != "" {
			return v
		}
	}
	return ""
}
