// Package channel runs flowbind inside one process on watermill's GoChannel.
//
// Every physical topic keeps its history, and each subscription first replays
// that history and then follows new records. A pipeline restarted by the
// supervisor therefore sees again what it had not committed. Replay order is
// not preserved, and each subscription sees every record, so there are no
// consumer groups.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/flowbind/transport"
)

// TransportName is the PubSubSystem value selecting this backend.
const TransportName = "channel"

// Settings are the GoChannel options Build uses. Publishing does not wait for
// subscriber acks.
var Settings = gochannel.Config{Persistent: true}

// Factory creates the GoChannel. Tests swap it to observe Settings.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

func init() {
	Register()
}

// Build returns a GoChannel shared by publisher and subscriber. cfg is not
// read.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(Settings, logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities reports redelivery, replay and concurrent acknowledgement,
// without ordering or native offsets.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
