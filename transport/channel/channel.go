// Package channel provides the in-memory event transport used by tests and
// single-process runs. Events do not survive a restart.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/rpcflow/transport"
)

const (
	TransportName = "channel"
	Alias         = "gochannel"
)

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
	transport.DefaultRegistry.Alias(Alias, TransportName)
}

// Build returns one gochannel pub/sub serving both halves. Output channels
// are buffered so a handler that publishes does not block on its own topic.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(gochannel.Config{OutputChannelBuffer: 64}, logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
