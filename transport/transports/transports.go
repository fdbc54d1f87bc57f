// Package transports imports every built-in transport so that each registers
// itself with the default registry.
package transports

import (
	_ "github.com/drblury/flowbind/transport/aws"
	_ "github.com/drblury/flowbind/transport/channel"
	_ "github.com/drblury/flowbind/transport/http"
	_ "github.com/drblury/flowbind/transport/jetstream"
	_ "github.com/drblury/flowbind/transport/kafka"
	_ "github.com/drblury/flowbind/transport/nats"
	_ "github.com/drblury/flowbind/transport/rabbitmq"
)
