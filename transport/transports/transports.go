// Package transports registers every built-in transport with the default
// registry. Import it for its side effect.
package transports

import (
	_ "github.com/drblury/flowrunner/transport/aws"
	_ "github.com/drblury/flowrunner/transport/channel"
	_ "github.com/drblury/flowrunner/transport/kafka"
	_ "github.com/drblury/flowrunner/transport/nats"
	_ "github.com/drblury/flowrunner/transport/postgres"
	_ "github.com/drblury/flowrunner/transport/rabbitmq"
	_ "github.com/drblury/flowrunner/transport/sqlite"
)
