// Package transports registers every built-in bus with the default registry.
package transports

import (
	_ "github.com/drblury/eventmediator/transport/aws"
	_ "github.com/drblury/eventmediator/transport/channel"
	_ "github.com/drblury/eventmediator/transport/http"
	_ "github.com/drblury/eventmediator/transport/kafka"
	_ "github.com/drblury/eventmediator/transport/nats"
	_ "github.com/drblury/eventmediator/transport/rabbitmq"
)
