// Package commandflow is a command-processing runtime for services that talk
// to each other over a message bus. Payloads are addressed by a three-part
// header (channel, message type, action type) and travel on per-priority
// topics, so "orders" at priority 2 is consumed from the "orders.p2" topic.
//
// A Service reads the transport (Go channels, Kafka, RabbitMQ, NATS, AWS
// SNS/SQS or HTTP) from Config, subscribes one listener per configured
// channel and priority, and runs a poll loop that hands buffered payloads to a
// priority scheduler. The scheduler reserves execution slots per priority
// level and abandons tasks that overrun their processing time. Commands are
// resolved by header, with partial keys acting as wildcards, and run through
// the middleware chain before their replies are sent to the response route the
// request carried.
//
// A minimal setup fills Config, creates a Service, registers commands and
// calls Start:
//
//	svc, err := commandflow.NewService(ctx, cfg, logger, commandflow.ServiceDependencies{})
//	if err != nil {
//		return err
//	}
//	key := commandflow.NewHeader("orders", "order", "create")
//	err = commandflow.RegisterJSONCommand(svc, "create-order", key, createOrder)
//	...
//	return svc.Start(ctx)
//
// # Outgoing requests
//
// Request sends a typed request to another service and waits for the reply on
// the instance's response channel. Every request ends exactly once: with the
// decoded reply, a timeout, a cancellation or a transmit failure, all reported
// through Response.Status. When Scheduler.ExecuteInternalDirect is set,
// requests for commands this service handles itself skip the broker.
//
// # Master jobs
//
// Commands and periodic jobs registered with RegisterMasterCommand and
// RegisterMasterJob run on exactly one instance at a time. Instances elect the
// master by broadcasting on a negotiation channel; the lowest service id wins
// a contested election and standbys take over when the master goes quiet.
//
// # Middleware
//
// The default middleware chain injects process correlation keys, logs each
// payload, opens an OpenTelemetry span, records per-command statistics,
// retries transient failures with exponential backoff and recovers panics.
// Custom middleware can be added via ServiceDependencies.Middlewares.
//
// # Job Hooks
//
// JobHooksMiddleware provides OnJobStart, OnJobDone, and OnJobError callbacks
// for custom logging, metrics collection, and alerting around command
// execution. SchedulerHooks observe tasks at the scheduler level instead.
//
// # Observability
//
// With Metrics.Enabled the service serves Prometheus metrics on /metrics, and
// with WebUI.Enabled it serves JSON statistics on /api/stats and
// /api/commands.
package commandflow
