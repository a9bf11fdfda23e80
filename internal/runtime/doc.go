/*
Package runtime provides the command processing infrastructure for commandflow.

# Architecture Overview

A Service subscribes listener clients to transport topics, one per channel and
priority. The poll loop asks the poll coordinator which clients may deliver
work, pulls their buffered payloads and submits them to the task scheduler. The
scheduler admits tasks per priority level and runs them through the command
dispatcher, whose middleware chain wraps every registered command.

# Package Structure

## Core Service (service.go)

The Service struct is the central orchestrator that wires together:
  - Transport publisher and subscribers (Watermill)
  - Listener clients and the poll loop
  - Task scheduler and poll coordinator
  - Command dispatcher and middleware chain
  - Outgoing request tracker and master job elections
  - HTTP servers for metrics and WebUI

## Registration (registration.go)

Raw, typed, master-only commands and master jobs, schedules, and the
Request/RequestAsync helpers for outgoing requests.

## Middleware (middleware.go, hooks.go)

The default chain, outermost first:
  - CorrelationID: process correlation key for traceability
  - LogMessages: debug logging of handled payloads
  - Tracer: OpenTelemetry spans
  - Stats: per-command statistics and Prometheus metrics
  - Retry: exponential backoff inside the processing budget
  - Recoverer: panic recovery

JobHooks add lifecycle callbacks around every command.

## Stats & Monitoring (models.go, resources.go, metrics.go, stats.go)

  - Latency percentiles (p50, p95, p99)
  - Throughput tracking
  - Error categorization
  - Backlog estimation
  - CPU sampling that also drives the scheduler's concurrency limit

## Publishing (publisher.go)

Send, Publish and response forwarding, with direct local execution when
ExecuteInternalDirect is enabled.

## WebUI (webui.go)

HTTP API for introspecting statistics and registered commands.

# Sub-packages

  - codec/: JSON and protobuf serializers
  - config/: Service configuration with validation
  - dispatch/: Command table and middleware chain
  - errors/: Sentinel errors and error types
  - handlers/: Typed command handlers and their context
  - ids/: ULID and service id generation
  - logging/: Logger interface and adapters
  - masterjob/: Master election and master-only jobs
  - metadata/: Message metadata utilities
  - outgoing/: Request/response correlation with timeouts
  - payload/: Headers, messages and the Watermill wire mapping
  - poll/: Poll coordinator and yield algorithm
  - schedule/: Interval schedules
  - scheduler/: Priority task scheduler
  - transport/: Factory resolving the configured transport
*/
package runtime
