// Package flowbind binds application handlers to message broker topics and
// supervises the resulting pipelines. It reads the target transport (Kafka,
// RabbitMQ, AWS SNS/SQS, NATS, HTTP or Go channels) from Config, wraps the
// Watermill publisher and subscriber behind one stream-oriented transport, and
// runs one supervised pipeline per binding and owned partition.
//
// A handler declares its bindings with the builders in this package:
// SubscribeMessages for at-most-once consumption, ProcessMessages and
// SubscribeEnvelopes for at-least-once consumption, PublishMessages for
// fire-and-forget publishing and PublishEnvelopes for resumable publishing.
// The acknowledgement mode follows from the builder, never from a flag.
//
// # Supervision
//
// A failing pipeline restarts with exponential backoff. Uncommitted deliveries
// are redelivered, resumable publishers are re-invoked with the last confirmed
// offset, and a pipeline that keeps failing is stopped and reported through
// Hooks. Failures never cross into other pipelines.
//
// # Partitions
//
// Partitioned bindings with a fixed count are spread across the live processes
// of a cluster. Membership comes from a static list, a LocalGroup or NATS
// heartbeats, and a partition is never processed by two processes at once.
//
// # Offsets
//
// Committed positions are kept in an OffsetStore: in memory, SQLite,
// PostgreSQL or Pebble. Offsets are either sequence numbers or time-based
// UUIDs; mixing the two on one stream is a fatal error.
//
// Streams outside supervision are available through Broker.Client, which
// hands out typed publishers and subscribers for the same topics.
package flowbind
