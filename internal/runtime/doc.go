/*
Package runtime hosts the Broker, the object applications talk to.

A Broker owns a binding registry, a partition coordinator and a pipeline
supervisor. Register validates a handler's declarations into descriptors.
Start joins the cluster, tracks partitioned bindings with the coordinator and
starts one pipeline for every unpartitioned binding. The coordinator calls
back into the broker as partitions are acquired and released; a released
partition is confirmed only once its pipeline has drained.

# Package Structure

  - binding: declarations, descriptors and the registry
  - supervisor: pipelines, restart backoff, hooks and metrics
  - partition: fair, sticky assignment and overlap-free handover
  - membership: static, in-process and NATS heartbeat member views
  - transport: the stream abstraction over watermill backends
  - offsetstore: committed positions in memory, SQL or Pebble
  - client: typed streams outside supervision

The broker also serves /metrics and /api/pipelines when enabled in Config.
*/
package runtime
