/*
Package runtime wires receivers, their intakes and the transaction manager
handle into a Service.

# Service (service.go)

The Service owns:
  - the StatusRecordingManager that writes the tm uid and status files
  - the lazily built transport of the configured PubSubSystem
  - the receivers, in registration order
  - a recovery job that restarts receivers left in ERROR
  - HTTP servers for Prometheus metrics and the status API

Open starts the transaction manager before any receiver. A status file that
cannot be written aborts startup. Shutdown stops receivers concurrently,
closes the transport and only then destroys the transaction manager, which
writes COMPLETED or PENDING.

# Intakes

BuildIntake turns a ReceiverConfig into a listener:
  - subscriber: a Watermill subscription on the transport
  - sqlqueue: a polling listener on the sqlite or postgres queue, joining the
    receiver's transaction
  - directory: files dropped into a watched directory

# Status API (status_api.go)

JSON endpoints under /api/ expose receiver state and statistics, the
transaction manager status and the dead letter queues of transports that
keep one.

# Sub-packages

  - config/: Service and receiver configuration, TOML loading
  - errors/: Sentinel errors and error types
  - handlers/: Typed JSON and protobuf pipelines
  - intake/: Subscriber and directory listeners
  - lifecycle/: Run state machine
  - listener/: Intake contracts
  - metrics/: Prometheus collectors
  - opslog/: Bounded operational log
  - receiver/: Receiver loop, hooks and statistics
  - sqlqueue/: SQL backed queue shared by the sqlite and postgres transports
  - txn/: Transactions, handoff and the status recording manager
  - watchdog/: Poll watchdog and cron scheduling
*/
package runtime
