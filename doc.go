// Package flowrunner is an integration runtime: long-lived receivers take
// work from a broker topic, a SQL queue or a watched directory, hand each
// message to a pipeline and settle it, optionally inside a transaction.
//
// Service owns one StatusRecordingManager per process. It persists the
// transaction manager uid and writes ACTIVE, COMPLETED or PENDING to a status
// file so an external recovery scanner knows whether the last shutdown was
// clean. Receivers move through the run states STOPPED, STARTING, STARTED,
// STOPPING, EXCEPTION_STARTING, EXCEPTION_STOPPING and ERROR; every
// transition lands in the receiver's operational log.
//
// A minimal setup fills Config, creates a Service, adds receivers with a
// Pipeline (JSONPipeline and ProtoPipeline build typed ones) and calls
// Start.
//
// # Transports
//
// Receivers read from the transports in the transport package: channel,
// kafka, rabbitmq, nats, aws, sqlite and postgres. Import
// transport/transports to register all of them. The sqlite and postgres
// queues join the receiver's transaction, so a rolled back message stays
// queued.
//
// # Transactions
//
// Transaction ownership travels in the context. A goroutine that is handed
// the work of another one takes the transaction over with a Handoff and gives
// it back before the owner commits.
//
// # Poll watchdog
//
// A receiver with a PollGuardInterval is restarted when its last finished
// poll is older than the interval times PollGuardMultiplier.
package flowrunner
