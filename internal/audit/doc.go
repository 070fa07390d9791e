// Package audit carries security events (lockouts, refresh reuse, rate-limit
// denials, fail-open decisions) from the engine to their sinks.
//
// [Dispatcher] relays events asynchronously through a bounded buffer. Sinks:
// [ZapSink] for the security log, [JSONWriterSink] for line-delimited files,
// [ChannelSink] for tests and [NoOpSink].
//
// The package decides nothing about which events exist; the engine does.
package audit
