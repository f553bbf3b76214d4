// Package metrics exports controller lifecycle events as Prometheus metrics.
//
// Key metrics:
//   - lifecycle events by kind
//   - live controllers, open connections and attached subscribers
//   - multiplexer resources and subscriptions
package metrics
