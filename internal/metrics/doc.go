// Package metrics defines the Prometheus collectors exported by the chat core.
package metrics
