// Package metrics defines the Prometheus instruments of the orchestrator:
// flow lifecycle, segmentation, flush outcomes, stage calls, client events,
// chain pushes and the monitoring HTTP API.
package metrics
