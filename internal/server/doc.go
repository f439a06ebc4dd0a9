// Package server exposes the orchestrator to clients. It serves the
// /ws/stream WebSocket (control frames plus binary PCM16 audio per flow),
// the /ws/vad chain front-end and the HTTP monitoring API.
package server
