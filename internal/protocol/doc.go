// Package protocol defines the client envelope of the WebSocket transports:
// JSON control frames (start, flush) coming in and typed events (ack,
// language, asr_final, no_voice, end, error, result) going out. Binary frames
// are raw PCM16 and never pass through this package.
package protocol
