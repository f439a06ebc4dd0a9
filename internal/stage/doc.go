// Package stage defines the contracts of the downstream processing stages a
// flow talks to: Denoise, Language-ID, Compress and Recognize. Transports
// live elsewhere (see stagerpc and opus); this package only holds the
// interfaces, value types, packetizing helper and typed stage failures.
package stage
