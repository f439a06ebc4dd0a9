// Package opus is the in-process Compress stage. It wraps libopus through
// gopus and cuts flow audio into 20 ms mono Opus packets for recognition.
package opus
