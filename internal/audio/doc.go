// Package audio holds the per-flow audio primitives: the voice-activity
// Segmenter that turns frames plus speech decisions into padded utterance
// segments, the PCM accumulation Buffer, and PCM16/WAV conversion helpers.
package audio
