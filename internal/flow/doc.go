// Package flow owns the per-flow sequencing of the pipeline. An
// Orchestrator keeps the live flow table; each Session runs incoming frames
// through speech detection, segmentation and Denoise, buffers the cleaned
// utterance, and on flush drains it through a Finisher (Language-ID,
// Compress and Recognize, or a chained Compress push). An IdleTimer flushes
// flows that go quiet.
package flow
