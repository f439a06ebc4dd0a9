// Package vad provides the per-frame speech decision used by the segmenter.
// The EnergyDetector classifies frames by smoothed RMS energy against a
// probability threshold; any model-backed classifier can satisfy Detector.
package vad
