package flow

import (
	"github.com/skypro1111/vad-orchestrator/internal/errorsx"
)

var (
	// ErrDuplicateFlow is returned by Start for an id that is still live
	ErrDuplicateFlow = errorsx.New(errorsx.ReasonDuplicateFlow, "flow already active")

	// ErrUnknownFlow is returned for operations on an id with no live session
	ErrUnknownFlow = errorsx.New(errorsx.ReasonUnknownFlow, "unknown flow")

	// ErrFlowFlushing is returned by FeedFrame once a flush has begun
	ErrFlowFlushing = errorsx.New(errorsx.ReasonUnknownFlow, "flow is flushing")

	// ErrMalformedFrame is returned for PCM16 payloads of odd length
	ErrMalformedFrame = errorsx.New(errorsx.ReasonVADRuntime, "malformed PCM16 frame")

	// ErrTooManyFlows is returned by Start when the flow limit is reached
	ErrTooManyFlows = errorsx.New(errorsx.ReasonBadRequest, "too many active flows")

	// ErrBadSampleRate is returned by Start for a rate other than the configured one
	ErrBadSampleRate = errorsx.New(errorsx.ReasonBadParams, "unsupported sample rate")
)
