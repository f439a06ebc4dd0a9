package errorsx

// ReasonCode is a short machine-readable error reason sent to clients.
type ReasonCode string

const (
	ReasonInternal ReasonCode = "INTERNAL"

	ReasonDuplicateFlow ReasonCode = "DUPLICATE_FLOW"
	ReasonUnknownFlow   ReasonCode = "UNKNOWN_FLOW"
	ReasonBadRequest    ReasonCode = "BAD_REQUEST"
	ReasonBadParams     ReasonCode = "BAD_PARAMS"

	ReasonVADRuntime     ReasonCode = "VAD_RUNTIME"
	ReasonStageCompress  ReasonCode = "STAGE_COMPRESS"
	ReasonStageRecognize ReasonCode = "STAGE_RECOGNIZE"

	ReasonChainCompressFailed ReasonCode = "CHAIN_COMPRESS_FAILED"
)
