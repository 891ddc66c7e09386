package sendpipe

// NetworkObservation is the rolling per-connection signal the adaptive
// quality helper reacts to.
type NetworkObservation struct {
	AvgLatencyMS   float64
	JitterMS       float64
	LossFraction   float64
	BytesPerSecond float64
}

// QualitySettings is what AdaptQuality derives from an observation: how
// often to push updates, how much position precision to spend bits on,
// and whether compression/aggregation are worth the CPU at this quality
// level.
type QualitySettings struct {
	UpdateRateHz          int
	PositionPrecisionBits int
	EnableCompression     bool
	EnableAggregation     bool
}

// AdaptQuality derives connection quality settings from observed
// network conditions. Good conditions (low latency/jitter/loss) earn a
// higher update rate and precision; poor conditions trade fidelity for
// reliability by leaning on compression and aggregation instead.
func AdaptQuality(obs NetworkObservation) QualitySettings {
	switch {
	case obs.AvgLatencyMS <= 50 && obs.JitterMS <= 10 && obs.LossFraction <= 0.01:
		return QualitySettings{UpdateRateHz: 30, PositionPrecisionBits: 16, EnableCompression: false, EnableAggregation: false}
	case obs.AvgLatencyMS <= 120 && obs.JitterMS <= 30 && obs.LossFraction <= 0.03:
		return QualitySettings{UpdateRateHz: 15, PositionPrecisionBits: 14, EnableCompression: true, EnableAggregation: true}
	case obs.AvgLatencyMS <= 250 && obs.LossFraction <= 0.08:
		return QualitySettings{UpdateRateHz: 10, PositionPrecisionBits: 12, EnableCompression: true, EnableAggregation: true}
	default:
		return QualitySettings{UpdateRateHz: 5, PositionPrecisionBits: 10, EnableCompression: true, EnableAggregation: true}
	}
}
