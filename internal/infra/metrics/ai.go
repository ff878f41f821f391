package metrics

import "github.com/prometheus/client_golang/prometheus"

// Results of one AI call, used as the "result" label.
const (
	AIResultOK          = "ok"
	AIResultEmpty       = "empty"
	AIResultRateLimited = "rate_limited"
	AIResultError       = "error"
)

func init() {
	register(
		aiTokensIn,
		aiTokensOut,
		aiCallsLatencyMs,
		aiInFlight,
	)
}

var (
	aiTokensIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_prompt_tokens_total",
			Help: "Sum of prompt (input) tokens per provider/model.",
		},
		[]string{"provider", "model"},
	)

	aiTokensOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_completion_tokens_total",
			Help: "Sum of completion (output) tokens per provider/model.",
		},
		[]string{"provider", "model"},
	)

	aiCallsLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_calls_latency_ms",
			Help:    "AI call latency distribution in milliseconds.",
			Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
		},
		[]string{"provider", "model", "result"},
	)

	aiInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ai_calls_in_flight",
			Help: "AI calls currently holding a concurrency slot.",
		},
	)
)

// ObserveChatUsage records one proposal, hook or reaction call.
func ObserveChatUsage(provider, model string, tokensIn, tokensOut int, latencyMs int64, result string) {
	provider, model = norm(provider), norm(model)
	if tokensIn > 0 {
		aiTokensIn.WithLabelValues(provider, model).Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		aiTokensOut.WithLabelValues(provider, model).Add(float64(tokensOut))
	}
	aiCallsLatencyMs.WithLabelValues(provider, model, norm(result)).Observe(float64(latencyMs))
}

func AICallStarted()  { aiInFlight.Inc() }
func AICallFinished() { aiInFlight.Dec() }
