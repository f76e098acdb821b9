package runs

import (
	"encoding/json"
	"time"
)

// Disclosure is attached to every receipt, poll view and result payload.
const Disclosure = "This result was generated by an automated decision system " +
	"for demonstration purposes. It is not professional advice and must not " +
	"be the sole basis for any real-world decision."

// Result is the synthesized demo decision payload. Deterministic apart from
// the generation timestamp so demo output is reproducible.
type Result struct {
	Decision        string   `json:"decision"`
	ConfidenceScore float64  `json:"confidence_score"`
	Reasoning       string   `json:"reasoning"`
	Factors         []Factor `json:"factors"`

	GeneratedAt   time.Time `json:"generated_at"`
	IsAIGenerated bool      `json:"is_ai_generated"`
	Disclaimer    string    `json:"disclaimer"`
}

type Factor struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
}

func demoResult(generatedAt time.Time) Result {
	return Result{
		Decision:        "APPROVED",
		ConfidenceScore: 0.927,
		Reasoning: "Based on the submitted question, the decision system has " +
			"evaluated the request against available criteria and determined " +
			"approval with high confidence.",
		Factors: []Factor{
			{Name: "relevance", Score: 0.95, Weight: 0.4},
			{Name: "completeness", Score: 0.88, Weight: 0.3},
			{Name: "clarity", Score: 0.92, Weight: 0.3},
		},
		GeneratedAt:   generatedAt,
		IsAIGenerated: true,
		Disclaimer:    Disclosure,
	}
}

func demoResultJSON(generatedAt time.Time) (json.RawMessage, error) {
	return json.Marshal(demoResult(generatedAt))
}
