package api

// CreateRunRequest is the demo submission body. Unknown fields anywhere in
// the document are rejected during decoding.
type CreateRunRequest struct {
	Inputs struct {
		Question string `json:"question"`
	} `json:"inputs"`
}

// Maximum accepted sizes for demo submissions. Both bound abuse, not
// correctness: the question is fingerprinted, never interpreted.
const (
	MaxBodyBytes   = 4096
	MaxQuestionLen = 512
)
