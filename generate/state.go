// Package generate drives the token-by-token streaming loop: it assembles the
// prompt, pulls chunks from the inference engine, applies the ordered stop
// heuristics, and writes the cleaned response back to the session.
package generate

// State is the controller's position in the generation state machine:
// INIT → STREAMING → one of the stopped states (or ERROR) → CLOSED.
type State int

const (
	StateInit State = iota
	StateStreaming
	StateStoppedNormal     // natural completion or wrap-up cue
	StateStoppedPattern    // role-boundary or template marker detected
	StateStoppedRepetition // degenerate low-diversity output
	StateStoppedLimit      // hard max_tokens limit
	StateError             // engine failure mid-stream
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStreaming:
		return "streaming"
	case StateStoppedNormal:
		return "stopped_normal"
	case StateStoppedPattern:
		return "stopped_pattern"
	case StateStoppedRepetition:
		return "stopped_repetition"
	case StateStoppedLimit:
		return "stopped_limit"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one incremental frame pushed to the client.
type Event struct {
	Token string `json:"token,omitempty"`
	Error string `json:"error,omitempty"`
	Done  bool   `json:"done,omitempty"`
}
