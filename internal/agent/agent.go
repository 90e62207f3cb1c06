// Package agent implements the conversation loop that drives the LLM and
// dispatches requested tool invocations through the execution gate.
package agent

import (
	"errors"

	"github.com/jkaninda/idhini/internal/gate"
)

// DefaultMaxIterations is the safety guard against infinite tool-use loops.
const DefaultMaxIterations = 25

// ErrMaxIterations is returned when a conversation turn exceeds the
// tool-use iteration guard.
var ErrMaxIterations = errors.New("maximum tool-use iterations reached")

// Input represents a user request entering the agent.
type Input struct {
	Message       string
	CorrelationID string
}

// Response is the agent's output after LLM processing.
type Response struct {
	Message     string
	TokensUsed  int
	ToolResults []ToolCallResult // Summary of tools dispatched during processing.
}

// ToolCallResult summarizes a single gated tool dispatch within a turn.
type ToolCallResult struct {
	ToolName   string
	Executed   bool
	DenyReason gate.DenyReason // DenyNone unless the gate denied the call.
}
