// Package cli implements the interactive console for Idhini. It drives the
// agent and acts as the default operator decision channel: while the agent is
// blocked on an approval, the console prompts the operator and submits the
// decision.
package cli

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jkaninda/idhini/internal/agent"
	"github.com/jkaninda/idhini/internal/approval"
)

const consoleOperator = "console"

// Console is the interactive command-line front-end.
type Console struct {
	agent    *agent.Agent
	registry *approval.Registry
	logger   *slog.Logger
	notices  chan approval.Notice
	lines    chan string
	done     chan struct{}
}

// NewConsole creates a console. The registry and agent are attached with
// WithRegistry and WithAgent once they exist; the console's Notifier can be
// handed to the registry before either is set.
func NewConsole(logger *slog.Logger) *Console {
	return &Console{
		logger:  logger,
		notices: make(chan approval.Notice, 16),
		lines:   make(chan string),
		done:    make(chan struct{}),
	}
}

// WithRegistry attaches the approval registry used to submit decisions.
func (c *Console) WithRegistry(reg *approval.Registry) *Console {
	c.registry = reg
	return c
}

// WithAgent attaches the agent driven by the interactive loop.
func (c *Console) WithAgent(a *agent.Agent) *Console {
	c.agent = a
	return c
}

// Notifier returns the approval.Notifier that feeds this console. Notices
// are buffered so the requesting path never blocks on the terminal.
func (c *Console) Notifier() approval.Notifier {
	return approval.NotifierFunc(func(n approval.Notice) {
		select {
		case c.notices <- n:
		default:
			// The console is not keeping up; the request still times out on
			// its own, so dropping the prompt is safe.
			c.logger.Warn("dropping approval notice", slog.String("approval_id", n.ID))
		}
	})
}

// Start runs the interactive loop. Blocks until ctx is cancelled, Stop is
// called, or the user types "exit".
func (c *Console) Start(ctx context.Context) error {
	if c.agent == nil || c.registry == nil {
		return fmt.Errorf("console requires an agent and a registry")
	}
	go c.readStdin()

	fmt.Println("Idhini, a human-in-the-loop AI agent")
	fmt.Println("Type your message (or \"exit\" to quit).")
	fmt.Println()

	for {
		fmt.Print("idhini> ")

		var line string
		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down.")
			return nil
		case <-c.done:
			fmt.Println("\nShutting down.")
			return nil
		case l, ok := <-c.lines:
			if !ok {
				return nil
			}
			line = l
		}

		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			fmt.Println("Goodbye.")
			return nil
		}

		if err := c.processTurn(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

// processTurn runs one agent turn. The turn executes in its own goroutine so
// the console can keep servicing approval prompts while the agent is blocked
// inside the execution gate.
func (c *Console) processTurn(ctx context.Context, line string) error {
	correlationID := newCorrelationID()

	type turnResult struct {
		resp *agent.Response
		err  error
	}
	result := make(chan turnResult, 1)

	go func() {
		resp, err := c.agent.Process(ctx, &agent.Input{
			Message:       line,
			CorrelationID: correlationID,
		})
		result <- turnResult{resp: resp, err: err}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-c.notices:
			c.promptApproval(ctx, n)
		case r := <-result:
			if r.err != nil {
				c.logger.ErrorContext(ctx, "agent processing failed",
					slog.String("correlation_id", correlationID),
					slog.String("error", r.err.Error()),
				)
				return r.err
			}
			fmt.Println()
			fmt.Println(r.resp.Message)
			fmt.Println()
			return nil
		}
	}
}

// promptApproval asks the operator for a decision on one pending request.
// Anything other than explicit consent rejects.
func (c *Console) promptApproval(ctx context.Context, n approval.Notice) {
	fmt.Println()
	fmt.Println("--- approval required ---")
	fmt.Printf("  tool: %s\n", n.ToolName)
	fmt.Printf("  args: %s\n", n.ArgsSummary)
	fmt.Printf("  decide within %s\n", n.Timeout)
	fmt.Print("approve? [y/N]: ")

	var answer string
	select {
	case <-ctx.Done():
		return
	case l, ok := <-c.lines:
		if !ok {
			return
		}
		answer = l
	}

	outcome := approval.StatusRejected
	switch strings.ToLower(answer) {
	case "y", "yes":
		outcome = approval.StatusApproved
	}

	if err := c.registry.Decide(n.ID, outcome, consoleOperator); err != nil {
		// Likely decided elsewhere or timed out while the prompt was open.
		fmt.Printf("decision not applied: %v\n", err)
		return
	}
	fmt.Printf("recorded: %s\n", outcome)
}

// readStdin feeds lines into the console's line channel. A single reader
// goroutine owns stdin for both the REPL and approval prompts.
func (c *Console) readStdin() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		c.lines <- strings.TrimSpace(scanner.Text())
	}
	close(c.lines)
}

// Stop signals the interactive loop to exit.
func (c *Console) Stop() {
	close(c.done)
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
