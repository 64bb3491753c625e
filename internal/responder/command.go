package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// DefaultPrompt wraps the inbound text before it is handed to the agent CLI.
const DefaultPrompt = "너는 A2A-Live responder 에이전트다. 아래 질문에 한국어로 4~6문장으로 의미 있게 답해라.\n질문: %s"

// Command runs an openclaw-compatible agent CLI once per message:
//
//	<bin> agent --local --agent <agent> --session-id a2alive-<session>-<thread> --message <prompt> --json
//
// and reads the reply from payloads[0].text of the JSON it prints.
type Command struct {
	Bin    string // default "openclaw"
	Agent  string // default "bridge"
	Prompt string // fmt template with one %s for the text; default DefaultPrompt
}

// NewCommand returns a Command for the given agent name.
func NewCommand(bin, agent string) *Command {
	if bin == "" {
		bin = "openclaw"
	}
	if agent == "" {
		agent = "bridge"
	}
	return &Command{Bin: bin, Agent: agent, Prompt: DefaultPrompt}
}

// Health checks that the binary can be found.
func (c *Command) Health() error {
	if _, err := exec.LookPath(c.Bin); err != nil {
		return fmt.Errorf("%s health check failed: %w", c.Bin, err)
	}
	return nil
}

// Args returns the command line arguments for req.
func (c *Command) Args(req Request) []string {
	prompt := c.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}
	return []string{
		"agent",
		"--local",
		"--agent", c.Agent,
		"--session-id", fmt.Sprintf("a2alive-%s-%s", req.SessionID, req.ThreadID),
		"--message", fmt.Sprintf(prompt, req.Text),
		"--json",
	}
}

type commandOutput struct {
	Payloads []struct {
		Text string `json:"text"`
	} `json:"payloads"`
}

// Generate runs the CLI and returns the trimmed reply. An empty reply is
// returned as "" with a nil error; the caller decides what to substitute.
func (c *Command) Generate(ctx context.Context, req Request) (string, error) {
	cmd := exec.CommandContext(ctx, c.Bin, c.Args(req)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("run %s: %w: %s", c.Bin, err, msg)
		}
		return "", fmt.Errorf("run %s: %w", c.Bin, err)
	}
	return parseOutput(out)
}

func parseOutput(out []byte) (string, error) {
	var parsed commandOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return "", fmt.Errorf("parse agent output: %w", err)
	}
	if len(parsed.Payloads) == 0 {
		return "", nil
	}
	return strings.TrimSpace(parsed.Payloads[0].Text), nil
}
