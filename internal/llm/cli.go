package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

const defaultCLIPath = "claude"

// jsonOnlyInstruction is appended to the system prompt in JSON mode; the CLI
// has no response_format switch.
const jsonOnlyInstruction = "Respond with RAW JSON only. Do not wrap it in code fences and do not add any text before or after the JSON."

// CLIClient runs the Claude CLI in stream-json mode for each completion.
type CLIClient struct {
	path  string
	model string
}

// NewCLIClient returns a client invoking the claude binary at path.
func NewCLIClient(path, model string) *CLIClient {
	if path == "" {
		path = defaultCLIPath
	}
	return &CLIClient{path: path, model: model}
}

// Complete runs the CLI and returns its final result. Assistant text blocks
// are forwarded to req.OnChunk as they arrive.
func (c *CLIClient) Complete(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", errors.New("llm complete: prompt required")
	}

	system := req.System
	if req.JSON {
		system = strings.TrimSpace(system + "\n\n" + jsonOnlyInstruction)
	}

	args := []string{"--print", "--verbose", "--output-format", "stream-json"}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	if system != "" {
		args = append(args, "--system-prompt", system)
	}
	args = append(args, req.Prompt)

	cmd := exec.CommandContext(ctx, c.path, args...)
	cmd.Env = filteredEnv()

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start claude: %w", err)
	}

	var finalResult string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		text, result, ok := parseLine(line)
		if !ok {
			continue
		}
		if result != "" {
			finalResult = result
		}
		if text != "" && req.OnChunk != nil {
			req.OnChunk(text)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// The CLI reports most failures as a result line on stdout.
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = finalResult
		}
		return "", fmt.Errorf("claude exited: %w: %s", err, detail)
	}

	if req.JSON {
		finalResult = StripCodeFences(finalResult)
	}
	return finalResult, nil
}

// filteredEnv drops CLAUDE* variables so a nested CLI does not inherit the
// parent session.
func filteredEnv() []string {
	env := os.Environ()
	filtered := make([]string, 0, len(env))
	for _, kv := range env {
		if !strings.HasPrefix(kv, "CLAUDE") {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}

// parseLine extracts assistant text and/or the final result from one
// stream-json line.
func parseLine(line []byte) (text, result string, ok bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return "", "", false
	}

	var msgType string
	if err := json.Unmarshal(raw["type"], &msgType); err != nil {
		return "", "", false
	}

	switch msgType {
	case "assistant":
		content := raw["content"]
		if msg, found := raw["message"]; found {
			var inner struct {
				Content json.RawMessage `json:"content"`
			}
			if json.Unmarshal(msg, &inner) == nil && inner.Content != nil {
				content = inner.Content
			}
		}
		return assistantText(content), "", true
	case "result":
		if err := json.Unmarshal(raw["result"], &result); err != nil {
			return "", "", false
		}
		return "", result, true
	}
	return "", "", false
}

func assistantText(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
