package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

type execEngine struct {
	cmd      []string
	variant  string
	language string
}

type execResult struct {
	Text string `json:"text"`
}

// NewExecEngine wraps an external transcriber. The command is invoked as
// `<command> --audio <path> --model <variant> [--language <lang>]` and must
// print {"text": "..."} on stdout.
func NewExecEngine(command, variant, language string) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("stt command not runnable: %w", err)
	}
	return &execEngine{cmd: args, variant: variant, language: language}, nil
}

func (e *execEngine) Transcribe(ctx context.Context, audioPath string) (string, error) {
	base := e.cmd[0]
	cmdArgs := append([]string{}, e.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", audioPath)
	if e.variant != "" {
		cmdArgs = append(cmdArgs, "--model", e.variant)
	}
	if e.language != "" {
		cmdArgs = append(cmdArgs, "--language", e.language)
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode stt response: %w", err)
	}
	return resp.Text, nil
}
