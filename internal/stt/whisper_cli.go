package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// WhisperCLI runs whisper.cpp against a temporary copy of the audio.
type WhisperCLI struct {
	cliPath   string
	modelPath string
	language  string
	threads   int
}

func NewWhisperCLI(cli, modelPath, language string, threads int) (*WhisperCLI, error) {
	cli = strings.TrimSpace(cli)
	if cli == "" {
		cli = "whisper-cli"
	}
	cliPath, err := exec.LookPath(cli)
	if err != nil {
		return nil, fmt.Errorf("whisper.cpp CLI not found (%s)", cli)
	}
	modelPath = strings.TrimSpace(modelPath)
	if modelPath == "" {
		return nil, fmt.Errorf("LOCAL_WHISPER_MODEL_PATH is required")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("whisper.cpp model not found: %s", modelPath)
	}
	if strings.TrimSpace(language) == "" {
		language = "en"
	}
	if threads <= 0 {
		threads = min(max(runtime.NumCPU(), 2), 8)
	}
	return &WhisperCLI{cliPath: cliPath, modelPath: modelPath, language: language, threads: threads}, nil
}

func (w *WhisperCLI) Recognize(ctx context.Context, a Audio) (string, error) {
	if len(a.Data) == 0 {
		return "", nil
	}
	tmpDir, err := os.MkdirTemp("", "voicecall-whisper-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpDir)

	ext := filepath.Ext(a.Name)
	if ext == "" {
		ext = ".wav"
	}
	inPath := filepath.Join(tmpDir, "audio"+ext)
	if err := os.WriteFile(inPath, a.Data, 0o600); err != nil {
		return "", err
	}
	outPrefix := filepath.Join(tmpDir, "out")

	args := []string{
		"-m", w.modelPath,
		"-f", inPath,
		"-l", w.language,
		"-otxt",
		"-of", outPrefix,
		"-nt",
		"-t", strconv.Itoa(w.threads),
	}
	cmd := exec.CommandContext(ctx, w.cliPath, args...)
	cmd.Stdout = io.Discard
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("whisper.cpp timed out")
		}
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > 4<<10 {
			detail = strings.TrimSpace(detail[len(detail)-(4<<10):])
		}
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("whisper.cpp failed: %s", detail)
	}

	b, err := os.ReadFile(outPrefix + ".txt")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
