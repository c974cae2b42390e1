package speech

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/ent0n29/voicecall/internal/audio"
)

// ExecPlayer plays clips with an external command such as mpv. The clip is
// written to a temporary file whose path is appended to Args.
type ExecPlayer struct {
	path string
	args []string
}

func NewExecPlayer(command string, args ...string) (*ExecPlayer, error) {
	if strings.TrimSpace(command) == "" {
		command = "mpv"
		if len(args) == 0 {
			args = []string{"--no-video", "--really-quiet"}
		}
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("audio player not found (%s)", command)
	}
	return &ExecPlayer{path: path, args: args}, nil
}

func (p *ExecPlayer) Play(ctx context.Context, clip Clip) error {
	ext := ".wav"
	if audio.Sniff(clip.Data) == audio.FormatMP3 {
		ext = ".mp3"
	}
	f, err := os.CreateTemp("", "voicecall-reply-*"+ext)
	if err != nil {
		return err
	}
	name := f.Name()
	defer os.Remove(name)
	if _, err := f.Write(clip.Data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, p.path, append(append([]string{}, p.args...), name)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", p.path, err, msg)
		}
		return fmt.Errorf("%s: %w", p.path, err)
	}
	return nil
}
