package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ovenzeze/open-interpreter/internal/logger"
	"github.com/ovenzeze/open-interpreter/internal/message"
)

var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrTimeout             = errors.New("timeout exceeded")
)

// maxLineBytes caps one output line; the rest of a longer line is dropped.
const maxLineBytes = 1024 * 1024

// Runner executes code blocks for one session inside its own workspace
// directory.
type Runner struct {
	dir     string
	timeout time.Duration
}

// NewRunner creates a fresh workspace <baseDir>/<sessionID>-<random>. Every
// runner gets its own directory, so disposing of an evicted instance never
// touches the workspace of its replacement.
func NewRunner(baseDir, sessionID string, timeout time.Duration) (*Runner, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}

	path, err := os.MkdirTemp(baseDir, sessionID+"-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	return &Runner{dir: path, timeout: timeout}, nil
}

func (r *Runner) Dir() string {
	return r.dir
}

func (r *Runner) cleanEnv() []string {
	return []string{
		"HOME=" + r.dir,
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"LANG=en_US.UTF-8",
		"TERM=dumb",
		"SHELL=/bin/sh",
		"PYTHONUNBUFFERED=1",
	}
}

func command(format message.Format, code string) (string, []string, error) {
	switch format {
	case message.FormatPython:
		return "python3", []string{"-c", code}, nil
	case message.FormatJavaScript:
		return "node", []string{"-e", code}, nil
	case message.FormatShell:
		return "sh", []string{"-c", code}, nil
	default:
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, format)
	}
}

// Run executes code and calls onLine for every redacted line of combined
// stdout and stderr. The returned output is the full redacted text. A
// non-zero exit or a timeout is returned as an error alongside the output
// produced so far.
func (r *Runner) Run(ctx context.Context, format message.Format, code string, onLine func(string)) (string, error) {
	name, args, err := command(format, code)
	if err != nil {
		return "", err
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.dir
	cmd.Env = r.cleanEnv()
	cmd.WaitDelay = time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", name, err)
	}

	var output strings.Builder
	readErr := readLines(stdout, func(text string) {
		line, _ := Redact(text)
		output.WriteString(line)
		output.WriteString("\n")
		if onLine != nil {
			onLine(line + "\n")
		}
	})

	if err := cmd.Wait(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return output.String(), fmt.Errorf("%w after %s", ErrTimeout, r.timeout)
		}
		return output.String(), fmt.Errorf("exit: %w", err)
	}
	if readErr != nil {
		return output.String(), fmt.Errorf("read output: %w", readErr)
	}

	logger.Debug("code executed", "format", format, "dir", r.dir, "bytes", output.Len())
	return output.String(), nil
}

// readLines calls fn for every line of r without its line break. The pipe
// is always read to the end so the process never blocks on a full pipe;
// lines longer than maxLineBytes are cut and marked.
func readLines(r io.Reader, fn func(string)) error {
	br := bufio.NewReaderSize(r, 64*1024)

	var (
		line      []byte
		truncated bool
	)
	for {
		frag, err := br.ReadSlice('\n')
		if room := maxLineBytes + 1 - len(line); len(frag) > room {
			line = append(line, frag[:max(room, 0)]...)
			truncated = true
		} else {
			line = append(line, frag...)
		}

		if err == bufio.ErrBufferFull {
			continue
		}

		if len(line) > 0 {
			text := strings.TrimSuffix(strings.TrimSuffix(string(line), "\n"), "\r")
			if truncated {
				text = text[:min(len(text), maxLineBytes)] + " [line truncated]"
			}
			fn(text)
		}
		line, truncated = line[:0], false

		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Dispose removes the workspace and everything the session wrote to it.
func (r *Runner) Dispose() error {
	return os.RemoveAll(r.dir)
}
