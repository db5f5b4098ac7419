package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Factory builds one Interpreter per session. All interpreters share the
// completer; each gets its own workspace under the sandbox dir.
type Factory struct {
	cfg Config
	llm Completer
}

func NewFactory(cfg Config) (*Factory, error) {
	llm, err := NewCompleter(cfg)
	if err != nil {
		return nil, err
	}
	return NewFactoryWithCompleter(cfg, llm), nil
}

func NewFactoryWithCompleter(cfg Config, llm Completer) *Factory {
	if cfg.SandboxDir == "" {
		cfg.SandboxDir = filepath.Join(os.TempDir(), "open-interpreter")
	}
	return &Factory{cfg: cfg, llm: llm}
}

func (f *Factory) New(ctx context.Context, sessionID string) (*Interpreter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	runner, err := NewRunner(f.cfg.SandboxDir, sessionID, f.cfg.ExecTimeout)
	if err != nil {
		return nil, fmt.Errorf("interpreter for %s: %w", sessionID, err)
	}

	return NewInterpreter(sessionID, f.llm, runner, f.cfg), nil
}

func (f *Factory) Model() string {
	return f.llm.Model()
}

func (f *Factory) Provider() string {
	return f.llm.Provider()
}
