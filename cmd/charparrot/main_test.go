package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"charparrot/internal/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runContext(t, context.Background(), args...)
}

func runContext(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestTrainThenGenerate(t *testing.T) {
	dir := t.TempDir()
	corpus := filepath.Join(dir, "corpus.txt")
	if err := os.WriteFile(corpus, []byte(strings.Repeat("To be or not to be. ", 15)), 0o644); err != nil {
		t.Fatalf("write corpus: %v", err)
	}
	ckpt := filepath.Join(dir, "model.gob")
	metrics := filepath.Join(dir, "metrics.json")

	out, err := run(t, "train", "--corpus", corpus, "--checkpoint", ckpt, "--metrics", metrics,
		"--model", "gru", "--time-steps", "4", "--batch-size", "2", "--hidden-size", "8",
		"--layers", "1", "--epochs", "1", "--log-level", "error")
	if err != nil {
		t.Fatalf("train: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Done!") {
		t.Fatalf("missing summary in %q", out)
	}
	for _, path := range []string{ckpt, metrics} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("missing output: %v", err)
		}
	}

	out, err = run(t, "generate", "--checkpoint", ckpt, "--prime", "To be", "--length", "12",
		"--context", "4", "--temperature", "0.5", "--quiet", "--log-level", "error")
	if err != nil {
		t.Fatalf("generate: %v\n%s", err, out)
	}
	text := strings.TrimSuffix(out, "\n")
	if !strings.HasPrefix(text, "to be") || len([]rune(text)) != 5+12 {
		t.Fatalf("unexpected sample %q", text)
	}
}

func TestInterruptedTrainSaves(t *testing.T) {
	dir := t.TempDir()
	corpus := filepath.Join(dir, "corpus.txt")
	if err := os.WriteFile(corpus, []byte(strings.Repeat("abcd", 20)), 0o644); err != nil {
		t.Fatalf("write corpus: %v", err)
	}
	ckpt := filepath.Join(dir, "model.gob")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := runContext(t, ctx, "train", "--corpus", corpus, "--checkpoint", ckpt,
		"--time-steps", "4", "--batch-size", "2", "--hidden-size", "8", "--layers", "1",
		"--epochs", "1", "--log-level", "error")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expect context.Canceled, got %v", err)
	}
	if !strings.Contains(out, "Interrupted") || !strings.Contains(out, ckpt) {
		t.Fatalf("missing interrupt notice in %q", out)
	}
	if _, err := os.Stat(ckpt); err != nil {
		t.Fatalf("progress not saved: %v", err)
	}
}

func TestGenerateNeedsCheckpoint(t *testing.T) {
	if _, err := run(t, "generate", "--quiet"); err == nil {
		t.Fatalf("expect error without --checkpoint")
	}
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	if err := os.WriteFile(path, []byte(`{"model": "gru", "hidden_size": 16, "epochs": 3}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	root := newRootCmd()
	cmd, _, err := root.Find([]string{"train"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if err := cmd.ParseFlags([]string{"--hidden-size", "32"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	flags := config.Defaults()
	flags.HiddenSize = 32
	cfg, err := effectiveConfig(cmd, flags, path)
	if err != nil {
		t.Fatalf("effective config: %v", err)
	}
	if cfg.Model != "gru" || cfg.Epochs != 3 {
		t.Fatalf("file values lost: %+v", cfg)
	}
	if cfg.HiddenSize != 32 {
		t.Fatalf("flag did not override file: hidden %d", cfg.HiddenSize)
	}
}
