package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
)

func withConfigPath(t *testing.T, path string) func() {
	t.Helper()
	prev := configPath
	configPath = path
	return func() { configPath = prev }
}

func TestRunInitWritesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	defer withConfigPath(t, path)()

	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := runInit(cmd, nil); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file at %s: %v", path, err)
	}
	if out.Len() == 0 {
		t.Fatalf("expected runInit to print a confirmation message")
	}
}

func TestRunInitRefusesToOverwriteWithoutForce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	defer withConfigPath(t, path)()

	cmd := &cobra.Command{}
	cmd.SetOut(&bytes.Buffer{})

	if err := runInit(cmd, nil); err != nil {
		t.Fatalf("first runInit: %v", err)
	}

	initForce = false
	if err := runInit(cmd, nil); err == nil {
		t.Fatalf("expected second runInit without --force to fail")
	}
}

func TestRunInitForceOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	defer withConfigPath(t, path)()

	cmd := &cobra.Command{}
	cmd.SetOut(&bytes.Buffer{})

	if err := runInit(cmd, nil); err != nil {
		t.Fatalf("first runInit: %v", err)
	}

	initForce = true
	defer func() { initForce = false }()
	if err := runInit(cmd, nil); err != nil {
		t.Fatalf("forced runInit: %v", err)
	}
}

func TestRunStatusPrintsResolvedConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	defer withConfigPath(t, path)()

	initCmd := &cobra.Command{}
	initCmd.SetOut(&bytes.Buffer{})
	if err := runInit(initCmd, nil); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := runStatus(cmd, nil); err != nil {
		t.Fatalf("runStatus: %v", err)
	}
	if out.Len() == 0 {
		t.Fatalf("expected runStatus to print the resolved config")
	}
}
