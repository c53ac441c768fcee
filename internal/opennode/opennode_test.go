package opennode

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFakeTool(t *testing.T, exitCode int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "jtagtool.sh")
	script := "#!/bin/sh\nexit " + itoa(exitCode) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	if neg {
		digits = "-" + digits
	}
	return digits
}

func TestM3AdapterFlashSuccess(t *testing.T) {
	tool := writeFakeTool(t, 0)
	a := NewM3Adapter(nil, tool, "/dev/ttyM3", "relay", 20000)
	err := a.Flash(context.Background(), "/tmp/firmware.elf")
	assert.NoError(t, err)
}

func TestM3AdapterFlashFailure(t *testing.T) {
	tool := writeFakeTool(t, 1)
	a := NewM3Adapter(nil, tool, "/dev/ttyM3", "relay", 20000)
	err := a.Flash(context.Background(), "/tmp/firmware.elf")
	assert.Error(t, err)
}

func TestM3AdapterResetSuccess(t *testing.T) {
	tool := writeFakeTool(t, 0)
	a := NewM3Adapter(nil, tool, "/dev/ttyM3", "relay", 20000)
	assert.NoError(t, a.Reset(context.Background()))
}

func TestA8WaitTTYAppeared(t *testing.T) {
	dir := t.TempDir()
	tty := filepath.Join(dir, "ttyA8")

	a := NewA8Adapter(nil, tty, filepath.Join(dir, "console"), "a8", "root")

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = os.WriteFile(tty, []byte{}, 0644)
	}()

	err := a.WaitTTYAppeared(2 * time.Second)
	assert.NoError(t, err)
}

func TestA8WaitTTYAppearedTimeout(t *testing.T) {
	dir := t.TempDir()
	tty := filepath.Join(dir, "never-appears")
	a := NewA8Adapter(nil, tty, filepath.Join(dir, "console"), "a8", "root")
	err := a.WaitTTYAppeared(300 * time.Millisecond)
	assert.Error(t, err)
}

func TestA8WaitTTYDisappeared(t *testing.T) {
	dir := t.TempDir()
	tty := filepath.Join(dir, "ttyA8")
	require.NoError(t, os.WriteFile(tty, []byte{}, 0644))

	a := NewA8Adapter(nil, tty, filepath.Join(dir, "console"), "a8", "root")

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = os.Remove(tty)
	}()

	err := a.WaitTTYDisappeared(2 * time.Second)
	assert.NoError(t, err)
}
