// Package boardconfig loads the physical board type this gateway hosts.
//
// This mirrors board_config.py's singleton: a single text file is read once,
// normalized, and cached so every caller observes the same value for the
// life of the process. Clear resets the cache for test isolation, the same
// role that module was given in the original.
package boardconfig

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/iotlab/gatewayd/internal/hal"
)

// BoardType is the open-node board type this gateway physically hosts.
type BoardType string

const (
	M3 BoardType = "m3"
	A8 BoardType = "a8"
)

// Supported reports whether t is one of the board types this controller
// knows how to drive.
func (t BoardType) Supported() bool {
	return t == M3 || t == A8
}

var (
	mu        sync.Mutex
	cache     map[string]string
	boardType *BoardType
)

func init() {
	cache = make(map[string]string)
}

// Config describes the gateway: the open-node board type it hosts (from the
// host file) and the physical Raspberry-Pi class board it runs on (detected
// from /proc and /sys, independent of the open-node type).
type Config struct {
	BoardType BoardType
	Host      *hal.BoardInfo
}

// Load reads the board type from path, normalizing to lowercase, and caches
// it process-wide. A missing or unreadable file is a fatal initialization
// error. Subsequent calls with the same path return the cached value.
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	raw, err := getConf(path)
	if err != nil {
		return nil, fmt.Errorf("load board config: %w", err)
	}

	bt := BoardType(raw)
	boardType = &bt

	host, hostErr := hal.DetectBoard()
	if hostErr != nil {
		host = &hal.BoardInfo{Model: hal.BoardUnknown, Name: "Unknown Board"}
	}

	return &Config{
		BoardType: bt,
		Host:      host,
	}, nil
}

func getConf(path string) (string, error) {
	if v, ok := cache[path]; ok {
		return v, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	v := strings.ToLower(strings.TrimSpace(string(data)))
	cache[path] = v
	return v, nil
}

// Clear resets the process-wide cache. Tests call this between cases so
// that Load re-reads the underlying file rather than returning a stale
// cached value from a previous test.
func Clear() {
	mu.Lock()
	defer mu.Unlock()
	cache = make(map[string]string)
	boardType = nil
}
