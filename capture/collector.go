package capture

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pbnjay/memory"
)

// Collector gathers one section of a snapshot
type Collector interface {
	Name() string
	Collect(ctx context.Context) (any, error)
}

// HostCollector reports host identity and resource state
type HostCollector struct {
	// ProcRoot is the procfs mount, "/proc" when empty
	ProcRoot string
}

func (HostCollector) Name() string { return "host" }

func (c HostCollector) Collect(ctx context.Context) (any, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to read hostname: %w", err)
	}
	info := map[string]any{
		"hostname":     hostname,
		"os":           runtime.GOOS,
		"arch":         runtime.GOARCH,
		"num_cpu":      runtime.NumCPU(),
		"memory_total": memory.TotalMemory(),
		"memory_free":  memory.FreeMemory(),
	}

	root := procRoot(c.ProcRoot)
	if bz, err := os.ReadFile(filepath.Join(root, "loadavg")); err == nil {
		fields := strings.Fields(string(bz))
		if len(fields) >= 3 {
			info["load_average"] = fields[:3]
		}
	}
	if bz, err := os.ReadFile(filepath.Join(root, "uptime")); err == nil {
		if fields := strings.Fields(string(bz)); len(fields) > 0 {
			if secs, err := strconv.ParseFloat(fields[0], 64); err == nil {
				info["uptime_seconds"] = int64(secs)
			}
		}
	}
	return info, nil
}

// ProcessCollector lists the largest processes by resident memory
type ProcessCollector struct {
	ProcRoot string
	// Limit bounds the number of processes reported, 20 when zero
	Limit int
}

func (ProcessCollector) Name() string { return "processes" }

type processInfo struct {
	PID      int    `json:"pid"`
	Command  string `json:"command"`
	RSSBytes int64  `json:"rss_bytes"`
}

func (c ProcessCollector) Collect(ctx context.Context) (any, error) {
	root := procRoot(c.ProcRoot)
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	pageSize := int64(os.Getpagesize())
	var procs []processInfo
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || !entry.IsDir() {
			continue
		}
		statm, err := os.ReadFile(filepath.Join(root, entry.Name(), "statm"))
		if err != nil {
			continue
		}
		fields := strings.Fields(string(statm))
		if len(fields) < 2 {
			continue
		}
		pages, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		comm, _ := os.ReadFile(filepath.Join(root, entry.Name(), "comm"))
		procs = append(procs, processInfo{
			PID:      pid,
			Command:  strings.TrimSpace(string(comm)),
			RSSBytes: pages * pageSize,
		})
	}

	sort.Slice(procs, func(i, j int) bool {
		if procs[i].RSSBytes != procs[j].RSSBytes {
			return procs[i].RSSBytes > procs[j].RSSBytes
		}
		return procs[i].PID < procs[j].PID
	})
	limit := c.Limit
	if limit <= 0 {
		limit = 20
	}
	if len(procs) > limit {
		procs = procs[:limit]
	}
	return map[string]any{"count": len(entries), "top": procs}, nil
}

// LogTailCollector captures the last lines of log files
type LogTailCollector struct {
	Paths []string
	// Lines per file, 100 when zero
	Lines int
	// MaxBytes read from the end of each file, 64 KiB when zero
	MaxBytes int64
}

func (LogTailCollector) Name() string { return "logs" }

func (c LogTailCollector) Collect(ctx context.Context) (any, error) {
	lines := c.Lines
	if lines <= 0 {
		lines = 100
	}
	maxBytes := c.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 64 << 10
	}

	out := make(map[string]any, len(c.Paths))
	var failed []string
	for _, path := range c.Paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tail, err := tailFile(path, lines, maxBytes)
		if err != nil {
			out[path] = map[string]string{"error": err.Error()}
			failed = append(failed, path)
			continue
		}
		out[path] = tail
	}
	if len(failed) > 0 && len(failed) == len(c.Paths) {
		return out, fmt.Errorf("no readable log files: %s", strings.Join(failed, ", "))
	}
	return out, nil
}

func tailFile(path string, lines int, maxBytes int64) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	start := info.Size() - maxBytes
	if start < 0 {
		start = 0
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(io.LimitReader(f, maxBytes))
	scanner.Buffer(make([]byte, 0, 4096), int(maxBytes)+1)
	var all []string
	first := start > 0
	for scanner.Scan() {
		if first {
			// partial line at the cut
			first = false
			continue
		}
		all = append(all, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	return all, nil
}

// ConfigCollector fingerprints configuration files
type ConfigCollector struct {
	// Patterns are file paths or globs
	Patterns []string
}

func (ConfigCollector) Name() string { return "config" }

func (c ConfigCollector) Collect(ctx context.Context) (any, error) {
	seen := make(map[string]struct{})
	var paths []string
	for _, pattern := range c.Patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			if _, ok := seen[m]; !ok {
				seen[m] = struct{}{}
				paths = append(paths, m)
			}
		}
	}
	sort.Strings(paths)

	files := make(map[string]string, len(paths))
	combined := sha256.New()
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		digest, err := fileDigest(path)
		if err != nil {
			files[path] = "error: " + err.Error()
			continue
		}
		files[path] = digest
		fmt.Fprintf(combined, "%s  %s\n", digest, path)
	}
	return map[string]any{
		"files":       files,
		"fingerprint": hex.EncodeToString(combined.Sum(nil)),
	}, nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CommandCollector runs a command and records its bounded output
type CommandCollector struct {
	Label string
	Args  []string
	// MaxOutput bounds captured stdout+stderr, 64 KiB when zero
	MaxOutput int
}

func (c CommandCollector) Name() string { return "command:" + c.Label }

func (c CommandCollector) Collect(ctx context.Context) (any, error) {
	if len(c.Args) == 0 {
		return nil, fmt.Errorf("command %s has no arguments", c.Label)
	}
	limit := c.MaxOutput
	if limit <= 0 {
		limit = 64 << 10
	}

	out := &boundedBuffer{limit: limit}
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Stdout = out
	cmd.Stderr = out
	start := time.Now()
	err := cmd.Run()

	result := map[string]any{
		"args":        c.Args,
		"output":      out.String(),
		"truncated":   out.truncated,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			result["exit_code"] = exitErr.ExitCode()
		}
		return result, fmt.Errorf("command %s failed: %w", c.Label, err)
	}
	result["exit_code"] = 0
	return result, nil
}

type boundedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) String() string { return b.buf.String() }

func procRoot(root string) string {
	if root == "" {
		return "/proc"
	}
	return root
}
