// Package diag builds a support bundle for a running or stopped agent: the
// config and state files plus snapshots of the local status API.
package diag

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pingsantohq/healthagent/internal/config"
	"github.com/pingsantohq/healthagent/internal/status"
)

const (
	defaultOutputPrefix = "diag_"
	infoFileName        = "diagnostics/info.json"
	configDirName       = "config"
	stateDirName        = "state"
	statusDirName       = "status"
	redactedMarker      = "REDACTED"
)

var (
	secretPattern   = regexp.MustCompile(`(?i)(secret\s*[:=]\s*)([^\s"']+)`)
	passwordPattern = regexp.MustCompile(`(?i)(password\s*[:=]\s*)([^\s"']+)`)
	bearerPattern   = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\._\-]+)`)
	dsnPattern      = regexp.MustCompile(`(?i)(://[^:/\s]+:)([^@\s]+)(@)`)
)

// Dependencies provides optional overrides for testing.
type Dependencies struct {
	Now        func() time.Time
	HTTPClient *http.Client
}

// Run parses args and writes the diagnostics tarball.
func Run(ctx context.Context, args []string, deps Dependencies) error {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	fs := flag.NewFlagSet("diag", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Path to agent configuration file")
	dataDirFlag := fs.String("data-dir", "", "Override for agent data directory")
	outputPath := fs.String("output", "", "Path for diagnostics tarball (default <data-dir>/diag_<ts>.tar.gz)")
	statusURL := fs.String("status-url", "", "Base URL of the agent status API (default from config)")
	timeout := fs.Duration("status-timeout", 3*time.Second, "HTTP timeout for status API requests")
	if err := fs.Parse(args); err != nil {
		return err
	}

	now := deps.Now().UTC()
	info := bundleInfo{
		GeneratedAt: now.Format(time.RFC3339),
		GoVersion:   runtime.Version(),
	}

	var cfg config.Config
	cfgLoaded := false
	if parsed, err := config.Load(ctx, *configPath); err != nil {
		info.Warnings = append(info.Warnings, fmt.Sprintf("config unavailable (%s): %v", *configPath, err))
	} else {
		cfg = parsed
		cfgLoaded = true
		info.ConfigPath = *configPath
	}

	dataDir := strings.TrimSpace(*dataDirFlag)
	if dataDir == "" && cfgLoaded {
		dataDir = cfg.Agent.DataDir
	}
	if dataDir == "" {
		return errors.New("agent data directory is required (provide via --data-dir or config)")
	}
	info.DataDir = dataDir

	baseURL := strings.TrimRight(*statusURL, "/")
	if baseURL == "" {
		addr := status.DefaultAddr
		if cfgLoaded && cfg.Agent.StatusAddr != "" {
			addr = cfg.Agent.StatusAddr
		}
		baseURL = "http://" + addr
	}
	info.StatusURL = baseURL

	outPath := *outputPath
	if outPath == "" {
		outPath = filepath.Join(dataDir, fmt.Sprintf("%s%s.tar.gz", defaultOutputPrefix, now.Format("20060102T150405Z")))
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("ensure output directory %q: %w", filepath.Dir(outPath), err)
	}
	info.OutputPath = outPath

	if state, err := config.LoadState(ctx, dataDir); err != nil {
		info.Warnings = append(info.Warnings, fmt.Sprintf("state unavailable: %v", err))
	} else {
		info.AgentID = state.AgentID
		info.Server = state.Server
	}

	outFile, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create diagnostics file %q: %w", outPath, err)
	}
	defer outFile.Close()
	gw := gzip.NewWriter(outFile)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	if info.ConfigPath != "" {
		if err := addRedactedFile(tw, *configPath, filepath.ToSlash(filepath.Join(configDirName, filepath.Base(*configPath)))); err != nil {
			info.Warnings = append(info.Warnings, fmt.Sprintf("failed to include config: %v", err))
		}
	}
	statePath := config.StatePath(dataDir)
	if _, err := os.Stat(statePath); err == nil {
		if err := addRedactedFile(tw, statePath, filepath.ToSlash(filepath.Join(stateDirName, filepath.Base(statePath)))); err != nil {
			info.Warnings = append(info.Warnings, fmt.Sprintf("failed to include state: %v", err))
		}
	}

	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}
	snapshots := []struct {
		path string
		name string
	}{
		{"/endpoints", "endpoints.json"},
		{"/metrics", "metrics.prom"},
		{"/readyz", "readyz.txt"},
	}
	for _, snap := range snapshots {
		scrapeCtx, cancel := context.WithTimeout(ctx, *timeout)
		code, data, err := fetch(scrapeCtx, client, baseURL+snap.path)
		cancel()
		if err != nil {
			info.Warnings = append(info.Warnings, fmt.Sprintf("status %s failed: %v", snap.path, err))
			continue
		}
		if err := addBytes(tw, data, filepath.ToSlash(filepath.Join(statusDirName, snap.name))); err != nil {
			info.Warnings = append(info.Warnings, fmt.Sprintf("failed to include %s: %v", snap.name, err))
			continue
		}
		switch snap.path {
		case "/metrics":
			summary, warns := summarizeMetrics(data)
			info.Metrics = summary
			info.Warnings = append(info.Warnings, warns...)
		case "/endpoints":
			var list struct {
				Items []status.EndpointView `json:"items"`
			}
			if err := json.Unmarshal(data, &list); err != nil {
				info.Warnings = append(info.Warnings, fmt.Sprintf("parse endpoints: %v", err))
			} else {
				n := len(list.Items)
				info.Endpoints = &n
			}
		case "/readyz":
			ready := code == http.StatusOK
			info.Ready = &ready
		}
	}

	return writeInfo(tw, info)
}

// fetch returns the body for any status code; /readyz answers 503 with the
// reasons as body.
func fetch(ctx context.Context, client *http.Client, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if resp.StatusCode >= 500 && resp.StatusCode != http.StatusServiceUnavailable {
		return resp.StatusCode, nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return resp.StatusCode, data, nil
}

func writeInfo(tw *tar.Writer, info bundleInfo) error {
	payload, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal diagnostics info: %w", err)
	}
	return addBytes(tw, payload, infoFileName)
}

func addBytes(tw *tar.Writer, data []byte, name string) error {
	header := &tar.Header{
		Name:    name,
		Mode:    0o600,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar header for %q: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write tar content for %q: %w", name, err)
	}
	return nil
}

func addRedactedFile(tw *tar.Writer, src, name string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %q: %w", src, err)
	}
	return addBytes(tw, redactSensitive(data), name)
}

func redactSensitive(data []byte) []byte {
	text := string(data)
	for _, pattern := range []*regexp.Regexp{secretPattern, passwordPattern, bearerPattern} {
		text = pattern.ReplaceAllString(text, "${1}"+redactedMarker)
	}
	text = dsnPattern.ReplaceAllString(text, "${1}"+redactedMarker+"${3}")
	return []byte(text)
}

func summarizeMetrics(data []byte) (*metricsSummary, []string) {
	summary := &metricsSummary{}
	var warnings []string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || strings.HasPrefix(line, "#") {
			continue
		}
		var target **float64
		switch fields[0] {
		case "healthagent_queue_depth_number":
			target = &summary.QueueDepth
		case "healthagent_queue_dropped_total":
			target = &summary.QueueDropped
		case "healthagent_loops_running_number":
			target = &summary.LoopsRunning
		case "healthagent_updates_lost_total":
			target = &summary.UpdatesLost
		default:
			continue
		}
		val, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("parse %s: %v", fields[0], err))
			continue
		}
		*target = &val
	}
	return summary, warnings
}

type bundleInfo struct {
	GeneratedAt string          `json:"generated_at"`
	OutputPath  string          `json:"output_path"`
	ConfigPath  string          `json:"config_path,omitempty"`
	DataDir     string          `json:"data_dir,omitempty"`
	AgentID     string          `json:"agent_id,omitempty"`
	Server      string          `json:"server,omitempty"`
	StatusURL   string          `json:"status_url"`
	Endpoints   *int            `json:"endpoints,omitempty"`
	Ready       *bool           `json:"ready,omitempty"`
	Metrics     *metricsSummary `json:"metrics,omitempty"`
	Warnings    []string        `json:"warnings,omitempty"`
	GoVersion   string          `json:"go_version"`
}

type metricsSummary struct {
	QueueDepth   *float64 `json:"queue_depth,omitempty"`
	QueueDropped *float64 `json:"queue_dropped_total,omitempty"`
	LoopsRunning *float64 `json:"loops_running,omitempty"`
	UpdatesLost  *float64 `json:"updates_lost_total,omitempty"`
}
