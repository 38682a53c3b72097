package lima

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Instance is one entry of `limactl list --json`.
type Instance struct {
	Name         string `json:"name"`
	Status       string `json:"status"`
	Dir          string `json:"dir,omitempty"`
	VMType       string `json:"vmType,omitempty"`
	Arch         string `json:"arch,omitempty"`
	CPUs         int    `json:"cpus,omitempty"`
	Memory       int64  `json:"memory,omitempty"`
	Disk         int64  `json:"disk,omitempty"`
	SSHLocalPort int    `json:"sshLocalPort,omitempty"`
}

// InstanceMonitor is a cached view of the instance list. Invalidate marks
// it stale so the next read refreshes.
type InstanceMonitor struct {
	limactl    string
	newCommand CommandFactory

	mutex       sync.RWMutex
	instances   []Instance
	lastUpdated time.Time
	cacheTTL    time.Duration
	stale       bool
}

// NewInstanceMonitor creates a monitor; a non-positive cacheTTL uses 5s.
func NewInstanceMonitor(limactl string, cacheTTL time.Duration, factory CommandFactory) *InstanceMonitor {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Second
	}
	if limactl == "" {
		limactl = DefaultLimactl
	}
	if factory == nil {
		factory = defaultCommandFactory
	}

	return &InstanceMonitor{
		limactl:    limactl,
		newCommand: factory,
		instances:  make([]Instance, 0),
		cacheTTL:   cacheTTL,
		stale:      true,
	}
}

// Instances returns the cached list, refreshing it first when stale.
func (m *InstanceMonitor) Instances(ctx context.Context) ([]Instance, time.Time) {
	m.mutex.RLock()
	shouldRefresh := m.stale || time.Since(m.lastUpdated) > m.cacheTTL
	m.mutex.RUnlock()

	if shouldRefresh {
		if err := m.Refresh(ctx); err != nil {
			slog.Error("Failed to list instances", slog.String("error", err.Error()))
		}
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	result := make([]Instance, len(m.instances))
	copy(result, m.instances)
	return result, m.lastUpdated
}

// Invalidate forces the next Instances call to refresh.
func (m *InstanceMonitor) Invalidate() {
	m.mutex.Lock()
	m.stale = true
	m.mutex.Unlock()

	slog.Debug("Instance list invalidated")
}

// Refresh reloads the instance list from limactl.
func (m *InstanceMonitor) Refresh(ctx context.Context) error {
	instances, err := m.pollInstances(ctx)
	if err != nil {
		return err
	}

	m.mutex.Lock()
	m.instances = instances
	m.lastUpdated = time.Now()
	m.stale = false
	m.mutex.Unlock()

	slog.Debug("Instances refreshed", slog.Int("count", len(instances)))
	return nil
}

func (m *InstanceMonitor) pollInstances(ctx context.Context) ([]Instance, error) {
	cmd := m.newCommand(ctx, m.limactl, "list", "--json")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("limactl list: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return parseInstances(&stdout)
}

// parseInstances decodes the newline-delimited JSON objects limactl prints.
func parseInstances(r io.Reader) ([]Instance, error) {
	instances := make([]Instance, 0)
	decoder := json.NewDecoder(r)
	for {
		var inst Instance
		err := decoder.Decode(&inst)
		if errors.Is(err, io.EOF) {
			return instances, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode instance list: %w", err)
		}
		instances = append(instances, inst)
	}
}
