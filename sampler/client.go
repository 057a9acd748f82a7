// Package sampler talks to the local system monitor and turns its readings
// into SystemStatsSample records.
//
// The monitor is optional. Every method of an absent or unreachable monitor
// fails with an error matching types.ErrUnavailable, which callers treat as
// "no sample" and never as a run failure.
package sampler

import (
	"context"
	"time"

	"github.com/pithecene-io/trackd/types"
)

// Client is the system monitor collaborator.
type Client interface {
	// GetStats returns one reading. pid scopes process figures where the
	// monitor supports it; deviceIDs limits accelerator figures. An empty
	// deviceIDs means every device.
	GetStats(ctx context.Context, pid int, deviceIDs []int) (*types.SystemStatsSample, error)

	// GetMetadata returns static host information.
	GetMetadata(ctx context.Context) (*Metadata, error)

	// TearDown releases the client. Later calls fail with ErrUnavailable.
	TearDown(ctx context.Context) error
}

// Metadata is static host information reported once per run.
type Metadata struct {
	Platform     string   `json:"platform"`
	Architecture string   `json:"architecture"`
	CPUModel     string   `json:"cpu_model"`
	CPUCores     int      `json:"cpu_cores"`
	CPUThreads   int      `json:"cpu_threads"`
	MemoryTotal  uint64   `json:"memory_total"`
	SwapTotal    uint64   `json:"swap_total"`
	DiskTotal    uint64   `json:"disk_total"`
	GPUCount     int      `json:"gpu_count"`
	GPUInfo      []string `json:"gpu_info"`
	Hostname     string   `json:"hostname"`
	IPAddress    string   `json:"ip_address"`
}

// Items renders the metadata as nested config items under "_host".
func (m *Metadata) Items() []types.Item {
	return []types.Item{
		hostItem("platform", m.Platform),
		hostItem("architecture", m.Architecture),
		hostItem("hostname", m.Hostname),
		hostItem("cpu_model", m.CPUModel),
		hostItem("cpu_count", m.CPUCores),
		hostItem("gpu_count", m.GPUCount),
		hostItem("memory_total", m.MemoryTotal),
	}
}

func hostItem(name string, v any) types.Item {
	it := types.MustItem("_host", v)
	it.NestedKey = []string{"_host", name}
	return it
}

// Stub is an in-memory Client for tests.
type Stub struct {
	// Sample is returned by GetStats; its Timestamp is set per call.
	Sample []types.Item
	// Meta is returned by GetMetadata.
	Meta *Metadata
	// Err, when set, is returned by every call.
	Err error
	// Now stamps samples. Defaults to time.Now.
	Now func() time.Time

	Calls    int
	TornDown bool
}

// GetStats implements Client.
func (s *Stub) GetStats(_ context.Context, _ int, _ []int) (*types.SystemStatsSample, error) {
	s.Calls++
	if s.TornDown {
		return nil, unavailable("get_stats", errTornDown)
	}
	if s.Err != nil {
		return nil, s.Err
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	items := make([]types.Item, len(s.Sample))
	copy(items, s.Sample)
	return &types.SystemStatsSample{Timestamp: now(), Items: items}, nil
}

// GetMetadata implements Client.
func (s *Stub) GetMetadata(_ context.Context) (*Metadata, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Meta == nil {
		return &Metadata{}, nil
	}
	return s.Meta, nil
}

// TearDown implements Client.
func (s *Stub) TearDown(_ context.Context) error {
	s.TornDown = true
	return nil
}

var _ Client = (*Stub)(nil)
