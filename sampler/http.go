package sampler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pithecene-io/trackd/iox"
	"github.com/pithecene-io/trackd/types"
)

// DefaultTimeout bounds one request to the monitor.
const DefaultTimeout = 5 * time.Second

// maxResponseSize caps a monitor response body.
const maxResponseSize = 4 << 20

var errTornDown = errors.New("sampler torn down")

// Config configures an HTTPClient.
type Config struct {
	// URL is the monitor's base URL, e.g. http://localhost:8080.
	URL string
	// NodeID selects one node of a distributed monitor. Empty means the
	// monitor's own node.
	NodeID string
	// Timeout bounds one request (default 5s).
	Timeout time.Duration
}

// HTTPClient is a Client for the system monitor REST API:
//
//	GET /api/health          {"status": "healthy"}
//	GET /api/system/info     host metadata
//	GET /api/system/metrics  list of per-node readings
//
// The monitor reports host-wide figures, so pid is not sent.
type HTTPClient struct {
	base   string
	nodeID string
	client *http.Client
	closed atomic.Bool
}

// NewHTTPClient creates a client. It does not contact the monitor.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("sampler requires a monitor URL")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid monitor URL %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &HTTPClient{
		base:   strings.TrimRight(cfg.URL, "/"),
		nodeID: cfg.NodeID,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Health checks that the monitor is up.
func (c *HTTPClient) Health(ctx context.Context) error {
	var body struct {
		Status string `json:"status"`
	}
	if err := c.get(ctx, "health", "/api/health", nil, &body); err != nil {
		return err
	}
	if body.Status != "healthy" {
		return unavailable("health", fmt.Errorf("monitor status %q", body.Status))
	}
	return nil
}

// GetMetadata implements Client.
func (c *HTTPClient) GetMetadata(ctx context.Context) (*Metadata, error) {
	var m Metadata
	if err := c.get(ctx, "get_metadata", "/api/system/info", nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetStats implements Client.
func (c *HTTPClient) GetStats(ctx context.Context, _ int, deviceIDs []int) (*types.SystemStatsSample, error) {
	q := url.Values{}
	if c.nodeID != "" {
		q.Set("node_id", c.nodeID)
	}

	var readings []reading
	if err := c.get(ctx, "get_stats", "/api/system/metrics", q, &readings); err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, unavailable("get_stats", errors.New("monitor returned no readings"))
	}

	r := readings[0]
	ts := time.UnixMilli(r.Timestamp).UTC()
	if r.Timestamp == 0 {
		ts = time.Now().UTC()
	}
	return &types.SystemStatsSample{Timestamp: ts, Items: r.items(deviceIDs)}, nil
}

// TearDown implements Client.
func (c *HTTPClient) TearDown(_ context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}
	c.client.CloseIdleConnections()
	return nil
}

// get fetches path and decodes the JSON body into out.
//
// Classification:
//   - transport failures and 5xx are retryable and match ErrUnavailable
//   - 4xx means the monitor does not serve the endpoint (unsupported)
func (c *HTTPClient) get(ctx context.Context, op, path string, q url.Values, out any) error {
	if c.closed.Load() {
		return unavailable(op, errTornDown)
	}

	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return types.UsageError("sampler "+op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return unavailable(op, err)
	}
	defer iox.DiscardClose(resp.Body)

	switch {
	case resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return unavailable(op, &StatusError{Code: resp.StatusCode})
	case resp.StatusCode >= 400:
		_, _ = io.Copy(io.Discard, resp.Body)
		return types.NewError(types.KindUnsupported, "sampler "+op, &StatusError{Code: resp.StatusCode})
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
		return types.NewError(types.KindUnsupported, "sampler "+op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// StatusError is returned for non-2xx monitor responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

func unavailable(op string, err error) error {
	return types.CommunicationError("sampler "+op, fmt.Errorf("%w: %w", types.ErrUnavailable, err))
}

// reading is one element of the /api/system/metrics response.
type reading struct {
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
	CPU       struct {
		Overall     float64   `json:"overall"`
		LoadAverage []float64 `json:"loadAverage"`
		Processes   int64     `json:"processes"`
		Threads     int64     `json:"threads"`
		Cores       []struct {
			ID    int     `json:"id"`
			Usage float64 `json:"usage"`
		} `json:"cores"`
	} `json:"cpu"`
	Memory struct {
		Usage float64 `json:"usage"`
		Used  uint64  `json:"used"`
		Total uint64  `json:"total"`
		Swap  struct {
			Percentage float64 `json:"percentage"`
		} `json:"swap"`
	} `json:"memory"`
	Disk struct {
		Usage   float64 `json:"usage"`
		IORead  uint64  `json:"ioRead"`
		IOWrite uint64  `json:"ioWrite"`
	} `json:"disk"`
	Network struct {
		BytesIn  uint64 `json:"bytesIn"`
		BytesOut uint64 `json:"bytesOut"`
	} `json:"network"`
	Accelerators []struct {
		ID          int      `json:"id"`
		Type        string   `json:"type"`
		Utilization float64  `json:"utilization"`
		Temperature float64  `json:"temperature"`
		Power       *float64 `json:"power"`
		Memory      struct {
			Used       uint64  `json:"used"`
			Percentage float64 `json:"percentage"`
		} `json:"memory"`
	} `json:"accelerators"`
}

// items flattens a reading into "system." keys.
func (r *reading) items(deviceIDs []int) []types.Item {
	items := []types.Item{
		types.MustItem("system.cpu", r.CPU.Overall),
		types.MustItem("system.proc.count", r.CPU.Processes),
		types.MustItem("system.memory_percent", r.Memory.Usage),
		types.MustItem("system.memory_used", r.Memory.Used),
		types.MustItem("system.swap_percent", r.Memory.Swap.Percentage),
		types.MustItem("system.disk.usage", r.Disk.Usage),
		types.MustItem("system.disk.in", r.Disk.IORead),
		types.MustItem("system.disk.out", r.Disk.IOWrite),
		types.MustItem("system.network.recv", r.Network.BytesIn),
		types.MustItem("system.network.sent", r.Network.BytesOut),
	}
	if len(r.CPU.LoadAverage) > 0 {
		items = append(items, types.MustItem("system.load1", r.CPU.LoadAverage[0]))
	}
	for _, core := range r.CPU.Cores {
		items = append(items, types.MustItem("system.cpu."+strconv.Itoa(core.ID)+".cpu_percent", core.Usage))
	}

	for _, acc := range r.Accelerators {
		if len(deviceIDs) > 0 && !containsInt(deviceIDs, acc.ID) {
			continue
		}
		kind := acc.Type
		if kind == "" {
			kind = "gpu"
		}
		prefix := "system." + strings.ToLower(kind) + "." + strconv.Itoa(acc.ID) + "."
		items = append(items,
			types.MustItem(prefix+"gpu", acc.Utilization),
			types.MustItem(prefix+"memory", acc.Memory.Percentage),
			types.MustItem(prefix+"memoryAllocatedBytes", acc.Memory.Used),
			types.MustItem(prefix+"temp", acc.Temperature),
		)
		if acc.Power != nil {
			items = append(items, types.MustItem(prefix+"powerWatts", *acc.Power))
		}
	}
	return items
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

var _ Client = (*HTTPClient)(nil)
