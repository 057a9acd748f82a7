package sampler

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pithecene-io/trackd/types"
)

const metricsBody = `[{
  "node_id": "node-a",
  "timestamp": 1760000000000,
  "cpu": {"overall": 42.5, "loadAverage": [1.5, 1.0, 0.5], "processes": 312, "threads": 900,
          "cores": [{"id": 0, "usage": 40.0}, {"id": 1, "usage": 45.0}]},
  "memory": {"usage": 61.0, "used": 1024, "total": 2048, "swap": {"used": 0, "total": 0, "percentage": 0}},
  "disk": {"usage": 70.0, "used": 1, "total": 2, "ioRead": 100, "ioWrite": 200, "iops": 3},
  "network": {"bytesIn": 10, "bytesOut": 20, "packetsIn": 1, "packetsOut": 2, "connections": 4},
  "accelerators": [
    {"id": 0, "type": "gpu", "name": "A100", "utilization": 90.0, "temperature": 60.0, "power": 250.0,
     "memory": {"used": 4096, "total": 8192, "percentage": 50.0}},
    {"id": 1, "type": "gpu", "name": "A100", "utilization": 10.0, "temperature": 40.0,
     "memory": {"used": 0, "total": 8192, "percentage": 0.0}}
  ]
}]`

func newMonitor(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.HandleFunc("/api/system/info", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"platform":"linux","architecture":"x86_64","cpu_model":"EPYC","cpu_cores":16,
			"cpu_threads":32,"memory_total":2048,"swap_total":0,"disk_total":4096,"gpu_count":2,
			"gpu_info":["A100","A100"],"hostname":"box","ip_address":"10.0.0.2"}`))
	})
	mux.HandleFunc("/api/system/metrics", func(w http.ResponseWriter, r *http.Request) {
		if node := r.URL.Query().Get("node_id"); node != "" && node != "node-a" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(metricsBody))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func itemValue(t *testing.T, items []types.Item, key string) (any, bool) {
	t.Helper()
	for _, it := range items {
		if it.Key == key {
			v, err := it.Value()
			if err != nil {
				t.Fatalf("decode %s: %v", key, err)
			}
			return v, true
		}
	}
	return nil, false
}

func TestHTTPClient_GetStats(t *testing.T) {
	srv := newMonitor(t)
	c, err := NewHTTPClient(Config{URL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}

	sample, err := c.GetStats(t.Context(), 1234, nil)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if sample.Timestamp.UnixMilli() != 1760000000000 {
		t.Errorf("Timestamp = %v, want 1760000000000ms", sample.Timestamp)
	}

	checks := map[string]float64{
		"system.cpu":               42.5,
		"system.memory_percent":    61,
		"system.network.recv":      10,
		"system.load1":             1.5,
		"system.cpu.1.cpu_percent": 45,
		"system.gpu.0.gpu":         90,
		"system.gpu.0.powerWatts":  250,
		"system.gpu.1.gpu":         10,
	}
	for key, want := range checks {
		v, ok := itemValue(t, sample.Items, key)
		if !ok {
			t.Errorf("item %s missing", key)
			continue
		}
		if v != want {
			t.Errorf("%s = %v, want %v", key, v, want)
		}
	}
	if _, ok := itemValue(t, sample.Items, "system.gpu.1.powerWatts"); ok {
		t.Error("powerWatts reported for a device without power readings")
	}
}

func TestHTTPClient_GetStats_DeviceFilter(t *testing.T) {
	srv := newMonitor(t)
	c, _ := NewHTTPClient(Config{URL: srv.URL})

	sample, err := c.GetStats(t.Context(), 0, []int{1})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := itemValue(t, sample.Items, "system.gpu.0.gpu"); ok {
		t.Error("device 0 reported despite filter")
	}
	if _, ok := itemValue(t, sample.Items, "system.gpu.1.gpu"); !ok {
		t.Error("device 1 missing")
	}
}

func TestHTTPClient_UnknownNode(t *testing.T) {
	srv := newMonitor(t)
	c, _ := NewHTTPClient(Config{URL: srv.URL, NodeID: "node-z"})

	_, err := c.GetStats(t.Context(), 0, nil)
	if !errors.Is(err, types.ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
}

func TestHTTPClient_MetadataAndHealth(t *testing.T) {
	srv := newMonitor(t)
	c, _ := NewHTTPClient(Config{URL: srv.URL})

	if err := c.Health(t.Context()); err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	meta, err := c.GetMetadata(t.Context())
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if meta.Hostname != "box" || meta.CPUCores != 16 || meta.GPUCount != 2 {
		t.Errorf("metadata = %+v", meta)
	}

	items := meta.Items()
	if len(items) == 0 || items[0].Path()[0] != "_host" {
		t.Errorf("Items() = %v, want nested _host items", items)
	}
}

func TestHTTPClient_Errors(t *testing.T) {
	t.Run("server error is retryable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()
		c, _ := NewHTTPClient(Config{URL: srv.URL})

		_, err := c.GetStats(t.Context(), 0, nil)
		if !errors.Is(err, types.ErrUnavailable) || !types.IsRetryable(err) {
			t.Errorf("error = %v, want retryable ErrUnavailable", err)
		}
		var se *StatusError
		if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable {
			t.Errorf("StatusError = %v, want 503", se)
		}
	})

	t.Run("not found is unsupported", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()
		c, _ := NewHTTPClient(Config{URL: srv.URL})

		_, err := c.GetStats(t.Context(), 0, nil)
		if !types.IsKind(err, types.KindUnsupported) {
			t.Errorf("KindOf = %s, want unsupported", types.KindOf(err))
		}
		if types.IsRetryable(err) {
			t.Error("404 is retryable")
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		c, _ := NewHTTPClient(Config{URL: url})

		_, err := c.GetStats(t.Context(), 0, nil)
		if !errors.Is(err, types.ErrUnavailable) {
			t.Errorf("error = %v, want ErrUnavailable", err)
		}
	})

	t.Run("torn down", func(t *testing.T) {
		srv := newMonitor(t)
		c, _ := NewHTTPClient(Config{URL: srv.URL})
		_ = c.TearDown(t.Context())
		_ = c.TearDown(t.Context())

		if _, err := c.GetMetadata(t.Context()); !errors.Is(err, types.ErrUnavailable) {
			t.Errorf("error = %v, want ErrUnavailable", err)
		}
	})
}

func TestNewHTTPClient_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "localhost:8080", "://x"} {
		if _, err := NewHTTPClient(Config{URL: u}); err == nil {
			t.Errorf("NewHTTPClient(%q) accepted", u)
		}
	}
}
