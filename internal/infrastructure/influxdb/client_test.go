package influxdb

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/sector-bridge/internal/alarm"
	"github.com/nerrad567/sector-bridge/internal/infrastructure/config"
)

// fakeWriter captures points as line protocol.
type fakeWriter struct {
	mu      sync.Mutex
	lines   []string
	flushes int
}

func (w *fakeWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines = append(w.lines, strings.TrimSpace(write.PointToLineProtocol(p, time.Second)))
}

func (w *fakeWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushes++
}

func newTestClient() (*Client, *fakeWriter) {
	w := &fakeWriter{}
	ts := time.Unix(1767225600, 0)
	return &Client{
		points: w,
		now:    func() time.Time { return ts },
	}, w
}

// testConfig returns a configuration for a local dev InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "sectorbridge-dev-token",
		Org:           "sectorbridge",
		Bucket:        "metrics",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

func TestRecordMetrics(t *testing.T) {
	tests := []struct {
		name   string
		record func(*Client)
		want   string
	}{
		{
			name:   "poll",
			record: func(c *Client) { c.RecordPoll("01234567", "ok", 412*time.Millisecond) },
			want:   "bridge_polls,outcome=ok,panel_id=01234567 duration_ms=412i 1767225600",
		},
		{
			name: "command",
			record: func(c *Client) {
				c.RecordCommand("01234567", alarm.ActionArmAway, alarm.CommandAck, 1830*time.Millisecond)
			},
			want: "bridge_commands,action=ARM_AWAY,panel_id=01234567,result=ACK duration_ms=1830i 1767225600",
		},
		{
			name: "snapshot",
			record: func(c *Client) {
				c.RecordSnapshot(&alarm.PanelSnapshot{
					PanelID:    "01234567",
					ArmedState: alarm.ArmedHome,
					Sensors: map[string]alarm.SensorReading{
						"AA01": {Serial: "AA01", Temperature: 21},
						"BB02": {Serial: "BB02", Temperature: 19},
					},
				})
			},
			want: "bridge_snapshots,panel_id=01234567 armed=true,sensors=2i 1767225600",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, w := newTestClient()
			tt.record(c)
			if len(w.lines) != 1 || w.lines[0] != tt.want {
				t.Errorf("points = %q, want [%q]", w.lines, tt.want)
			}
		})
	}
}

func TestRecordSnapshot_Nil(t *testing.T) {
	c, w := newTestClient()
	c.RecordSnapshot(nil)
	if len(w.lines) != 0 {
		t.Errorf("points = %q, want none", w.lines)
	}
}

func TestClose_StopsWrites(t *testing.T) {
	c, w := newTestClient()

	c.RecordPoll("1", "ok", time.Second)
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	c.RecordPoll("1", "ok", time.Second)
	c.Flush()

	if len(w.lines) != 1 {
		t.Errorf("points = %d, want 1 (none after Close)", len(w.lines))
	}
	if w.flushes != 1 {
		t.Errorf("flushes = %d, want 1 from Close", w.flushes)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := c.Close(); err != nil || w.flushes != 1 {
		t.Errorf("second Close() = %v, flushes = %d", err, w.flushes)
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestForwardErrors(t *testing.T) {
	c, _ := newTestClient()

	var got error
	done := make(chan struct{})
	c.SetOnError(func(err error) {
		got = err
		close(done)
	})

	ch := make(chan error, 1)
	ch <- errors.New("bucket not found")
	close(ch)
	c.forwardErrors(ch)

	<-done
	if !errors.Is(got, ErrWriteFailed) || !strings.Contains(got.Error(), "bucket not found") {
		t.Errorf("callback error = %v", got)
	}
}

func TestClientOptions(t *testing.T) {
	tests := []struct {
		name      string
		batch     int
		flush     int
		wantBatch uint
		wantFlush uint
	}{
		{"configured", 500, 2, 500, 2000},
		{"defaults", 0, 0, 100, 10000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.BatchSize, cfg.FlushInterval = tt.batch, tt.flush
			opts := clientOptions(cfg)
			if got := opts.BatchSize(); got != tt.wantBatch {
				t.Errorf("BatchSize() = %d, want %d", got, tt.wantBatch)
			}
			if got := opts.FlushInterval(); got != tt.wantFlush {
				t.Errorf("FlushInterval() = %d, want %d", got, tt.wantFlush)
			}
		})
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := Connect(cfg)
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:59999"

	_, err := Connect(cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_Live(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION") == "" {
		t.Skip("set RUN_INTEGRATION to test against a local InfluxDB")
	}

	client, err := Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	var writeErr error
	var mu sync.Mutex
	client.SetOnError(func(err error) {
		mu.Lock()
		writeErr = err
		mu.Unlock()
	})

	client.RecordPoll("integration", "ok", 10*time.Millisecond)
	client.Flush()

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if writeErr != nil {
		t.Errorf("write error = %v", writeErr)
	}
}
