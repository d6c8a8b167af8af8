package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dan-v/geotunnel/internal/metrics"
)

// Status is the document served at /api/status.
type Status struct {
	Timestamp         time.Time           `json:"timestamp" yaml:"timestamp"`
	ActiveConnections int                 `json:"active_connections" yaml:"active_connections"`
	PoolIdle          int                 `json:"pool_idle" yaml:"pool_idle"`
	Metrics           metrics.Snapshot    `json:"metrics" yaml:"metrics"`
	Connections       []TrackedConnection `json:"connections" yaml:"connections"`
	History           []HistoryPoint      `json:"history,omitempty" yaml:"history,omitempty"`
}

// FetchStatus reads the status document from a running client's metrics
// port.
func FetchStatus(ctx context.Context, baseURL string) (*Status, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+StatusPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %s", resp.Status)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &st, nil
}
