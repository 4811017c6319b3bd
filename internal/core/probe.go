package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"
)

const (
	probeTimeout  = 10 * time.Second
	probeMaxBytes = 4 << 20
	probeRawLimit = 512
)

// Descriptor is the result of probing the classifier topology descriptor.
type Descriptor struct {
	Keys []string // sorted top-level keys; nil when the body is not a JSON object
	Raw  string   // leading text of the body when it is not a JSON object
}

// ReadDescriptor fetches location (http(s) URL or file path) and extracts
// its top-level keys.
func ReadDescriptor(ctx context.Context, location string) (Descriptor, error) {
	body, err := fetch(ctx, location)
	if err != nil {
		return Descriptor{}, err
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		raw := strings.TrimSpace(string(body))
		if len(raw) > probeRawLimit {
			raw = raw[:probeRawLimit]
		}
		return Descriptor{Raw: raw}, nil
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return Descriptor{Keys: keys}, nil
}

// ProbeDescriptor logs the descriptor at location. Failures are logged and
// never affect loading.
func ProbeDescriptor(ctx context.Context, location string, logger *slog.Logger) {
	d, err := ReadDescriptor(ctx, location)
	if err != nil {
		logger.Warn("model descriptor probe failed", "location", location, "error", err)
		return
	}
	if d.Keys == nil {
		logger.Info("model descriptor is not a json object", "location", location, "raw", d.Raw)
		return
	}
	logger.Info("model descriptor", "location", location, "keys", strings.Join(d.Keys, ","))
}

func fetch(ctx context.Context, location string) ([]byte, error) {
	if !strings.HasPrefix(location, "http://") && !strings.HasPrefix(location, "https://") {
		body, err := os.ReadFile(location)
		if err != nil {
			return nil, fmt.Errorf("failed to read descriptor: %w", err)
		}
		return body, nil
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid descriptor url: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch descriptor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch descriptor: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, probeMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor body: %w", err)
	}
	return body, nil
}
