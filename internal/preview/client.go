package preview

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/banshee-data/stereo-recorder/internal/httputil"
)

// SendKey posts key to the preview server at addr ("host:port" or a base
// URL), the remote equivalent of pressing it in the preview window.
func SendKey(ctx context.Context, c httputil.Doer, addr string, key int) (KeyResponse, error) {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + "/preview/key")
	if err != nil {
		return KeyResponse{}, fmt.Errorf("invalid preview address %q: %w", addr, err)
	}
	u.RawQuery = url.Values{"code": {strconv.Itoa(key)}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return KeyResponse{}, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return KeyResponse{}, fmt.Errorf("failed to reach preview at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return KeyResponse{}, err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return KeyResponse{}, fmt.Errorf("preview rejected key %d: %s", key, e.Error)
		}
		return KeyResponse{}, fmt.Errorf("preview rejected key %d: status %d", key, resp.StatusCode)
	}
	var out KeyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return KeyResponse{}, fmt.Errorf("invalid preview response: %w", err)
	}
	return out, nil
}
