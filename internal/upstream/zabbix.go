package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zabview/zabview/internal/config"
)

// ZabbixClient speaks the Zabbix JSON-RPC 2.0 API. It logs in lazily, caches
// the session token, and re-authenticates once when the server reports a
// terminated session.
type ZabbixClient struct {
	url      string
	username string
	password string
	client   *http.Client

	mu    sync.Mutex
	token string

	seq atomic.Int64
}

// NewZabbixClient constructs a client from upstream configuration.
func NewZabbixClient(cfg config.UpstreamConfig) *ZabbixClient {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ZabbixClient{
		url:      cfg.URL,
		username: cfg.Username,
		password: cfg.Password,
		client:   &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	Auth    string `json:"auth,omitempty"`
	ID      int64  `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("code %d: %s %s", e.Code, e.Message, e.Data)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Hosts lists monitored hosts with their enabled and availability flags.
func (c *ZabbixClient) Hosts(ctx context.Context) ([]Host, error) {
	var raw []struct {
		HostID    string `json:"hostid"`
		Name      string `json:"name"`
		Status    string `json:"status"`
		Available string `json:"available"`
	}
	params := map[string]any{
		"output": []string{"hostid", "name", "status", "available"},
	}
	if err := c.call(ctx, "host.get", params, &raw); err != nil {
		return nil, err
	}
	hosts := make([]Host, 0, len(raw))
	for _, h := range raw {
		hosts = append(hosts, Host{
			ID:        h.HostID,
			Name:      h.Name,
			Enabled:   h.Status == "0",
			Available: h.Available == "1",
		})
	}
	return hosts, nil
}

// Problems lists open problems with their affected hosts.
func (c *ZabbixClient) Problems(ctx context.Context) ([]Problem, error) {
	var raw []struct {
		EventID      string `json:"eventid"`
		Name         string `json:"name"`
		Severity     string `json:"severity"`
		Clock        string `json:"clock"`
		Acknowledged string `json:"acknowledged"`
		Hosts        []struct {
			HostID string `json:"hostid"`
		} `json:"hosts"`
	}
	params := map[string]any{
		"output":      []string{"eventid", "name", "severity", "clock", "acknowledged"},
		"selectHosts": []string{"hostid"},
		"recent":      false,
		"sortfield":   []string{"eventid"},
	}
	if err := c.call(ctx, "problem.get", params, &raw); err != nil {
		return nil, err
	}
	problems := make([]Problem, 0, len(raw))
	for _, p := range raw {
		severity, _ := strconv.Atoi(p.Severity)
		clock, _ := strconv.ParseInt(p.Clock, 10, 64)
		hostIDs := make([]string, 0, len(p.Hosts))
		for _, h := range p.Hosts {
			hostIDs = append(hostIDs, h.HostID)
		}
		problems = append(problems, Problem{
			ID:           p.EventID,
			Name:         p.Name,
			Severity:     severity,
			RaisedAt:     time.Unix(clock, 0).UTC(),
			HostIDs:      hostIDs,
			Acknowledged: p.Acknowledged == "1",
		})
	}
	return problems, nil
}

// Services lists service checks with their last failed step.
func (c *ZabbixClient) Services(ctx context.Context) ([]Service, error) {
	var raw []struct {
		ServiceID string `json:"serviceid"`
		Name      string `json:"name"`
		Status    string `json:"status"`
		LastStep  string `json:"laststep"`
	}
	params := map[string]any{
		"output": []string{"serviceid", "name", "status", "laststep"},
	}
	if err := c.call(ctx, "service.get", params, &raw); err != nil {
		return nil, err
	}
	services := make([]Service, 0, len(raw))
	for _, s := range raw {
		services = append(services, Service{
			ID:             s.ServiceID,
			Name:           s.Name,
			Enabled:        s.Status == "0",
			LastFailedStep: s.LastStep,
		})
	}
	return services, nil
}

// MaintenanceHostIDs returns the ids of hosts currently inside an active
// maintenance window.
func (c *ZabbixClient) MaintenanceHostIDs(ctx context.Context) ([]string, error) {
	var raw []struct {
		Hosts []struct {
			HostID string `json:"hostid"`
		} `json:"hosts"`
	}
	params := map[string]any{
		"output":      []string{"maintenanceid"},
		"selectHosts": []string{"hostid"},
		"active":      true,
	}
	if err := c.call(ctx, "maintenance.get", params, &raw); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var ids []string
	for _, m := range raw {
		for _, h := range m.Hosts {
			if _, dup := seen[h.HostID]; dup {
				continue
			}
			seen[h.HostID] = struct{}{}
			ids = append(ids, h.HostID)
		}
	}
	return ids, nil
}

func (c *ZabbixClient) call(ctx context.Context, method string, params, result any) error {
	token, err := c.session(ctx)
	if err != nil {
		return err
	}
	raw, err := c.invoke(ctx, method, params, token)
	if err != nil && sessionExpired(err) {
		// Stale session token; log in again and retry the call once.
		c.mu.Lock()
		if c.token == token {
			c.token = ""
		}
		c.mu.Unlock()
		token, err = c.session(ctx)
		if err != nil {
			return err
		}
		raw, err = c.invoke(ctx, method, params, token)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("upstream: decode %s result: %w", method, err)
	}
	return nil
}

func (c *ZabbixClient) session(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	raw, err := c.invoke(ctx, "user.login", map[string]any{
		"username": c.username,
		"password": c.password,
	}, "")
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			return "", fmt.Errorf("%w: %s", ErrAuthFailed, rpcErr.Error())
		}
		return "", err
	}
	var token string
	if err := json.Unmarshal(raw, &token); err != nil {
		return "", fmt.Errorf("upstream: decode session token: %w", err)
	}
	c.token = token
	return token, nil
}

func (c *ZabbixClient) invoke(ctx context.Context, method string, params any, token string) (json.RawMessage, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		Auth:    token,
		ID:      c.seq.Add(1),
	})
	if err != nil {
		return nil, fmt.Errorf("upstream: encode %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json-rpc")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", ErrUnavailable, method, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read body: %v", ErrUnavailable, method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("%w: %s: decode response: %v", ErrUnavailable, method, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("upstream: %s: %w", method, rpcResp.Error)
	}
	return rpcResp.Result, nil
}

func sessionExpired(err error) bool {
	var rpcErr *rpcError
	if !errors.As(err, &rpcErr) {
		return false
	}
	data := strings.ToLower(rpcErr.Data)
	return strings.Contains(data, "re-login") || strings.Contains(data, "not authorized")
}
