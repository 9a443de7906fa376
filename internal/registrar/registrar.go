// Package registrar 向平台注册服务上报网关的可达信息与运行状态。
// 注册服务不可达只影响服务发现，不影响已建立的连接。
package registrar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// GatewayInfo 是启动时上报的静态可达信息
type GatewayInfo struct {
	GatewayID   string `json:"gateway_id"`
	ObjectPort  int    `json:"object_port"`
	ServicePort int    `json:"service_port"`
	UseTLS      bool   `json:"use_tls"`
	Version     string `json:"version"`
}

// GatewayStatus 是周期上报的运行状态
type GatewayStatus struct {
	GatewayID     string    `json:"gateway_id"`
	ObjectsCount  int       `json:"objects_count"`
	ServicesCount int       `json:"services_count"`
	ReportedAt    time.Time `json:"reported_at"`
}

// Client 是注册服务的 HTTP 客户端。baseURL 为空时所有操作直接返回 nil，
// 网关可在无注册服务的环境下独立运行。
type Client struct {
	baseURL string
	httpc   *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// PostStartup 上报网关上线
func (c *Client) PostStartup(ctx context.Context, info GatewayInfo) error {
	return c.post(ctx, fmt.Sprintf("%s/apis/gateway/%s/startup", c.baseURL, info.GatewayID), info)
}

// PostStatus 上报周期状态
func (c *Client) PostStatus(ctx context.Context, status GatewayStatus) error {
	return c.post(ctx, fmt.Sprintf("%s/apis/gateway/%s/status", c.baseURL, status.GatewayID), status)
}

// PostShutdown 上报网关下线
func (c *Client) PostShutdown(ctx context.Context, gatewayID string) error {
	return c.post(ctx, fmt.Sprintf("%s/apis/gateway/%s/shutdown", c.baseURL, gatewayID), nil)
}

func (c *Client) post(ctx context.Context, url string, payload any) error {
	if !c.Enabled() {
		return nil
	}

	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("registrar responded %s for %s", resp.Status, url)
	}
	return nil
}
