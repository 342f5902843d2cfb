package cardata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// 默认请求头
const (
	DefaultUserAgent = "Dart/3.0 (dart:io)"
	xUserAgentFormat = "android(SP1A.210812.016.C1);%s;99.0.0(99999);row"
	DefaultBrand     = "bmw"
)

// 错误定义
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrRateLimited  = errors.New("rate limited")
	ErrNotFound     = errors.New("not found")
	ErrServer       = errors.New("server error")
)

// StatusError 非 2xx 响应
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status=%d body=%s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Unwrap 按状态码映射到哨兵错误
func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode >= 500:
		return ErrServer
	default:
		return nil
	}
}

// StatusCode 从错误中取 HTTP 状态码，非 StatusError 返回 0
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// TokenSource 提供当前访问令牌
type TokenSource interface {
	AccessToken() (string, error)
}

// Client 车辆数据 REST API 客户端
type Client struct {
	httpClient *http.Client
	apiHost    string
	tokens     TokenSource
	userAgent  string
	language   string
}

// NewClient 创建 API 客户端
func NewClient(apiHost string, tokens TokenSource) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		apiHost:   strings.TrimRight(apiHost, "/"),
		tokens:    tokens,
		userAgent: DefaultUserAgent,
		language:  "de-DE",
	}
}

// SetHTTPClient 设置 HTTP 客户端
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// doRequest 执行带认证的请求，非 2xx 响应转换为 StatusError
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, brand string, body io.Reader) ([]byte, error) {
	token, err := c.tokens.AccessToken()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	target := c.apiHost + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}

	if brand == "" {
		brand = DefaultBrand
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-User-Agent", fmt.Sprintf(xUserAgentFormat, brand))
	req.Header.Set("Accept-Language", c.language)
	req.Header.Set("24-Hour-Format", "true")
	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s request failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s read body: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// Fetch 获取任意 JSON 端点
func (c *Client) Fetch(ctx context.Context, path string, query url.Values, brand string) ([]byte, error) {
	return c.doRequest(ctx, http.MethodGet, path, query, brand, nil)
}

// ListVehicles 获取指定品牌下的车辆列表
func (c *Client) ListVehicles(ctx context.Context, brand string, now time.Time) ([]Vehicle, error) {
	query := url.Values{}
	query.Set("apptimezone", "120")
	query.Set("appDateTime", strconv.FormatInt(now.UnixMilli(), 10))
	query.Set("tireGuardMode", "ENABLED")

	data, err := c.Fetch(ctx, "/eadrax-vcs/v1/vehicles", query, brand)
	if err != nil {
		return nil, fmt.Errorf("list %s vehicles: %w", brand, err)
	}

	list := gjson.ParseBytes(data)
	if !list.IsArray() {
		return nil, fmt.Errorf("list %s vehicles: unexpected response %s", brand, string(data))
	}

	var vehicles []Vehicle
	list.ForEach(func(_, item gjson.Result) bool {
		vin := item.Get("vin").String()
		if vin == "" {
			return true
		}

		v := Vehicle{
			VIN:          vin,
			Model:        firstNonEmpty(item.Get("model").String(), item.Get("attributes.model").String()),
			Brand:        firstNonEmpty(item.Get("brand").String(), item.Get("attributes.brand").String(), brand),
			Capabilities: make(map[string]bool),
			Raw:          []byte(item.Raw),
		}
		item.Get("capabilities").ForEach(func(k, val gjson.Result) bool {
			if val.IsBool() {
				v.Capabilities[k.String()] = val.Bool()
			}
			return true
		})
		vehicles = append(vehicles, v)
		return true
	})
	return vehicles, nil
}

// PostCommand 提交远程命令，action 为空时不带参数
func (c *Client) PostCommand(ctx context.Context, vin, command, action string) (*CommandResponse, error) {
	var query url.Values
	if action != "" {
		query = url.Values{"action": {action}}
	}

	path := fmt.Sprintf("/eadrax-vrccs/v2/presentation/remote-commands/%s/%s", url.PathEscape(vin), url.PathEscape(command))
	data, err := c.doRequest(ctx, http.MethodPost, path, query, DefaultBrand, strings.NewReader(""))
	if err != nil {
		return nil, fmt.Errorf("remote command %s: %w", command, err)
	}

	var resp CommandResponse
	r := gjson.ParseBytes(data)
	resp.EventID = r.Get("eventId").String()
	resp.CreationTime = r.Get("creationTime").String()
	return &resp, nil
}

// CommandStatus 查询远程命令执行状态
func (c *Client) CommandStatus(ctx context.Context, eventID string) (*EventStatus, error) {
	query := url.Values{"eventId": {eventID}}
	data, err := c.doRequest(ctx, http.MethodPost, "/eadrax-vrccs/v2/presentation/remote-commands/eventStatus", query, DefaultBrand, strings.NewReader(""))
	if err != nil {
		return nil, fmt.Errorf("command status %s: %w", eventID, err)
	}
	return &EventStatus{EventStatus: gjson.GetBytes(data, "eventStatus").String()}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
