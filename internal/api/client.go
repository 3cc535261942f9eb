// Package api is the REST client for the monitoring backend. It
// tolerates the backend's loosely-shaped responses (data vs
// data.data, items vs bare arrays) and hands callers raw record maps
// for the transformer to normalize.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"argus/internal/models"
)

// Endpoint paths of the consumed backend contract.
const (
	pathMachinesActive  = "/api/machines/active"
	pathMachineByUUID   = "/api/machine/uuid/"
	pathDashboardStats  = "/api/dashboard/stats"
	pathHealth          = "/api/health"
	pathEndEvents       = "/api/end_events"
	pathExportExcel     = "/api/events/export/excel"
	pathExportPDF       = "/api/events/export/pdf"
	pathStorageHomepage = "/api/storage/list/homepage"
	pathStorageSearch   = "/api/storage/list"
	pathStorageLatest   = "/api/storage/latest/"
)

// Client talks to one backend instance.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the given base URL.
func New(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// NewWithHTTPClient creates a client using the supplied http.Client,
// which tests use to point at an httptest server.
func NewWithHTTPClient(base string, hc *http.Client) *Client {
	return &Client{base: base, http: hc}
}

// LocalDate returns today's date as YYYY-MM-DD in local time. The
// backend buckets daily alerts by the operator's local day, not UTC.
func LocalDate() string {
	return time.Now().Format("2006-01-02")
}

// ActiveMachines fetches one page of active machines as raw records.
// The backend answers either {data:[...]} or {data:{data:[...]}}.
func (c *Client) ActiveMachines(ctx context.Context, page, pageSize int) ([]map[string]interface{}, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))

	body, err := c.get(ctx, pathMachinesActive+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var outer struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &outer); err != nil {
		return nil, fmt.Errorf("decode active machines: %w", err)
	}
	return decodeRecordList(outer.Data)
}

// MachineByUUID fetches the detail record for one machine. The id is
// validated up front — records without a usable UUID have no detail
// view at all.
func (c *Client) MachineByUUID(ctx context.Context, id string) (map[string]interface{}, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid machine uuid %q: %w", id, err)
	}

	body, err := c.get(ctx, pathMachineByUUID+url.PathEscape(id))
	if err != nil {
		return nil, err
	}

	var resp struct {
		Success bool                   `json:"success"`
		Data    map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode machine detail: %w", err)
	}
	if !resp.Success || resp.Data == nil {
		return nil, fmt.Errorf("machine %s: backend reported no data", id)
	}
	return resp.Data, nil
}

// DashboardStats fetches the aggregate KPI counts.
func (c *Client) DashboardStats(ctx context.Context) (map[string]interface{}, error) {
	body, err := c.get(ctx, pathDashboardStats)
	if err != nil {
		return nil, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode dashboard stats: %w", err)
	}
	return raw, nil
}

// Health reports whether the backend considers itself healthy.
func (c *Client) Health(ctx context.Context) (bool, error) {
	body, err := c.get(ctx, pathHealth)
	if err != nil {
		return false, err
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("decode health: %w", err)
	}
	return resp.Status == "healthy", nil
}

// EndEvents searches historical (ended) events. Params pass through
// as-is: date_from, date_to, ip, cpu, ram, storage, user_range, page,
// page_size.
func (c *Client) EndEvents(ctx context.Context, params url.Values) (json.RawMessage, error) {
	path := pathEndEvents
	if enc := params.Encode(); enc != "" {
		path += "?" + enc
	}
	return c.get(ctx, path)
}

// StorageList fetches one page of the daily storage snapshot list.
// Answers either {items:[...], pagination:{...}} or a bare array.
func (c *Client) StorageList(ctx context.Context, dateFrom string, page, pageSize int) ([]map[string]interface{}, models.Pagination, error) {
	if dateFrom == "" {
		dateFrom = LocalDate()
	}
	q := url.Values{}
	q.Set("date_from", dateFrom)
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))

	body, err := c.get(ctx, pathStorageHomepage+"?"+q.Encode())
	if err != nil {
		return nil, models.Pagination{}, err
	}
	return decodeStorageResponse(body)
}

// StorageSearch queries storage snapshots with arbitrary filters.
func (c *Client) StorageSearch(ctx context.Context, params url.Values) ([]map[string]interface{}, models.Pagination, error) {
	path := pathStorageSearch
	if enc := params.Encode(); enc != "" {
		path += "?" + enc
	}
	body, err := c.get(ctx, path)
	if err != nil {
		return nil, models.Pagination{}, err
	}
	return decodeStorageResponse(body)
}

// LatestStorageByIP fetches the most recent storage snapshot for one
// host, optionally pinned to a creation time.
func (c *Client) LatestStorageByIP(ctx context.Context, ip, createdAt string) (map[string]interface{}, error) {
	if ip == "" {
		return nil, fmt.Errorf("ip is required")
	}
	path := pathStorageLatest + url.PathEscape(ip)
	if createdAt != "" {
		q := url.Values{}
		q.Set("created_at", createdAt)
		path += "?" + q.Encode()
	}

	body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode latest storage: %w", err)
	}
	return raw, nil
}

// get performs one GET and returns the body for 200 responses.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: backend returned %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

// decodeRecordList accepts either a bare array of records or a
// wrapper object with a data array.
func decodeRecordList(raw json.RawMessage) ([]map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var list []map[string]interface{}
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var nested struct {
		Data []map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil && nested.Data != nil {
		return nested.Data, nil
	}
	return nil, fmt.Errorf("unexpected record list shape")
}

func decodeStorageResponse(body []byte) ([]map[string]interface{}, models.Pagination, error) {
	var wrapped struct {
		Items      []map[string]interface{} `json:"items"`
		Pagination models.Pagination        `json:"pagination"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Items != nil {
		return wrapped.Items, wrapped.Pagination, nil
	}

	var bare []map[string]interface{}
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare, models.Pagination{TotalCount: len(bare), TotalPages: 1}, nil
	}

	return nil, models.Pagination{}, fmt.Errorf("unexpected storage response shape")
}
