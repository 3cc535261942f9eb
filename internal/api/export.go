package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ExportEventsExcel downloads the backend's Excel export of ended
// events into dir and returns the written path. The file name mirrors
// the dashboard's download naming.
func (c *Client) ExportEventsExcel(ctx context.Context, params url.Values, dir string) (string, error) {
	name := fmt.Sprintf("system_event_excel_%s.xlsx", time.Now().Format("2006-01-02"))
	return c.download(ctx, pathExportExcel, params, dir, name)
}

// ExportEventsPDF downloads the PDF export of ended events.
func (c *Client) ExportEventsPDF(ctx context.Context, params url.Values, dir string) (string, error) {
	name := fmt.Sprintf("system_event_pdf_%s.pdf", time.Now().Format("2006-01-02"))
	return c.download(ctx, pathExportPDF, params, dir, name)
}

// ExportMachinePDF downloads the per-machine event report.
func (c *Client) ExportMachinePDF(ctx context.Context, id, dir string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("invalid machine uuid %q: %w", id, err)
	}
	name := fmt.Sprintf("event_report_%s.pdf", id)
	return c.download(ctx, pathMachineByUUID+url.PathEscape(id)+"/export/pdf", nil, dir, name)
}

func (c *Client) download(ctx context.Context, path string, params url.Values, dir, name string) (string, error) {
	if enc := params.Encode(); enc != "" {
		path += "?" + enc
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return "", fmt.Errorf("build export request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: backend returned %d", path, resp.StatusCode)
	}

	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	target := filepath.Join(dir, name)
	f, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(target)
		return "", fmt.Errorf("write export file: %w", err)
	}
	return target, nil
}
