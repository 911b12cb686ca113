// Package s3 registers object transfer operations against pre-signed S3
// URLs. They run on the "http" worker type and reuse the worker's client.
package s3

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/vk/agentgrid/internal/ctxlog"
	"github.com/vk/agentgrid/internal/fault"
	"github.com/vk/agentgrid/internal/pool"
	"github.com/vk/agentgrid/internal/registry"
	"github.com/vk/agentgrid/modules/http_client"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// OnRunS3 performs the "upload" or "download" action.
func OnRunS3(ctx context.Context, w *pool.Worker, req *registry.Request) (any, error) {
	client, ok := w.Session.(*http.Client)
	if !ok || client == nil {
		return nil, fmt.Errorf("http client dependency was not injected")
	}
	switch action := strings.ToLower(req.String("action", "")); action {
	case "upload":
		return handleUpload(ctx, client, req.String("source_path", ""), req.String("upload_url", ""))
	case "download":
		return handleDownload(ctx, client, req.String("download_url", ""), req.String("destination_path", ""))
	default:
		return nil, fault.New(fault.KindGraphInvalid, "unknown s3 action: '%s'", action)
	}
}

// handleUpload PUTs a local file to a pre-signed URL.
func handleUpload(ctx context.Context, client *http.Client, sourcePath, uploadURL string) (any, error) {
	logger := ctxlog.FromContext(ctx).With("action", "upload")
	if sourcePath == "" || uploadURL == "" {
		return nil, fault.New(fault.KindGraphInvalid, "upload needs 'source_path' and 'upload_url'")
	}

	file, err := os.Open(sourcePath)
	if err != nil {
		return nil, fault.Wrap(fault.KindGraphInvalid, err, "failed to open source file '%s'", sourcePath)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get file stats for '%s': %w", sourcePath, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, file)
	if err != nil {
		return nil, fault.Wrap(fault.KindGraphInvalid, err, "failed to create S3 upload request")
	}

	contentType := mime.TypeByExtension(filepath.Ext(sourcePath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = stat.Size()

	logger.Info("Uploading file to S3", "source", sourcePath, "size", stat.Size(), "contentType", contentType)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute S3 upload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("S3 upload failed with status: %s", resp.Status)
	}

	logger.Info("Successfully uploaded file", "status", resp.Status)
	return map[string]any{
		"success": true,
		"status":  resp.Status,
		"bytes":   stat.Size(),
	}, nil
}

// handleDownload GETs a pre-signed URL into a local file. The file is
// written under a temporary name and renamed once complete.
func handleDownload(ctx context.Context, client *http.Client, downloadURL, destPath string) (any, error) {
	logger := ctxlog.FromContext(ctx).With("action", "download")
	if downloadURL == "" || destPath == "" {
		return nil, fault.New(fault.KindGraphInvalid, "download needs 'download_url' and 'destination_path'")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindGraphInvalid, err, "failed to create S3 download request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute S3 download request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("S3 download failed with status: %s", resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), filepath.Base(destPath)+".*.part")
	if err != nil {
		return nil, fmt.Errorf("failed to create destination file: %w", err)
	}
	n, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), destPath)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to write '%s': %w", destPath, err)
	}

	logger.Info("Successfully downloaded file", "destination", destPath, "size", n)
	return map[string]any{
		"success": true,
		"status":  resp.Status,
		"bytes":   n,
	}, nil
}

// Register registers the handler with the registry. The http worker type's
// provisioner comes from the http_client module.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterHandler(http_client.WorkerType, "s3", &registry.RegisteredHandler{
		Description: "Upload or download an object through a pre-signed S3 URL.",
		Fn:          OnRunS3,
	})
}
