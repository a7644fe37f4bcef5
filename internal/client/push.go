// Package client uploads local files to a running file-share server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"

	"file-share/internal/server"
)

// Options configures a push.
type Options struct {
	BaseURL    string       // e.g. "http://localhost:8080"
	HTTPClient *http.Client // nil uses a client with a 30 minute timeout
	Progress   io.Writer    // progress bar output; nil disables the bar
}

// Push streams every path to POST /upload as one multipart request. The
// body is produced on the fly, so memory use does not grow with file size.
// Per-file rejections are returned in the report, not as an error.
func Push(ctx context.Context, opts Options, paths []string) (server.UploadReport, error) {
	var report server.UploadReport
	if len(paths) == 0 {
		return report, errors.New("no files to push")
	}

	var total int64
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return report, err
		}
		if !info.Mode().IsRegular() {
			return report, fmt.Errorf("%s is not a regular file", p)
		}
		total += info.Size()
	}

	var bar *pb.ProgressBar
	if opts.Progress != nil {
		bar = pb.New64(total)
		bar.Set(pb.Bytes, true)
		bar.SetWriter(opts.Progress)
		bar.Start()
		defer bar.Finish()
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeParts(mw, paths, bar))
	}()

	endpoint := strings.TrimRight(opts.BaseURL, "/") + "/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return report, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient(opts).Do(req)
	if err != nil {
		_ = pr.CloseWithError(err)
		return report, fmt.Errorf("push to %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusSeeOther, http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
			return report, fmt.Errorf("decode upload report: %w", err)
		}
		return report, nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return report, fmt.Errorf("server answered %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
}

func writeParts(mw *multipart.Writer, paths []string, bar *pb.ProgressBar) error {
	for _, p := range paths {
		if err := writePart(mw, p, bar); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writePart(mw *multipart.Writer, path string, bar *pb.ProgressBar) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	w, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}

	var src io.Reader = f
	if bar != nil {
		src = bar.NewProxyReader(f)
	}
	_, err = io.Copy(w, src)
	return err
}

// httpClient never follows the post-upload redirect; the 303 carries the
// report.
func httpClient(opts Options) *http.Client {
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Minute}
	}
	c := *base
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &c
}
