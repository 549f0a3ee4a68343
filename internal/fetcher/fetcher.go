// Package fetcher downloads source payloads over HTTP and FTP and decodes
// CSV, XLSX, XML, JSON and ZIP content.
package fetcher

import (
	"context"
	"io"
	"net/url"

	"github.com/rotisserie/eris"
)

// Fetcher downloads remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, rawURL string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL into path and returns bytes written.
	DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error)
}

// Router dispatches downloads to the HTTP or FTP fetcher by URL scheme.
type Router struct {
	HTTP *HTTPFetcher
	FTP  *FTPFetcher
}

func (r *Router) pick(rawURL string) (Fetcher, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse url %q", rawURL)
	}
	switch u.Scheme {
	case "http", "https":
		if r.HTTP != nil {
			return r.HTTP, nil
		}
	case "ftp":
		if r.FTP != nil {
			return r.FTP, nil
		}
	}
	return nil, eris.Errorf("fetcher: no fetcher for scheme %q", u.Scheme)
}

// Download implements Fetcher.
func (r *Router) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	f, err := r.pick(rawURL)
	if err != nil {
		return nil, err
	}
	return f.Download(ctx, rawURL)
}

// DownloadToFile implements Fetcher.
func (r *Router) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	f, err := r.pick(rawURL)
	if err != nil {
		return 0, err
	}
	return f.DownloadToFile(ctx, rawURL, path)
}

// Collect runs a streaming decoder and gathers its output. A positive limit
// stops the decoder once that many items have been read; the cancellation
// this causes is not reported as an error.
func Collect[T any](ctx context.Context, limit int, start func(ctx context.Context) (<-chan T, <-chan error)) ([]T, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outCh, errCh := start(streamCtx)
	var items []T
	capped := false
	for item := range outCh {
		if capped {
			continue
		}
		items = append(items, item)
		if limit > 0 && len(items) >= limit {
			capped = true
			cancel()
		}
	}

	err := <-errCh
	if err != nil && capped && ctx.Err() == nil {
		err = nil
	}
	return items, err
}
