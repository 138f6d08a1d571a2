package ingestion

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// workbookMIMEMarker is the Content-Type fragment that identifies a
// successful workbook response.
const workbookMIMEMarker = "spreadsheetml.sheet"

// FailureReasonTransport marks network-level failures (timeout, connection
// reset, malformed response).
const FailureReasonTransport = "transport-error"

// FetchOutcome is a successful workbook download.
type FetchOutcome struct {
	Payload     []byte
	FileName    string
	Prefix      string
	ContentType string
}

// FetchFailure is an unsuccessful fetch attempt. HTMLPage signals the
// endpoint answered with an HTML error page, which strongly implies the
// station no longer exists at that endpoint.
type FetchFailure struct {
	Reason     string
	HTMLPage   bool
	StatusCode int
}

// Fetcher downloads one workbook per station from the templated report URL.
// A limiter with burst 1 enforces the pause strictly between requests, never
// before the first.
type Fetcher struct {
	client      *http.Client
	urlTemplate string
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// NewFetcher builds a Fetcher. urlTemplate must contain one %s verb for the
// station identifier.
func NewFetcher(urlTemplate string, pause, timeout time.Duration, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		client:      &http.Client{Timeout: timeout},
		urlTemplate: urlTemplate,
		limiter:     rate.NewLimiter(rate.Every(pause), 1),
		logger:      logger.With(slog.String("component", "fetcher")),
	}
}

// Fetch retrieves the current workbook for one station. Network and
// content-type problems come back as a FetchFailure so one station's trouble
// never aborts the run; the error return is reserved for context
// cancellation.
func (f *Fetcher) Fetch(ctx context.Context, stationID string) (*FetchOutcome, *FetchFailure, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("rate limit wait: %w", err)
	}

	url := fmt.Sprintf(f.urlTemplate, stationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request for station %s: %w", stationID, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		f.logger.Warn("transport failure",
			slog.String("station_id", stationID),
			slog.String("error", err.Error()))
		return nil, &FetchFailure{Reason: FailureReasonTransport}, nil
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, workbookMIMEMarker) {
		// Drain so the connection can be reused; the body is an error page.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return nil, &FetchFailure{
			Reason:     contentType,
			HTMLPage:   strings.Contains(contentType, "text/html"),
			StatusCode: resp.StatusCode,
		}, nil
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		f.logger.Warn("failed reading response body",
			slog.String("station_id", stationID),
			slog.String("error", err.Error()))
		return nil, &FetchFailure{Reason: FailureReasonTransport, StatusCode: resp.StatusCode}, nil
	}

	fileName, prefix := parseContentDisposition(resp.Header.Get("Content-Disposition"))
	return &FetchOutcome{
		Payload:     payload,
		FileName:    fileName,
		Prefix:      prefix,
		ContentType: contentType,
	}, nil, nil
}

// parseContentDisposition extracts the suggested filename from a
// Content-Disposition header and derives the station's display prefix: the
// substring before the first " - " separator.
func parseContentDisposition(header string) (fileName, prefix string) {
	for _, part := range strings.Split(header, ";") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(key) == "filename" {
			fileName = strings.Trim(strings.TrimSpace(value), `"'`)
		}
	}
	if fileName != "" {
		prefix = strings.TrimSpace(strings.SplitN(fileName, " - ", 2)[0])
	}
	return fileName, prefix
}
