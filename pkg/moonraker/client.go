// KlipperLCD Core
// Copyright (c) 2026 The KlipperLCD Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of KlipperLCD Core.
//
// KlipperLCD Core is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// KlipperLCD Core is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with KlipperLCD Core.  If not, see <http://www.gnu.org/licenses/>.

// Package moonraker is the job-API client: file listings, job metadata and
// thumbnails, console history, and job control. Reads are retried with a
// bounded jittered backoff; anything that changes printer state is sent
// exactly once.
package moonraker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

const (
	requestTimeout = 8 * time.Second
	getMaxTries    = 3
	// Thumbnails can be a few hundred kB; everything else is small.
	maxBodyBytes = 4 << 20
)

var (
	// ErrNotFound covers missing files, missing metadata, and jobs with no
	// embedded thumbnail.
	ErrNotFound = errors.New("moonraker: not found")
	// ErrRemote wraps any non-2xx answer.
	ErrRemote = errors.New("moonraker: request failed")
)

var defaultTransport = &http.Transport{
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	ResponseHeaderTimeout: requestTimeout,
	MaxIdleConns:          4,
	IdleConnTimeout:       90 * time.Second,
}

// Client talks to one job-API server. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient builds a client for the server at baseURL, e.g.
// "http://127.0.0.1:7125". An empty apiKey omits the auth header.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Transport: defaultTransport,
			Timeout:   requestTimeout,
		},
	}
}

// File is one printable file as listed by the server.
type File struct {
	Path     string  `json:"path"`
	Modified float64 `json:"modified"`
	Size     int64   `json:"size"`
}

// ThumbnailRef is a pregenerated preview embedded in a job file.
type ThumbnailRef struct {
	RelativePath string `json:"relative_path"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Size         int    `json:"size"`
}

// Metadata is the slicer metadata the server extracted for one job file.
type Metadata struct {
	Filename      string         `json:"filename"`
	Thumbnails    []ThumbnailRef `json:"thumbnails"`
	EstimatedTime float64        `json:"estimated_time"`
	FilamentTotal float64        `json:"filament_total"`
	LayerHeight   float64        `json:"layer_height"`
	ObjectHeight  float64        `json:"object_height"`
}

// GCodeEntry is one line of the server's console history.
type GCodeEntry struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Time    float64 `json:"time"`
}

// Info is the host and firmware description shown on the panel's
// information page.
type Info struct {
	State           string `json:"state"`
	StateMessage    string `json:"state_message"`
	Hostname        string `json:"hostname"`
	SoftwareVersion string `json:"software_version"`
}

// ListFiles returns the printable files known to the server.
func (c *Client) ListFiles(ctx context.Context) ([]File, error) {
	var files []File
	if err := c.get(ctx, "/server/files/list", &files); err != nil {
		return nil, err
	}
	// Newest first, matching the panel's browse order.
	sort.Slice(files, func(i, j int) bool { return files[i].Modified > files[j].Modified })
	return files, nil
}

// FileMetadata returns the extracted metadata for one job file.
func (c *Client) FileMetadata(ctx context.Context, filename string) (Metadata, error) {
	var meta Metadata
	q := url.Values{"filename": {filename}}
	err := c.get(ctx, "/server/files/metadata?"+q.Encode(), &meta)
	return meta, err
}

// Thumbnail downloads the largest preview embedded in the job file.
// Returns ErrNotFound when the slicer embedded none.
func (c *Client) Thumbnail(ctx context.Context, filename string) ([]byte, error) {
	meta, err := c.FileMetadata(ctx, filename)
	if err != nil {
		return nil, err
	}
	if len(meta.Thumbnails) == 0 {
		return nil, fmt.Errorf("%w: no thumbnail in %s", ErrNotFound, filename)
	}

	best := meta.Thumbnails[0]
	for _, t := range meta.Thumbnails[1:] {
		if t.Width*t.Height > best.Width*best.Height {
			best = t
		}
	}
	// Relative paths resolve against the job file's directory.
	full := path.Join(path.Dir(filename), best.RelativePath)
	return c.download(ctx, "/server/files/gcodes/"+full)
}

// GCodeStore returns up to count lines of recent console history.
func (c *Client) GCodeStore(ctx context.Context, count int) ([]GCodeEntry, error) {
	var result struct {
		GCodeStore []GCodeEntry `json:"gcode_store"`
	}
	if err := c.get(ctx, "/server/gcode_store?count="+strconv.Itoa(count), &result); err != nil {
		return nil, err
	}
	return result.GCodeStore, nil
}

// Macros lists the user-facing gcode macros. Names starting with an
// underscore are internal by convention and filtered out.
func (c *Client) Macros(ctx context.Context) ([]string, error) {
	var result struct {
		Objects []string `json:"objects"`
	}
	if err := c.get(ctx, "/printer/objects/list", &result); err != nil {
		return nil, err
	}

	var macros []string
	for _, obj := range result.Objects {
		name, ok := strings.CutPrefix(obj, "gcode_macro ")
		if !ok || strings.HasPrefix(name, "_") {
			continue
		}
		macros = append(macros, name)
	}
	sort.Strings(macros)
	return macros, nil
}

// PrinterInfo returns the firmware host description.
func (c *Client) PrinterInfo(ctx context.Context) (Info, error) {
	var info Info
	err := c.get(ctx, "/printer/info", &info)
	return info, err
}

// StartPrint queues the named file and starts the job.
func (c *Client) StartPrint(ctx context.Context, filename string) error {
	return c.post(ctx, "/printer/print/start", map[string]string{"filename": filename})
}

// PauseJob pauses the running job.
func (c *Client) PauseJob(ctx context.Context) error {
	return c.post(ctx, "/printer/print/pause", nil)
}

// ResumeJob resumes a paused job.
func (c *Client) ResumeJob(ctx context.Context) error {
	return c.post(ctx, "/printer/print/resume", nil)
}

// CancelJob aborts the running job.
func (c *Client) CancelJob(ctx context.Context) error {
	return c.post(ctx, "/printer/print/cancel", nil)
}

// RunGCode submits a gcode script over the job API.
func (c *Client) RunGCode(ctx context.Context, script string) error {
	return c.post(ctx, "/printer/gcode/script", map[string]string{"script": script})
}

// get fetches path and decodes the response's result field into out,
// retrying transient failures.
func (c *Client) get(ctx context.Context, apiPath string, out any) error {
	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		body, err := c.do(ctx, http.MethodGet, apiPath, nil)
		if errors.Is(err, ErrNotFound) {
			return nil, backoff.Permanent(err)
		}
		if err != nil {
			log.Debug().Err(err).Str("path", apiPath).Msg("job api read failed, retrying")
		}
		return body, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(getMaxTries))
	if err != nil {
		return err
	}

	var wrapper struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return fmt.Errorf("decode %s: %w", apiPath, err)
	}
	if err := json.Unmarshal(wrapper.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", apiPath, err)
	}
	return nil
}

// download fetches path raw, without retries or result unwrapping.
func (c *Client) download(ctx context.Context, apiPath string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, apiPath, nil)
}

// post sends one state-changing request. Never retried: a lost response
// must not turn into a doubled pause or start.
func (c *Client) post(ctx context.Context, apiPath string, payload any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", apiPath, err)
		}
		body = bytes.NewReader(buf)
	}
	_, err := c.do(ctx, http.MethodPost, apiPath, body)
	return err
}

func (c *Client) do(ctx context.Context, method, apiPath string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPath, body)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", apiPath, err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, apiPath, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Debug().Err(err).Msg("closing response body")
		}
	}()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, apiPath)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s %s: %s", ErrRemote, method, apiPath, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", apiPath, err)
	}
	return data, nil
}
