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

package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"

	// Preview decoders. Slicers embed PNG almost exclusively, JPEG shows
	// up in converted archives.
	_ "image/jpeg"
	_ "image/png"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
)

// ErrNoThumbnail covers jobs without a usable preview: nothing embedded,
// or an image the decoders reject.
var ErrNoThumbnail = errors.New("thumbnail: no usable thumbnail")

// Fetcher retrieves the raw embedded preview for a job file. Satisfied by
// the job-API client.
type Fetcher interface {
	Thumbnail(ctx context.Context, filename string) ([]byte, error)
}

// Cache prepares and memoizes the encoded stream for the current job. The
// screen asks for the thumbnail on every print-page entry; only the first
// ask per job pays for fetch, scale, and encode.
type Cache struct {
	fetch  Fetcher
	job    string
	data   []byte
	width  int
	height int
}

// NewCache builds a cache producing width x height streams.
func NewCache(fetch Fetcher, width, height int) *Cache {
	return &Cache{fetch: fetch, width: width, height: height}
}

// Get returns the encoded stream for the job, fetching and encoding on a
// job change. Not safe for concurrent use; the display writer is the only
// caller.
func (c *Cache) Get(ctx context.Context, job string) ([]byte, error) {
	if job == "" {
		return nil, fmt.Errorf("%w: no job", ErrNoThumbnail)
	}
	if job == c.job && c.data != nil {
		return c.data, nil
	}
	// The job changed; the old entry must not outlive a failed fetch for
	// the new one.
	c.job = ""
	c.data = nil

	raw, err := c.fetch.Thumbnail(ctx, job)
	if err != nil {
		return nil, err
	}
	data, err := c.prepare(raw)
	if err != nil {
		return nil, err
	}

	c.job = job
	c.data = data
	log.Debug().Str("job", job).Int("bytes", len(data)).Msg("thumbnail encoded")
	return data, nil
}

// Invalidate drops the cached stream. Called on job change so a re-sliced
// file with the same name is re-fetched.
func (c *Cache) Invalidate() {
	c.job = ""
	c.data = nil
}

func (c *Cache) prepare(raw []byte) ([]byte, error) {
	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrNoThumbnail, err)
	}
	log.Debug().Str("format", format).Msg("decoded job preview")

	if b := src.Bounds(); b.Dx() != c.width || b.Dy() != c.height {
		dst := image.NewRGBA(image.Rect(0, 0, c.width, c.height))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
		src = dst
	}
	return Encode(Pixels565(src), c.width, c.height)
}
