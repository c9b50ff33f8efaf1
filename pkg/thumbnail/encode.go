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

// Package thumbnail turns job previews into the screen's picture stream: a
// palettized, run-length-encoded RGB565 image expanded into a printable
// byte alphabet the display firmware can accumulate over its text
// variables.
package thumbnail

import (
	"errors"
	"image"
	"sort"
)

const (
	headerSize = 32
	// paletteMax colors survive quantization; the rest are merged into
	// their nearest neighbor.
	paletteMax = 1024
	maxRun     = 255

	// transparentRemap replaces pure black, which the display firmware
	// treats as transparent.
	transparentRemap = 0x4AF0
)

// ErrEncode marks input the encoder cannot represent within its buffer.
var ErrEncode = errors.New("thumbnail: encode failed")

type paletteEntry struct {
	color uint16
	r     int
	g     int
	b     int
	count int
}

// Pixels565 flattens img row-major into RGB565, remapping pure black to
// the panel's visible near-black.
func Pixels565(img image.Image) []uint16 {
	bounds := img.Bounds()
	out := make([]uint16, 0, bounds.Dx()*bounds.Dy())
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			rgb := uint16(r>>11)<<11 | uint16(g>>10)<<5 | uint16(b>>11)
			if rgb == 0 {
				rgb = transparentRemap
			}
			out = append(out, rgb)
		}
	}
	return out
}

// Encode produces the printable picture stream for a width x height RGB565
// pixel grid. The pixel slice is quantized in place.
func Encode(pixels []uint16, width, height int) ([]byte, error) {
	if len(pixels) != width*height || len(pixels) == 0 {
		return nil, errors.New("thumbnail: pixel count does not match dimensions")
	}

	packed, err := encodePacked(pixels, width, height)
	if err != nil {
		return nil, err
	}

	// Pad to a 3-byte boundary for the 3-to-4 expansion.
	for len(packed)%3 != 0 {
		packed = append(packed, 0)
	}

	out := make([]byte, 0, len(packed)/3*4)
	for i := 0; i < len(packed); i += 3 {
		out = append(out,
			printable(packed[i]>>2),
			printable((packed[i]&3)<<4|packed[i+1]>>4),
			printable((packed[i+1]&15)<<2|packed[i+2]>>6),
			printable(packed[i+2]&63),
		)
	}
	return out, nil
}

// printable maps a 6-bit value into the stream alphabet: offset into
// printable ASCII, with backslash swapped out because the display firmware
// treats it as an escape.
func printable(v byte) byte {
	v += 48
	if v == '\\' {
		return '~'
	}
	return v
}

// encodePacked builds header, palette, and run-length data.
func encodePacked(pixels []uint16, width, height int) ([]byte, error) {
	palette := buildPalette(pixels)

	buf := make([]byte, headerSize, headerSize+len(palette)*2+len(pixels))
	listSize := len(palette) * 2

	buf[0] = 3 // encoder version
	putU32(buf[4:], uint32(width))
	putU32(buf[8:], uint32(height))
	// Magic marker the display firmware checks before decoding.
	buf[12], buf[13], buf[14], buf[15] = 60, 195, 221, 5
	putU32(buf[16:], uint32(listSize))

	for _, p := range palette {
		buf = append(buf, byte(p.color), byte(p.color>>8))
	}

	data, err := runLength(pixels, palette)
	if err != nil {
		return nil, err
	}
	putU32(buf[20:], uint32(len(data)))
	return append(buf, data...), nil
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// buildPalette histograms the pixels, keeps the paletteMax most frequent
// colors, and rewrites the rest to their nearest kept color.
func buildPalette(pixels []uint16) []paletteEntry {
	index := make(map[uint16]int)
	var entries []paletteEntry
	for _, px := range pixels {
		if i, ok := index[px]; ok {
			entries[i].count++
			continue
		}
		if len(entries) >= paletteMax*4 {
			// Beyond any realistic preview; extra colors fold into the
			// merge pass below.
			continue
		}
		index[px] = len(entries)
		entries = append(entries, paletteEntry{
			color: px,
			r:     int(px >> 11 & 31),
			g:     int(px >> 5 & 63),
			b:     int(px & 31),
			count: 1,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].count > entries[j].count
	})

	for len(entries) > paletteMax {
		last := entries[len(entries)-1]
		entries = entries[:len(entries)-1]

		best, bestDist := 0, int(^uint(0)>>1)
		for i, e := range entries[:min(len(entries), paletteMax)] {
			dist := abs(e.r-last.r) + abs(e.g-last.g) + abs(e.b-last.b)
			if dist < bestDist {
				best, bestDist = i, dist
			}
		}
		for i, px := range pixels {
			if px == last.color {
				pixels[i] = entries[best].color
			}
		}
		entries[best].count += last.count
	}
	return entries
}

// runLength encodes the palettized pixel stream. Each run stores a palette
// index split into a 32-wide slot: slot switches are emitted as control
// bytes, short runs pack count and index together, long runs use a
// separate count byte.
func runLength(pixels []uint16, palette []paletteEntry) ([]byte, error) {
	lookup := make(map[uint16]int, len(palette))
	for i, p := range palette {
		lookup[p.color] = i
	}

	maxSize := len(pixels) * 2
	out := make([]byte, 0, len(pixels)/4)
	lastSlot := 0
	for i := 0; i < len(pixels); {
		run := 1
		for i+run < len(pixels) && pixels[i+run] == pixels[i] && run < maxRun {
			run++
		}

		idx := lookup[pixels[i]]
		slot, short := idx/32, idx%32

		if slot != lastSlot {
			out = append(out, byte(7<<5|slot))
			lastSlot = slot
		}
		if run <= 6 {
			out = append(out, byte(run<<5|short))
		} else {
			out = append(out, byte(short), byte(run))
		}
		if len(out) > maxSize {
			return nil, ErrEncode
		}
		i += run
	}
	return out, nil
}

// Chunks splits the stream into transfer-sized pieces for the display's
// text variable accumulation.
func Chunks(data []byte, size int) [][]byte {
	if size <= 0 || len(data) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > size {
		out = append(out, data[:size])
		data = data[size:]
	}
	return append(out, data)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
