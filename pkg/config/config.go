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

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

const (
	SchemaVersion = 1
	CfgEnv        = "KLIPPERLCD_CFG"

	LogFile = "klipperlcd.log"
)

// ErrInvalidConfig wraps any startup configuration failure. It is fatal:
// callers exit with a distinct status so the service manager does not apply
// its transient-failure restart policy to an unfixable config.
var ErrInvalidConfig = errors.New("invalid configuration")

// Values is the on-disk TOML layout. All options are read once at startup;
// the bridge never mutates them at runtime.
type Values struct {
	SerialPort       string    `toml:"serial_port" validate:"required"`
	SocketPath       string    `toml:"socket_path" validate:"required"`
	APIURL           string    `toml:"api_url" validate:"required,url"`
	APIKey           string    `toml:"api_key,omitempty"`
	LogLevel         string    `toml:"log_level,omitempty" validate:"omitempty,oneof=trace debug info warn error"`
	Thumbnail        Thumbnail `toml:"thumbnail,omitempty"`
	Baud             int       `toml:"baudrate" validate:"required,gt=0"`
	UpdateIntervalMs int       `toml:"update_interval_ms" validate:"gte=100"`
	ConsoleCapacity  int       `toml:"console_capacity" validate:"gt=0"`
	ConfigSchema     int       `toml:"config_schema"`
	SerialCRC        bool      `toml:"serial_crc"`
}

type Thumbnail struct {
	Width  int `toml:"width" validate:"gt=0,lte=320"`
	Height int `toml:"height" validate:"gt=0,lte=320"`
}

var BaseDefaults = Values{
	ConfigSchema:     SchemaVersion,
	SerialPort:       "/dev/ttyAMA0",
	Baud:             115200,
	SocketPath:       "/home/pi/printer_data/comms/klippy.sock",
	APIURL:           "http://127.0.0.1:7125",
	LogLevel:         "info",
	UpdateIntervalMs: 2000,
	ConsoleCapacity:  100,
	Thumbnail: Thumbnail{
		Width:  160,
		Height: 160,
	},
}

// Instance guards loaded values. Reads go through accessors so callers never
// hold a reference into the underlying struct.
type Instance struct {
	cfgPath string
	vals    Values
	mu      sync.RWMutex
}

// Load reads the TOML config at path, applies KLIPPERLCD_* environment
// overrides and validates the result. A missing file is not an error: the
// defaults are used so a bare install can boot against local endpoints.
func Load(path string) (*Instance, error) {
	vals := BaseDefaults

	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err == nil {
		if err := toml.Unmarshal(data, &vals); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %w", ErrInvalidConfig, path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrInvalidConfig, path, err)
	}

	applyEnvOverrides(&vals)

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(&vals); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return &Instance{cfgPath: path, vals: vals}, nil
}

func applyEnvOverrides(vals *Values) {
	if v, ok := os.LookupEnv("KLIPPERLCD_LCD_PORT"); ok {
		vals.SerialPort = v
	}
	if v, ok := os.LookupEnv("KLIPPERLCD_LCD_BAUDRATE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			vals.Baud = n
		}
	}
	if v, ok := os.LookupEnv("KLIPPERLCD_KLIPPY_SOCK"); ok {
		vals.SocketPath = v
	}
	if v, ok := os.LookupEnv("KLIPPERLCD_MOONRAKER_URL"); ok {
		vals.APIURL = v
	}
	if v, ok := os.LookupEnv("KLIPPERLCD_API_KEY"); ok {
		vals.APIKey = v
	}
	if v, ok := os.LookupEnv("KLIPPERLCD_UPDATE_INTERVAL_MS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			vals.UpdateIntervalMs = n
		}
	}
	if v, ok := os.LookupEnv("KLIPPERLCD_LOG_LEVEL"); ok {
		vals.LogLevel = v
	}
}

func (i *Instance) SerialPort() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.vals.SerialPort
}

func (i *Instance) Baud() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.vals.Baud
}

func (i *Instance) SocketPath() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.vals.SocketPath
}

func (i *Instance) APIURL() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.vals.APIURL
}

func (i *Instance) APIKey() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.vals.APIKey
}

func (i *Instance) UpdateInterval() time.Duration {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return time.Duration(i.vals.UpdateIntervalMs) * time.Millisecond
}

func (i *Instance) ConsoleCapacity() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.vals.ConsoleCapacity
}

func (i *Instance) SerialCRC() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.vals.SerialCRC
}

// ThumbnailSize returns the fixed width and height of screen bitmaps.
func (i *Instance) ThumbnailSize() (width, height int) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.vals.Thumbnail.Width, i.vals.Thumbnail.Height
}

// LogLevel maps the configured level name to a zerolog level, defaulting to
// info when the name is unrecognized.
func (i *Instance) LogLevel() zerolog.Level {
	i.mu.RLock()
	defer i.mu.RUnlock()
	lvl, err := zerolog.ParseLevel(i.vals.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func (i *Instance) Path() string {
	return i.cfgPath
}
