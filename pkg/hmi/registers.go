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

package hmi

// Inbound command opcodes.
const (
	cmdWriteVar = 0x82
	cmdReadVar  = 0x83
	cmdConsole  = 0x42
)

// Touch register addresses the panel reports interactions on. The grouping
// mirrors the panel's page layout, not any logical order.
const (
	regMainPage     = 0x1002
	regAdjustment   = 0x1004
	regPrintSpeed   = 0x1006
	regStopPrint    = 0x1008
	regPausePrint   = 0x100A
	regResumePrint  = 0x100C
	regZOffset      = 0x1026
	regTempScreen   = 0x1030
	regCoolScreen   = 0x1032
	regNozzleEnter  = 0x1034
	regBedEnter     = 0x103A
	regSettings     = 0x103E
	regSettingsBack = 0x1040
	regBedLevel     = 0x1044
	regAxisSelect   = 0x1046
	regMoveX        = 0x1048
	regMoveY        = 0x104A
	regMoveZ        = 0x104C
	regLoadLenEnter = 0x1054
	regFilament     = 0x1056
	regLoadFeedrate = 0x1058
	regFileCompat   = 0x2183
	regPrintFile    = 0x2198
	regSelectFile   = 0x2199
	regPresetNozzle = 0x2200
	regPresetBed    = 0x2201
	regHardwareTest = 0x2202
	regConsole      = 0x4201
)

// filesPerPage is how many slots the file browse page exposes.
const filesPerPage = 5
