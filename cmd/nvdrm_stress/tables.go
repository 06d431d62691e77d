// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/nvdrm/nvdrm/backends"
	"github.com/nvdrm/nvdrm/pkg/core/drm"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	redRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// plainTable is a two-tone table whose rows can be highlighted in red.
type plainTable struct {
	*lgtable.Table
	count int
	reds  map[int]bool
}

// Row adds a row, highlighted if isRed.
func (t *plainTable) Row(isRed bool, row ...string) {
	if isRed {
		t.reds[t.count] = true
	}
	t.Table.Row(row...)
	t.count++
}

func newPlainTable(alignments ...lipgloss.Position) *plainTable {
	t := &plainTable{reds: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case t.reds[row]:
				s = redRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	return t
}

// summaryTable reports the device configuration and the results of the allocation run.
// The peak usage row is red if it went over the VRAM budget, which is not enforced.
func summaryTable(backend backends.Backend, dev *drm.Device, size uint64, st *stats) *plainTable {
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row(false, "backend", backend.Description())
	table.Row(false, "chipset", fmt.Sprintf("0x%x", dev.Chipset()))
	table.Row(false, "vram size", humanize.IBytes(dev.VRAMSize()))
	table.Row(false, "vram budget", humanize.IBytes(dev.VRAMLimit()))
	table.Row(false, "buffer size", humanize.IBytes(size))
	table.Row(false, "allocated", humanize.Comma(st.allocated.Load()))
	table.Row(st.outOfMemory.Load() > 0, "out of memory", humanize.Comma(st.outOfMemory.Load()))
	table.Row(st.failed.Load() > 0, "failed", humanize.Comma(st.failed.Load()))
	peak := st.peakUsed.Load()
	table.Row(peak > dev.VRAMLimit(), "peak vram used", humanize.IBytes(peak))
	table.Row(false, "live buffer objects", humanize.Comma(int64(len(dev.Buffers()))))
	table.Row(false, "elapsed", st.elapsed.String())
	return table
}
