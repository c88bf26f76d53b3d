package uiutil

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"
)

// displayWidth measures a string's terminal column width, ignoring ANSI
// escapes, the way the reference codebase's help/table renderer does.
func displayWidth(s string) int {
	return runewidth.StringWidth(stripANSI(s))
}

func padRightANSI(s string, width int) string {
	visible := displayWidth(s)
	if visible >= width {
		return s
	}
	return s + strings.Repeat(" ", width-visible)
}

// RenderAlignedTable renders a fixed-width text table using displayWidth-based
// cell measurement so each column starts at a stable offset.
func RenderAlignedTable(headers []string, rows [][]string, gutter int) []string {
	if len(headers) == 0 {
		return nil
	}
	if gutter < 1 {
		gutter = 1
	}
	widths := make([]int, len(headers))
	for i, header := range headers {
		widths[i] = displayWidth(header)
	}
	for _, row := range rows {
		for i := range headers {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			if w := displayWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	sep := strings.Repeat(" ", gutter)
	out := make([]string, 0, len(rows)+1)
	for _, row := range rows {
		out = append(out, renderAlignedTableRow(row, widths, sep))
	}
	return out
}

func PrintAlignedTable(headers []string, rows [][]string, gutter int) {
	for _, line := range RenderAlignedTable(headers, rows, gutter) {
		fmt.Println(line)
	}
}

func renderAlignedTableRow(row []string, widths []int, sep string) string {
	cells := make([]string, len(widths))
	for i, width := range widths {
		cell := ""
		if i < len(row) {
			cell = row[i]
		}
		cells[i] = padRightANSI(cell, width)
	}
	return strings.Join(cells, sep)
}
