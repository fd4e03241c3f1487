package catalog

import (
	"fmt"
	"path"
)

// Columns is the number of cells in a full table row.
const Columns = 3

// ImageBase is the path image file names are resolved against.
const ImageBase = "./images/"

// Table is the rendered layout of a catalog.
type Table struct {
	Rows []Row
}

// Row holds up to Columns cells.
type Row struct {
	Cells []Cell
}

// Cell is the display form of one item.
type Cell struct {
	Item
	Label    string // "{category}, ${price}"
	ImageSrc string
}

// Render lays items out in rows of Columns cells. The last row holds only the
// remaining items and is not padded.
func Render(items []Item) Table {
	t := Table{Rows: make([]Row, 0, (len(items)+Columns-1)/Columns)}
	for start := 0; start < len(items); start += Columns {
		end := min(start+Columns, len(items))
		row := Row{Cells: make([]Cell, 0, end-start)}
		for _, it := range items[start:end] {
			row.Cells = append(row.Cells, NewCell(it))
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// NewCell builds the display form of an item.
func NewCell(it Item) Cell {
	return Cell{
		Item:     it,
		Label:    fmt.Sprintf("%s, $%d", it.Category, it.Price),
		ImageSrc: ImageBase + path.Clean("/" + it.ImageURL)[1:],
	}
}

// CellCount returns the number of cells across all rows.
func (t Table) CellCount() int {
	n := 0
	for _, r := range t.Rows {
		n += len(r.Cells)
	}
	return n
}
