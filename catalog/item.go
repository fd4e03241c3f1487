// Package catalog loads the product catalog from its comma-separated source,
// sorts it and lays it out as a three-column table.
package catalog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformedRow   = errors.New("malformed catalog row")
	ErrInvalidPrice   = errors.New("invalid price")
	ErrUnknownSortKey = errors.New("unknown sort key")
)

// fieldCount is the number of positional fields in a catalog row:
// name,color,category,price,imageUrl.
const fieldCount = 5

// Item is one catalog product. Items are values and never modified after Parse.
type Item struct {
	Name     string `json:"name"`
	Color    string `json:"color"`
	Category string `json:"category"`
	Price    int    `json:"price"`
	ImageURL string `json:"imageUrl"`
}

// Parse reads catalog text, one item per line.
//
// Fields are split on every comma with no quoting, so a comma inside a field
// shifts the remaining fields; such a row still parses. Fields past the fifth
// are ignored. Blank lines are skipped and a trailing carriage return is
// dropped. A row with fewer than five fields, or a price without leading
// digits after its currency symbol, is an error naming the line.
func Parse(data []byte) ([]Item, error) {
	lines := strings.Split(string(data), "\n")
	items := make([]Item, 0, len(lines))

	for i, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		item, err := ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// ParseLine parses a single catalog row.
func ParseLine(line string) (Item, error) {
	fields := strings.Split(line, ",")
	if len(fields) < fieldCount {
		return Item{}, fmt.Errorf("%w: want %d fields, got %d", ErrMalformedRow, fieldCount, len(fields))
	}

	price, err := ParsePrice(fields[3])
	if err != nil {
		return Item{}, err
	}

	return Item{
		Name:     fields[0],
		Color:    fields[1],
		Category: fields[2],
		Price:    price,
		ImageURL: fields[4],
	}, nil
}

// ParsePrice drops one leading currency symbol and reads the integer that
// follows. Like a lenient integer parse, it skips leading spaces, accepts a
// sign and stops at the first non-digit: "$120" is 120, "$12.99" is 12.
func ParsePrice(s string) (int, error) {
	r := []rune(s)
	if len(r) == 0 {
		return 0, fmt.Errorf("%w: empty", ErrInvalidPrice)
	}
	rest := strings.TrimLeft(string(r[1:]), " \t")

	sign := ""
	if rest != "" && (rest[0] == '-' || rest[0] == '+') {
		sign, rest = rest[:1], rest[1:]
	}

	end := strings.IndexFunc(rest, func(c rune) bool { return c < '0' || c > '9' })
	if end < 0 {
		end = len(rest)
	}
	if end == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPrice, s)
	}

	n, err := strconv.Atoi(sign + rest[:end])
	if err != nil {
		// only a range error is possible here
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidPrice, s, err)
	}
	return n, nil
}
