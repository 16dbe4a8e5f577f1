package iteminfo

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrInvalidSortField is returned for a sort_by value outside the whitelist.
var ErrInvalidSortField = errors.New("invalid sort field")

// SortField selects the comparator applied to a record collection.
type SortField int

const (
	// SortNone keeps traversal order.
	SortNone SortField = iota
	SortByName
	SortBySize
	SortByModifiedTime
	SortByCreatedTime
	SortByFileType
)

var sortFieldNames = map[string]SortField{
	"name":          SortByName,
	"size":          SortBySize,
	"modified_time": SortByModifiedTime,
	"created_time":  SortByCreatedTime,
	"file_type":     SortByFileType,
}

var comparators = [...]func(a, b FileRecord) int{
	SortNone:           nil,
	SortByName:         func(a, b FileRecord) int { return strings.Compare(a.Name, b.Name) },
	SortBySize:         func(a, b FileRecord) int { return cmp.Compare(a.Size, b.Size) },
	SortByModifiedTime: func(a, b FileRecord) int { return cmp.Compare(a.ModifiedTime, b.ModifiedTime) },
	SortByCreatedTime:  func(a, b FileRecord) int { return cmp.Compare(a.CreatedTime, b.CreatedTime) },
	SortByFileType:     func(a, b FileRecord) int { return strings.Compare(a.Type(), b.Type()) },
}

// ParseSortField maps a sort_by value to a SortField. The empty string means SortNone.
func ParseSortField(value string) (SortField, error) {
	if value == "" {
		return SortNone, nil
	}
	field, ok := sortFieldNames[value]
	if !ok {
		return SortNone, fmt.Errorf("%w: %s", ErrInvalidSortField, value)
	}
	return field, nil
}

func (f SortField) String() string {
	for name, field := range sortFieldNames {
		if field == f {
			return name
		}
	}
	return ""
}

// Order is the sort direction.
type Order int

const (
	Ascending Order = iota
	Descending
)

// ParseOrder treats "desc" as descending and everything else as ascending.
func ParseOrder(value string) Order {
	if value == "desc" {
		return Descending
	}
	return Ascending
}

// SortRecords sorts records in place. The sort is stable, so ties keep traversal order.
func SortRecords(records []FileRecord, field SortField, order Order) {
	if field <= SortNone || int(field) >= len(comparators) {
		return
	}
	compare := comparators[field]
	slices.SortStableFunc(records, func(a, b FileRecord) int {
		if order == Descending {
			return compare(b, a)
		}
		return compare(a, b)
	})
}

// Paginate returns the [skip, skip+limit) window of records clamped to its bounds.
func Paginate(records []FileRecord, skip, limit int) []FileRecord {
	skip = max(skip, 0)
	limit = max(limit, 0)
	if skip >= len(records) {
		return []FileRecord{}
	}
	end := len(records)
	if limit < end-skip {
		end = skip + limit
	}
	return records[skip:end]
}

// SortAndPaginate sorts the full collection, then slices the requested page.
// The returned total is the size of the whole collection.
func SortAndPaginate(records []FileRecord, field SortField, order Order, skip, limit int) ([]FileRecord, int) {
	SortRecords(records, field, order)
	return Paginate(records, skip, limit), len(records)
}
