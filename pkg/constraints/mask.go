package constraints

import "strings"

// sentinels maps a lower-cased column name to its fixed masking value.
// Columns not present here fall back to the generic sentinel.
var sentinels = map[string]string{
	"email":          "***@***.***",
	"phone":          "***-***-****",
	"card_last_four": "****",
}

const genericSentinel = "***"

// Sentinel returns the fixed replacement value for a masked column.
func Sentinel(column string) string {
	if v, ok := sentinels[strings.ToLower(column)]; ok {
		return v
	}
	return genericSentinel
}

// MaskRows overwrites, in place, every cell of row whose column (by
// position in columns) is in maskedColumns. Matching is case-insensitive.
func MaskRows(columns []string, rows [][]interface{}, maskedColumns []string) {
	if len(maskedColumns) == 0 {
		return
	}
	masked := make(map[int]string, len(maskedColumns))
	maskSet := make(map[string]struct{}, len(maskedColumns))
	for _, c := range maskedColumns {
		maskSet[strings.ToLower(c)] = struct{}{}
	}
	for i, col := range columns {
		if _, ok := maskSet[strings.ToLower(col)]; ok {
			masked[i] = Sentinel(col)
		}
	}
	if len(masked) == 0 {
		return
	}
	for _, row := range rows {
		for idx, sentinel := range masked {
			if idx < len(row) {
				row[idx] = sentinel
			}
		}
	}
}
