package tooling

import (
	"strconv"

	"github.com/kebairia/bacli/internal/backup"
)

// Select maps a major version to the dump format and compression level.
//
//	>= 14       custom, 9
//	12..13      custom, 6
//	otherwise   plain, 3  (includes "latest" and anything unparseable)
func Select(majorVersion string) (backup.Format, int) {
	v, err := strconv.Atoi(majorVersion)
	if err != nil {
		return backup.FormatPlain, 3
	}
	switch {
	case v >= 14:
		return backup.FormatCustom, 9
	case v >= 12:
		return backup.FormatCustom, 6
	default:
		return backup.FormatPlain, 3
	}
}
