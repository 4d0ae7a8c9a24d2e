package recording

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var (
	stampCompactT = regexp.MustCompile(`(\d{8})T(\d{6})`)
	stampDashed   = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})[_ T](\d{2}-\d{2}-\d{2})`)
	stampCompact  = regexp.MustCompile(`(\d{8})_(\d{6})`)
	dirDate       = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dirDateShort  = regexp.MustCompile(`^\d{8}$`)
	clockInName   = regexp.MustCompile(`(\d{2})[-:](\d{2})[-:](\d{2})`)
)

// StartTimeFromPath reads a recording start time from rel, a path relative to
// the recording root. Filename stamps win over directory dates; a directory
// date without a clock in the filename means noon.
func StartTimeFromPath(rel string, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	rel = filepath.ToSlash(rel)
	base := strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))

	if m := stampCompactT.FindStringSubmatch(base); m != nil {
		if t, err := time.ParseInLocation("20060102150405", m[1]+m[2], loc); err == nil {
			return t, true
		}
	}
	if m := stampDashed.FindStringSubmatch(base); m != nil {
		if t, err := time.ParseInLocation("2006-01-0215-04-05", m[1]+m[2], loc); err == nil {
			return t, true
		}
	}
	if m := stampCompact.FindStringSubmatch(base); m != nil {
		if t, err := time.ParseInLocation("20060102150405", m[1]+m[2], loc); err == nil {
			return t, true
		}
	}

	date := ""
	for _, part := range strings.Split(filepath.Dir(rel), "/") {
		if dirDate.MatchString(part) {
			date = part
			break
		}
		if dirDateShort.MatchString(part) {
			date = part[0:4] + "-" + part[4:6] + "-" + part[6:8]
			break
		}
	}
	if date == "" {
		return time.Time{}, false
	}
	clock := "12-00-00"
	if m := clockInName.FindStringSubmatch(base); m != nil {
		clock = m[1] + "-" + m[2] + "-" + m[3]
	}
	t, err := time.ParseInLocation("2006-01-0215-04-05", date+clock, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
