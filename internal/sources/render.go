package sources

import (
	"html"
	"strconv"
	"strings"

	"timemap/internal/geo"
	"timemap/internal/mapview"
)

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// thousands：按千位分组格式化整数（1234567 → 1,234,567）
func thousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

func eventPos(e Event) geo.Point { return e.Point }

func totalDeaths(events []Event) int {
	n := 0
	for _, e := range events {
		n += e.Deaths
	}
	return n
}

// uniqueConflicts：按首次出现顺序去重
func uniqueConflicts(events []Event) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range events {
		if !seen[e.Conflict] {
			seen[e.Conflict] = true
			out = append(out, e.Conflict)
		}
	}
	return out
}

// conflictList：最多列出 3 个冲突名称，其余折叠为 "+ N more"
func conflictList(names []string) string {
	var b strings.Builder
	for i, n := range names {
		if i == 3 {
			b.WriteString("<li>+ " + strconv.Itoa(len(names)-3) + " more</li>")
			break
		}
		b.WriteString("<li>" + html.EscapeString(n) + "</li>")
	}
	return "<ul>" + b.String() + "</ul>"
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

// noticeControl：随覆盖组挂载的临时提示
func noticeControl(msg string) mapview.Control {
	return mapview.Control{Kind: "notice", Position: mapview.TopRight, HTML: html.EscapeString(msg)}
}
