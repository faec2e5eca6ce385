// Package candidates turns raw proxy list payloads into candidate
// "host:port" strings. Nothing here validates addresses; that happens when a
// probe result is persisted.
package candidates

import (
	"fmt"
	"io"
	"net"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Parse returns the distinct non-empty candidate lines across all blobs,
// sorted so repeated runs see the same order.
func Parse(blobs []string) []string {
	seen := make(map[string]struct{})

	for _, blob := range blobs {
		for _, line := range strings.Split(blob, "\n") {
			candidate := normalizeLine(line)
			if candidate == "" {
				continue
			}
			seen[candidate] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for candidate := range seen {
		out = append(out, candidate)
	}
	sort.Strings(out)
	return out
}

// normalizeLine reduces lines such as "http://1.2.3.4:80 US elite" or
// "1.2.3.4:80,anonymous" to their first field.
func normalizeLine(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}

	if fields := strings.FieldsFunc(line, isFieldSeparator); len(fields) > 0 {
		line = fields[0]
	}

	lower := strings.ToLower(line)
	for _, prefix := range []string{"http://", "https://"} {
		if strings.HasPrefix(lower, prefix) {
			line = line[len(prefix):]
			break
		}
	}

	return strings.TrimSuffix(line, "/")
}

func isFieldSeparator(r rune) bool {
	switch r {
	case ' ', '\t', '\r', ',', ';', '|':
		return true
	default:
		return false
	}
}

// ExtractHTML reads an HTML proxy table, taking the first two cells of every
// row as host and port, and renders them as newline separated "host:port".
func ExtractHTML(r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", fmt.Errorf("candidates: parse html: %w", err)
	}

	var sb strings.Builder
	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}

		host := strings.TrimSpace(cells.Eq(0).Text())
		port := strings.TrimSpace(cells.Eq(1).Text())
		if host == "" || port == "" {
			return
		}
		if net.ParseIP(host) == nil && !strings.Contains(host, ".") {
			return
		}

		sb.WriteString(host)
		sb.WriteByte(':')
		sb.WriteString(port)
		sb.WriteByte('\n')
	})

	return sb.String(), nil
}
