// Package discovery finds how many A-Z listing pages the catalog site publishes.
package discovery

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrNoPageCount reports a listing page without a usable last-page anchor.
var ErrNoPageCount = errors.New("discovery: no page count found")

// ParseLastPage reads the href of the last element matching selector and parses the text after its
// final '=' as the page count.
func ParseLastPage(html []byte, selector string) (int, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return 0, fmt.Errorf("parse listing html: %w", err)
	}
	last := doc.Find(selector).Last()
	if last.Length() == 0 {
		return 0, fmt.Errorf("%w: selector matched nothing", ErrNoPageCount)
	}
	href, ok := last.Attr("href")
	if !ok {
		return 0, fmt.Errorf("%w: anchor has no href", ErrNoPageCount)
	}
	raw := href[strings.LastIndex(href, "=")+1:]
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: href %q", ErrNoPageCount, href)
	}
	return n, nil
}
