// Package fingerprint computes the stable, content-addressed keys the rest
// of the pipeline caches against: element fingerprints (Vector Cache keys),
// frame hashes (SPA delta measurement), and page signatures (Promotion
// Store grouping).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"github.com/polzovatel/her/internal/domain"
)

// Element computes the cache key for an element's embedding: a hash over
// (tag, sorted attributes, normalized text, role). Two descriptors that
// differ only in position or bounding box share a fingerprint.
func Element(d domain.ElementDescriptor) string {
	var b strings.Builder
	b.WriteString(d.Tag)
	b.WriteByte('\x1f')

	keys := make([]string, 0, len(d.Attributes))
	for k := range d.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(d.Attributes[k])
		b.WriteByte(';')
	}
	b.WriteByte('\x1f')
	b.WriteString(normalizeText(d.Text))
	b.WriteByte('\x1f')
	b.WriteString(d.Role)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// FrameHash computes the structure-only hash of a frame's element set:
// stable over tag + id + data-testid of all nodes, independent of text, so
// text-only re-renders don't register as a structural change.
func FrameHash(elements []domain.ElementDescriptor) string {
	parts := make([]string, 0, len(elements))
	for _, e := range elements {
		parts = append(parts, e.Tag+"#"+e.Attributes["id"]+"#"+e.Attributes["data-testid"])
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1e")))
	return hex.EncodeToString(sum[:])[:16]
}

var numericSegment = regexp.MustCompile(`/\d+(/|$)`)

// PageSignature wildcards numeric path segments so that e.g. /orders/123/
// and /orders/456/ share Promotion Store entries. Query strings and
// fragments are dropped; only scheme+host+path matter for grouping.
func PageSignature(rawURL string) string {
	u := rawURL
	if idx := strings.IndexAny(u, "?#"); idx >= 0 {
		u = u[:idx]
	}
	for {
		replaced := numericSegment.ReplaceAllString(u, "/{n}$1")
		if replaced == u {
			break
		}
		u = replaced
	}
	return u
}
