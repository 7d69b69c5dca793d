package orders

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// dedupTag namespaces the digest input so keys from other domains can never
// collide with order keys.
const dedupTag = "orderset:"

// DedupKey derives the deduplication key for an order submission. An explicit
// key wins verbatim. Otherwise the key is a sha256 over the sorted product
// identifiers (falling back to the product name when the id is absent), so
// two submissions of the same product set hash identically regardless of
// item order, quantity, or price.
func DedupKey(items []Item, explicit string) string {
	if explicit != "" {
		return explicit
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		id := item.ProductID
		if id == "" {
			id = item.ProductName
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	sum := sha256.Sum256([]byte(dedupTag + strings.Join(ids, ",")))
	return hex.EncodeToString(sum[:])
}
