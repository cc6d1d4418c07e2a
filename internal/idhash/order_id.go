package idhash

import (
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
)

// ComputeOrderID computes a deterministic pending-order id.
// Formula: SHA256(symbol|order_type|created_at_ms|size|sequence), base58
// encoded and truncated to the first 12 hash bytes so the id stays short
// enough for query logs.
func ComputeOrderID(
	symbol string,
	orderType string,
	createdAtMs int64,
	size float64,
	sequence int,
) string {
	data := fmt.Sprintf("%s|%s|%d|%.12f|%d",
		symbol,
		orderType,
		createdAtMs,
		size,
		sequence,
	)

	hash := sha256.Sum256([]byte(data))
	return base58.Encode(hash[:12])
}
