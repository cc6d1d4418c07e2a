package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeTradeID computes a deterministic trade_id using SHA256.
// Formula: SHA256(run_id|symbol|operation|timestamp_ms|sequence)
// Returns hex-encoded hash (64 characters). The sequence number
// disambiguates multiple fills at the same timestamp.
func ComputeTradeID(
	runID string,
	symbol string,
	operation string,
	timestampMs int64,
	sequence int,
) string {
	data := fmt.Sprintf("%s|%s|%s|%d|%d",
		runID,
		symbol,
		operation,
		timestampMs,
		sequence,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
