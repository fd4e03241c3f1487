package featureflag

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// BucketRange is the number of rollout buckets; a 1% rollout covers 100 of them.
const BucketRange = 10000

// CalculateHash16 returns the first 16 hex characters of the SHA256.
func CalculateHash16(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// ComputeValueHash hashes the JSON form of a value.
// encoding/json sorts map keys, so equal decisions hash equally.
func ComputeValueHash(val any) (string, []byte, error) {
	data, err := json.Marshal(val)
	if err != nil {
		return "", nil, err
	}
	return CalculateHash16(data), data, nil
}

// ComputeAllHash hashes a full rule set, iterating feature keys in order.
func ComputeAllHash(items map[string][]Rule) string {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		data, _ := json.Marshal(items[k])
		h.Write(data)
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:8]
}

// Bucket assigns a user to a stable bucket in [0, BucketRange) for a feature.
// The same user lands in different buckets for different features.
func Bucket(featureKey, userID string) int {
	sum := sha256.Sum256([]byte(featureKey + ":" + userID))
	return int(binary.BigEndian.Uint32(sum[:4]) % BucketRange)
}
