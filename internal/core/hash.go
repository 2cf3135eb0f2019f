package core

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
)

// longScale is the largest value representable in 15 hex digits (60 bits).
const longScale = float64(0xFFFFFFFFFFFFFFF)

// Hash maps (key, distinctID, salt) to a float in [0, 1]. The same inputs
// always yield the same output, uniformly distributed, so a flag rolled out
// to 20% of traffic is Hash(key, id, "") <= 0.2. The value is the first 15
// hex digits of SHA-1("{key}.{distinctID}{salt}") over longScale.
func Hash(key, distinctID, salt string) float64 {
	sum := sha1.Sum([]byte(key + "." + distinctID + salt))
	digest := hex.EncodeToString(sum[:])[:15]
	v, err := strconv.ParseUint(digest, 16, 64)
	if err != nil {
		// 15 hex digits always parse into 64 bits.
		panic("core: unparseable sha1 digest: " + digest)
	}
	return float64(v) / longScale
}
