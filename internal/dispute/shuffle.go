package dispute

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
)

// Seed derives the panel-selection seed from the disputed proposal and both
// nonces. Neither side can steer it alone: the disputant committed to its
// nonce before the server nonce existed, and the server nonce was minted
// before the reveal.
func Seed(proposalID, nonce, serverNonce string) []byte {
	sum := sha256.Sum256([]byte(proposalID + nonce + serverNonce))
	return sum[:]
}

// DeterministicOrder returns the candidates in seed-determined order: a
// Fisher-Yates shuffle over the sorted candidate list, drawing each index
// from a SHA-256 chain. Each step hashes the previous digest and takes the
// first 8 bytes as a big-endian integer modulo the remaining range, so any
// party can recompute the exact sequence from the public inputs.
func DeterministicOrder(seed []byte, candidates []string) []string {
	out := append([]string(nil), candidates...)
	sort.Strings(out)

	digest := append([]byte(nil), seed...)
	for i := len(out) - 1; i > 0; i-- {
		sum := sha256.Sum256(digest)
		digest = sum[:]
		j := int(binary.BigEndian.Uint64(digest[:8]) % uint64(i+1))
		out[i], out[j] = out[j], out[i]
	}
	return out
}
