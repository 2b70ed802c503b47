package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strconv"
	"strings"
	"time"

	"github.com/scottgal/lucidrag-sub005/internal/model"
)

const hashV1Prefix = "v1:"

// #region content-hash

// ComputeIntegrityHash digests every field of rec that is fixed at append
// time. Outcome, feedback and annotation time are excluded since they change
// exactly once afterwards.
func ComputeIntegrityHash(rec model.LedgerRecord) string {
	h := sha256.New()
	writeField(h, rec.ID)
	writeField(h, rec.ContentHash)
	writeField(h, rec.Timestamp.UTC().Format(time.RFC3339Nano))
	writeField(h, rec.ContentType)
	writeField(h, rec.Goal)
	for _, v := range model.AllVectors {
		if score, ok := rec.Vectors.Get(v); ok {
			writeField(h, string(v)+"="+formatFloat(score))
		} else {
			writeField(h, string(v)+"=absent")
		}
	}
	writeField(h, formatFloat(rec.OverallScore))
	writeField(h, strconv.Itoa(len(rec.Contributions)))
	for _, c := range rec.Contributions {
		names := make([]string, len(c.ContributedVectors))
		for i, v := range c.ContributedVectors {
			names[i] = string(v)
		}
		writeField(h, c.SignalKey)
		writeField(h, formatFloat(c.Strength))
		writeField(h, strings.Join(names, ","))
		writeField(h, formatFloat(c.PeerAgreement))
	}
	writeField(h, rec.SourceModel)
	writeField(h, rec.Strategy)
	writeField(h, rec.Caption)
	writeField(h, formatFloat(rec.Confidence))
	return hashV1Prefix + hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether rec still matches the hash stamped at append time.
func Verify(rec model.LedgerRecord) bool {
	if !strings.HasPrefix(rec.IntegrityHash, hashV1Prefix) {
		return false
	}
	return rec.IntegrityHash == ComputeIntegrityHash(rec)
}

// writeField encodes s with a 4-byte big-endian length prefix so free text
// cannot collide with field boundaries.
func writeField(h hash.Hash, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // captions and keys are far below 4GiB
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// #endregion content-hash

// #region merkle

// hashPair produces SHA-256(0x01 || a || b). The prefix separates internal
// nodes from leaves.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// MerkleRoot folds leaf hashes into a single root. Callers sort the leaves.
// An odd node at any level is paired with itself; no leaves yields "".
func MerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := append([]string(nil), leaves...)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}

// #endregion merkle
