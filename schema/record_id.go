package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
)

// separator is the unit separator used between fields of the record id
// hash input (§6): "index\x1f document_id\x1f file_id\x1f part_n\x1f sect_n".
const separator = "\x1f"

// RecordID computes the deterministic record identity so that re-ingesting
// the same (index, documentId, fileId, partN, sectN) always upserts
// instead of duplicating (invariant 2, §8).
func RecordID(index, documentID, fileID string, partN, sectN int) string {
	input := strings.Join([]string{
		index, documentID, fileID, strconv.Itoa(partN), strconv.Itoa(sectN),
	}, separator)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

var indexNameSeparatorRE = regexp.MustCompile(`[\s\\/._:|]+`)

// DefaultIndexName is substituted for the empty index name.
const DefaultIndexName = "default"

// NormalizeIndexName lowercases and folds runs of separator characters to
// a single '-'. Idempotent: NormalizeIndexName(NormalizeIndexName(x)) ==
// NormalizeIndexName(x) (invariant 6, §8).
func NormalizeIndexName(name string) string {
	if name == "" {
		return DefaultIndexName
	}
	lower := strings.ToLower(name)
	folded := indexNameSeparatorRE.ReplaceAllString(lower, "-")
	folded = strings.Trim(folded, "-")
	if folded == "" {
		return DefaultIndexName
	}
	return folded
}
