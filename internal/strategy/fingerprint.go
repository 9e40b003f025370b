package strategy

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// DimensionsMD5 hashes a dimension map into the series fingerprint. Keys are
// sorted first so the hash is invariant under map iteration order.
func DimensionsMD5(dims map[string]string) string {
	if len(dims) == 0 {
		return hashString("")
	}
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(dims[k])
		b.WriteByte('|')
	}
	return hashString(b.String())
}

// GroupFingerprint derives the strategy-group key from the normalised query
// config. Condition and dimension lists are sorted before hashing so
// semantically identical configs coalesce.
func GroupFingerprint(bkBizID int64, qc *QueryConfig) string {
	dims := append([]string(nil), qc.AggDimensions...)
	sort.Strings(dims)

	conds := make([]string, 0, len(qc.Conditions))
	for _, c := range qc.Conditions {
		vals := append([]string(nil), c.Value...)
		sort.Strings(vals)
		conds = append(conds, fmt.Sprintf("%s %s [%s]", c.Key, c.Method, strings.Join(vals, ",")))
	}
	sort.Strings(conds)

	payload := fmt.Sprintf("%d|%s|%s|%d|%s|%s",
		bkBizID, qc.DataSource, qc.Table, qc.AggInterval,
		strings.Join(dims, ","), strings.Join(conds, ";"))
	return hashString(payload)
}

func hashString(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
