// Package hashutil computes the content hashes, commit hashes, and ETags
// that identify commits and resource versions. Grounded on
// oms-monolith/core/versioning/version_service.py's calculate_content_hash
// and generate_commit_hash, reimplemented over Go's encoding/json and
// crypto/sha256 rather than Python's canonical-json + hashlib.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ContentHash returns a stable hex-encoded SHA-256 digest of an arbitrary
// JSON-serializable value. Map keys are sorted before marshaling so that
// two calls with semantically identical content (regardless of field
// insertion order) yield the same hash.
func ContentHash(content any) (string, error) {
	canonical, err := canonicalize(content)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(canonical)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// ContentHashBytes hashes raw bytes directly, used when content has
// already been marshaled (e.g. stored ResourceVersion.Content).
func ContentHashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// canonicalize walks maps/slices so map keys marshal in sorted order,
// since encoding/json on map[string]any already sorts keys but nested
// structures decoded from arbitrary JSON may be map[string]interface{}
// at every level; this makes the sort explicit and documented.
func canonicalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			c, err := canonicalize(t[k])
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			c, err := canonicalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	default:
		return v, nil
	}
}

// CommitHash derives a commit's content-addressed identity from its
// parents, the content hash of its tree, the author, and the timestamp:
// hash = H(parents || author || time || tree-root), per §3.
func CommitHash(parents []string, treeHash, author string, t time.Time) string {
	h := sha256.New()
	sorted := append([]string(nil), parents...)
	sort.Strings(sorted)
	for _, p := range sorted {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	h.Write([]byte(author))
	h.Write([]byte{0})
	h.Write([]byte(t.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write([]byte(treeHash))
	return hex.EncodeToString(h.Sum(nil))
}

// ETag formats the weak validator for a given commit/version pair:
// W/"<first-12-of-commit>-<version>".
func ETag(commitHash string, version int) string {
	prefix := commitHash
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	return fmt.Sprintf(`W/"%s-%d"`, prefix, version)
}
