// Package delta implements the ETag/Delta Service (C7): encoding choice
// between JSON_PATCH, COMPRESSED_PATCH and FULL, and ETag/cache
// validation. Grounded on oms-monolith/core/versioning/version_service.py
// (get_delta, validate_etag, validate_cache) and the delta_compression
// module it imports, reimplemented with Go's encoding/json and
// compress/gzip instead of Python's jsonpatch + zlib.
package delta

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"

	"github.com/cuemby/warren/pkg/hashutil"
	"github.com/cuemby/warren/pkg/types"
)

// Config holds the tunables named in §6's config table for this service.
type Config struct {
	// CompressionThreshold is the max patch/full size ratio before FULL
	// is chosen over JSON_PATCH (default 0.7).
	CompressionThreshold float64
	// MaxChainLength bounds how many consecutive patches CHAIN_DELTA may
	// fold (default 5).
	MaxChainLength int
}

// DefaultConfig matches the defaults named in §6.
func DefaultConfig() Config {
	return Config{CompressionThreshold: 0.7, MaxChainLength: 5}
}

// Patch is a single RFC 6902 JSON Patch operation.
type Patch struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Encode picks the delta encoding for a transition from oldContent to
// newContent, per §4.7's "Delta encoding choice": JSON_PATCH when the
// patch/full size ratio is within threshold; else COMPRESSED_PATCH if
// compressing improves the ratio by at least 10%; else FULL.
func Encode(cfg Config, oldContent, newContent []byte) (types.DeltaType, []byte, error) {
	patch, err := diff(oldContent, newContent)
	if err != nil || patch == nil {
		return types.DeltaTypeFull, newContent, nil
	}

	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return types.DeltaTypeFull, newContent, nil
	}

	ratio := float64(len(patchJSON)) / float64(max(1, len(newContent)))
	if ratio <= cfg.CompressionThreshold {
		return types.DeltaTypeJSONPatch, patchJSON, nil
	}

	compressed, cerr := gzipCompress(patchJSON)
	if cerr == nil {
		compressedRatio := float64(len(compressed)) / float64(max(1, len(patchJSON)))
		if compressedRatio <= 0.9 {
			return types.DeltaTypeCompressedPatch, compressed, nil
		}
	}

	return types.DeltaTypeFull, newContent, nil
}

// Apply reconstructs the target content by applying a delta's payload to
// the source content, honoring the round-trip law of §8:
// content_hash(apply(d, content(A))) == content_hash(B).
func Apply(deltaType types.DeltaType, sourceContent, payload []byte) ([]byte, error) {
	switch deltaType {
	case types.DeltaTypeFull:
		return payload, nil
	case types.DeltaTypeJSONPatch:
		var patch []Patch
		if err := json.Unmarshal(payload, &patch); err != nil {
			return nil, fmt.Errorf("delta: invalid json patch: %w", err)
		}
		return applyPatch(sourceContent, patch)
	case types.DeltaTypeCompressedPatch:
		raw, err := gzipDecompress(payload)
		if err != nil {
			return nil, fmt.Errorf("delta: invalid compressed patch: %w", err)
		}
		var patch []Patch
		if err := json.Unmarshal(raw, &patch); err != nil {
			return nil, fmt.Errorf("delta: invalid json patch: %w", err)
		}
		return applyPatch(sourceContent, patch)
	default:
		return nil, fmt.Errorf("delta: unsupported delta type for apply: %s", deltaType)
	}
}

// diff produces a minimal set of JSON Patch operations turning oldContent
// into newContent, limited to top-level object fields: a changed nested
// value is replaced whole rather than diffed (deeper structural diffing
// is delegated to the merge engine's own tree comparison).
func diff(oldContent, newContent []byte) ([]Patch, error) {
	var oldMap, newMap map[string]any
	if err := json.Unmarshal(oldContent, &oldMap); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(newContent, &newMap); err != nil {
		return nil, err
	}

	var patch []Patch
	for k, newVal := range newMap {
		oldVal, existed := oldMap[k]
		if !existed {
			patch = append(patch, Patch{Op: "add", Path: "/" + k, Value: newVal})
			continue
		}
		if !equalJSON(oldVal, newVal) {
			patch = append(patch, Patch{Op: "replace", Path: "/" + k, Value: newVal})
		}
	}
	for k := range oldMap {
		if _, stillPresent := newMap[k]; !stillPresent {
			patch = append(patch, Patch{Op: "remove", Path: "/" + k})
		}
	}
	return patch, nil
}

func applyPatch(sourceContent []byte, patch []Patch) ([]byte, error) {
	var content map[string]any
	if err := json.Unmarshal(sourceContent, &content); err != nil {
		return nil, err
	}
	for _, op := range patch {
		key := op.Path
		if len(key) > 0 && key[0] == '/' {
			key = key[1:]
		}
		switch op.Op {
		case "add", "replace":
			content[key] = op.Value
		case "remove":
			delete(content, key)
		default:
			return nil, fmt.Errorf("delta: unsupported patch op %q", op.Op)
		}
	}
	return json.Marshal(content)
}

func equalJSON(a, b any) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return bytes.Equal(aj, bj)
}

func gzipCompress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ValidateETag implements validate_etag: simple equality on ETag strings.
func ValidateETag(current *types.ResourceVersion, clientETag string) bool {
	if current == nil {
		return false
	}
	return current.ETag == clientETag
}

// CacheValidation is the three-way partition result of ValidateCache.
type CacheValidation struct {
	Valid   []string
	Stale   []string
	Deleted []string
}

// ValidateCache implements validate_cache: partitions a batch of
// resource-key -> client-ETag pairs into valid/stale/deleted, resolving
// each via lookup. A malformed "type:id" key is treated as Stale, since
// it cannot be proven Deleted (see SPEC_FULL.md §12).
func ValidateCache(lookup func(resourceKind types.ResourceKind, resourceID string) (*types.ResourceVersion, error), branch string, resourceEtags map[string]string) CacheValidation {
	var out CacheValidation
	for key, clientETag := range resourceEtags {
		kind, id, ok := splitResourceKey(key)
		if !ok {
			out.Stale = append(out.Stale, key)
			continue
		}
		current, err := lookup(kind, id)
		if err != nil || current == nil {
			out.Deleted = append(out.Deleted, key)
			continue
		}
		if current.ETag == clientETag {
			out.Valid = append(out.Valid, key)
		} else {
			out.Stale = append(out.Stale, key)
		}
	}
	return out
}

func splitResourceKey(key string) (types.ResourceKind, string, bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return types.ResourceKind(key[:i]), key[i+1:], true
		}
	}
	return "", "", false
}

// ETag formats the weak validator for a given commit/version pair.
func ETag(commitHash string, version int) string {
	return hashutil.ETag(commitHash, version)
}
