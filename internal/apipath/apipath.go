// Package apipath canonicalizes the slash-separated path used as the
// primary key throughout repertory, and derives the local cache
// source_path for a given api_path.
package apipath

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
)

// Format normalizes an arbitrary host path (Windows backslashes, a
// leading drive letter, trailing dots/spaces left by some Windows
// callers, doubled slashes) into a canonical api_path: always starts
// with "/", never ends with "/" (except the root itself), no empty
// segments.
func Format(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimRight(p, " .")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = path.Clean(p)
	if p == "." {
		p = "/"
	}
	if p != "/" {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// Parent returns the api_path of p's containing directory. Parent("/")
// is "/".
func Parent(p string) string {
	p = Format(p)
	if p == "/" {
		return "/"
	}
	dir := path.Dir(p)
	return Format(dir)
}

// Name returns the final path segment of p.
func Name(p string) string {
	return path.Base(Format(p))
}

// Valid reports whether p is already in canonical form.
func Valid(p string) bool {
	return p == Format(p)
}

// SourcePathShard derives a deterministic two-level shard prefix
// ("<aa>/<bb>") for an api_path's cache source file, so a single
// directory never holds every cached file. The shard is a function of
// the api_path only; rename of the api_path does not move the backing
// file (spec.md §3), so callers must not re-derive the shard after a
// rename — the source_path recorded in metadb is authoritative.
func SourcePathShard(apiPath string) string {
	sum := sha256.Sum256([]byte(Format(apiPath)))
	hexSum := hex.EncodeToString(sum[:])
	return hexSum[0:2] + "/" + hexSum[2:4]
}

// SourceFileName derives the on-disk file name (not full path) for an
// api_path: the full hash, so collisions across renamed/removed paths
// cannot reuse a stale cache file.
func SourceFileName(apiPath string) string {
	sum := sha256.Sum256([]byte(Format(apiPath)))
	return hex.EncodeToString(sum[:])
}
