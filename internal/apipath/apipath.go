// Package apipath implements the canonical, slash-rooted, percent-
// normalized path identifying an object inside the mount namespace
// (spec §3, "ApiPath"). "/" is the root directory; equality is
// byte-exact after canonicalization.
package apipath

import (
	"net/url"
	"strings"
	"unicode"
)

// Root is the canonical api_path of the mount's root directory.
const Root = "/"

// Format canonicalizes raw into an ApiPath: forward slashes, no
// trailing slash (except the root), percent-decoded (the result is not
// re-encoded, so "%20" becomes a literal space) so that two
// differently-escaped spellings of the same path compare equal, and a
// drive letter stripped on Windows-style
// input (e.g. "C:\\foo" -> "/foo").
func Format(raw string) string {
	p := strings.ReplaceAll(raw, "\\", "/")

	if len(p) >= 2 && p[1] == ':' && isASCIILetter(p[0]) {
		p = p[2:]
	}

	if decoded, err := url.PathUnescape(p); err == nil {
		p = decoded
	}

	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}

	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}

	return p
}

func isASCIILetter(b byte) bool {
	return unicode.IsLetter(rune(b)) && b < unicode.MaxASCII
}

// Parent returns the api_path of the parent directory. Parent(Root)
// returns Root.
func Parent(p string) string {
	p = Format(p)
	if p == Root {
		return Root
	}
	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return Root
	}
	return p[:idx]
}

// Name returns the final path component (the "basename") of p.
func Name(p string) string {
	p = Format(p)
	if p == Root {
		return ""
	}
	idx := strings.LastIndex(p, "/")
	return p[idx+1:]
}

// Join joins a parent ApiPath and a child name into a canonical
// ApiPath.
func Join(parent, name string) string {
	parent = Format(parent)
	if parent == Root {
		return Format("/" + name)
	}
	return Format(parent + "/" + name)
}

// IsRoot reports whether p canonicalizes to the root directory.
func IsRoot(p string) bool {
	return Format(p) == Root
}

// Equal reports whether a and b denote the same ApiPath after
// canonicalization.
func Equal(a, b string) bool {
	return Format(a) == Format(b)
}
