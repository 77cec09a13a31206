// Package remote browses and downloads files on the remote store.
package remote

import (
	"encoding/base64"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/ftprelay/ftprelay/internal/fault"
	"github.com/ftprelay/ftprelay/internal/transport"
)

var (
	errEmptyHandle = errors.New("handle is empty")
	errBadEncoding = errors.New("handle is not base64")
	errNotUTF8     = errors.New("path is not valid UTF-8")
	errRelative    = errors.New("path is not absolute")
	errNUL         = errors.New("path contains NUL")
	errTraversal   = errors.New("path contains a parent-directory segment")
	errOutsideRoot = errors.New("path is outside the remote root")
)

// handleEncodings are tried in order. Handles are issued unpadded URL-safe;
// padded and standard alphabets are accepted from older clients.
var handleEncodings = []*base64.Encoding{
	base64.RawURLEncoding,
	base64.URLEncoding,
	base64.StdEncoding,
	base64.RawStdEncoding,
}

// EncodeHandle returns the opaque, URL-safe handle for a remote path.
func EncodeHandle(p string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(p))
}

// DecodeHandle reverses EncodeHandle. It does not validate the path.
func DecodeHandle(h string) (string, error) {
	if h == "" {
		return "", fault.InvalidPath("decode handle", errEmptyHandle)
	}
	for _, enc := range handleEncodings {
		b, err := enc.DecodeString(h)
		if err != nil {
			continue
		}
		if !utf8.Valid(b) {
			return "", fault.InvalidPath("decode handle", errNotUTF8)
		}
		return string(b), nil
	}
	return "", fault.InvalidPath("decode handle", errBadEncoding)
}

// ValidatePath rejects a path that is relative, contains NUL, has a ".."
// segment (with either separator) or does not lie under root.
func ValidatePath(root, p string) error {
	const op = "validate path"
	switch {
	case !strings.HasPrefix(p, "/"):
		return fault.InvalidPath(op, errRelative)
	case strings.ContainsRune(p, 0):
		return fault.InvalidPath(op, errNUL)
	}
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return fault.InvalidPath(op, errTraversal)
		}
	}

	root = transport.CleanPath(root)
	clean := transport.CleanPath(p)
	if root != "/" && clean != root && !strings.HasPrefix(clean, root+"/") {
		return fault.InvalidPath(op, errOutsideRoot)
	}
	return nil
}

// ResolveHandle decodes h and validates the result against root.
func ResolveHandle(root, h string) (string, error) {
	p, err := DecodeHandle(h)
	if err != nil {
		return "", err
	}
	if err := ValidatePath(root, p); err != nil {
		return "", err
	}
	return p, nil
}
