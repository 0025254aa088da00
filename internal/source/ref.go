package source

import (
	"fmt"
	"path/filepath"
	"strings"
)

type Scheme string

const (
	SchemeFile Scheme = "file"
	SchemeS3   Scheme = "s3"
	SchemeSSM  Scheme = "ssm"
)

// Ref is a parsed content reference.
//
//	path/to/file.js             local file, relative to the settings file
//	file:///abs/file.js         local file
//	s3://bucket/key             S3 object
//	ssm:///param/name           SSM parameter, decrypted
//
// Any form may carry a "#sha256=<hex>" suffix pinning the expected digest.
type Ref struct {
	Scheme Scheme
	Path   string // file path or SSM parameter name
	Bucket string
	Key    string
	SHA256 string
}

func (r Ref) String() string {
	var s string
	switch r.Scheme {
	case SchemeS3:
		s = "s3://" + r.Bucket + "/" + r.Key
	case SchemeSSM:
		s = "ssm://" + r.Path
	default:
		s = r.Path
	}
	if r.SHA256 != "" {
		s += "#sha256=" + r.SHA256
	}
	return s
}

// ParseRef parses raw. Relative file paths are joined onto baseDir.
func ParseRef(raw, baseDir string) (Ref, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Ref{}, fmt.Errorf("empty content reference")
	}

	var ref Ref
	if i := strings.LastIndex(s, "#sha256="); i >= 0 {
		ref.SHA256 = strings.ToLower(s[i+len("#sha256="):])
		s = s[:i]
		if !isHex(ref.SHA256) || len(ref.SHA256) != 64 {
			return Ref{}, fmt.Errorf("reference %q: sha256 pin must be 64 hex characters", raw)
		}
	}

	switch {
	case strings.HasPrefix(s, "s3://"):
		bucket, key, _ := strings.Cut(strings.TrimPrefix(s, "s3://"), "/")
		if bucket == "" || key == "" {
			return Ref{}, fmt.Errorf("reference %q: want s3://bucket/key", raw)
		}
		ref.Scheme, ref.Bucket, ref.Key = SchemeS3, bucket, key

	case strings.HasPrefix(s, "ssm:"):
		name := strings.TrimPrefix(strings.TrimPrefix(s, "ssm:"), "//")
		if name == "" || name == "/" {
			return Ref{}, fmt.Errorf("reference %q: missing SSM parameter name", raw)
		}
		ref.Scheme, ref.Path = SchemeSSM, name

	default:
		p := strings.TrimPrefix(s, "file://")
		if p == "" {
			return Ref{}, fmt.Errorf("reference %q: missing file path", raw)
		}
		if !filepath.IsAbs(p) && baseDir != "" {
			p = filepath.Join(baseDir, p)
		}
		ref.Scheme, ref.Path = SchemeFile, filepath.Clean(p)
	}
	return ref, nil
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
