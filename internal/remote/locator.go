package remote

import (
	"net/url"
	"strings"
)

// BucketPrefix is the public URL prefix shared by every object in bucket.
func BucketPrefix(b Blobs, bucket string) string {
	return strings.TrimSuffix(b.PublicURL(bucket, ""), "/") + "/"
}

// ObjectPath maps a public URL back to its bucket-relative path by stripping
// prefix (see BucketPrefix). It reports false when the locator does not
// belong to the bucket; callers must not guess a path in that case.
func ObjectPath(prefix, locator string) (string, bool) {
	if prefix == "" || !strings.HasPrefix(locator, prefix) {
		return "", false
	}
	rel := strings.TrimPrefix(locator, prefix)
	if i := strings.IndexAny(rel, "?#"); i >= 0 {
		rel = rel[:i]
	}
	rel, err := url.PathUnescape(rel)
	if err != nil || rel == "" {
		return "", false
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", false
		}
	}
	return rel, true
}
