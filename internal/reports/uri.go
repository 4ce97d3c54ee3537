package reports

import (
	"fmt"
	"path"
	"strings"
)

// URI builds gs://bucket/object.
func URI(bucket, object string) string {
	return "gs://" + bucket + "/" + object
}

// ParseURI splits a gs:// URI into bucket and object path.
func ParseURI(uri string) (string, string, error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}

	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}

// Filename returns the last element of a gs:// URI,
// e.g. "gs://bucket/loads/c-1/run.json" → "run.json".
func Filename(uri string) string {
	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) < 2 {
		return parts[0]
	}
	return path.Base(parts[1])
}
