// Package artifact persists capture bytes keyed by job id.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMissing is returned by Load when nothing exists at the location.
var ErrMissing = errors.New("artifact missing")

// Store persists and retrieves capture bytes.
type Store interface {
	// Save writes data for jobID and returns a location accepted by Load and Delete.
	Save(ctx context.Context, jobID string, data []byte, contentType string) (string, error)
	Load(ctx context.Context, location string) ([]byte, error)
	// Delete is idempotent: a missing object is not an error.
	Delete(ctx context.Context, location string) error
}

// Linker is implemented by stores that can hand out a URL for a location.
type Linker interface {
	Link(ctx context.Context, location string) (string, error)
}

var safeID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Name returns the persisted object name "{jobId}.{extension}".
func Name(jobID, contentType string) (string, error) {
	if !safeID.MatchString(jobID) {
		return "", fmt.Errorf("invalid job id %q", jobID)
	}
	return jobID + "." + Extension(contentType), nil
}

// Extension maps a content type to the artifact file extension.
func Extension(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	switch ct {
	case "image/jpeg", "image/jpg":
		return "jpeg"
	case "application/pdf":
		return "pdf"
	default:
		return "png"
	}
}

// validLocation rejects anything that could escape the storage root.
func validLocation(location string) error {
	if location == "" || strings.Contains(location, "..") || strings.ContainsAny(location, `/\`) {
		return fmt.Errorf("invalid artifact location %q", location)
	}
	return nil
}
