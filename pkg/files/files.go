// Package files holds the upload-contract constants and pure validation
// helpers shared by every Backend implementation (spec §4.7, component C7):
// the 5 GiB size cap, the "prefix must start with /" rule, and fresh file
// id generation so two uploads of the same filename never collide.
package files

import (
	"os"
	"strings"

	"github.com/fortyfive-labs/dreamlake-go/pkg/dlerrors"
	"github.com/google/uuid"
)

// MaxUploadBytes is the upload size ceiling from spec §4.7.
const MaxUploadBytes = 5 * 1024 * 1024 * 1024

const component = "files"

// ValidatePrefix enforces the "prefix starts with /" invariant (spec §4.7).
func ValidatePrefix(prefix string) error {
	if !strings.HasPrefix(prefix, "/") {
		return dlerrors.BadInputf(component, "upload_file", "prefix must start with /, got %q", prefix)
	}
	return nil
}

// ValidateSize enforces the 5 GiB ceiling (spec §4.7).
func ValidateSize(path string, size int64) error {
	if size > MaxUploadBytes {
		return dlerrors.BadInputf(component, "upload_file", "file %s is %d bytes, exceeds 5 GiB limit", path, size)
	}
	return nil
}

// NewFileID returns a fresh, locally-unique opaque token for use as the
// file's directory component (spec §3 FileArtifact "file-id").
func NewFileID() string {
	return uuid.NewString()
}

// OpenForUpload opens path, validating its size against MaxUploadBytes
// before handing the file back so callers never stream a too-large file
// partway before rejecting it.
func OpenForUpload(path string) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, dlerrors.Transientf(component, "upload_file", err, "open source file %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, dlerrors.Transientf(component, "upload_file", err, "stat source file %s", path)
	}
	if err := ValidateSize(path, info.Size()); err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// HasAnyTag reports whether have and want share at least one tag, the
// matching rule list_files(prefix?, tags?) uses (spec §4.1).
func HasAnyTag(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if set[t] {
			return true
		}
	}
	return false
}
