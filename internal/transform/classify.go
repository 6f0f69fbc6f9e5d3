package transform

import (
	"fmt"

	"github.com/tbourn/impulse-backend/internal/domain"
)

// RequiredFiles is the number of files a create request must carry.
const RequiredFiles = 2

// Classify partitions exactly two files into the image and the audio file.
// A file is an image iff its MIME type starts with "image/"; anything else is
// treated as audio. The result does not depend on the order of files.
func Classify(files []UploadFile) (image, audio UploadFile, err error) {
	if len(files) != RequiredFiles {
		return UploadFile{}, UploadFile{}, domain.NewValidationError("files",
			fmt.Sprintf("exactly %d files are required (one image, one audio), got %d", RequiredFiles, len(files)))
	}
	a, b := files[0], files[1]
	switch {
	case a.IsImage() && !b.IsImage():
		return a, b, nil
	case b.IsImage() && !a.IsImage():
		return b, a, nil
	case a.IsImage():
		return UploadFile{}, UploadFile{}, domain.NewValidationError("files", "both files are images; one audio file is required")
	default:
		return UploadFile{}, UploadFile{}, domain.NewValidationError("files", "no image file supplied")
	}
}
