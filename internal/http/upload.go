package httpx

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
)

const (
	uploadFieldArchive = "archive"
	uploadFieldMessage = "commit_message"
	maxCommitMessage   = 1024
)

var (
	errUploadMissing  = errors.New("multipart field \"archive\" is required")
	errUploadTooLarge = errors.New("upload exceeds size limit")
)

type spooledUpload struct {
	Path          string
	Size          int64
	CommitMessage string
}

// spoolUpload streams the multipart body to a temp file in dir without
// buffering it in memory. The caller owns the returned file.
func spoolUpload(w http.ResponseWriter, req *http.Request, dir string, maxBytes int64) (spooledUpload, error) {
	if maxBytes > 0 {
		req.Body = http.MaxBytesReader(w, req.Body, maxBytes)
	}
	mr, err := req.MultipartReader()
	if err != nil {
		return spooledUpload{}, fmt.Errorf("expected multipart/form-data body: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return spooledUpload{}, fmt.Errorf("prepare upload dir: %w", err)
	}

	var out spooledUpload
	discard := func() {
		if out.Path != "" {
			_ = os.Remove(out.Path)
		}
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			discard()
			return spooledUpload{}, uploadError(err)
		}
		switch part.FormName() {
		case uploadFieldArchive:
			if out.Path != "" {
				part.Close()
				discard()
				return spooledUpload{}, errors.New("only one archive may be uploaded")
			}
			f, err := os.CreateTemp(dir, "upload-*.zip")
			if err != nil {
				part.Close()
				return spooledUpload{}, fmt.Errorf("create upload file: %w", err)
			}
			out.Path = f.Name()
			n, copyErr := io.Copy(f, part)
			closeErr := f.Close()
			part.Close()
			if copyErr != nil {
				discard()
				return spooledUpload{}, uploadError(copyErr)
			}
			if closeErr != nil {
				discard()
				return spooledUpload{}, fmt.Errorf("write upload file: %w", closeErr)
			}
			out.Size = n
		case uploadFieldMessage:
			raw, err := io.ReadAll(io.LimitReader(part, maxCommitMessage+1))
			part.Close()
			if err != nil {
				discard()
				return spooledUpload{}, uploadError(err)
			}
			if len(raw) > maxCommitMessage {
				discard()
				return spooledUpload{}, fmt.Errorf("commit_message must be at most %d bytes", maxCommitMessage)
			}
			out.CommitMessage = strings.TrimSpace(string(raw))
		default:
			_, _ = io.Copy(io.Discard, part)
			part.Close()
		}
	}
	if out.Path == "" {
		return spooledUpload{}, errUploadMissing
	}
	if out.Size == 0 {
		discard()
		return spooledUpload{}, errors.New("archive is empty")
	}
	return out, nil
}

func uploadError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Errorf("%w: limit is %s", errUploadTooLarge, humanize.IBytes(uint64(maxErr.Limit)))
	}
	return fmt.Errorf("read upload: %w", err)
}
