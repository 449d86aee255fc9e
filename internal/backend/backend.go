package backend

import (
	"context"
	"errors"
	"fmt"
)

// Uploader publishes one object under key and returns its public location.
type Uploader interface {
	Name() string
	Upload(ctx context.Context, data []byte, key string) (string, error)
}

// Flusher is implemented by uploaders that defer remote work until the end
// of a run.
type Flusher interface {
	Flush(ctx context.Context) error
}

var ErrUploaderPanic = errors.New("backend: uploader panicked")

// UploadError reports a single failed upload.
type UploadError struct {
	Backend string
	Key     string
	Cause   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("backend %s: upload key=%s: %v", e.Backend, e.Key, e.Cause)
}

func (e *UploadError) Unwrap() error {
	return e.Cause
}

// Wrap returns err as an *UploadError for backend and key, leaving errors
// that already are one untouched.
func Wrap(backend, key string, err error) error {
	if err == nil {
		return nil
	}
	var ue *UploadError
	if errors.As(err, &ue) {
		return err
	}
	return &UploadError{Backend: backend, Key: key, Cause: err}
}

// SafeUpload calls u.Upload and converts a panic into an *UploadError.
func SafeUpload(ctx context.Context, u Uploader, data []byte, key string) (location string, err error) {
	defer func() {
		if r := recover(); r != nil {
			location = ""
			err = &UploadError{Backend: u.Name(), Key: key, Cause: fmt.Errorf("%w: %v", ErrUploaderPanic, r)}
		}
	}()
	location, err = u.Upload(ctx, data, key)
	return location, Wrap(u.Name(), key, err)
}

// Flush runs u's deferred work when it has any.
func Flush(ctx context.Context, u Uploader) error {
	f, ok := u.(Flusher)
	if !ok {
		return nil
	}
	if err := f.Flush(ctx); err != nil {
		return fmt.Errorf("backend %s: flush: %w", u.Name(), err)
	}
	return nil
}
