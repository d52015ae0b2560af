// Package media resolves a feedback record's media reference to a file on
// local disk that the transcription tools can read.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalambet/storevoice/internal/failure"
)

// ErrNotFound is wrapped into resolution errors for media that does not exist.
var ErrNotFound = errors.New("media not found")

// File is a resolved media file. Release must be called when the caller is
// done with it; it removes any temporary download.
type File struct {
	Path    string
	release func()
}

// Release frees resources held for the file.
func (f File) Release() {
	if f.release != nil {
		f.release()
	}
}

// Resolver turns a media reference into a readable local file.
type Resolver interface {
	Resolve(ctx context.Context, mediaPath string) (File, error)
}

// Local resolves plain paths, relative ones against Root.
type Local struct {
	Root string
}

// Resolve checks that the referenced file exists and is a regular file.
func (l Local) Resolve(_ context.Context, mediaPath string) (File, error) {
	p := mediaPath
	if !filepath.IsAbs(p) && l.Root != "" {
		p = filepath.Join(l.Root, p)
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return File{}, failure.New(failure.MediaUnreadable, fmt.Errorf("%w: %s", ErrNotFound, p))
		}
		return File{}, failure.New(failure.MediaUnreadable, err)
	}
	if !info.Mode().IsRegular() {
		return File{}, failure.Newf(failure.MediaUnreadable, "%s is not a regular file", p)
	}
	if info.Size() == 0 {
		return File{}, failure.Newf(failure.MediaUnreadable, "%s is empty", p)
	}
	return File{Path: p}, nil
}

// Router dispatches s3:// references to a remote resolver and everything
// else to a local one.
type Router struct {
	Local  Resolver
	Remote Resolver
}

// Resolve picks the resolver for mediaPath.
func (r Router) Resolve(ctx context.Context, mediaPath string) (File, error) {
	if strings.HasPrefix(mediaPath, s3Scheme) {
		if r.Remote == nil {
			return File{}, failure.Newf(failure.ToolUnavailable, "remote media %s but no object storage is configured", mediaPath)
		}
		return r.Remote.Resolve(ctx, mediaPath)
	}
	return r.Local.Resolve(ctx, mediaPath)
}
