// Package hostfs defines the narrow capability interface spec.md §1
// and §9 call for at the FUSE/WinFsp kernel boundary: "treated as a
// narrow adapter that translates host calls into core operations."
// Only the interface is specified — no implementation — matching the
// explicit non-goal of implementing FUSE or WinFsp kernel bindings.
//
// A real adapter would implement this against bazil.org/fuse or
// github.com/hanwen/go-fuse/v2 (UNIX) or github.com/winfsp/cgofuse
// (Windows) — all three appear in rclone's go.mod for exactly this
// role — without this module importing any of them (DESIGN.md, Dropped
// Dependencies).
package hostfs

import (
	"context"
	"time"
)

// Attr is the subset of host file attributes every adapter needs to
// translate, independent of whether the host speaks the FUSE stat
// struct or WinFsp's FILE_BASIC_INFO/FILE_STANDARD_INFO pair.
type Attr struct {
	Size      int64
	Mode      uint32
	UID, GID  uint32
	Accessed  time.Time
	Modified  time.Time
	Changed   time.Time
	Created   time.Time
	Directory bool
}

// FileOps is the capability surface a mounted file handle needs from
// the core (internal/filemanager implements this).
type FileOps interface {
	Open(ctx context.Context, apiPath string, directory bool) (handle uint64, attr Attr, err error)
	Create(ctx context.Context, apiPath string) (handle uint64, attr Attr, err error)
	Close(ctx context.Context, handle uint64) error
	Read(ctx context.Context, handle uint64, offset int64, buf []byte) (int, error)
	Write(ctx context.Context, handle uint64, offset int64, data []byte) (int, error)
	Truncate(ctx context.Context, handle uint64, size int64) error
	GetAttr(ctx context.Context, apiPath string) (Attr, error)
	SetAttr(ctx context.Context, apiPath string, attr Attr) error
	Rename(ctx context.Context, from, to string, overwrite bool) error
	Remove(ctx context.Context, apiPath string) error
	Mkdir(ctx context.Context, apiPath string) error
	Rmdir(ctx context.Context, apiPath string) error
	ReadDir(ctx context.Context, apiPath string) ([]DirEntry, error)
}

// DirEntry is one row of a directory listing handed back to the host.
type DirEntry struct {
	Name string
	Attr Attr
}
