package filemanager

import (
	"context"

	"github.com/blockstorage1/repertory/internal/apierror"
	"github.com/blockstorage1/repertory/internal/hostfs"
)

// HostAdapter implements hostfs.FileOps on top of a Manager, the
// handle-indexed capability surface spec.md §1 and §9 describe the
// FUSE/WinFsp boundary needing. It exists so internal/hostfs's
// interface has a concrete, tested implementer even though no real
// kernel binding ships in this module (DESIGN.md's hostfs entry).
type HostAdapter struct {
	m *Manager
}

// NewHostAdapter wraps m for use behind hostfs.FileOps.
func NewHostAdapter(m *Manager) *HostAdapter {
	return &HostAdapter{m: m}
}

func (a *HostAdapter) apiPathForHandle(handle uint64) (string, bool) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	owner, ok := a.m.handles[handle]
	return owner.apiPath, ok
}

func (a *HostAdapter) attrFor(ctx context.Context, apiPath string) (hostfs.Attr, error) {
	if of, ok := a.m.GetOpenFile(apiPath); ok {
		return hostfs.Attr{Size: of.Size(), Mode: 0o644}, nil
	}
	item, err := a.m.prov.GetFilesystemItem(ctx, apiPath)
	if err != nil {
		return hostfs.Attr{}, err
	}
	mode := uint32(0o644)
	if item.Directory {
		mode = 0o755
	}
	return hostfs.Attr{Size: item.Size, Mode: mode, Directory: item.Directory}, nil
}

// Open allocates a handle and returns the attributes observed at open
// time (hostfs.FileOps).
func (a *HostAdapter) Open(ctx context.Context, apiPath string, directory bool) (uint64, hostfs.Attr, error) {
	handle, err := a.m.Open(ctx, apiPath, directory)
	if err != nil {
		return 0, hostfs.Attr{}, err
	}
	attr, err := a.attrFor(ctx, apiPath)
	if err != nil {
		_ = a.m.Close(handle)
		return 0, hostfs.Attr{}, err
	}
	return handle, attr, nil
}

// Create creates apiPath at the provider, then opens it and returns
// its freshly-observed attributes (hostfs.FileOps).
func (a *HostAdapter) Create(ctx context.Context, apiPath string) (uint64, hostfs.Attr, error) {
	handle, err := a.m.Create(ctx, apiPath, nil)
	if err != nil {
		return 0, hostfs.Attr{}, err
	}
	attr, err := a.attrFor(ctx, apiPath)
	if err != nil {
		_ = a.m.Close(handle)
		return 0, hostfs.Attr{}, err
	}
	return handle, attr, nil
}

// Close releases handle (hostfs.FileOps).
func (a *HostAdapter) Close(ctx context.Context, handle uint64) error {
	return a.m.Close(handle)
}

// Read reads through the handle's open file (hostfs.FileOps).
func (a *HostAdapter) Read(ctx context.Context, handle uint64, offset int64, buf []byte) (int, error) {
	apiPath, ok := a.apiPathForHandle(handle)
	if !ok {
		return 0, apierror.InvalidArgument
	}
	of, ok := a.m.GetOpenFile(apiPath)
	if !ok {
		return 0, apierror.NotFound
	}
	return of.Read(offset, buf)
}

// Write writes through the handle's open file (hostfs.FileOps).
func (a *HostAdapter) Write(ctx context.Context, handle uint64, offset int64, data []byte) (int, error) {
	apiPath, ok := a.apiPathForHandle(handle)
	if !ok {
		return 0, apierror.InvalidArgument
	}
	of, ok := a.m.GetOpenFile(apiPath)
	if !ok {
		return 0, apierror.NotFound
	}
	return of.Write(offset, data)
}

// Truncate resizes the handle's open file (hostfs.FileOps).
func (a *HostAdapter) Truncate(ctx context.Context, handle uint64, size int64) error {
	apiPath, ok := a.apiPathForHandle(handle)
	if !ok {
		return apierror.InvalidArgument
	}
	return a.m.Truncate(apiPath, size)
}

// GetAttr reports apiPath's attributes whether or not it is currently
// open (hostfs.FileOps).
func (a *HostAdapter) GetAttr(ctx context.Context, apiPath string) (hostfs.Attr, error) {
	return a.attrFor(ctx, apiPath)
}

// SetAttr is not supported: no operation in spec.md's core surface
// changes mode/uid/gid/timestamps, so a real adapter would translate
// this into host-specific no-ops rather than a core call.
func (a *HostAdapter) SetAttr(ctx context.Context, apiPath string, attr hostfs.Attr) error {
	return apierror.NotSupported
}

// Rename delegates to Manager.RenameFile (hostfs.FileOps).
func (a *HostAdapter) Rename(ctx context.Context, from, to string, overwrite bool) error {
	return a.m.RenameFile(ctx, from, to, overwrite)
}

// Remove delegates to Manager.RemoveFile (hostfs.FileOps).
func (a *HostAdapter) Remove(ctx context.Context, apiPath string) error {
	return a.m.RemoveFile(ctx, apiPath)
}

// Mkdir creates apiPath as a directory at the provider (hostfs.FileOps).
func (a *HostAdapter) Mkdir(ctx context.Context, apiPath string) error {
	return a.m.prov.CreateDirectory(ctx, apiPath, nil)
}

// Rmdir removes apiPath's directory at the provider (hostfs.FileOps).
func (a *HostAdapter) Rmdir(ctx context.Context, apiPath string) error {
	return a.m.prov.RemoveDirectory(ctx, apiPath)
}

// ReadDir lists apiPath's entries (hostfs.FileOps).
func (a *HostAdapter) ReadDir(ctx context.Context, apiPath string) ([]hostfs.DirEntry, error) {
	items, err := a.m.prov.GetDirectoryItems(ctx, apiPath)
	if err != nil {
		return nil, err
	}
	entries := make([]hostfs.DirEntry, 0, len(items))
	for _, item := range items {
		mode := uint32(0o644)
		if item.Directory {
			mode = 0o755
		}
		entries = append(entries, hostfs.DirEntry{
			Name: item.APIPath,
			Attr: hostfs.Attr{Size: item.Size, Mode: mode, Directory: item.Directory},
		})
	}
	return entries, nil
}

var _ hostfs.FileOps = (*HostAdapter)(nil)
