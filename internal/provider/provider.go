// Package provider defines the i_provider contract (spec.md §6) — the
// boundary between the core engine and a concrete remote backend
// (Sia, S3, the encrypt passthrough). Only the contract is specified
// here, plus memprovider, an in-memory reference implementation that
// plays the role of original_source's base_provider.hpp: the
// embeddable base every real provider builds on, and the fixture the
// rest of this module's tests run against. Grounded on
// backend/local/local.go's fs.Fs/fs.Object contract shape (NewObject,
// List, Put, Remove, ModTime/Size accessors).
package provider

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/blockstorage1/repertory/internal/apierror"
	"github.com/blockstorage1/repertory/internal/apipath"
)

// StopToken is cooperatively checked by long-running provider calls
// (spec.md §6: read_file_bytes and upload_file "must respect
// stop_token").
type StopToken interface {
	Stopped() bool
}

// FilesystemItem is spec.md §3's compact filesystem_item, used on hot
// paths that do not need full metadata.
type FilesystemItem struct {
	APIPath    string
	APIParent  string
	Directory  bool
	Size       int64
	SourcePath string
}

// APIFile is spec.md §3's api_file: the authoritative record a
// provider returns on discovery.
type APIFile struct {
	APIPath         string
	Size            int64
	Accessed        time.Time
	Modified        time.Time
	Changed         time.Time
	Created         time.Time
	EncryptionToken string
	Key             []byte
	SourcePath      string
	Directory       bool
}

// Provider is the i_provider contract of spec.md §6. Every method is
// synchronous and returns an apierror.Error on failure; none retries
// internally (spec.md §7: "the file manager never retries a failed
// provider call internally").
type Provider interface {
	CheckVersion(ctx context.Context) (minCompatible string, err error)

	CreateFile(ctx context.Context, apiPath string, meta map[string]string) (APIFile, error)
	CreateDirectory(ctx context.Context, apiPath string, meta map[string]string) error
	CreateDirectoryCloneSourceMeta(ctx context.Context, sourceAPIPath, apiPath string) error

	GetFile(ctx context.Context, apiPath string) (APIFile, error)
	GetFileList(ctx context.Context) ([]APIFile, error)
	GetFileSize(ctx context.Context, apiPath string) (int64, error)
	GetDirectoryItems(ctx context.Context, apiPath string) ([]FilesystemItem, error)
	GetDirectoryItemCount(ctx context.Context, apiPath string) (int64, error)

	GetFilesystemItem(ctx context.Context, apiPath string) (FilesystemItem, error)
	GetFilesystemItemFromSourcePath(ctx context.Context, sourcePath string) (FilesystemItem, error)

	GetItemMeta(ctx context.Context, apiPath string) (map[string]string, error)
	GetItemMetaKey(ctx context.Context, apiPath, key string) (string, error)
	SetItemMeta(ctx context.Context, apiPath string, kv map[string]string) error
	RemoveItemMeta(ctx context.Context, apiPath, key string) error

	GetAPIPathFromSource(ctx context.Context, sourcePath string) (string, error)

	IsFile(ctx context.Context, apiPath string) (bool, error)
	IsDirectory(ctx context.Context, apiPath string) (bool, error)
	IsOnline(ctx context.Context) bool
	IsReadOnly() bool
	IsRenameSupported() bool
	IsDirectOnly() bool // true for providers like "encrypt" that never cache locally.

	ReadFileBytes(ctx context.Context, apiPath string, size int64, offset int64, stop StopToken) ([]byte, error)

	RemoveFile(ctx context.Context, apiPath string) error
	RemoveDirectory(ctx context.Context, apiPath string) error

	RenameFile(ctx context.Context, from, to string) error

	UploadFile(ctx context.Context, apiPath, sourcePath string, stop StopToken) error

	Start(ctx context.Context, onItemAdded func(APIFile)) error
	Stop() error

	GetPinnedFiles(ctx context.Context) ([]string, error)
	GetTotalDriveSpace(ctx context.Context) (int64, error)
	GetUsedDriveSpace(ctx context.Context) (int64, error)
	GetTotalItemCount(ctx context.Context) (int64, error)
}

// memProvider is a fully in-memory Provider used by tests and as a
// template for a real Sia/S3/encrypt adapter. It is not exported: real
// adapters are expected to define their own type embedding the same
// shape, matching original_source's base_provider.hpp role of an
// embeddable base rather than a concrete class callers instantiate
// directly.
type memProvider struct {
	mu        sync.Mutex
	files     map[string]*memFile
	dirs      map[string]bool
	readOnly  bool
	directOnl bool
	onAdded   func(APIFile)
}

type memFile struct {
	data     []byte
	modified time.Time
	created  time.Time
}

// NewMemProvider constructs an in-memory reference provider.
func NewMemProvider(readOnly, directOnly bool) Provider {
	return &memProvider{
		files:     map[string]*memFile{},
		dirs:      map[string]bool{"/": true},
		readOnly:  readOnly,
		directOnl: directOnly,
	}
}

func (p *memProvider) CheckVersion(ctx context.Context) (string, error) { return "1.0.0", nil }

func (p *memProvider) CreateFile(ctx context.Context, apiPath string, meta map[string]string) (APIFile, error) {
	apiPath = apipath.Format(apiPath)
	if p.readOnly {
		return APIFile{}, apierror.PermissionDenied
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.files[apiPath]; ok {
		return APIFile{}, apierror.AlreadyExists
	}
	now := time.Now()
	p.files[apiPath] = &memFile{created: now, modified: now}
	af := APIFile{APIPath: apiPath, Created: now, Modified: now, Accessed: now, Changed: now}
	if p.onAdded != nil {
		p.onAdded(af)
	}
	return af, nil
}

func (p *memProvider) CreateDirectory(ctx context.Context, apiPath string, meta map[string]string) error {
	apiPath = apipath.Format(apiPath)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dirs[apiPath] {
		return apierror.AlreadyExists
	}
	p.dirs[apiPath] = true
	return nil
}

func (p *memProvider) CreateDirectoryCloneSourceMeta(ctx context.Context, sourceAPIPath, apiPath string) error {
	return p.CreateDirectory(ctx, apiPath, nil)
}

func (p *memProvider) GetFile(ctx context.Context, apiPath string) (APIFile, error) {
	apiPath = apipath.Format(apiPath)
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.files[apiPath]
	if !ok {
		return APIFile{}, apierror.NotFound
	}
	return APIFile{
		APIPath:  apiPath,
		Size:     int64(len(f.data)),
		Modified: f.modified,
		Created:  f.created,
		Accessed: f.modified,
		Changed:  f.modified,
	}, nil
}

func (p *memProvider) GetFileList(ctx context.Context) ([]APIFile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]APIFile, 0, len(p.files))
	for path, f := range p.files {
		out = append(out, APIFile{APIPath: path, Size: int64(len(f.data)), Modified: f.modified, Created: f.created})
	}
	return out, nil
}

func (p *memProvider) GetFileSize(ctx context.Context, apiPath string) (int64, error) {
	af, err := p.GetFile(ctx, apiPath)
	if err != nil {
		return 0, err
	}
	return af.Size, nil
}

func (p *memProvider) GetDirectoryItems(ctx context.Context, apiPath string) ([]FilesystemItem, error) {
	apiPath = apipath.Format(apiPath)
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []FilesystemItem
	for path, f := range p.files {
		if apipath.Parent(path) == apiPath {
			out = append(out, FilesystemItem{APIPath: path, APIParent: apiPath, Size: int64(len(f.data))})
		}
	}
	for path := range p.dirs {
		if path != "/" && apipath.Parent(path) == apiPath {
			out = append(out, FilesystemItem{APIPath: path, APIParent: apiPath, Directory: true})
		}
	}
	return out, nil
}

func (p *memProvider) GetDirectoryItemCount(ctx context.Context, apiPath string) (int64, error) {
	items, err := p.GetDirectoryItems(ctx, apiPath)
	return int64(len(items)), err
}

func (p *memProvider) GetFilesystemItem(ctx context.Context, apiPath string) (FilesystemItem, error) {
	apiPath = apipath.Format(apiPath)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dirs[apiPath] {
		return FilesystemItem{APIPath: apiPath, APIParent: apipath.Parent(apiPath), Directory: true}, nil
	}
	f, ok := p.files[apiPath]
	if !ok {
		return FilesystemItem{}, apierror.NotFound
	}
	return FilesystemItem{APIPath: apiPath, APIParent: apipath.Parent(apiPath), Size: int64(len(f.data))}, nil
}

func (p *memProvider) GetFilesystemItemFromSourcePath(ctx context.Context, sourcePath string) (FilesystemItem, error) {
	return FilesystemItem{}, apierror.NotSupported
}

func (p *memProvider) GetItemMeta(ctx context.Context, apiPath string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (p *memProvider) GetItemMetaKey(ctx context.Context, apiPath, key string) (string, error) {
	return "", apierror.NotFound
}

func (p *memProvider) SetItemMeta(ctx context.Context, apiPath string, kv map[string]string) error {
	return nil
}

func (p *memProvider) RemoveItemMeta(ctx context.Context, apiPath, key string) error { return nil }

func (p *memProvider) GetAPIPathFromSource(ctx context.Context, sourcePath string) (string, error) {
	return "", apierror.NotSupported
}

func (p *memProvider) IsFile(ctx context.Context, apiPath string) (bool, error) {
	apiPath = apipath.Format(apiPath)
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.files[apiPath]
	return ok, nil
}

func (p *memProvider) IsDirectory(ctx context.Context, apiPath string) (bool, error) {
	apiPath = apipath.Format(apiPath)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirs[apiPath], nil
}

func (p *memProvider) IsOnline(ctx context.Context) bool     { return true }
func (p *memProvider) IsReadOnly() bool                      { return p.readOnly }
func (p *memProvider) IsRenameSupported() bool                { return true }
func (p *memProvider) IsDirectOnly() bool                     { return p.directOnl }

func (p *memProvider) ReadFileBytes(ctx context.Context, apiPath string, size int64, offset int64, stop StopToken) ([]byte, error) {
	apiPath = apipath.Format(apiPath)
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.files[apiPath]
	if !ok {
		return nil, apierror.NotFound
	}
	if stop != nil && stop.Stopped() {
		return nil, apierror.CommError
	}
	end := offset + size
	if end > int64(len(f.data)) {
		end = int64(len(f.data))
	}
	if offset >= end {
		return nil, nil
	}
	return append([]byte(nil), f.data[offset:end]...), nil
}

func (p *memProvider) RemoveFile(ctx context.Context, apiPath string) error {
	apiPath = apipath.Format(apiPath)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.files[apiPath]; !ok {
		return apierror.NotFound
	}
	delete(p.files, apiPath)
	return nil
}

func (p *memProvider) RemoveDirectory(ctx context.Context, apiPath string) error {
	apiPath = apipath.Format(apiPath)
	p.mu.Lock()
	defer p.mu.Unlock()
	items, _ := p.GetDirectoryItems(ctx, apiPath)
	if len(items) > 0 {
		return apierror.NotEmpty
	}
	delete(p.dirs, apiPath)
	return nil
}

func (p *memProvider) RenameFile(ctx context.Context, from, to string) error {
	from, to = apipath.Format(from), apipath.Format(to)
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.files[from]
	if !ok {
		return apierror.NotFound
	}
	delete(p.files, from)
	p.files[to] = f
	return nil
}

func (p *memProvider) UploadFile(ctx context.Context, apiPath, sourcePath string, stop StopToken) error {
	if stop != nil && stop.Stopped() {
		return apierror.CommError
	}
	data, err := readWholeFile(sourcePath)
	if err != nil {
		return apierror.IOError
	}
	apiPath = apipath.Format(apiPath)
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.files[apiPath]
	if !ok {
		f = &memFile{created: time.Now()}
		p.files[apiPath] = f
	}
	f.data = data
	f.modified = time.Now()
	return nil
}

func (p *memProvider) Start(ctx context.Context, onItemAdded func(APIFile)) error {
	p.mu.Lock()
	p.onAdded = onItemAdded
	p.mu.Unlock()
	return nil
}

func (p *memProvider) Stop() error { return nil }

func (p *memProvider) GetPinnedFiles(ctx context.Context) ([]string, error) { return nil, nil }

func (p *memProvider) GetTotalDriveSpace(ctx context.Context) (int64, error) {
	return 1 << 40, nil
}

func (p *memProvider) GetUsedDriveSpace(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for _, f := range p.files {
		total += int64(len(f.data))
	}
	return total, nil
}

func (p *memProvider) GetTotalItemCount(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(len(p.files) + len(p.dirs)), nil
}

func readWholeFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
