// This file wires the FUSE handler surface of spec.md §4.11 to
// internal/hostfs's narrow capability interface, the "server adapter
// translates between [wire layout] and the host struct" role spec.md
// §4.11 assigns this layer. Routing through hostfs.FileOps rather than
// internal/filemanager directly keeps the transport ignorant of the
// core engine's own types, matching spec.md §1's "narrow adapter"
// framing for the FUSE/WinFsp boundary; internal/filemanager.HostAdapter
// is the concrete implementer used in practice.
package server

import (
	"context"
	"time"

	"github.com/blockstorage1/repertory/internal/apierror"
	"github.com/blockstorage1/repertory/internal/hostfs"
	"github.com/blockstorage1/repertory/remote/packet"
)

func encodeAttr(resp *packet.Packet, attr hostfs.Attr) {
	resp.EncodeI64(attr.Size)
	resp.EncodeU32(attr.Mode)
	resp.EncodeBool(attr.Directory)
	now := time.Now()
	accessed, modified, changed, created := attr.Accessed, attr.Modified, attr.Changed, attr.Created
	if accessed.IsZero() {
		accessed = now
	}
	if modified.IsZero() {
		modified = now
	}
	if changed.IsZero() {
		changed = now
	}
	if created.IsZero() {
		created = now
	}
	resp.EncodeI64(accessed.Unix())
	resp.EncodeI64(modified.Unix())
	resp.EncodeI64(changed.Unix())
	resp.EncodeI64(created.Unix())
}

// RegisterFUSEHandlers binds the subset of spec.md §4.11's fuse_*
// method names that map directly onto hostfs.FileOps. Methods with no
// core counterpart (fuse_init, fuse_destroy, fuse_access,
// fuse_statfs[_x], fuse_fsync, fuse_utimens, fuse_setattr_x,
// fuse_write_base64, the directory-snapshot triplet) are left for a
// concrete host adapter to bind, since they carry host-specific
// semantics (kernel cache invalidation, base64 framing for transports
// without binary-safe writes) outside the core contract.
func RegisterFUSEHandlers(s *Server, ops hostfs.FileOps) {
	s.RegisterHandler("fuse_getattr", func(req, resp *packet.Packet) apierror.Code {
		apiPath, err := req.DecodeString()
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		attr, err := ops.GetAttr(context.Background(), apiPath)
		if err != nil {
			return apierror.CodeOf(err)
		}
		encodeAttr(resp, attr)
		return apierror.CodeSuccess
	})

	s.RegisterHandler("fuse_fgetattr", func(req, resp *packet.Packet) apierror.Code {
		_, _ = req.DecodeU64() // handle; attributes are looked up by path regardless.
		apiPath, err := req.DecodeString()
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		attr, err := ops.GetAttr(context.Background(), apiPath)
		if err != nil {
			return apierror.CodeOf(err)
		}
		encodeAttr(resp, attr)
		return apierror.CodeSuccess
	})

	s.RegisterHandler("fuse_open", func(req, resp *packet.Packet) apierror.Code {
		apiPath, err := req.DecodeString()
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		handle, _, err := ops.Open(context.Background(), apiPath, false)
		if err != nil {
			return apierror.CodeOf(err)
		}
		resp.EncodeU64(handle)
		return apierror.CodeSuccess
	})

	s.RegisterHandler("fuse_opendir", func(req, resp *packet.Packet) apierror.Code {
		apiPath, err := req.DecodeString()
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		handle, _, err := ops.Open(context.Background(), apiPath, true)
		if err != nil {
			return apierror.CodeOf(err)
		}
		resp.EncodeU64(handle)
		return apierror.CodeSuccess
	})

	s.RegisterHandler("fuse_create", func(req, resp *packet.Packet) apierror.Code {
		apiPath, err := req.DecodeString()
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		handle, _, err := ops.Create(context.Background(), apiPath)
		if err != nil {
			return apierror.CodeOf(err)
		}
		resp.EncodeU64(handle)
		return apierror.CodeSuccess
	})

	s.RegisterHandler("fuse_release", func(req, resp *packet.Packet) apierror.Code {
		handle, err := req.DecodeU64()
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		if err := ops.Close(context.Background(), handle); err != nil {
			return apierror.CodeOf(err)
		}
		return apierror.CodeSuccess
	})
	s.RegisterHandler("fuse_releasedir", func(req, resp *packet.Packet) apierror.Code {
		handle, err := req.DecodeU64()
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		if err := ops.Close(context.Background(), handle); err != nil {
			return apierror.CodeOf(err)
		}
		return apierror.CodeSuccess
	})

	s.RegisterHandler("fuse_read", func(req, resp *packet.Packet) apierror.Code {
		handle, err := req.DecodeU64()
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		size, err := req.DecodeI64()
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		offset, err := req.DecodeI64()
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		buf := make([]byte, size)
		n, err := ops.Read(context.Background(), handle, offset, buf)
		if err != nil {
			return apierror.CodeOf(err)
		}
		resp.EncodeI32(int32(n))
		resp.EncodeBytes(buf[:n])
		return apierror.CodeSuccess
	})

	s.RegisterHandler("fuse_write", func(req, resp *packet.Packet) apierror.Code {
		handle, err := req.DecodeU64()
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		offset, err := req.DecodeI64()
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		n, err := req.DecodeI32()
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		data, err := req.DecodeBytes(int(n))
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		written, err := ops.Write(context.Background(), handle, offset, data)
		if err != nil {
			return apierror.CodeOf(err)
		}
		resp.EncodeI32(int32(written))
		return apierror.CodeSuccess
	})

	s.RegisterHandler("fuse_truncate", func(req, resp *packet.Packet) apierror.Code {
		handle, err := req.DecodeU64()
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		size, err := req.DecodeI64()
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		if err := ops.Truncate(context.Background(), handle, size); err != nil {
			return apierror.CodeOf(err)
		}
		return apierror.CodeSuccess
	})
	s.RegisterHandler("fuse_ftruncate", func(req, resp *packet.Packet) apierror.Code {
		handle, err := req.DecodeU64()
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		size, err := req.DecodeI64()
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		if err := ops.Truncate(context.Background(), handle, size); err != nil {
			return apierror.CodeOf(err)
		}
		return apierror.CodeSuccess
	})

	s.RegisterHandler("fuse_mkdir", func(req, resp *packet.Packet) apierror.Code {
		apiPath, err := req.DecodeString()
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		return apierror.CodeOf(ops.Mkdir(context.Background(), apiPath))
	})

	s.RegisterHandler("fuse_rmdir", func(req, resp *packet.Packet) apierror.Code {
		apiPath, err := req.DecodeString()
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		return apierror.CodeOf(ops.Rmdir(context.Background(), apiPath))
	})

	s.RegisterHandler("fuse_unlink", func(req, resp *packet.Packet) apierror.Code {
		apiPath, err := req.DecodeString()
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		return apierror.CodeOf(ops.Remove(context.Background(), apiPath))
	})

	s.RegisterHandler("fuse_rename", func(req, resp *packet.Packet) apierror.Code {
		from, err := req.DecodeString()
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		to, err := req.DecodeString()
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		overwrite, err := req.DecodeBool()
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		return apierror.CodeOf(ops.Rename(context.Background(), from, to, overwrite))
	})

	s.RegisterHandler("fuse_readdir", func(req, resp *packet.Packet) apierror.Code {
		apiPath, err := req.DecodeString()
		if err != nil {
			return apierror.CodeInvalidArgument
		}
		entries, err := ops.ReadDir(context.Background(), apiPath)
		if err != nil {
			return apierror.CodeOf(err)
		}
		resp.EncodeI32(int32(len(entries)))
		for _, e := range entries {
			resp.EncodeString(e.Name)
			encodeAttr(resp, e.Attr)
		}
		return apierror.CodeSuccess
	})
}
