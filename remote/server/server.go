// Package server implements spec.md §4.11's packet server: a
// token-authenticated, length-prefixed framed RPC listener dispatching
// into one of the two fixed FUSE/WinFsp handler surfaces, bounded by a
// worker pool and serialized per (client_id, thread_id) the same way
// the client pool serializes its queues. Grounded on spec.md §4.11
// directly; no pack example ships an equivalent bespoke authenticated
// framed-RPC server, so the accept loop is built directly on net.Conn
// and the packet codec, matching the protocol-definition role spec.md
// §1 assigns this component.
package server

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/blockstorage1/repertory/internal/apierror"
	"github.com/blockstorage1/repertory/internal/events"
	"github.com/blockstorage1/repertory/remote/packet"
	"github.com/google/uuid"
)

// FUSE and WinFsp are the two fixed handler surfaces of spec.md §4.11,
// enumerated so a registering adapter can validate its method table
// against the exact names the protocol defines.
var FUSEMethods = []string{
	"fuse_access", "fuse_chmod", "fuse_chown", "fuse_create", "fuse_destroy",
	"fuse_fgetattr", "fuse_fsync", "fuse_ftruncate", "fuse_getattr", "fuse_init",
	"fuse_mkdir", "fuse_open", "fuse_opendir", "fuse_read", "fuse_readdir",
	"fuse_release", "fuse_releasedir", "fuse_rename", "fuse_rmdir",
	"fuse_setattr_x", "fuse_statfs", "fuse_statfs_x", "fuse_truncate",
	"fuse_unlink", "fuse_utimens", "fuse_write", "fuse_write_base64",
	"json_create_directory_snapshot", "json_read_directory_snapshot",
	"json_release_directory_snapshot",
}

var WinFspMethods = []string{
	"winfsp_can_delete", "winfsp_cleanup", "winfsp_close", "winfsp_create",
	"winfsp_flush", "winfsp_get_dir_buffer", "winfsp_get_file_info",
	"winfsp_get_security_by_name", "winfsp_get_volume_info", "winfsp_mounted",
	"winfsp_open", "winfsp_overwrite", "winfsp_read", "winfsp_read_directory",
	"winfsp_rename", "winfsp_set_basic_info", "winfsp_set_file_size",
	"winfsp_unmounted", "winfsp_write",
	"json_create_directory_snapshot", "json_read_directory_snapshot",
	"json_release_directory_snapshot",
}

// Handler decodes its arguments from req, does the work, and encodes
// its results into resp. The returned apierror.Code is placed in the
// response's leading error_code field (spec.md §4.11, §6).
type Handler func(req *packet.Packet, resp *packet.Packet) apierror.Code

// Server is the packet server of spec.md §4.11.
type Server struct {
	token      string
	minVersion string
	handlers   map[string]Handler
	bus        *events.Bus
	poolSize   int
	sem        chan struct{}

	mu        sync.Mutex
	serialize map[string]*sync.Mutex // "client_id:thread_id" -> lock

	listener net.Listener
	wg       sync.WaitGroup
	stopCh   chan struct{}
}

// New constructs a Server. token authenticates every connection;
// minVersion is returned by check_version for the client to compare
// against its own build.
func New(token, minVersion string, poolSize int, bus *events.Bus) *Server {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Server{
		token:      token,
		minVersion: minVersion,
		handlers:   map[string]Handler{},
		bus:        bus,
		poolSize:   poolSize,
		sem:        make(chan struct{}, poolSize),
		serialize:  map[string]*sync.Mutex{},
		stopCh:     make(chan struct{}),
	}
}

// RegisterHandler binds name (one of FUSEMethods/WinFspMethods, or a
// test method) to h.
func (s *Server) RegisterHandler(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

// Serve accepts connections on l until Stop is called.
func (s *Server) Serve(l net.Listener) error {
	s.listener = l
	if s.bus != nil {
		s.bus.Publish(events.ServiceStartBegin{Service: "packet_server"})
		s.bus.Publish(events.ServiceStartEnd{Service: "packet_server"})
	}
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
				return err
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Stop closes the listener and waits for every in-flight connection
// handler to finish.
func (s *Server) Stop() {
	if s.bus != nil {
		s.bus.Publish(events.ServiceStopBegin{Service: "packet_server"})
	}
	close(s.stopCh)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	if s.bus != nil {
		s.bus.Publish(events.ServiceStopEnd{Service: "packet_server"})
	}
}

// connWriter serializes every frame written back to one connection.
// Without it, the worker-pool goroutines dispatch spawns for distinct
// thread_ids (serialized against each other, but not against the
// socket) could interleave their length prefix and body bytes on the
// wire, corrupting framing for both responses.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) writeFrame(frame []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := w.conn.Write(lenBuf[:]); err != nil {
		return
	}
	_, _ = w.conn.Write(frame)
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	if err := s.authenticate(conn); err != nil {
		if s.bus != nil {
			s.bus.Publish(events.PacketAuthFailure{RemoteAddr: conn.RemoteAddr().String()})
		}
		return
	}

	// A fresh session id (rather than conn.RemoteAddr()) keys this
	// connection's per-thread serialization locks, so two connections
	// multiplexed through the same NAT/proxy address never share a lock.
	sessionID := uuid.New().String()
	cw := &connWriter{conn: conn}

	for {
		req, err := s.readFrame(conn)
		if err != nil {
			return
		}
		s.dispatch(cw, sessionID, req)
	}
}

// authenticate reads the connection's first packet: a length-prefixed
// AEAD-sealed frame. Any frame that decrypts under the shared token is
// accepted; the caller-supplied payload ({version, service_flags,
// nonce}) is opaque to the transport layer itself (spec.md §4.11).
func (s *Server) authenticate(conn net.Conn) error {
	_, err := s.readFrame(conn)
	return err
}

func (s *Server) readFrame(conn net.Conn) (*packet.Packet, error) {
	var lenBuf [4]byte
	if _, err := readFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	l := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, l)
	if _, err := readFull(conn, body); err != nil {
		return nil, err
	}
	p := packet.FromBytes(body)
	if err := p.Decrypt(s.token); err != nil {
		return nil, err
	}
	return p, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// dispatch decodes method_name and thread_id, locates the handler,
// and runs it bounded by the pool semaphore, serialized per
// (sessionID, thread_id). sessionID is a fresh id minted once per
// accepted connection in handleConn.
func (s *Server) dispatch(cw *connWriter, sessionID string, req *packet.Packet) {
	method, err := req.DecodeString()
	if err != nil {
		s.writeError(cw, apierror.CodeInvalidArgument)
		return
	}
	threadID, err := req.DecodeU64()
	if err != nil {
		s.writeError(cw, apierror.CodeInvalidArgument)
		return
	}

	if method == "check_version" {
		s.handleCheckVersion(cw, req)
		return
	}

	s.mu.Lock()
	h, ok := s.handlers[method]
	s.mu.Unlock()
	if !ok {
		s.writeError(cw, apierror.CodeNotSupported)
		return
	}

	key := fmt.Sprintf("%s:%d", sessionID, threadID)
	lock := s.lockFor(key)

	s.sem <- struct{}{}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		lock.Lock()
		defer lock.Unlock()

		resp := packet.New()
		code := h(req, resp)
		resp.EncodeTopI32(int32(code))
		s.writeResponse(cw, resp)
	}()
}

func (s *Server) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.serialize[key]
	if !ok {
		l = &sync.Mutex{}
		s.serialize[key] = l
	}
	return l
}

// handleCheckVersion is the mandatory first request after
// authentication (spec.md §4.11): it returns the server's minimum
// compatible client version.
func (s *Server) handleCheckVersion(cw *connWriter, req *packet.Packet) {
	_, _ = req.DecodeString() // the client's own version string; logged by a real adapter.
	resp := packet.New()
	resp.EncodeString(s.minVersion)
	resp.EncodeTopI32(int32(apierror.CodeSuccess))
	s.writeResponse(cw, resp)
}

func (s *Server) writeError(cw *connWriter, code apierror.Code) {
	resp := packet.New()
	resp.EncodeTopI32(int32(code))
	s.writeResponse(cw, resp)
}

func (s *Server) writeResponse(cw *connWriter, resp *packet.Packet) {
	if err := resp.Encrypt(s.token, false); err != nil {
		return
	}
	cw.writeFrame(resp.Bytes())
}
