// Package client implements spec.md §4.10's packet client pool: one
// serialized job queue per client_id, a per-thread_id idle-connection
// reuse map inside each queue, an expiry sweep, and a liveness probe
// used before handing a reused connection back out. No pack example
// ships an equivalent client-side connection-pool-over-a-custom-RPC;
// this is built directly on net.Conn and the packet codec, matching
// the role spec.md §1 assigns this component.
package client

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/blockstorage1/repertory/remote/packet"
)

// ErrShutdown is returned by Execute once the pool has been shut down.
var ErrShutdown = errors.New("client: pool is shut down")

// Dialer opens a fresh connection to the remote packet server.
type Dialer func() (net.Conn, error)

// Work runs against a live connection and returns the decoded
// response packet plus the wire error_code carried in its top frame.
type Work func(conn net.Conn) (*packet.Packet, int32, error)

// Completion receives the result of a Work call once its job is
// dequeued and run.
type Completion func(resp *packet.Packet, errCode int32, err error)

type job struct {
	threadID   uint64
	work       Work
	completion Completion
}

type pooledConn struct {
	conn     net.Conn
	lastUsed time.Time
}

// clientQueue serializes every job for one client_id on a single
// goroutine and reuses one connection per thread_id between jobs.
type clientQueue struct {
	mu      sync.Mutex
	conns   map[uint64]*pooledConn
	jobs    chan job
	dial    Dialer
	done    chan struct{}
	closeWg sync.WaitGroup
}

// Pool is the client_id -> queue map of spec.md §4.10.
type Pool struct {
	mu            sync.Mutex
	queues        map[string]*clientQueue
	dial          Dialer
	expiry        time.Duration
	shutdownFlag  bool
}

// New constructs a Pool. expiry is clamped to a 5-second floor per
// spec.md §4.10.
func New(dial Dialer, expiry time.Duration) *Pool {
	if expiry < 5*time.Second {
		expiry = 5 * time.Second
	}
	return &Pool{queues: map[string]*clientQueue{}, dial: dial, expiry: expiry}
}

// Execute looks up or creates clientID's queue and enqueues a job that
// reuses (or opens) the connection associated with threadID.
func (p *Pool) Execute(clientID string, threadID uint64, work Work, completion Completion) error {
	p.mu.Lock()
	if p.shutdownFlag {
		p.mu.Unlock()
		return ErrShutdown
	}
	q, ok := p.queues[clientID]
	if !ok {
		q = p.newQueue()
		p.queues[clientID] = q
	}
	p.mu.Unlock()

	select {
	case q.jobs <- job{threadID: threadID, work: work, completion: completion}:
		return nil
	case <-q.done:
		return ErrShutdown
	}
}

func (p *Pool) newQueue() *clientQueue {
	q := &clientQueue{
		conns: map[uint64]*pooledConn{},
		jobs:  make(chan job, 64),
		dial:  p.dial,
		done:  make(chan struct{}),
	}
	q.closeWg.Add(1)
	go q.run()
	return q
}

func (q *clientQueue) run() {
	defer q.closeWg.Done()
	for {
		select {
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			q.runJob(j)
		case <-q.done:
			return
		}
	}
}

// runJob isolates a panicking or throwing Work call: per spec.md
// §4.10 "if work throws, the completion is not invoked and the
// exception is swallowed (logged at the adapter layer)".
func (q *clientQueue) runJob(j job) {
	defer func() {
		_ = recover() // swallowed; a real adapter logs this via the event bus.
	}()

	conn, err := q.connFor(j.threadID)
	if err != nil {
		j.completion(nil, 0, err)
		return
	}

	resp, errCode, err := j.work(conn)
	if err != nil {
		q.dropConn(j.threadID)
	} else {
		q.mu.Lock()
		if pc, ok := q.conns[j.threadID]; ok {
			pc.lastUsed = time.Now()
		}
		q.mu.Unlock()
	}
	j.completion(resp, errCode, err)
}

func (q *clientQueue) connFor(threadID uint64) (net.Conn, error) {
	q.mu.Lock()
	pc, ok := q.conns[threadID]
	q.mu.Unlock()

	if ok && IsSocketStillAlive(pc.conn) {
		return pc.conn, nil
	}
	if ok {
		pc.conn.Close()
	}

	conn, err := q.dial()
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	q.conns[threadID] = &pooledConn{conn: conn, lastUsed: time.Now()}
	q.mu.Unlock()
	return conn, nil
}

func (q *clientQueue) dropConn(threadID uint64) {
	q.mu.Lock()
	pc, ok := q.conns[threadID]
	if ok {
		delete(q.conns, threadID)
	}
	q.mu.Unlock()
	if ok {
		pc.conn.Close()
	}
}

// removeExpired closes every connection idle longer than expiry.
func (q *clientQueue) removeExpired(expiry time.Duration) {
	now := time.Now()
	q.mu.Lock()
	var stale []net.Conn
	for id, pc := range q.conns {
		if now.Sub(pc.lastUsed) > expiry {
			stale = append(stale, pc.conn)
			delete(q.conns, id)
		}
	}
	q.mu.Unlock()
	for _, c := range stale {
		c.Close()
	}
}

func (q *clientQueue) shutdown() {
	close(q.done)
	q.closeWg.Wait()
	q.mu.Lock()
	for _, pc := range q.conns {
		pc.conn.Close()
	}
	q.conns = nil
	q.mu.Unlock()
}

// RemoveClient tears down clientID's queue immediately, cancelling
// whatever jobs are still buffered (spec.md §4.10).
func (p *Pool) RemoveClient(clientID string) {
	p.mu.Lock()
	q, ok := p.queues[clientID]
	if ok {
		delete(p.queues, clientID)
	}
	p.mu.Unlock()
	if ok {
		q.shutdown()
	}
}

// RemoveExpired sweeps every client's idle-connection map, closing
// connections that exceeded the pool's expiry.
func (p *Pool) RemoveExpired() {
	p.mu.Lock()
	queues := make([]*clientQueue, 0, len(p.queues))
	for _, q := range p.queues {
		queues = append(queues, q)
	}
	p.mu.Unlock()
	for _, q := range queues {
		q.removeExpired(p.expiry)
	}
}

// Shutdown tears down every queue; subsequent Execute calls fail.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.shutdownFlag = true
	queues := p.queues
	p.queues = map[string]*clientQueue{}
	p.mu.Unlock()
	for _, q := range queues {
		q.shutdown()
	}
}

// IsSocketStillAlive performs the near-non-blocking peek of spec.md
// §4.10: a one-byte read with a 1ms deadline distinguishes "idle with
// no pending data" (timeout: alive) from "peer closed" (dead). If a
// byte does arrive it is consumed, and the connection is reported dead.
func IsSocketStillAlive(conn net.Conn) bool {
	_ = conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer conn.SetReadDeadline(time.Time{})

	one := make([]byte, 1)
	n, err := conn.Read(one)
	if n > 0 {
		// Unexpected unsolicited data; treat the connection as unusable
		// rather than silently dropping a byte a real read would need.
		return false
	}
	if err == nil {
		return true
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true // no pending data, peer still there.
	}
	return false
}

// ReadFramedResponse reads a 4-byte big-endian length prefix followed
// by that many bytes and decrypts them with token, the client-side
// mirror of the server's write path in spec.md §4.11.
func ReadFramedResponse(conn net.Conn, token string) (*packet.Packet, error) {
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
	if err := p.Decrypt(token); err != nil {
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
