// Package config defines the immutable, strongly-typed configuration
// struct every core component is constructed with. CLI parsing and
// config-file loading are out of scope (spec.md §1); this is the
// landing type they would populate.
package config

import "time"

// DownloadType selects how internal/openfile materializes bytes.
type DownloadType int

const (
	DownloadDefault DownloadType = iota
	DownloadDirect
	DownloadRingBuffer
)

// EvictionPolicy selects the candidate ordering internal/eviction uses.
type EvictionPolicy int

const (
	EvictionOldestAccess EvictionPolicy = iota
	EvictionLargestFile
)

// KDFStrength selects the memlimit/opslimit enum pair fed to Argon2id,
// mirroring spec.md §3's kdf_config memlimit/opslimit fields.
type KDFStrength int

const (
	KDFInteractive KDFStrength = iota
	KDFModerate
	KDFSensitive
)

// Config is constructed once at startup and passed by pointer to every
// component constructor. It is never mutated after construction.
type Config struct {
	// Cache
	CacheDirectory    string
	MaxCacheSizeBytes int64
	ChunkSize         uint32 // C6 chunk size (plaintext), power of two, default 1 MiB.
	DataChunkSize     uint32 // C2/C3 AEAD plaintext chunk size, default 128 KiB.

	// Eviction
	EvictionPolicy       EvictionPolicy
	EvictionDelay        time.Duration
	RingBufferWindowSize int // chunks retained behind the read head.

	DownloadType DownloadType

	// KDF / encryption
	KDFStrength    KDFStrength
	EncryptionName bool // encrypt file names in addition to contents.

	// Remote mount
	RemoteMountEnabled bool
	RemoteMountHost    string
	RemoteMountPort    uint16
	RemoteMountToken   string
	ClientPoolSize     int
	ConnectTimeout     time.Duration
	SendTimeout        time.Duration
	ReceiveTimeout     time.Duration
	IdleConnExpiry     time.Duration // min 5s per spec.md §4.10.

	// Upload retry
	UploadRetryBaseDelay time.Duration
	UploadRetryMaxDelay  time.Duration

	EventLevel int
}

// Default returns a Config with the constants spec.md names explicitly
// (1 MiB cache chunk, 128 KiB AEAD data chunk, 5s minimum idle expiry).
func Default() *Config {
	return &Config{
		CacheDirectory:       "",
		MaxCacheSizeBytes:    20 * 1024 * 1024 * 1024,
		ChunkSize:            1 * 1024 * 1024,
		DataChunkSize:        128 * 1024,
		EvictionPolicy:       EvictionOldestAccess,
		EvictionDelay:        10 * time.Second,
		RingBufferWindowSize: 8,
		DownloadType:         DownloadDefault,
		KDFStrength:          KDFModerate,
		EncryptionName:       true,
		RemoteMountEnabled:   false,
		RemoteMountPort:      20000,
		ClientPoolSize:       20,
		ConnectTimeout:       30 * time.Second,
		SendTimeout:          30 * time.Second,
		ReceiveTimeout:       30 * time.Second,
		IdleConnExpiry:       5 * time.Second,
		UploadRetryBaseDelay: 1 * time.Second,
		UploadRetryMaxDelay:  2 * time.Minute,
		EventLevel:           0,
	}
}
