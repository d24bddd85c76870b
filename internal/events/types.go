package events

import "github.com/sirupsen/logrus"

// FileUploadCompleted is raised once per terminal upload attempt
// (success, retryable failure, or cancellation) — spec.md §4.7.
type FileUploadCompleted struct {
	APIPath    string
	SourcePath string
	Err        error
	Cancelled  bool
}

func (FileUploadCompleted) Name() string { return "file_upload_completed" }
func (e FileUploadCompleted) Level() Level {
	if e.Err != nil && !e.Cancelled {
		return LevelError
	}
	return LevelInfo
}
func (e FileUploadCompleted) Fields() logrus.Fields {
	f := logrus.Fields{"api_path": e.APIPath, "source_path": e.SourcePath, "cancelled": e.Cancelled}
	if e.Err != nil {
		f["error"] = e.Err.Error()
	}
	return f
}

// FilesystemItemEvicted is raised once per file reclaimed by eviction
// (spec.md §4.9) or by a successful file_manager.evict_file call.
type FilesystemItemEvicted struct {
	APIPath string
}

func (FilesystemItemEvicted) Name() string                 { return "filesystem_item_evicted" }
func (FilesystemItemEvicted) Level() Level                 { return LevelInfo }
func (e FilesystemItemEvicted) Fields() logrus.Fields       { return logrus.Fields{"api_path": e.APIPath} }

// MaxCacheSizeReached is raised once per distinct blocking wait inside
// cachesize.Manager.Expand (spec.md §4.5).
type MaxCacheSizeReached struct {
	RequestedBytes int64
	CurrentBytes   int64
	MaxBytes       int64
}

func (MaxCacheSizeReached) Name() string { return "max_cache_size_reached" }
func (MaxCacheSizeReached) Level() Level  { return LevelWarn }
func (e MaxCacheSizeReached) Fields() logrus.Fields {
	return logrus.Fields{"requested": e.RequestedBytes, "current": e.CurrentBytes, "max": e.MaxBytes}
}

// InvalidCacheSize is raised when Shrink would take the accounted size
// below zero (spec.md §4.5); the size is clamped to zero.
type InvalidCacheSize struct {
	CurrentBytes  int64
	RequestedFree int64
}

func (InvalidCacheSize) Name() string { return "invalid_cache_size" }
func (InvalidCacheSize) Level() Level  { return LevelError }
func (e InvalidCacheSize) Fields() logrus.Fields {
	return logrus.Fields{"current": e.CurrentBytes, "requested_free": e.RequestedFree}
}

// ServiceStartBegin/ServiceStartEnd/ServiceStopBegin/ServiceStopEnd
// bracket the lifecycle of a background worker (eviction, upload
// manager, packet server, ...), per spec.md §5's shutdown ordering.
type ServiceStartBegin struct{ Service string }
type ServiceStartEnd struct{ Service string }
type ServiceStopBegin struct{ Service string }
type ServiceStopEnd struct{ Service string }

func (ServiceStartBegin) Name() string           { return "service_start_begin" }
func (ServiceStartBegin) Level() Level           { return LevelInfo }
func (e ServiceStartBegin) Fields() logrus.Fields { return logrus.Fields{"service": e.Service} }

func (ServiceStartEnd) Name() string           { return "service_start_end" }
func (ServiceStartEnd) Level() Level           { return LevelInfo }
func (e ServiceStartEnd) Fields() logrus.Fields { return logrus.Fields{"service": e.Service} }

func (ServiceStopBegin) Name() string           { return "service_stop_begin" }
func (ServiceStopBegin) Level() Level           { return LevelInfo }
func (e ServiceStopBegin) Fields() logrus.Fields { return logrus.Fields{"service": e.Service} }

func (ServiceStopEnd) Name() string           { return "service_stop_end" }
func (ServiceStopEnd) Level() Level           { return LevelInfo }
func (e ServiceStopEnd) Fields() logrus.Fields { return logrus.Fields{"service": e.Service} }

// PollingItemBegin/PollingItemEnd bracket a provider enumeration pass.
type PollingItemBegin struct{ APIPath string }
type PollingItemEnd struct {
	APIPath string
	Err     error
}

func (PollingItemBegin) Name() string           { return "polling_item_begin" }
func (PollingItemBegin) Level() Level           { return LevelDebug }
func (e PollingItemBegin) Fields() logrus.Fields { return logrus.Fields{"api_path": e.APIPath} }

func (PollingItemEnd) Name() string { return "polling_item_end" }
func (e PollingItemEnd) Level() Level {
	if e.Err != nil {
		return LevelWarn
	}
	return LevelDebug
}
func (e PollingItemEnd) Fields() logrus.Fields {
	f := logrus.Fields{"api_path": e.APIPath}
	if e.Err != nil {
		f["error"] = e.Err.Error()
	}
	return f
}

// PacketAuthFailure is raised by remote/server on a failed frame
// decryption during connection authentication (spec.md §4.11, S4).
type PacketAuthFailure struct {
	RemoteAddr string
}

func (PacketAuthFailure) Name() string           { return "packet_auth_failure" }
func (PacketAuthFailure) Level() Level           { return LevelError }
func (e PacketAuthFailure) Fields() logrus.Fields { return logrus.Fields{"remote_addr": e.RemoteAddr} }

// ProviderError wraps a failure returned by an i_provider method call.
type ProviderError struct {
	APIPath string
	Op      string
	Err     error
}

func (ProviderError) Name() string { return "provider_error" }
func (ProviderError) Level() Level  { return LevelError }
func (e ProviderError) Fields() logrus.Fields {
	f := logrus.Fields{"api_path": e.APIPath, "op": e.Op}
	if e.Err != nil {
		f["error"] = e.Err.Error()
	}
	return f
}
