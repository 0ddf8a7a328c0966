package flashlog

// Option customizes a Service.
type Option func(s *Service)

// WithStorageSize sets the logical image size in bytes. The default is
// DefaultStorageSize.
func WithStorageSize(size int) Option {
	return func(s *Service) {
		s.storageSize = size
	}
}

// WithAutoReclaim makes every successful Write try to erase a stale
// counterpart sector while permission is granted, so a later compaction
// finds it already erased. Off by default; hosts usually reclaim from an
// idle loop instead.
func WithAutoReclaim(enabled bool) Option {
	return func(s *Service) {
		s.autoReclaim = enabled
	}
}
