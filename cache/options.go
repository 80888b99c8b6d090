package cache

type writeOptions struct {
	timestamp string
	quiet     bool
}

// WriteOption adjusts a single cache write.
type WriteOption func(*writeOptions)

// Timestamp sets the SHDR timestamp of lines emitted by the write. Without
// it the timestamp field stays empty and the agent stamps the value itself.
func Timestamp(ts string) WriteOption {
	return func(o *writeOptions) {
		o.timestamp = ts
	}
}

// Quiet lowers the log level of send diagnostics for high frequency writes.
func Quiet() WriteOption {
	return func(o *writeOptions) {
		o.quiet = true
	}
}
