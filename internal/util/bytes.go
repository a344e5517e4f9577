package util

import "fmt"

// SuccinctBytes renders a byte count in a compact human-readable form,
// e.g. 1536 -> "1.50KB". Exact below 1KB.
func SuccinctBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f%cB", float64(n)/float64(div), "KMGTPE"[exp])
}

// SuccinctMicros renders a microsecond count, e.g. 1500 -> "1.50ms".
func SuccinctMicros(us uint64) string {
	switch {
	case us < 1000:
		return fmt.Sprintf("%dus", us)
	case us < 1000*1000:
		return fmt.Sprintf("%.2fms", float64(us)/1000)
	default:
		return fmt.Sprintf("%.2fs", float64(us)/(1000*1000))
	}
}
