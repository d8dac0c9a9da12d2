//go:build !linux

package transport

// msgMoreFlag is a no-op outside Linux; moreHint becomes purely
// advisory and Send falls back to a plain write.
func msgMoreFlag() int { return 0 }
