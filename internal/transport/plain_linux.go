//go:build linux

package transport

import "syscall"

// msgMoreFlag returns the MSG_MORE flag on platforms that support it,
// letting Send batch a request header with its payload in one
// syscall when the caller signals more data is coming.
func msgMoreFlag() int { return syscall.MSG_MORE }
