//go:build !unix

package media

import "syscall"

func reuseAddr(string, string, syscall.RawConn) error { return nil }
