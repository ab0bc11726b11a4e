package lsm

import "errors"

var (
	// ErrClosed is returned by operations attempted after Close.
	ErrClosed = errors.New("lsm: store closed")
)
