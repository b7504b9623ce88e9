//go:build !linux && !darwin && !freebsd

package platform

import "fmt"

var errUnsupported = fmt.Errorf("operation not supported on this platform")

func MmapCodeSegment(size int) ([]byte, error)               { return nil, errUnsupported }
func RemapCodeSegment(code []byte, size int) ([]byte, error) { return nil, errUnsupported }
func MunmapCodeSegment(code []byte) error                    { return errUnsupported }
func MprotectRX(code []byte) error                           { return errUnsupported }
func MprotectRWX(code []byte) error                          { return errUnsupported }
