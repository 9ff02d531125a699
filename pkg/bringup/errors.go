package bringup

import (
	"errors"
	"fmt"
	"syscall"
)

// Stage names a step of resource acquisition.
type Stage string

const (
	StageEnable  Stage = "enable"
	StageDMAMask Stage = "dma-mask"
	StageRegions Stage = "regions"
	StageMap     Stage = "map"
)

// AcquireError reports the acquisition step that failed. Steps before Stage
// completed and are recorded in the returned context for teardown.
type AcquireError struct {
	Stage Stage
	Err   error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("resource acquisition failed at stage %s: %v", e.Stage, e.Err)
}

func (e *AcquireError) Unwrap() error {
	return e.Err
}

// FirmwareNotFoundError is returned when the provider cannot supply the image.
// Code is the provider's diagnostic as a negative errno.
type FirmwareNotFoundError struct {
	Name string
	Code int
	Err  error
}

func (e *FirmwareNotFoundError) Error() string {
	return fmt.Sprintf("firmware %q not found (ret=%d): %v", e.Name, e.Code, e.Err)
}

func (e *FirmwareNotFoundError) Unwrap() error {
	return e.Err
}

var (
	ErrAllocation        = errors.New("DMA buffer allocation failed")
	ErrAckTimeout        = errors.New("firmware download ACK timeout")
	ErrMcuReadyTimeout   = errors.New("MCU ready timeout")
	ErrNoVectorAvailable = errors.New("no usable interrupt vector")
	ErrHandlerBindFailed = errors.New("interrupt handler bind failed")
)

// errnoCode extracts a negative errno from err, defaulting to -ENOENT.
func errnoCode(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return -int(errno)
	}
	return -int(syscall.ENOENT)
}
