// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package ioctl

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
	"unicode"
)

var order = binary.LittleEndian

// Decode decodes buf into the fixed-size structure v. The length of buf must match exactly.
func Decode(buf []byte, v any) error {
	if len(buf) != binary.Size(v) {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidBufferSize, len(buf), binary.Size(v))
	}

	if _, err := binary.Decode(buf, order, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParameter, err)
	}

	return nil
}

// Encode returns the wire form of the fixed-size structure v.
func Encode(v any) []byte {
	buf, err := binary.Append(nil, order, v)
	if err != nil {
		panic(fmt.Sprintf("ioctl: encoding %T: %v", v, err))
	}

	return buf
}

// EncodeInto writes v into out, whose length must match exactly.
func EncodeInto(out []byte, v any) error {
	if len(out) != binary.Size(v) {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidBufferSize, len(out), binary.Size(v))
	}

	if _, err := binary.Encode(out, order, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParameter, err)
	}

	return nil
}

// PageRequest is the fixed header of the grant and map requests.
type PageRequest struct {
	RequestID    uint32
	RemoteDomain uint16
	_            uint16
	NumberPages  uint32
	Flags        uint32
	NotifyOffset uint32
	NotifyPort   uint32
}

var pageRequestSize = binary.Size(PageRequest{})

// Validate checks the page count, the flags and the notify offset against pageSize.
func (r *PageRequest) Validate(pageSize int) error {
	if r.NumberPages == 0 || r.NumberPages > MaxPages {
		return fmt.Errorf("%w: page count %d", ErrInvalidParameter, r.NumberPages)
	}

	if r.Flags&^validFlags != 0 {
		return fmt.Errorf("%w: flags %#x", ErrInvalidParameter, r.Flags)
	}

	if r.Flags&FlagUseNotifyOffset != 0 && uint64(r.NotifyOffset) >= uint64(r.NumberPages)*uint64(pageSize) {
		return fmt.Errorf("%w: notify offset %d outside %d pages", ErrInvalidParameter, r.NotifyOffset, r.NumberPages)
	}

	return nil
}

// ReadOnly reports whether the remote side gets read-only access.
func (r *PageRequest) ReadOnly() bool { return r.Flags&FlagReadOnly != 0 }

// PermitReplySize returns the exact output length of a permit request for count pages.
func PermitReplySize(count uint32) int {
	return 8 + 4*int(count)
}

// PermitReply is the output of a permit request.
type PermitReply struct {
	Address    uint64
	References []uint32
}

// EncodeInto writes the reply into out, whose length must be PermitReplySize.
func (r *PermitReply) EncodeInto(out []byte) error {
	if len(out) != PermitReplySize(uint32(len(r.References))) {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidBufferSize, len(out), PermitReplySize(uint32(len(r.References))))
	}

	order.PutUint64(out, r.Address)

	for i, ref := range r.References {
		order.PutUint32(out[8+4*i:], ref)
	}

	return nil
}

// DecodePermitReply decodes the output of a permit request.
func DecodePermitReply(buf []byte) (PermitReply, error) {
	if len(buf) < 8 || (len(buf)-8)%4 != 0 {
		return PermitReply{}, fmt.Errorf("%w: permit reply of %d bytes", ErrInvalidBufferSize, len(buf))
	}

	reply := PermitReply{
		Address:    order.Uint64(buf),
		References: make([]uint32, (len(buf)-8)/4),
	}

	for i := range reply.References {
		reply.References[i] = order.Uint32(buf[8+4*i:])
	}

	return reply, nil
}

// MapRequest is the input of a map request: the page header followed by one reference per page.
type MapRequest struct {
	PageRequest
	References []uint32
}

// Encode returns the wire form of the request.
func (r *MapRequest) Encode() []byte {
	buf := Encode(&r.PageRequest)

	for _, ref := range r.References {
		buf = order.AppendUint32(buf, ref)
	}

	return buf
}

// DecodeMapRequest decodes a map request. The reference count is derived from the buffer length
// and must equal the declared page count.
func DecodeMapRequest(buf []byte) (MapRequest, error) {
	var r MapRequest

	if len(buf) < pageRequestSize || (len(buf)-pageRequestSize)%4 != 0 {
		return r, fmt.Errorf("%w: map request of %d bytes", ErrInvalidBufferSize, len(buf))
	}

	if err := Decode(buf[:pageRequestSize], &r.PageRequest); err != nil {
		return r, err
	}

	count := (len(buf) - pageRequestSize) / 4
	if uint64(count) != uint64(r.NumberPages) {
		return r, fmt.Errorf("%w: %d references for %d pages", ErrInvalidParameter, count, r.NumberPages)
	}

	r.References = make([]uint32, count)

	for i := range r.References {
		r.References[i] = order.Uint32(buf[pageRequestSize+4*i:])
	}

	return r, nil
}

// MapReply is the output of a map request.
type MapReply struct {
	Address uint64
}

// RequestID selects a pending grant or map by its caller-chosen id.
type RequestID struct {
	RequestID uint32
}

// BindUnbound is the input of an unbound channel bind.
type BindUnbound struct {
	RemoteDomain uint16
	Mask         uint8
	_            [5]byte
	Event        uint64
}

// BindInterdomain is the input of an interdomain channel bind.
type BindInterdomain struct {
	RemoteDomain uint16
	Mask         uint8
	_            uint8
	RemotePort   uint32
	Event        uint64
}

// LocalPort is the output of the bind requests and the input of close, notify and unmask.
type LocalPort struct {
	LocalPort uint32
}

// AddWatch is the input of a watch request. PathLength counts the NUL terminator.
type AddWatch struct {
	Event      uint64
	PathLength uint32
	_          uint32
	Path       string
}

const addWatchHeaderSize = 16

// Encode returns the wire form of the request.
func (r *AddWatch) Encode() []byte {
	buf := make([]byte, addWatchHeaderSize, addWatchHeaderSize+len(r.Path)+1)
	order.PutUint64(buf, r.Event)
	order.PutUint32(buf[8:], uint32(len(r.Path)+1))
	buf = append(buf, r.Path...)

	return append(buf, 0)
}

// DecodeAddWatch decodes a watch request. The path is cut at the first NUL.
func DecodeAddWatch(buf []byte) (AddWatch, error) {
	var r AddWatch

	if len(buf) < addWatchHeaderSize {
		return r, fmt.Errorf("%w: watch request of %d bytes", ErrInvalidBufferSize, len(buf))
	}

	r.Event = order.Uint64(buf)
	r.PathLength = order.Uint32(buf[8:])

	if r.PathLength == 0 || r.PathLength > MaxPathLength {
		return r, fmt.Errorf("%w: path length %d", ErrInvalidParameter, r.PathLength)
	}

	if uint64(len(buf)-addWatchHeaderSize) != uint64(r.PathLength) {
		return r, fmt.Errorf("%w: path of %d bytes, declared %d", ErrInvalidBufferSize, len(buf)-addWatchHeaderSize, r.PathLength)
	}

	path := buf[addWatchHeaderSize : len(buf)-1]
	if i := bytes.IndexByte(path, 0); i >= 0 {
		path = path[:i]
	}

	r.Path = string(path)

	return r, nil
}

// WatchID names a watch.
type WatchID struct {
	Watch uint64
}

// SuspendCount is the output of a suspend count request.
type SuspendCount struct {
	Count uint32
}

// SuspendRegisterIn is the input of a suspend registration.
type SuspendRegisterIn struct {
	Event uint64
}

// SuspendContext names a suspend registration.
type SuspendContext struct {
	Context uint64
}

// SharedInfoTime is the output of a time request.
type SharedInfoTime struct {
	// Time counts 100ns intervals since 1601-01-01.
	Time  uint64
	Local uint8
	_     [3]byte
}

const (
	// seconds from 1601-01-01 to the Unix epoch
	fileTimeEpoch = 11644473600
	fileTimeTick  = 100 * time.Nanosecond
)

// FileTime converts t to 100ns intervals since 1601-01-01.
func FileTime(t time.Time) uint64 {
	return uint64(t.Unix()+fileTimeEpoch)*uint64(time.Second/fileTimeTick) + uint64(t.Nanosecond())/uint64(fileTimeTick)
}

// Wallclock returns Time as a time.Time in UTC.
func (t *SharedInfoTime) Wallclock() time.Time {
	perSecond := uint64(time.Second / fileTimeTick)

	return time.Unix(int64(t.Time/perSecond)-fileTimeEpoch, int64(t.Time%perSecond)*int64(fileTimeTick)).UTC()
}

// DecodeLog validates a log message and returns it with trailing whitespace trimmed. The message
// must be NUL-terminated within MaxLogLength bytes and contain only printable characters or
// newlines.
func DecodeLog(buf []byte) (string, error) {
	if len(buf) == 0 || len(buf) > MaxLogLength {
		return "", fmt.Errorf("%w: log message of %d bytes", ErrInvalidBufferSize, len(buf))
	}

	end := bytes.IndexByte(buf, 0)
	if end < 0 {
		return "", fmt.Errorf("%w: log message is not terminated", ErrInvalidParameter)
	}

	msg := buf[:end]

	for _, c := range msg {
		if c != '\n' && (c < 0x20 || c > 0x7e) {
			return "", fmt.Errorf("%w: unprintable byte %#02x in log message", ErrInvalidParameter, c)
		}
	}

	return string(bytes.TrimRightFunc(msg, unicode.IsSpace)), nil
}

// EncodeLog returns the wire form of a log message.
func EncodeLog(msg string) []byte {
	return append([]byte(msg), 0)
}
