// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package memory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/talos-xeniface/internal/memory"
)

func TestPagesAreZeroedAndFreed(t *testing.T) {
	p, err := memory.AllocatePages("test", 3, false)
	require.NoError(t, err)

	assert.Equal(t, 3, p.Count())
	assert.Len(t, p.Bytes(), 3*memory.PageSize)
	assert.Equal(t, make([]byte, 3*memory.PageSize), p.Bytes())

	frames := p.Frames()
	require.Len(t, frames, 3)
	assert.Equal(t, int64(2*memory.PageSize), frames[2].Offset())

	require.NoError(t, p.Free())
	assert.Nil(t, p.Bytes())
	require.NoError(t, p.Free())
}

func TestAllocateRejectsEmpty(t *testing.T) {
	_, err := memory.AllocatePages("test", 0, false)
	require.Error(t, err)
}

func TestMappingsAliasPages(t *testing.T) {
	p, err := memory.AllocatePages("test", 2, false)
	require.NoError(t, err)

	defer p.Free() //nolint:errcheck

	space := memory.NewAddressSpace()

	addr, err := space.Map(p.Frames(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, space.Len())

	view, ok := space.Bytes(addr)
	require.True(t, ok)

	view[0] = 0xaa
	view[memory.PageSize+7] = 0x55

	assert.Equal(t, byte(0xaa), p.Bytes()[0])
	assert.Equal(t, byte(0x55), p.Bytes()[memory.PageSize+7])

	require.NoError(t, space.Unmap(addr))
	assert.Equal(t, 0, space.Len())
	require.ErrorIs(t, space.Unmap(addr), memory.ErrNotMapped)
}

func TestMapReordersFrames(t *testing.T) {
	p, err := memory.AllocatePages("test", 2, false)
	require.NoError(t, err)

	defer p.Free() //nolint:errcheck

	p.Bytes()[0] = 1
	p.Bytes()[memory.PageSize] = 2

	space := memory.NewAddressSpace()

	defer space.Close() //nolint:errcheck

	addr, err := space.Map([]memory.Frame{p.Frame(1), p.Frame(0)}, true)
	require.NoError(t, err)

	view, ok := space.Bytes(addr)
	require.True(t, ok)
	assert.Equal(t, byte(2), view[0])
	assert.Equal(t, byte(1), view[memory.PageSize])
}

func TestCloseUnmapsEverything(t *testing.T) {
	p, err := memory.AllocatePages("test", 1, false)
	require.NoError(t, err)

	defer p.Free() //nolint:errcheck

	space := memory.NewAddressSpace()

	for range 3 {
		_, err = space.Map(p.Frames(), false)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, space.Len())
	require.NoError(t, space.Close())
	assert.Equal(t, 0, space.Len())
}
