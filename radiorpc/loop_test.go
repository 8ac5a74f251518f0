// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package radiorpc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestLoop_RunsInOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := NewLoop()
	var got []int
	for i := 0; i < 100; i++ {
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	require.True(t, l.Call(func() {}))
	l.Close()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoop_ConcurrentPosters(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := NewLoop()
	var count int
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Post(func() { count++ })
			}
		}()
	}
	wg.Wait()
	l.Call(func() {})
	assert.Equal(t, 800, count)
	l.Close()
}

func TestLoop_CloseDrainsQueue(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := NewLoop()
	release := make(chan struct{})
	ran := 0
	l.Post(func() { <-release })
	for i := 0; i < 10; i++ {
		l.Post(func() { ran++ })
	}
	go close(release)
	l.Close()

	assert.Equal(t, 10, ran)
	assert.False(t, l.Post(func() {}))
	assert.False(t, l.Call(func() { t.Error("ran after close") }))
	l.Close()
}

func TestLoop_RecoversPanics(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := NewLoop()
	defer l.Close()
	l.Post(func() { panic("boom") })

	var after bool
	require.True(t, l.Call(func() { after = true }))
	assert.True(t, after)
}
