// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package channel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmitterDeliversInSubscriptionOrder(t *testing.T) {
	e := NewEmitter()
	var got []string
	e.Subscribe(func(Event) { got = append(got, "first") })
	e.Subscribe(func(Event) { got = append(got, "second") })
	e.Subscribe(func(Event) { got = append(got, "third") })

	e.Emit(Event{Type: EventCreated})
	require.Equal(t, []string{"first", "second", "third"}, got)
}

func TestEmitterPanicDoesNotBlockOthers(t *testing.T) {
	e := NewEmitter()
	delivered := 0
	e.Subscribe(func(Event) { panic("listener broke") })
	e.Subscribe(func(Event) { delivered++ })

	require.NotPanics(t, func() { e.Emit(Event{Type: EventUpdated}) })
	require.Equal(t, 1, delivered)
}

func TestEmitterUnsubscribe(t *testing.T) {
	e := NewEmitter()
	count := 0
	unsub := e.Subscribe(func(Event) { count++ })
	e.Emit(Event{Type: EventDeleted})
	unsub()
	e.Emit(Event{Type: EventDeleted})
	require.Equal(t, 1, count)
}
