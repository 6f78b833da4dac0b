// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package delay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu  sync.Mutex
	got [][]byte
}

func (r *recordingSender) Send(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, payload)
	return nil
}

func (r *recordingSender) received() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.got...)
}

func TestDelayerTransmitsInDeadlineOrder(t *testing.T) {
	sender := &recordingSender{}
	d := New(sender, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	base := time.Now().Add(50 * time.Millisecond)
	d.Delay([]byte("300"), base.Add(300*time.Millisecond))
	d.Delay([]byte("100"), base.Add(100*time.Millisecond))
	d.Delay([]byte("200"), base.Add(200*time.Millisecond))

	require.Eventually(t, func() bool {
		return len(sender.received()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	got := sender.received()
	require.Equal(t, []byte("100"), got[0])
	require.Equal(t, []byte("200"), got[1])
	require.Equal(t, []byte("300"), got[2])
}

func TestDelayerDropsOnShutdown(t *testing.T) {
	sender := &recordingSender{}
	d := New(sender, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	d.Delay([]byte("never"), time.Now().Add(time.Hour))
	time.Sleep(20 * time.Millisecond)
	cancel()

	time.Sleep(20 * time.Millisecond)
	require.Empty(t, sender.received(), "in-flight items must be dropped, not transmitted, on shutdown")
}
