//go:build integration

package container

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbocsi/avrharness/client"
	"github.com/mbocsi/avrharness/proto"
	"github.com/mbocsi/avrharness/services"
)

func TestVirtualAVR_Blink(t *testing.T) {
	ctx := context.Background()

	v, err := New(Options{SketchFile: "testdata/blink.ino"})
	require.NoError(t, err)
	require.NoError(t, v.Start(ctx))
	t.Cleanup(func() {
		if logs, err := v.Logs(ctx); err == nil {
			t.Log(logs)
		}
		assert.NoError(t, v.Stop(ctx))
	})

	url, err := v.URL(ctx)
	require.NoError(t, err)

	l := client.NewURLListener(url, client.DefaultRetryPolicy())
	l.Start(ctx)
	require.True(t, l.Running(), "listener error: %v", l.Err())
	defer l.Stop()

	pins := services.NewPinService(l, services.WithTimeout(20*time.Second))
	require.NoError(t, pins.PinMode(ctx, "D13", proto.ModeDigital))
	assert.NoError(t, pins.WaitForToggleCount(ctx, "D13", 2, 0))
}
