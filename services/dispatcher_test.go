package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherInjectsPixel(t *testing.T) {
	transport := newFakeTransport()
	d := NewDispatcher(transport, fakeTracker{}, time.Second, nil)

	id, err := d.Send(context.Background(), TrackedEmail{
		To:   "ada@example.com",
		Body: "<html><body><p>hi</p></body></html>",
	})
	require.NoError(t, err)
	assert.Equal(t, "msg-ada@example.com", id)
	assert.Equal(t,
		`<html><body><p>hi</p><img src="https://t.test/px" alt="" width="1" height="1" style="display:none;border:0"></body></html>`,
		transport.bodies["ada@example.com"])
}

func TestDispatcherWrapsTransportErrors(t *testing.T) {
	d := NewDispatcher(newFakeTransport("ada@example.com"), nil, time.Second, nil)

	_, err := d.Send(context.Background(), TrackedEmail{To: "ada@example.com"})
	require.ErrorIs(t, err, ErrTransportFailure)
	assert.Contains(t, err.Error(), "ada@example.com")
}

func TestDispatcherTimesOut(t *testing.T) {
	transport := newFakeTransport()
	transport.block = make(chan struct{})
	d := NewDispatcher(transport, nil, 20*time.Millisecond, nil)

	_, err := d.Send(context.Background(), TrackedEmail{To: "ada@example.com"})
	require.ErrorIs(t, err, ErrTransportFailure)
	assert.Contains(t, err.Error(), context.DeadlineExceeded.Error())
}
