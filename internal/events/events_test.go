package events_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repertory/internal/events"
	"repertory/internal/events/eventstest"
)

func TestPublishSyncDeliversInOrder(t *testing.T) {
	bus := events.New(events.LevelTrace)
	rec := eventstest.New()
	bus.Subscribe(rec)

	bus.Publish(events.DriveMounted("/mnt"))
	bus.Publish(events.DriveUnmounted("/mnt"))

	kinds := rec.Kinds()
	require.Len(t, kinds, 2)
	assert.Equal(t, events.KindDriveMounted, kinds[0])
	assert.Equal(t, events.KindDriveUnmounted, kinds[1])
}

func TestPublishFiltersByLevel(t *testing.T) {
	bus := events.New(events.LevelWarn)
	rec := eventstest.New()
	bus.Subscribe(rec)

	bus.Publish(events.DownloadStored("/a")) // LevelDebug, filtered out
	bus.Publish(events.ItemTimeout("/a"))     // LevelWarn, kept

	assert.False(t, rec.Has(events.KindDownloadStored))
	assert.Eventually(t, func() bool { return rec.Has(events.KindItemTimeout) }, time.Second, time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := events.New(events.LevelTrace)
	rec := eventstest.New()
	unsub := bus.Subscribe(rec)
	unsub()

	bus.Publish(events.FileUploadQueued("/a"))
	assert.Empty(t, rec.All())
}

func TestAsyncDeliveryEventuallyArrives(t *testing.T) {
	bus := events.New(events.LevelTrace)
	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe(events.SubscriberFunc(func(e events.Event) {
		defer wg.Done()
		assert.Equal(t, events.KindFileUploadFailed, e.Kind)
	}))

	bus.Publish(events.FileUploadFailed("/a", "comm_error"))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async subscriber was not notified")
	}
}
