package cli

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"serve"},
		{"run"},
		{"queue", "process"},
		{"queue", "requeue"},
		{"queue", "enqueue"},
		{"sessions", "sweep"},
		{"migrate"},
		{"version"},
	} {
		cmd, _, err := rootCmd.Find(path)
		assert.NoError(t, err, path)
		assert.NotNil(t, cmd, path)
	}

	flag := queueRequeueCmd.Flags().Lookup("stuck-for")
	if assert.NotNil(t, flag) {
		assert.Equal(t, "10m0s", flag.DefValue)
	}
}

func TestRunEvery_StopsWithContext(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	var calls int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runEvery(ctx, 5*time.Millisecond, log, "test loop", func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("keeps going after errors")
		})
		close(done)
	}()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runEvery did not stop")
	}
}
