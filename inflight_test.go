package prep

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInflightCollapsesConcurrentSubmissions(t *testing.T) {
	var f Inflight
	var calls atomic.Int32

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	fn := func() Result {
		calls.Add(1)
		once.Do(func() { close(started) })
		<-release
		return Result{User: &User{UID: "uid-1"}}
	}

	const n = 5
	results := make([]Result, n)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = f.Do("device-1", "login", fn)
	}()
	<-started

	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = f.Do("device-1", "login", fn)
		}(i)
	}

	// other devices and forms are not collapsed
	other, shared := f.Do("device-2", "login", func() Result { return Result{} })
	assert.False(t, shared)
	assert.True(t, other.OK())

	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(n))
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
	for _, res := range results {
		if assert.NotNil(t, res.User) {
			assert.Equal(t, "uid-1", res.User.UID)
		}
	}
}

func TestInflightSequentialCallsRunAgain(t *testing.T) {
	var f Inflight
	var calls int

	for i := 0; i < 3; i++ {
		_, shared := f.Do("device-1", "signup", func() Result {
			calls++
			return Result{}
		})
		assert.False(t, shared)
	}

	assert.Equal(t, 3, calls)
}
