package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterWindow(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetRateLimiter("unit-test", 100, time.Second*60)
	assert.Nil(err)
	impl := uut.(*rateLimiterImpl)
	current := time.Now()
	impl.nowFn = func() time.Time { return current }

	// Case 0: the full quota passes, the call past the ceiling is rejected
	{
		for i := 0; i < 100; i++ {
			assert.Truef(uut.Allow("conn-1"), "call %d", i)
		}
		assert.False(uut.Allow("conn-1"))
		assert.False(uut.Allow("conn-1"))
	}

	// Case 1: keys are independent
	{
		assert.True(uut.Allow("conn-2"))
	}

	// Case 2: an elapsed window resets the quota
	{
		current = current.Add(time.Second * 61)
		assert.True(uut.Allow("conn-1"))
	}

	// Case 3: forgetting a key resets it mid window
	{
		uut2, err := GetRateLimiter("unit-test", 2, time.Hour)
		assert.Nil(err)
		assert.True(uut2.Allow("conn-3"))
		assert.True(uut2.Allow("conn-3"))
		assert.False(uut2.Allow("conn-3"))
		uut2.Forget("conn-3")
		assert.True(uut2.Allow("conn-3"))
	}

	// Case 4: zero quota rejects everything
	{
		uut3, err := GetRateLimiter("unit-test", 0, time.Hour)
		assert.Nil(err)
		assert.False(uut3.Allow("conn-4"))
	}
}

func TestRateLimiterWindowBoundary(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetRateLimiter("unit-test", 1, time.Second*30)
	assert.Nil(err)
	impl := uut.(*rateLimiterImpl)
	current := time.Now()
	impl.nowFn = func() time.Time { return current }

	assert.True(uut.Allow("conn-1"))
	assert.False(uut.Allow("conn-1"))

	// Exactly at the reset instant the old window still applies
	current = current.Add(time.Second * 30)
	assert.False(uut.Allow("conn-1"))

	current = current.Add(time.Millisecond)
	assert.True(uut.Allow("conn-1"))
}
