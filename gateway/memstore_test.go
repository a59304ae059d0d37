package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestMemActivityStore(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	uut := GetMemActivityStore(3)
	visitorID := uuid.New().String()

	// Case 0: nothing recorded yet
	{
		recent, err := uut.Recent(utCtxt, visitorID, 10)
		assert.Nil(err)
		assert.Empty(recent)
	}

	// Case 1: Recent returns newest first, capped at the limit
	{
		for _, activityType := range []string{"pageview", "click", "scroll"} {
			_, err := uut.Track(utCtxt, visitorID, activityType, nil)
			assert.Nil(err)
			time.Sleep(time.Millisecond * 2)
		}
		recent, err := uut.Recent(utCtxt, visitorID, 2)
		assert.Nil(err)
		assert.Len(recent, 2)
		assert.Equal("scroll", recent[0].Type)
		assert.Equal("click", recent[1].Type)
	}

	// Case 2: history is bounded per visitor
	{
		_, err := uut.Track(utCtxt, visitorID, "custom", nil)
		assert.Nil(err)
		recent, err := uut.Recent(utCtxt, visitorID, 10)
		assert.Nil(err)
		assert.Len(recent, 3)
		assert.Equal("custom", recent[0].Type)
	}
}

func TestMemVisitorStore(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	uut := GetMemVisitorStore()
	visitorID := uuid.New().String()

	// Case 0: updating an unknown visitor fails
	{
		_, err := uut.UpdateStatus(utCtxt, visitorID, VisitorStatusEnriched)
		assert.NotNil(err)
	}

	// Case 1: identification sets email and status
	{
		visitor, err := uut.Identify(utCtxt, visitorID, "someone@example.com")
		assert.Nil(err)
		assert.Equal(visitorID, visitor.ID)
		assert.Equal("someone@example.com", visitor.Email)
		assert.Equal(VisitorStatusIdentified, visitor.Status)
	}

	// Case 2: status updates stick
	{
		visitor, err := uut.UpdateStatus(utCtxt, visitorID, VisitorStatusEnriched)
		assert.Nil(err)
		assert.Equal(VisitorStatusEnriched, visitor.Status)
		assert.Equal("someone@example.com", visitor.Email)
	}
}

func TestStaticAuthVerifier(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	uut := GetStaticAuthVerifier(map[string]string{"token-1": "user-1"})

	userID, err := uut.Verify(utCtxt, "token-1")
	assert.Nil(err)
	assert.Equal("user-1", userID)

	_, err = uut.Verify(utCtxt, "token-2")
	assert.NotNil(err)
}
