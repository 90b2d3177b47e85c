package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tlammers/skyfeed/internal/domain"
)

var (
	topicOrbit = domain.NewTopic(domain.SourceOrbitPosition, "current")
	topicApod  = domain.NewTopic(domain.SourceDailyImage, "today")
)

func TestRegistry_AddAndLookup(t *testing.T) {
	r := New(10)
	conn := uuid.New()

	require.NoError(t, r.AddMember(topicOrbit, conn))

	assert.Equal(t, []uuid.UUID{conn}, r.MembersOf(topicOrbit))
	assert.Equal(t, []domain.Topic{topicOrbit}, r.TopicsOf(conn))
	assert.True(t, r.HasMembers(topicOrbit))
	assert.False(t, r.HasMembers(topicApod))
	assert.Equal(t, 1, r.SubscriptionCount())
}

func TestRegistry_DuplicateAddIsNoop(t *testing.T) {
	r := New(10)
	conn := uuid.New()

	require.NoError(t, r.AddMember(topicOrbit, conn))
	require.NoError(t, r.AddMember(topicOrbit, conn))

	assert.Len(t, r.MembersOf(topicOrbit), 1)
	assert.Equal(t, 1, r.SubscriptionCount())
}

func TestRegistry_EnforcesSubscriptionLimit(t *testing.T) {
	r := New(3)
	conn := uuid.New()

	for i := 0; i < 3; i++ {
		topic := domain.NewTopic(domain.SourceOrbitPosition, fmt.Sprintf("sat-%d", i))
		require.NoError(t, r.AddMember(topic, conn))
	}

	err := r.AddMember(topicApod, conn)
	require.ErrorIs(t, err, domain.ErrSubscriptionLimit)

	// The rejected subscribe mutated nothing.
	assert.Len(t, r.TopicsOf(conn), 3)
	assert.False(t, r.HasMembers(topicApod))
}

func TestRegistry_RemoveMemberIdempotent(t *testing.T) {
	r := New(10)
	conn := uuid.New()

	require.NoError(t, r.AddMember(topicOrbit, conn))
	r.RemoveMember(topicOrbit, conn)
	r.RemoveMember(topicOrbit, conn)

	assert.Empty(t, r.MembersOf(topicOrbit))
	assert.Empty(t, r.TopicsOf(conn))
	assert.Equal(t, 0, r.SubscriptionCount())
}

func TestRegistry_RemoveUnknownMemberIsNoop(t *testing.T) {
	r := New(10)
	r.RemoveMember(topicOrbit, uuid.New())
	assert.Equal(t, 0, r.SubscriptionCount())
}

func TestRegistry_RemoveConnectionCleansBothSides(t *testing.T) {
	r := New(10)
	conn := uuid.New()
	other := uuid.New()

	topics := make([]domain.Topic, 5)
	for i := range topics {
		topics[i] = domain.NewTopic(domain.SourceOrbitPosition, fmt.Sprintf("sat-%d", i))
		require.NoError(t, r.AddMember(topics[i], conn))
		require.NoError(t, r.AddMember(topics[i], other))
	}

	vacated := r.RemoveConnection(conn)
	assert.ElementsMatch(t, topics, vacated)

	// Every member set shrank by exactly one; the other connection stays.
	for _, topic := range topics {
		assert.Equal(t, []uuid.UUID{other}, r.MembersOf(topic))
	}
	assert.Empty(t, r.TopicsOf(conn))
	assert.Equal(t, 5, r.SubscriptionCount())
}

func TestRegistry_IndicesStayConsistentUnderConcurrency(t *testing.T) {
	r := New(100)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := uuid.New()
			for j := 0; j < 50; j++ {
				topic := domain.NewTopic(domain.SourceOrbitPosition, fmt.Sprintf("sat-%d", j))
				_ = r.AddMember(topic, conn)
			}
			r.RemoveConnection(conn)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.SubscriptionCount())
	assert.False(t, r.HasMembers(domain.NewTopic(domain.SourceOrbitPosition, "sat-0")))
}
