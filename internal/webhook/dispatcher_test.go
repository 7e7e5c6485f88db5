package webhook

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingApplier struct {
	mu      sync.Mutex
	handled map[string]int
}

func newRecordingApplier() *recordingApplier {
	return &recordingApplier{handled: map[string]int{}}
}

func (a *recordingApplier) Handle(ctx context.Context, d Delivery) error {
	if d.ID == "boom" {
		panic("handler exploded")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handled[d.Event]++
	return nil
}

func (a *recordingApplier) count(event string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handled[event]
}

func TestDomainOf(t *testing.T) {
	for event, want := range map[string]Domain{
		"issues":                    DomainIssues,
		"pull_request":              DomainPullRequests,
		"issue_comment":             DomainComments,
		"pull_request_review":       DomainReviews,
		"installation":              DomainInstallation,
		"installation_repositories": DomainInstallation,
		"repository":                DomainRepository,
		"member":                    DomainRepository,
	} {
		got, ok := DomainOf(event)
		assert.True(t, ok, event)
		assert.Equal(t, want, got, event)
	}
	_, ok := DomainOf("deployment")
	assert.False(t, ok)
}

func TestDispatcher_AppliesEveryDelivery(t *testing.T) {
	applier := newRecordingApplier()
	d := NewDispatcher(applier, 2, 10)
	d.Start(context.Background())

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Submit(Delivery{Event: "issues"}))
		require.NoError(t, d.Submit(Delivery{Event: "issue_comment"}))
	}
	require.NoError(t, d.Submit(Delivery{Event: "member"}))
	d.Stop()

	assert.Equal(t, 5, applier.count("issues"))
	assert.Equal(t, 5, applier.count("issue_comment"))
	assert.Equal(t, 1, applier.count("member"))
	stats := d.Stats()
	assert.Equal(t, int64(11), stats.Accepted)
	assert.Equal(t, int64(11), stats.Applied)

	assert.ErrorIs(t, d.Submit(Delivery{Event: "issues"}), ErrDispatcherStopped)
	d.Stop()
}

func TestDispatcher_RejectsUnsupportedAndFull(t *testing.T) {
	applier := newRecordingApplier()
	d := NewDispatcher(applier, 1, 1)

	assert.ErrorIs(t, d.Submit(Delivery{Event: "deployment"}), ErrUnsupportedEvent)

	// not started: the single slot fills up
	require.NoError(t, d.Submit(Delivery{Event: "issues"}))
	assert.ErrorIs(t, d.Submit(Delivery{Event: "issues"}), ErrQueueFull)
	// other domains have their own buffer
	require.NoError(t, d.Submit(Delivery{Event: "pull_request"}))
	assert.Equal(t, int64(1), d.Stats().Rejected)

	d.Start(context.Background())
	d.Stop()
	assert.Equal(t, 1, applier.count("issues"))
	assert.Equal(t, 1, applier.count("pull_request"))
}

func TestDispatcher_PanicIsContained(t *testing.T) {
	applier := newRecordingApplier()
	d := NewDispatcher(applier, 1, 10)
	d.Start(context.Background())

	require.NoError(t, d.Submit(Delivery{ID: "boom", Event: "issues"}))
	require.NoError(t, d.Submit(Delivery{ID: "ok", Event: "issues"}))
	d.Stop()

	assert.Equal(t, 1, applier.count("issues"))
	assert.Equal(t, int64(1), d.Stats().Failed)
}
