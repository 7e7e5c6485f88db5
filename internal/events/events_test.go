package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	ceevent "github.com/cloudevents/sdk-go/v2/event"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/types"
)

func testPctx() types.ProcessingContext {
	return types.NewWebhookContext(7, &types.RepositoryRef{Owner: "acme", Name: "widgets"}, "opened", "delivery-1")
}

func TestKindsAreClosedPerCategory(t *testing.T) {
	seen := map[Kind]bool{}
	for _, c := range Categories() {
		kinds := Kinds(c)
		require.NotEmpty(t, kinds, "category %s has no kinds", c)
		for _, k := range kinds {
			assert.Equal(t, c, k.Category(), "kind %s filed under wrong category", k)
			assert.True(t, k.Valid())
			assert.False(t, seen[k], "kind %s listed twice", k)
			seen[k] = true
		}
	}
	assert.Len(t, AllKinds(), len(seen))
	assert.False(t, Kind("issue.exploded").Valid())
	assert.Len(t, Kinds(CategoryIssue), 9)
}

func TestDescribeCoversEveryKind(t *testing.T) {
	for _, k := range AllKinds() {
		e := New(k, testPctx(), nil)
		assert.NotEmpty(t, Describe(e), "Describe has no case for %s", k)
	}
}

func TestNewCopiesContext(t *testing.T) {
	pctx := testPctx()
	e := New(IssueCreated, pctx, nil)

	pctx.Repository.Name = "changed"
	assert.Equal(t, "widgets", e.Context.Repository.Name)
	assert.Equal(t, "delivery-1", e.Context.CorrelationID)
	assert.Equal(t, types.SourceWebhook, e.Context.Source)
	assert.NotEmpty(t, e.Context.EventID)
}

func TestPayloadIsSnapshot(t *testing.T) {
	title := "before"
	issue := &models.Issue{ID: 1, Number: 2, Repository: "acme/widgets", Title: &title, Labels: []string{"bug"}}
	payload := NewIssuePayload(issue, []string{"title"})

	title = "after"
	issue.Labels[0] = "feature"
	assert.Equal(t, "before", payload.Title)
	assert.Equal(t, []string{"bug"}, payload.Labels)
}

func TestBatchFlushesOnce(t *testing.T) {
	rec := NewRecorder()
	batch := NewBatch()
	batch.Add(New(IssueCreated, testPctx(), nil), New(IssueLabeled, testPctx(), nil))

	require.NoError(t, batch.Flush(context.Background(), rec))
	require.NoError(t, batch.Flush(context.Background(), rec))
	assert.Equal(t, []Kind{IssueCreated, IssueLabeled}, rec.Kinds())
	assert.Equal(t, 0, batch.Len())
}

type collectingConsumer struct {
	mu   sync.Mutex
	seen []Kind
}

func (c *collectingConsumer) Name() string { return "collect" }

func (c *collectingConsumer) Consume(_ context.Context, e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, e.Kind)
	return nil
}

func TestBusDeliversAllBeforeStop(t *testing.T) {
	consumer := &collectingConsumer{}
	bus := NewBus(3, 4, consumer, LogConsumer{})
	bus.Start(context.Background())

	for i := 0; i < 20; i++ {
		require.NoError(t, bus.Publish(context.Background(), New(CommentCreated, testPctx(), nil)))
	}
	bus.Stop()
	bus.Stop()

	assert.Len(t, consumer.seen, 20)
	assert.ErrorIs(t, bus.Publish(context.Background(), New(CommentCreated, testPctx(), nil)), ErrBusStopped)
}

func TestRedisStreamSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sink, err := NewRedisStreamSink(client, "mirror:events", 100)
	require.NoError(t, err)

	title := "Crash on start"
	issue := &models.Issue{ID: 11, Number: 3, Repository: "acme/widgets", Title: &title, State: "OPEN"}
	e := New(IssueCreated, testPctx(), NewIssuePayload(issue, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sink.Consume(ctx, e))

	entries, err := client.XRange(ctx, "mirror:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, string(IssueCreated), entries[0].Values["kind"])

	var ce ceevent.Event
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["event"].(string)), &ce))
	assert.Equal(t, e.Context.EventID, ce.ID())
	assert.Equal(t, "io.scm-mirror.issue.created", ce.Type())
	assert.Equal(t, "acme/widgets", ce.Subject())
	assert.Equal(t, "delivery-1", ce.Extensions()["correlationid"])

	var payload IssuePayload
	require.NoError(t, ce.DataAs(&payload))
	assert.Equal(t, "Crash on start", payload.Title)
}

func TestNewRedisStreamSinkValidation(t *testing.T) {
	_, err := NewRedisStreamSink(nil, "s", 0)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	_, err = NewRedisStreamSink(client, "", 0)
	assert.Error(t, err)
}
