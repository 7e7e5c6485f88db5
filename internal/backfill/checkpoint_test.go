package backfill

import (
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/scm-mirror/internal/models"
)

func TestAdvance(t *testing.T) {
	cursor := "c1"
	tests := []struct {
		name       string
		state      models.BackfillState
		minNumber  int
		exhausted  bool
		resume     *string
		checkpoint int
		cursor     *string
	}{
		{"first page", state(100, nil), 91, false, &cursor, 90, &cursor},
		{"page above high-water mark", state(100, nil), 120, false, &cursor, 100, &cursor},
		{"never moves back up", state(100, intPtr(40)), 60, false, &cursor, 40, &cursor},
		{"last page", state(100, intPtr(40)), 1, true, nil, 0, nil},
		{"empty last page", state(100, intPtr(40)), 0, true, nil, 0, nil},
		{"page reaching one", state(100, intPtr(40)), 1, false, &cursor, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := advance(tt.state, tt.minNumber, tt.exhausted, tt.resume)
			if assert.NotNil(t, next.Checkpoint) {
				assert.Equal(t, tt.checkpoint, *next.Checkpoint)
			}
			assert.Equal(t, tt.cursor, next.Cursor)
		})
	}

	t.Run("uninitialized state is left alone", func(t *testing.T) {
		next := advance(models.BackfillState{}, 5, false, &cursor)
		assert.False(t, next.Initialized())
		assert.Nil(t, next.Checkpoint)
	})
}

func TestAdvanceCheckpointProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("checkpoint stays within bounds and never increases", prop.ForAll(
		func(hwm int, pages []int) bool {
			s := state(hwm, nil)
			last := hwm
			for i, minNumber := range pages {
				cursor := strconv.Itoa(i)
				s = advance(s, minNumber, i == len(pages)-1, &cursor)
				cp := *s.Checkpoint
				if cp < 0 || cp > hwm || cp > last {
					return false
				}
				last = cp
			}
			return len(pages) == 0 || *s.Checkpoint == 0
		},
		gen.IntRange(0, 10_000),
		gen.SliceOf(gen.IntRange(-5, 12_000)),
	))

	properties.Property("complete once checkpoint reaches zero", prop.ForAll(
		func(hwm, minNumber int) bool {
			s := advance(state(hwm, nil), minNumber, false, nil)
			return s.Complete() == (*s.Checkpoint == 0)
		},
		gen.IntRange(1, 10_000),
		gen.IntRange(0, 10_000),
	))

	properties.TestingRun(t)
}

func TestInitializeBackfill(t *testing.T) {
	target := &models.SyncTarget{}
	assert.True(t, InitializeBackfill(target, 42, 7))
	assert.Equal(t, 42, *target.IssueBackfill.HighWaterMark)
	assert.Equal(t, 7, *target.PullRequestBackfill.HighWaterMark)
	assert.Nil(t, target.IssueBackfill.Checkpoint)

	assert.False(t, InitializeBackfill(target, 99, 99), "already initialized")
	assert.Equal(t, 42, *target.IssueBackfill.HighWaterMark)

	empty := &models.SyncTarget{}
	InitializeBackfill(empty, 0, -1)
	assert.True(t, empty.BackfillComplete())
}
