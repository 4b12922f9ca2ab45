package pulse

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRowProgressPercentages(t *testing.T) {
	p := NewRowProgress(time.Hour, nil)
	assert.Equal(t, 0, p.Progress().Percentage)

	p.Started(4)
	assert.Equal(t, int64(4), p.TotalRows())
	p.Increment()
	assert.Equal(t, 25, p.Progress().Percentage)
	p.Add(2)
	assert.Equal(t, 75, p.Progress().Percentage)

	// more rows than announced never reaches 100 before Finish
	p.Add(10)
	assert.Equal(t, 99, p.Progress().Percentage)

	p.Finish()
	assert.Equal(t, 100, p.Progress().Percentage)
}

func TestRowProgressNeverDecreases(t *testing.T) {
	p := NewRowProgress(time.Hour, nil)
	p.Started(10)
	p.Add(5)
	assert.Equal(t, 50, p.Progress().Percentage)

	p.Started(100)
	assert.Equal(t, 50, p.Progress().Percentage)

	p.Reset()
	assert.Equal(t, 0, p.Progress().Percentage)
	assert.Equal(t, int64(0), p.RowsDone())
}

func TestRowProgressUnknownTotal(t *testing.T) {
	p := NewRowProgress(time.Hour, nil)
	p.Started(-3)
	p.Increment()
	assert.Equal(t, 0, p.Progress().Percentage)
	p.Finish()
	assert.Equal(t, 100, p.Progress().Percentage)
}

func TestRowProgressMessages(t *testing.T) {
	p := NewRowProgress(time.Hour, nil)
	p.SetMessage("dumping scheduled_jobs")
	assert.Equal(t, "dumping scheduled_jobs", p.Progress().Message)
	p.ClearMessage()
	assert.Empty(t, p.Progress().Message)
}

func TestRowProgressThrottlesIncrements(t *testing.T) {
	var mu sync.Mutex
	var updates []Progress
	p := NewRowProgress(time.Hour, func(pr Progress) {
		mu.Lock()
		updates = append(updates, pr)
		mu.Unlock()
	})

	p.Started(100)
	for i := 0; i < 100; i++ {
		p.Increment()
	}
	p.SetMessage("almost")
	p.Finish()

	mu.Lock()
	defer mu.Unlock()
	// Started, the single increment the limiter allows, SetMessage and Finish
	assert.Len(t, updates, 4)
	assert.Equal(t, 1, updates[1].Percentage)
	assert.Equal(t, Progress{Message: "almost", Percentage: 99}, updates[2])
	assert.Equal(t, 100, updates[3].Percentage)
}

func TestRowProgressImplementsMonitor(t *testing.T) {
	var _ ProgressMonitor = NewRowProgress(0, nil)
}
