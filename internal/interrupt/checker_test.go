package interrupt

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFlags struct {
	mu  sync.Mutex
	set map[string]bool
}

func (f *fakeFlags) Interrupted(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set[id]
}

func (f *fakeFlags) raise(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set == nil {
		f.set = map[string]bool{}
	}
	f.set[id] = true
}

func TestMessagesAreExact(t *testing.T) {
	assert.Equal(t, "Query execution has been interrupted (pending query)", ErrPendingQueryInterrupted.Error())
	assert.Equal(t, "Query execution has been interrupted", ErrRunningQueryInterrupted.Error())
}

func TestKindOf(t *testing.T) {
	k, ok := KindOf(fmt.Errorf("wrapped: %w", ErrRunningQueryInterrupted))
	require.True(t, ok)
	assert.Equal(t, KindRunning, k)
	assert.Equal(t, "running_query_interrupted", k.String())

	_, ok = KindOf(errors.New("other"))
	assert.False(t, ok)
}

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name    string
		s       Settings
		wantErr bool
	}{
		{"defaults", DefaultSettings(), false},
		{"zero pending", Settings{RunningCheckFreq: 0.5}, true},
		{"zero running", Settings{PendingCheckFreq: 1}, true},
		{"running above one", Settings{RunningCheckFreq: 1.5, PendingCheckFreq: 1}, true},
		{"running exactly one", Settings{RunningCheckFreq: 1, PendingCheckFreq: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStride(t *testing.T) {
	assert.Equal(t, 100, Stride(0.9, 1000))
	assert.Equal(t, 1, Stride(1, 1000))
	assert.Equal(t, 500, Stride(0.5, 1000))
	assert.Equal(t, 1, Stride(0.9, 5))
	assert.Equal(t, 1, Stride(0.9, 0))
}

func TestPendingCheckEveryK(t *testing.T) {
	flags := &fakeFlags{}
	c, err := NewChecker(flags, Settings{RunningCheckFreq: 0.9, PendingCheckFreq: 3})
	require.NoError(t, err)

	check := c.Pending("s1", 0)
	flags.raise("s1")

	assert.NoError(t, check(1))
	assert.NoError(t, check(2))
	assert.Same(t, ErrPendingQueryInterrupted, check(3))
	assert.NoError(t, check(4))
	assert.Same(t, ErrPendingQueryInterrupted, check(6))

	override := c.Pending("s1", 1)
	assert.Same(t, ErrPendingQueryInterrupted, override(1))

	other := c.Pending("s2", 1)
	assert.NoError(t, other(1))

	assert.Equal(t, uint(3), c.PendingFreq(0))
	assert.Equal(t, uint(7), c.PendingFreq(7))
}

func TestRunningProbe(t *testing.T) {
	flags := &fakeFlags{}
	c, err := NewChecker(flags, Settings{Enabled: true, RunningCheckFreq: 0.9, PendingCheckFreq: 10})
	require.NoError(t, err)

	p := c.Running("s1", 100)
	assert.Equal(t, 10, p.Stride())
	for i := 1; i <= 100; i++ {
		require.NoError(t, p.Checkpoint(i))
	}

	flags.raise("s1")
	assert.NoError(t, p.Checkpoint(9))
	assert.Same(t, ErrRunningQueryInterrupted, p.Checkpoint(10))
}

func TestRunningProbeDisabled(t *testing.T) {
	flags := &fakeFlags{}
	c, err := NewChecker(flags, Settings{Enabled: false, RunningCheckFreq: 1, PendingCheckFreq: 1})
	require.NoError(t, err)
	flags.raise("s1")

	p := c.Running("s1", 10)
	for i := 1; i <= 10; i++ {
		assert.NoError(t, p.Checkpoint(i))
	}

	require.NoError(t, c.Configure(Settings{Enabled: true, RunningCheckFreq: 1, PendingCheckFreq: 1}))
	assert.Same(t, ErrRunningQueryInterrupted, c.Running("s1", 10).Checkpoint(1))
	assert.Error(t, c.Configure(Settings{}))
}
