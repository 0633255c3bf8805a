package janitor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/querygate/internal/events"
	"github.com/mattjoyce/querygate/internal/history"
	"github.com/mattjoyce/querygate/internal/janitor/mocks"
	"github.com/mattjoyce/querygate/internal/session"
)

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func orphanCompletion() history.Completion {
	msg, kind := orphanedMessage, orphanedKind
	return history.Completion{Status: session.StateFailed, LastError: &msg, ErrorKind: &kind}
}

func TestRecoverOrphans(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockHistory := mocks.NewMockHistoryService(ctrl)
	logger, buf := newTestLogger()
	j := New(mockHistory, nil, Options{}, logger)
	ctx := context.Background()

	t.Run("nothing to recover", func(t *testing.T) {
		mockHistory.EXPECT().FindByStatus(ctx, session.StatePending).Return(nil, nil)
		mockHistory.EXPECT().FindByStatus(ctx, session.StateRunning).Return([]*history.Record{}, nil)
		assert.NoError(t, j.recoverOrphans(ctx))
	})

	t.Run("pending and running rows are failed", func(t *testing.T) {
		buf.Reset()
		gomock.InOrder(
			mockHistory.EXPECT().FindByStatus(ctx, session.StatePending).
				Return([]*history.Record{{ID: "q1", SessionID: "s1", Status: session.StatePending}}, nil),
			mockHistory.EXPECT().Complete(ctx, "q1", orphanCompletion()).Return(nil),
			mockHistory.EXPECT().FindByStatus(ctx, session.StateRunning).
				Return([]*history.Record{{ID: "q2", SessionID: "s1", Status: session.StateRunning}}, nil),
			mockHistory.EXPECT().Complete(ctx, "q2", orphanCompletion()).Return(errors.New("locked")),
		)

		require.NoError(t, j.recoverOrphans(ctx))
		assert.Contains(t, buf.String(), "marking orphaned query as failed")
		assert.Contains(t, buf.String(), "failed to recover orphaned query")
	})

	t.Run("lookup error aborts", func(t *testing.T) {
		mockHistory.EXPECT().FindByStatus(ctx, session.StatePending).Return(nil, errors.New("db error"))
		err := j.recoverOrphans(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "find pending queries: db error")
	})
}

func TestTickPrunesAndPublishes(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockHistory := mocks.NewMockHistoryService(ctrl)
	hub := events.NewHub(8)
	logger, buf := newTestLogger()
	j := New(mockHistory, hub, Options{Retention: time.Hour}, logger)

	mockHistory.EXPECT().Prune(gomock.Any(), time.Hour).Return(int64(4), nil)
	j.tick(context.Background())

	evs := hub.Since(0)
	require.Len(t, evs, 1)
	assert.Equal(t, events.JanitorTick, evs[0].Type)
	assert.Contains(t, string(evs[0].Data), `"pruned":4`)
	assert.Contains(t, buf.String(), "pruned query history")
}

func TestTickWithoutRetentionSkipsPrune(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockHistory := mocks.NewMockHistoryService(ctrl)
	logger, _ := newTestLogger()
	j := New(mockHistory, nil, Options{}, logger)
	j.tick(context.Background())
}

func TestStartRunsLoopUntilStopped(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockHistory := mocks.NewMockHistoryService(ctrl)
	hub := events.NewHub(64)
	logger, _ := newTestLogger()
	j := New(mockHistory, hub, Options{TickInterval: 5 * time.Millisecond, Retention: time.Hour}, logger)

	mockHistory.EXPECT().FindByStatus(gomock.Any(), gomock.Any()).Return(nil, nil).Times(2)
	mockHistory.EXPECT().Prune(gomock.Any(), time.Hour).Return(int64(0), nil).MinTimes(1)

	require.NoError(t, j.Start(context.Background()))
	require.Eventually(t, func() bool { return len(hub.Since(0)) >= 1 }, 2*time.Second, time.Millisecond)
	j.Stop()
	j.Stop()
}
