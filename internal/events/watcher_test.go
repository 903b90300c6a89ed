package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockStreamClient struct {
	mock.Mock
}

func (m *MockStreamClient) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	args := m.Called(ctx, stream, group, start)
	cmd := redis.NewStatusCmd(ctx)
	if err := args.Error(0); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal("OK")
	}
	return cmd
}

func (m *MockStreamClient) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	args := m.Called(ctx, a)
	cmd := redis.NewXStreamSliceCmd(ctx)
	if err := args.Error(1); err != nil {
		cmd.SetErr(err)
		return cmd
	}
	cmd.SetVal(args.Get(0).([]redis.XStream))
	return cmd
}

func (m *MockStreamClient) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	args := m.Called(ctx, stream, group, ids)
	cmd := redis.NewIntCmd(ctx)
	if err := args.Error(0); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(int64(len(ids)))
	}
	return cmd
}

func (m *MockStreamClient) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	args := m.Called(ctx, a)
	cmd := redis.NewStringCmd(ctx)
	if err := args.Error(0); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal("1234567890-0")
	}
	return cmd
}

func (m *MockStreamClient) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	args := m.Called(ctx, key, field)
	cmd := redis.NewStringCmd(ctx)
	if err := args.Error(1); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(args.String(0))
	}
	return cmd
}

func (m *MockStreamClient) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	args := m.Called(ctx, key, values)
	cmd := redis.NewIntCmd(ctx)
	if err := args.Error(0); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func collectedMessage(t *testing.T, id, sourceID string, price float64) redis.XMessage {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"id":           "6f1c2d9e-0000-4000-8000-000000000001",
		"type":         "PRODUCT_COLLECTED",
		"aggregate_id": "prod-" + sourceID,
		"payload": map[string]any{
			"source_id":   sourceID,
			"title":       "Fone Bluetooth TWS",
			"price":       price,
			"product_url": "https://shop.tiktok.com/view/product/" + sourceID,
		},
	})
	require.NoError(t, err)

	return redis.XMessage{
		ID: id,
		Values: map[string]interface{}{
			"data":       string(data),
			"event_type": "PRODUCT_COLLECTED",
		},
	}
}

func newTestWatcher(client StreamClient) *PriceWatcher {
	w := NewPriceWatcher(client, WatcherConfig{MinDrop: 0.1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return w
}

func TestPriceDrop(t *testing.T) {
	tests := []struct {
		name     string
		old      float64
		current  float64
		wantDrop float64
		wantOK   bool
	}{
		{"big drop", 100, 80, 0.2, true},
		{"exactly at threshold", 100, 90, 0.1, true},
		{"small drop", 100, 95, 0.05, false},
		{"increase", 100, 120, 0, false},
		{"unchanged", 100, 100, 0, false},
		{"unknown old price", 0, 50, 0, false},
		{"missing new price", 100, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drop, ok := priceDrop(tt.old, tt.current, 0.1)
			assert.Equal(t, tt.wantOK, ok)
			assert.InDelta(t, tt.wantDrop, drop, 1e-9)
		})
	}
}

func TestPriceWatcher_HandleMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("First sighting stores price", func(t *testing.T) {
		client := new(MockStreamClient)
		client.On("HGet", ctx, lastPriceKey, "p1").Return("", redis.Nil)
		client.On("HSet", ctx, lastPriceKey, []interface{}{"p1", "59.9"}).Return(nil)

		err := newTestWatcher(client).handleMessage(ctx, collectedMessage(t, "1-0", "p1", 59.9))

		require.NoError(t, err)
		client.AssertExpectations(t)
		client.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
	})

	t.Run("Price drop publishes alert", func(t *testing.T) {
		client := new(MockStreamClient)
		client.On("HGet", ctx, lastPriceKey, "p1").Return("100", nil)
		client.On("XAdd", ctx, mock.MatchedBy(func(a *redis.XAddArgs) bool {
			values := a.Values.(map[string]interface{})
			var alert PriceDrop
			if err := json.Unmarshal([]byte(values["payload"].(string)), &alert); err != nil {
				return false
			}
			return a.Stream == DefaultAlertStream &&
				values["event_type"] == EventPriceDropped &&
				alert.SourceID == "p1" &&
				alert.ProductID == "prod-p1" &&
				alert.OldPrice == 100 &&
				alert.NewPrice == 75
		})).Return(nil)
		client.On("HSet", ctx, lastPriceKey, []interface{}{"p1", "75"}).Return(nil)

		err := newTestWatcher(client).handleMessage(ctx, collectedMessage(t, "1-0", "p1", 75))

		require.NoError(t, err)
		client.AssertExpectations(t)
	})

	t.Run("Small drop is ignored", func(t *testing.T) {
		client := new(MockStreamClient)
		client.On("HGet", ctx, lastPriceKey, "p1").Return("100", nil)
		client.On("HSet", ctx, lastPriceKey, []interface{}{"p1", "97.5"}).Return(nil)

		err := newTestWatcher(client).handleMessage(ctx, collectedMessage(t, "1-0", "p1", 97.5))

		require.NoError(t, err)
		client.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
	})

	t.Run("Unparseable stored price is replaced", func(t *testing.T) {
		client := new(MockStreamClient)
		client.On("HGet", ctx, lastPriceKey, "p1").Return("abc", nil)
		client.On("HSet", ctx, lastPriceKey, []interface{}{"p1", "10"}).Return(nil)

		err := newTestWatcher(client).handleMessage(ctx, collectedMessage(t, "1-0", "p1", 10))

		require.NoError(t, err)
		client.AssertExpectations(t)
		client.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
	})

	t.Run("Other events are skipped", func(t *testing.T) {
		client := new(MockStreamClient)
		msg := redis.XMessage{ID: "1-0", Values: map[string]interface{}{"event_type": "PRODUCT_DELETED", "data": "{}"}}

		require.NoError(t, newTestWatcher(client).handleMessage(ctx, msg))
		client.AssertNotCalled(t, "HGet", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Malformed data is skipped", func(t *testing.T) {
		client := new(MockStreamClient)
		msg := redis.XMessage{ID: "1-0", Values: map[string]interface{}{"event_type": "PRODUCT_COLLECTED", "data": "{not json"}}

		require.NoError(t, newTestWatcher(client).handleMessage(ctx, msg))
		client.AssertNotCalled(t, "HGet", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Read failure is retried", func(t *testing.T) {
		client := new(MockStreamClient)
		client.On("HGet", ctx, lastPriceKey, "p1").Return("", errors.New("connection reset"))

		err := newTestWatcher(client).handleMessage(ctx, collectedMessage(t, "1-0", "p1", 10))

		require.Error(t, err)
		client.AssertNotCalled(t, "HSet", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Publish failure keeps old price", func(t *testing.T) {
		client := new(MockStreamClient)
		client.On("HGet", ctx, lastPriceKey, "p1").Return("100", nil)
		client.On("XAdd", ctx, mock.Anything).Return(errors.New("OOM"))

		err := newTestWatcher(client).handleMessage(ctx, collectedMessage(t, "1-0", "p1", 50))

		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to publish alert")
		client.AssertNotCalled(t, "HSet", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestPriceWatcher_Run(t *testing.T) {
	t.Run("Processes and acknowledges", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		client := new(MockStreamClient)
		client.On("XGroupCreateMkStream", ctx, "stream:products", DefaultGroup, "0").
			Return(errors.New("BUSYGROUP Consumer Group name already exists"))
		client.On("XReadGroup", ctx, mock.Anything).
			Return([]redis.XStream{{
				Stream:   "stream:products",
				Messages: []redis.XMessage{collectedMessage(t, "1-0", "p1", 20)},
			}}, nil).Once()
		client.On("XReadGroup", ctx, mock.Anything).
			Run(func(mock.Arguments) { cancel() }).
			Return(nil, context.Canceled).Once()
		client.On("HGet", ctx, lastPriceKey, "p1").Return("", redis.Nil)
		client.On("HSet", ctx, lastPriceKey, []interface{}{"p1", "20"}).Return(nil)
		client.On("XAck", ctx, "stream:products", DefaultGroup, []string{"1-0"}).Return(nil)

		err := newTestWatcher(client).Run(ctx)

		assert.ErrorIs(t, err, context.Canceled)
		client.AssertExpectations(t)
	})

	t.Run("Failed message is not acknowledged", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		client := new(MockStreamClient)
		client.On("XGroupCreateMkStream", ctx, mock.Anything, mock.Anything, "0").Return(nil)
		client.On("XReadGroup", ctx, mock.Anything).
			Return([]redis.XStream{{
				Stream:   "stream:products",
				Messages: []redis.XMessage{collectedMessage(t, "1-0", "p1", 20)},
			}}, nil).Once()
		client.On("XReadGroup", ctx, mock.Anything).
			Run(func(mock.Arguments) { cancel() }).
			Return(nil, context.Canceled).Once()
		client.On("HGet", ctx, lastPriceKey, "p1").Return("", errors.New("timeout"))

		err := newTestWatcher(client).Run(ctx)

		assert.ErrorIs(t, err, context.Canceled)
		client.AssertNotCalled(t, "XAck", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Group creation failure", func(t *testing.T) {
		client := new(MockStreamClient)
		client.On("XGroupCreateMkStream", mock.Anything, mock.Anything, mock.Anything, "0").
			Return(errors.New("NOAUTH Authentication required"))

		err := newTestWatcher(client).Run(context.Background())

		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create consumer group")
	})
}
