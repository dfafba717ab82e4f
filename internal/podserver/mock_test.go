package podserver

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// mockOpAppender embeds testify's mock.Mock, one method per call.
type mockOpAppender struct {
	mock.Mock
}

func (m *mockOpAppender) Append(ctx context.Context, roomID, siteID string, payload []byte) (int64, error) {
	args := m.Called(ctx, roomID, siteID, payload)
	return args.Get(0).(int64), args.Error(1)
}

type mockStreamPublisher struct {
	mock.Mock
}

func (m *mockStreamPublisher) PublishPresence(ctx context.Context, roomID, userID string, sourceTimestamp int64, payload []byte) error {
	args := m.Called(ctx, roomID, userID, sourceTimestamp, payload)
	return args.Error(0)
}

func (m *mockStreamPublisher) PublishStorage(ctx context.Context, roomID, siteID string, seq int64, payload []byte) error {
	args := m.Called(ctx, roomID, siteID, seq, payload)
	return args.Error(0)
}

// fakeTransport is an in-memory Transport backed by channels, standing in
// for a real WebSocket connection in tests.
type fakeTransport struct {
	reads  chan []byte
	writes chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		reads:  make(chan []byte, 16),
		writes: make(chan []byte, 16),
	}
}

func (f *fakeTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-f.reads:
		if !ok {
			return nil, context.Canceled
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) WriteFrame(ctx context.Context, raw []byte) error {
	select {
	case f.writes <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	return nil
}
