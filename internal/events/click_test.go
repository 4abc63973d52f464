package events_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhejian/shortlink/internal/events"
	"github.com/zhejian/shortlink/internal/infra"
	"github.com/zhejian/shortlink/internal/model"
	"github.com/zhejian/shortlink/internal/testutil"
)

var testBroker *testutil.TestBroker

func TestMain(m *testing.M) {
	ctx := context.Background()

	var err error
	testBroker, err = testutil.SetupTestBroker(ctx)
	if err != nil {
		panic("failed to setup test broker: " + err.Error())
	}

	code := m.Run()

	testBroker.Teardown(ctx)
	os.Exit(code)
}

func dial(t *testing.T) *amqp.Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := infra.NewBrokerConnection(ctx, testBroker.URL)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRabbitPublisher_RoundTrip(t *testing.T) {
	conn := dial(t)
	queue := "clicks-" + uuid.NewString()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	publisher, err := events.NewRabbitPublisher(conn, queue)
	require.NoError(t, err)
	defer publisher.Close()

	sent := model.ClickEvent{
		ID:           uuid.New(),
		ShortCode:    "abc123",
		Timestamp:    time.Date(2026, 1, 20, 10, 0, 0, 0, time.UTC),
		Referrer:     "https://news.example",
		LocationHint: "IN",
	}
	require.NoError(t, publisher.PublishClick(context.Background(), &sent))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	received := make(chan model.ClickEvent, 1)
	consumer := events.NewConsumer(conn, queue, 1, logger)
	done := make(chan error, 1)
	go func() {
		done <- consumer.Consume(ctx, func(_ context.Context, ev model.ClickEvent) error {
			received <- ev
			return nil
		})
	}()

	select {
	case ev := <-received:
		assert.Equal(t, sent.ID, ev.ID)
		assert.Equal(t, sent.ShortCode, ev.ShortCode)
		assert.True(t, sent.Timestamp.Equal(ev.Timestamp))
		assert.Equal(t, sent.Referrer, ev.Referrer)
		assert.Equal(t, sent.LocationHint, ev.LocationHint)
	case <-ctx.Done():
		t.Fatal("click event was not consumed")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestRabbitPublisher_Closed(t *testing.T) {
	conn := dial(t)
	publisher, err := events.NewRabbitPublisher(conn, "clicks-"+uuid.NewString())
	require.NoError(t, err)

	require.NoError(t, publisher.Close())
	require.NoError(t, publisher.Close(), "close is idempotent")

	err = publisher.PublishClick(context.Background(), &model.ClickEvent{ID: uuid.New()})
	assert.ErrorIs(t, err, events.ErrPublisherClosed)
}

func TestNopPublisher(t *testing.T) {
	var p events.Publisher = events.NopPublisher{}
	assert.NoError(t, p.PublishClick(context.Background(), &model.ClickEvent{}))
	assert.NoError(t, p.Close())
}
