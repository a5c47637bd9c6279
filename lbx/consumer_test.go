package lbx_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/3rs4lg4d0/ledgerbox/lbx"
	"github.com/3rs4lg4d0/ledgerbox/repository"
	"github.com/3rs4lg4d0/ledgerbox/repository/memory"
	"github.com/3rs4lg4d0/ledgerbox/test"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exchange = "account.events"

func seedClient(t *testing.T, store *memory.Store, accounts int) uuid.UUID {
	clientId := uuid.New()
	for i := 0; i < accounts; i++ {
		require.NoError(t, store.CreateAccount(context.Background(), &repository.Account{
			Id: uuid.New(), OwnerId: clientId, Type: repository.Checking, Currency: "RUB", Balance: decimal.NewFromInt(10), OpenedAt: now,
		}))
	}
	return clientId
}

func frozenAccounts(t *testing.T, store *memory.Store, clientId uuid.UUID) int {
	accounts, err := store.ListAccountsByOwner(context.Background(), clientId)
	require.NoError(t, err)
	n := 0
	for _, a := range accounts {
		if a.IsFrozen {
			n++
		}
	}
	return n
}

func newAntifraud(store *memory.Store, s lbx.ConsumerSettings, opts ...lbx.Option) *lbx.Consumer {
	return lbx.NewConsumer(lbx.NewAntifraudHandler(exchange, store), &test.FakeSubscriber{}, store, s, opts...)
}

func TestNewConsumer(t *testing.T) {
	store := memory.New()
	assert.Panics(t, func() { lbx.NewConsumer(lbx.NewAuditHandler(exchange), nil, store, lbx.ConsumerSettings{}) })
	assert.Panics(t, func() { lbx.NewConsumer(lbx.NewAuditHandler(exchange), &test.FakeSubscriber{}, nil, lbx.ConsumerSettings{}) })
	assert.Panics(t, func() { lbx.NewConsumer(lbx.InboxHandler{Name: "x"}, &test.FakeSubscriber{}, store, lbx.ConsumerSettings{}) })
	assert.Panics(t, func() { lbx.NewAntifraudHandler(exchange, nil) })
	c := lbx.NewConsumer(lbx.NewAuditHandler(exchange), &test.FakeSubscriber{}, store, lbx.ConsumerSettings{})
	assert.Equal(t, lbx.AuditHandlerName, c.Name())
}

func TestHandlerBindings(t *testing.T) {
	antifraud := lbx.NewAntifraudHandler(exchange, memory.New())
	assert.Equal(t, "account.antifraud", antifraud.Binding.Queue)
	assert.Equal(t, "client.#", antifraud.Binding.RoutingKey)
	assert.Equal(t, 1, antifraud.Binding.Prefetch)
	assert.Equal(t, exchange, antifraud.Binding.Exchange)

	audit := lbx.NewAuditHandler(exchange)
	assert.Equal(t, "account.audit", audit.Binding.Queue)
	assert.Equal(t, "#", audit.Binding.RoutingKey)
}

func TestAntifraudProcess(t *testing.T) {
	testcases := []struct {
		name         string
		body         func(clientId uuid.UUID, messageId uuid.UUID) []byte
		wantOutcome  lbx.Outcome
		wantFrozen   int
		wantConsumed int
		wantDead     int
	}{
		{
			name: "client blocked freezes every account",
			body: func(clientId, messageId uuid.UUID) []byte {
				return test.NewEnvelopeBody(messageId, "ClientBlocked", `{"clientId":"`+clientId.String()+`"}`)
			},
			wantOutcome:  lbx.Applied,
			wantFrozen:   2,
			wantConsumed: 1,
		},
		{
			name: "malformed json is dead-lettered",
			body: func(uuid.UUID, uuid.UUID) []byte {
				return []byte("not-json")
			},
			wantOutcome: lbx.Rejected,
			wantDead:    1,
		},
		{
			name: "unsupported envelope version is dead-lettered",
			body: func(clientId, messageId uuid.UUID) []byte {
				return []byte(`{"eventId":"` + messageId.String() + `","type":"ClientBlocked","occurredAt":"2024-03-10T12:00:00Z","meta":{"version":"v0"},"payload":{}}`)
			},
			wantOutcome: lbx.Rejected,
			wantDead:    1,
		},
		{
			name: "invalid client id is dead-lettered",
			body: func(_, messageId uuid.UUID) []byte {
				return test.NewEnvelopeBody(messageId, "ClientBlocked", `{"clientId":"nope"}`)
			},
			wantOutcome: lbx.Rejected,
			wantDead:    1,
		},
		{
			name: "missing client id is dead-lettered",
			body: func(_, messageId uuid.UUID) []byte {
				return test.NewEnvelopeBody(messageId, "ClientBlocked", `{}`)
			},
			wantOutcome: lbx.Rejected,
			wantDead:    1,
		},
		{
			name: "other events are only marked as consumed",
			body: func(_, messageId uuid.UUID) []byte {
				return test.NewEnvelopeBody(messageId, "MoneyDebited", `{}`)
			},
			wantOutcome:  lbx.Applied,
			wantConsumed: 1,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			store := memory.New()
			clientId := seedClient(t, store, 2)
			success, failure := &test.TestCounter{}, &test.TestCounter{}
			c := newAntifraud(store, lbx.ConsumerSettings{}, lbx.WithCounters(success, failure), lbx.WithClock(clock))
			d := test.NewFakeDelivery("client.blocked", tc.body(clientId, uuid.New()))

			outcome := c.Process(context.Background(), d)

			assert.Equal(t, tc.wantOutcome, outcome, outcome.String())
			assert.Equal(t, 1, d.Acks())
			assert.Equal(t, tc.wantFrozen, frozenAccounts(t, store, clientId))
			assert.Equal(t, tc.wantConsumed, store.ConsumedCount(lbx.AntifraudHandlerName))
			dls := store.DeadLetters()
			require.Len(t, dls, tc.wantDead)
			for _, dl := range dls {
				assert.Equal(t, lbx.AntifraudHandlerName, dl.Handler)
				assert.NotEqual(t, uuid.Nil, dl.MessageId)
				assert.Equal(t, d.Body(), dl.Payload)
				assert.Equal(t, now, dl.ReceivedAt)
			}
			if tc.wantOutcome == lbx.Applied {
				assert.Equal(t, int64(1), success.Get())
			} else {
				assert.Equal(t, int64(1), failure.Get())
			}
		})
	}
}

func TestDuplicateDeliveryIsAppliedOnce(t *testing.T) {
	store := memory.New()
	clientId := seedClient(t, store, 1)
	c := newAntifraud(store, lbx.ConsumerSettings{})
	body := test.NewEnvelopeBody(uuid.New(), "ClientBlocked", `{"clientId":"`+clientId.String()+`"}`)

	first := test.NewFakeDelivery("client.blocked", body)
	assert.Equal(t, lbx.Applied, c.Process(context.Background(), first))
	accounts, _ := store.ListAccountsByOwner(context.Background(), clientId)
	version := accounts[0].Version

	second := test.NewFakeDelivery("client.blocked", body)
	assert.Equal(t, lbx.Duplicate, c.Process(context.Background(), second))
	assert.Equal(t, 1, second.Acks())
	accounts, _ = store.ListAccountsByOwner(context.Background(), clientId)
	assert.Equal(t, version, accounts[0].Version)
	assert.Equal(t, 1, store.ConsumedCount(lbx.AntifraudHandlerName))
}

func TestBlockThenUnblock(t *testing.T) {
	store := memory.New()
	clientId := seedClient(t, store, 3)
	c := newAntifraud(store, lbx.ConsumerSettings{})
	payload := `{"clientId":"` + clientId.String() + `"}`

	c.Process(context.Background(), test.NewFakeDelivery("client.blocked", test.NewEnvelopeBody(uuid.New(), "ClientBlocked", payload)))
	assert.Equal(t, 3, frozenAccounts(t, store, clientId))
	c.Process(context.Background(), test.NewFakeDelivery("client.unblocked", test.NewEnvelopeBody(uuid.New(), "ClientUnblocked", payload)))
	assert.Zero(t, frozenAccounts(t, store, clientId))
}

func TestApplyFailure(t *testing.T) {
	testcases := []struct {
		name         string
		attempts     int
		wantOutcome  lbx.Outcome
		wantFrozen   int
		wantConsumed int
		wantDead     int
	}{
		{
			name:        "single attempt dead-letters the message",
			attempts:    1,
			wantOutcome: lbx.Failed,
			wantDead:    1,
		},
		{
			name:         "a second attempt applies the message",
			attempts:     2,
			wantOutcome:  lbx.Applied,
			wantFrozen:   1,
			wantConsumed: 1,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			store := memory.New()
			clientId := seedClient(t, store, 1)
			dead := &test.TestCounter{}
			c := newAntifraud(store, lbx.ConsumerSettings{ApplyAttempts: tc.attempts, ApplyRetryDelay: time.Millisecond},
				lbx.WithDeadLetterCounter(dead))
			store.FailNext("SetFrozenByOwner", errors.New("deadlock detected"))
			d := test.NewFakeDelivery("client.blocked", test.NewEnvelopeBody(uuid.New(), "ClientBlocked", `{"clientId":"`+clientId.String()+`"}`))

			assert.Equal(t, tc.wantOutcome, c.Process(context.Background(), d))
			assert.Equal(t, 1, d.Acks())
			assert.Equal(t, tc.wantFrozen, frozenAccounts(t, store, clientId))
			assert.Equal(t, tc.wantConsumed, store.ConsumedCount(lbx.AntifraudHandlerName))
			assert.Len(t, store.DeadLetters(), tc.wantDead)
			assert.Equal(t, int64(tc.wantDead), dead.Get())
		})
	}
}

func TestAuditRecordsEveryEvent(t *testing.T) {
	store := memory.New()
	c := lbx.NewConsumer(lbx.NewAuditHandler(exchange), &test.FakeSubscriber{}, store, lbx.ConsumerSettings{})
	for _, et := range lbx.EventTypes() {
		d := test.NewFakeDelivery("any", test.NewEnvelopeBody(uuid.New(), string(et), `{}`))
		assert.Equal(t, lbx.Applied, c.Process(context.Background(), d))
	}
	assert.Equal(t, len(lbx.EventTypes()), store.ConsumedCount(lbx.AuditHandlerName))
}

func TestConsumersDeduplicateIndependently(t *testing.T) {
	store := memory.New()
	clientId := seedClient(t, store, 1)
	body := test.NewEnvelopeBody(uuid.New(), "ClientBlocked", `{"clientId":"`+clientId.String()+`"}`)
	antifraud := newAntifraud(store, lbx.ConsumerSettings{})
	audit := lbx.NewConsumer(lbx.NewAuditHandler(exchange), &test.FakeSubscriber{}, store, lbx.ConsumerSettings{})

	assert.Equal(t, lbx.Applied, antifraud.Process(context.Background(), test.NewFakeDelivery("client.blocked", body)))
	assert.Equal(t, lbx.Applied, audit.Process(context.Background(), test.NewFakeDelivery("client.blocked", body)))
	assert.Equal(t, lbx.Duplicate, audit.Process(context.Background(), test.NewFakeDelivery("client.blocked", body)))
}

func TestConsumerRun(t *testing.T) {
	store := memory.New()
	clientId := seedClient(t, store, 1)
	sub := &test.FakeSubscriber{}
	c := lbx.NewConsumer(lbx.NewAntifraudHandler(exchange, store), sub, store, lbx.ConsumerSettings{ResubscribeDelay: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, func() bool { return sub.Count() == 1 }, time.Second, time.Millisecond)

	sub.Drop()
	require.Eventually(t, func() bool { return sub.Count() == 2 }, time.Second, time.Millisecond)
	d := test.NewFakeDelivery("client.blocked", test.NewEnvelopeBody(uuid.New(), "ClientBlocked", `{"clientId":"`+clientId.String()+`"}`))
	sub.Push(d)
	require.Eventually(t, func() bool { return d.Acks() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, frozenAccounts(t, store, clientId))
	assert.Equal(t, "client.#", sub.Subscriptions[0].RoutingKey)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}
