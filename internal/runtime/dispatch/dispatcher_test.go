package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/payload"
)

func newRequest(channel, messageType, action string) *payload.Payload {
	return payload.New(payload.NewMessage(payload.NewHeader(channel, messageType, action), nil))
}

func recordingHandler(name string, calls *[]string) HandlerFunc {
	return func(ctx context.Context, rq *payload.Payload, rs *payload.Responses) error {
		*calls = append(*calls, name)
		return nil
	}
}

func TestDispatchExactKeyIsCaseInsensitive(t *testing.T) {
	d := New(nil)
	var calls []string
	require.NoError(t, d.Register(Registration{
		Name:    "create",
		Key:     payload.NewHeader("Orders", "Create", "Submit"),
		Handler: recordingHandler("create", &calls),
	}))

	require.NoError(t, d.Dispatch(context.Background(), newRequest("orders", "create", "submit"), nil))
	assert.Equal(t, []string{"create"}, calls)
	assert.Equal(t, uint64(1), d.Stats().Dispatched)
}

func TestDispatchPrefersExactOverWildcard(t *testing.T) {
	d := New(nil)
	var calls []string
	require.NoError(t, d.Register(Registration{Key: payload.NewHeader("orders", "", ""), Handler: recordingHandler("wildcard", &calls)}))
	require.NoError(t, d.Register(Registration{Key: payload.NewHeader("orders", "create", "submit"), Handler: recordingHandler("exact", &calls)}))

	require.NoError(t, d.Dispatch(context.Background(), newRequest("orders", "create", "submit"), nil))
	require.NoError(t, d.Dispatch(context.Background(), newRequest("orders", "cancel", "submit"), nil))

	assert.Equal(t, []string{"exact", "wildcard"}, calls)
}

func TestDispatchFirstRegisteredWildcardWins(t *testing.T) {
	d := New(nil)
	var calls []string
	require.NoError(t, d.Register(Registration{Key: payload.NewHeader("orders", "", ""), Handler: recordingHandler("channel", &calls)}))
	require.NoError(t, d.Register(Registration{Key: payload.NewHeader("orders", "create", ""), Handler: recordingHandler("type", &calls)}))

	require.NoError(t, d.Dispatch(context.Background(), newRequest("orders", "create", "x"), nil))
	assert.Equal(t, []string{"channel"}, calls)

	info, ok := d.Resolve(payload.NewHeader("orders", "create", "y"))
	require.True(t, ok)
	assert.True(t, info.Wildcard)
	assert.Equal(t, "orders/", info.Key.PartialKey())
}

func TestDispatchUnresolvedReturnsDispatchError(t *testing.T) {
	d := New(nil)
	err := d.Dispatch(context.Background(), newRequest("billing", "charge", "run"), nil)

	var dispatchErr *errspkg.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, "billing/charge/run", dispatchErr.Key)
	assert.ErrorIs(t, err, errspkg.ErrCommandNotSupported)
	assert.Equal(t, uint64(1), d.Stats().Unresolved)
}

func TestRegisterValidation(t *testing.T) {
	d := New(nil)
	noop := func(context.Context, *payload.Payload, *payload.Responses) error { return nil }

	err := d.Register(Registration{Key: payload.NewHeader("", "", ""), Handler: noop})
	assert.ErrorIs(t, err, errspkg.ErrWildcardChannelRequired)

	err = d.Register(Registration{Key: payload.NewHeader("orders", "create", "submit")})
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)

	require.NoError(t, d.Register(Registration{Key: payload.NewHeader("orders", "create", "submit"), Handler: noop}))
	err = d.Register(Registration{Key: payload.NewHeader("ORDERS", "create", "SUBMIT"), Handler: noop})
	assert.ErrorIs(t, err, errspkg.ErrDuplicateCommand)

	require.NoError(t, d.Register(Registration{Key: payload.NewHeader("orders", "create", ""), Handler: noop}))
	err = d.Register(Registration{Key: payload.NewHeader("Orders", "Create", ""), Handler: noop})
	assert.ErrorIs(t, err, errspkg.ErrDuplicateCommand)

	assert.Len(t, d.Commands(), 2)
}

func TestHandlerErrorPropagatesWithoutErrorHandler(t *testing.T) {
	d := New(nil)
	boom := errors.New("boom")
	require.NoError(t, d.Register(Registration{
		Key:     payload.NewHeader("orders", "create", "submit"),
		Handler: func(context.Context, *payload.Payload, *payload.Responses) error { return boom },
	}))

	err := d.Dispatch(context.Background(), newRequest("orders", "create", "submit"), nil)
	assert.Same(t, boom, err)
	assert.Equal(t, uint64(1), d.Stats().Failed)
}

func TestErrorHandlerCanSwallowError(t *testing.T) {
	d := New(nil)
	boom := errors.New("boom")
	var seen error
	require.NoError(t, d.Register(Registration{
		Key:     payload.NewHeader("orders", "create", "submit"),
		Handler: func(context.Context, *payload.Payload, *payload.Responses) error { return boom },
		OnError: func(_ context.Context, err error, rq *payload.Payload, rs *payload.Responses) error {
			seen = err
			rs.Add(rq.Reply("500", []byte(err.Error()), "text/plain"))
			return nil
		},
	}))

	rs := &payload.Responses{}
	require.NoError(t, d.Dispatch(context.Background(), newRequest("orders", "create", "submit"), rs))
	assert.Same(t, boom, seen)
	assert.Equal(t, 1, rs.Len())
}

func TestDeadLetterHandlerReceivesDeadLetters(t *testing.T) {
	d := New(nil)
	var calls []string
	require.NoError(t, d.Register(Registration{
		Key:        payload.NewHeader("orders", "create", "submit"),
		Handler:    recordingHandler("primary", &calls),
		DeadLetter: recordingHandler("dead", &calls),
	}))

	rq := payload.New(payload.NewMessage(payload.NewHeader("orders", "create", "submit"), nil), payload.WithDeadLetter(true))
	require.NoError(t, d.Dispatch(context.Background(), rq, nil))
	require.NoError(t, d.Dispatch(context.Background(), newRequest("orders", "create", "submit"), nil))

	assert.Equal(t, []string{"dead", "primary"}, calls)
	assert.Equal(t, uint64(1), d.Stats().DeadLetters)
}

func TestMiddlewaresWrapInOrderAndSeeCommand(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, rq *payload.Payload, rs *payload.Responses) error {
				info, ok := CommandFromContext(ctx)
				require.True(t, ok)
				order = append(order, name+":"+info.Name)
				return next(ctx, rq, rs)
			}
		}
	}
	d := New(nil, mw("outer"))
	d.Use(mw("inner"))
	require.NoError(t, d.Register(Registration{Name: "create", Key: payload.NewHeader("orders", "create", "submit"), Handler: recordingHandler("handler", &order)}))

	require.NoError(t, d.Dispatch(context.Background(), newRequest("orders", "create", "submit"), nil))
	assert.Equal(t, []string{"outer:create", "inner:create", "handler"}, order)
}

func TestObserversSeeRegistrationChanges(t *testing.T) {
	d := New(nil)
	var changes []Change
	cancel := d.OnChange(func(c Change) { changes = append(changes, c) })
	d.OnChange(func(Change) { panic("observer failure") })

	noop := func(context.Context, *payload.Payload, *payload.Responses) error { return nil }
	key := payload.NewHeader("orders", "create", "submit")
	require.NoError(t, d.Register(Registration{Key: key, Handler: noop}))
	assert.True(t, d.Unregister(key))
	assert.False(t, d.Unregister(key))

	require.Len(t, changes, 2)
	assert.Equal(t, CommandRegistered, changes[0].Kind)
	assert.Equal(t, CommandUnregistered, changes[1].Kind)

	cancel()
	require.NoError(t, d.Register(Registration{Key: key, Handler: noop}))
	assert.Len(t, changes, 2)
	assert.False(t, d.Supports(payload.NewHeader("orders", "create", "other")))
}

func TestConcurrentDispatchDuringRegistration(t *testing.T) {
	d := New(nil)
	noop := func(context.Context, *payload.Payload, *payload.Responses) error { return nil }
	require.NoError(t, d.Register(Registration{Key: payload.NewHeader("orders", "", ""), Handler: noop}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = d.Dispatch(context.Background(), newRequest("orders", "create", "submit"), nil)
			}
		}()
	}
	for i := 0; i < 20; i++ {
		key := payload.NewHeader("orders", "type", string(rune('a'+i)))
		require.NoError(t, d.Register(Registration{Key: key, Handler: noop}))
	}
	wg.Wait()

	assert.Equal(t, uint64(800), d.Stats().Dispatched)
	assert.Equal(t, 21, d.Stats().Commands)
}
