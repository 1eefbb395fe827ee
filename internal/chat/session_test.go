package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/moodchat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJoinedSession(t *testing.T, b domain.Broker, room string) *Session {
	t.Helper()
	s, err := NewSession(domain.RoomID(room), b, clockwork.NewRealClock())
	require.NoError(t, err)
	require.NoError(t, s.Join(context.Background()))
	t.Cleanup(func() { _ = s.Leave(context.Background()) })
	return s
}

func TestNewSession_RejectsEmptyRoom(t *testing.T) {
	_, err := NewSession("", &fakeBroker{}, clockwork.NewRealClock())
	assert.ErrorIs(t, err, domain.ErrEmptyRoom)
}

func TestNewSession_DerivesGroupAndStartsConnecting(t *testing.T) {
	s, err := NewSession("abc", &fakeBroker{}, clockwork.NewRealClock())
	require.NoError(t, err)

	assert.Equal(t, "chat_abc", s.Group())
	assert.Equal(t, StateConnecting, s.State())
	assert.NotEqual(t, domain.ConnectionID{}, s.ID())
}

func TestSession_JoinFailureClosesSession(t *testing.T) {
	b := &fakeBroker{addErr: errors.New("dial tcp: connection refused")}
	s, err := NewSession("abc", b, clockwork.NewRealClock())
	require.NoError(t, err)

	err = s.Join(context.Background())
	require.ErrorIs(t, err, domain.ErrRegistrationFailed)
	assert.Equal(t, StateClosed, s.State())

	// nothing to undo
	assert.NoError(t, s.Leave(context.Background()))
	assert.Empty(t, b.removedGroups())
	assert.ErrorIs(t, s.Join(context.Background()), domain.ErrSessionClosed, "no retry on the same session")
}

func TestSession_LeaveIsIdempotent(t *testing.T) {
	b := &fakeBroker{}
	s := newJoinedSession(t, b, "abc")

	require.NoError(t, s.Leave(context.Background()))
	require.NoError(t, s.Leave(context.Background()))

	assert.Equal(t, []string{"chat_abc"}, b.removedGroups())
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_LeaveWithoutJoin(t *testing.T) {
	b := &fakeBroker{}
	s, err := NewSession("abc", b, clockwork.NewRealClock())
	require.NoError(t, err)

	assert.NoError(t, s.Leave(context.Background()))
	assert.Empty(t, b.removedGroups())
}

func TestSession_AcceptRequiresJoin(t *testing.T) {
	server, _ := newTestConnPair(t)
	s, err := NewSession("abc", &fakeBroker{}, clockwork.NewRealClock())
	require.NoError(t, err)

	assert.ErrorIs(t, s.Accept(server), errNotJoined)

	require.NoError(t, s.Leave(context.Background()))
	assert.ErrorIs(t, s.Accept(server), domain.ErrSessionClosed)
}

func TestSession_RelayPublishesToRoomGroup(t *testing.T) {
	b := &fakeBroker{}
	s := newJoinedSession(t, b, "abc")

	require.NoError(t, s.Relay(context.Background(), []byte(`{"message":"hi"}`)))
	require.NoError(t, s.Relay(context.Background(), []byte(`{"message":""}`)))

	assert.Equal(t, []domain.Envelope{
		{Type: domain.EnvelopeTypeChatMessage, Message: "hi"},
		{Type: domain.EnvelopeTypeChatMessage, Message: ""},
	}, b.publishedEnvelopes())
}

func TestSession_RelayRejectsMalformedFrames(t *testing.T) {
	frames := []string{
		`not json`,
		`{}`,
		`{"message":null}`,
		`{"message":5}`,
		`{"text":"hi"}`,
		`["hi"]`,
	}

	for _, frame := range frames {
		t.Run(frame, func(t *testing.T) {
			b := &fakeBroker{}
			s := newJoinedSession(t, b, "abc")

			err := s.Relay(context.Background(), []byte(frame))
			assert.ErrorIs(t, err, domain.ErrMalformedMessage)
			assert.Empty(t, b.publishedEnvelopes())
			assert.NotEqual(t, StateClosed, s.State(), "malformed input keeps the session open")
		})
	}
}

func TestSession_RelayBrokerFailureIsTransient(t *testing.T) {
	b := &fakeBroker{publishErr: errors.New("connection reset")}
	s := newJoinedSession(t, b, "abc")

	err := s.Relay(context.Background(), []byte(`{"message":"hi"}`))
	require.ErrorIs(t, err, domain.ErrBrokerUnavailable)
	assert.NotEqual(t, StateClosed, s.State())

	b.mu.Lock()
	b.publishErr = nil
	b.mu.Unlock()
	assert.NoError(t, s.Relay(context.Background(), []byte(`{"message":"again"}`)))
}

func TestSession_DeliverAfterLeave(t *testing.T) {
	s := newJoinedSession(t, &fakeBroker{}, "abc")
	require.NoError(t, s.Leave(context.Background()))

	err := s.Deliver(domain.NewChatEnvelope("late"))
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}

func TestSession_SlowConsumerIsEvicted(t *testing.T) {
	b := &fakeBroker{}
	s := newJoinedSession(t, b, "abc")

	// not accepted yet, so nothing drains the queue
	for range messageBufferSize {
		require.NoError(t, s.Deliver(domain.NewChatEnvelope("x")))
	}

	err := s.Deliver(domain.NewChatEnvelope("overflow"))
	require.ErrorIs(t, err, domain.ErrSlowConsumer)

	assert.Eventually(t, func() bool { return s.State() == StateClosed }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(b.removedGroups()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSession_DeliverWritesMessageFrame(t *testing.T) {
	server, client := newTestConnPair(t)
	s := newJoinedSession(t, &fakeBroker{}, "abc")
	require.NoError(t, s.Accept(server))
	assert.Equal(t, StateJoined, s.State())

	require.NoError(t, s.Deliver(domain.NewChatEnvelope(`quotes "and" <tags>`)))

	assert.Equal(t, `quotes "and" <tags>`, readChat(t, client))
}

func TestSession_CloseSendsCloseFrame(t *testing.T) {
	server, client := newTestConnPair(t)
	b := &fakeBroker{}
	s := newJoinedSession(t, b, "abc")
	require.NoError(t, s.Accept(server))

	require.NoError(t, s.Close(context.Background(), "bye"))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "bye", closeErr.Text)
	assert.Equal(t, []string{"chat_abc"}, b.removedGroups())
}

func TestSession_ServeLeavesWhenContextCancelled(t *testing.T) {
	server, _ := newTestConnPair(t)
	b := &fakeBroker{}
	s := newJoinedSession(t, b, "abc")
	require.NoError(t, s.Accept(server))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, []string{"chat_abc"}, b.removedGroups())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "joined", StateJoined.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}

// slowJoinBroker holds AddToGroup until release is closed.
type slowJoinBroker struct {
	*fakeBroker
	entered chan struct{}
	release chan struct{}
}

func newSlowJoinBroker() *slowJoinBroker {
	return &slowJoinBroker{
		fakeBroker: &fakeBroker{},
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (b *slowJoinBroker) AddToGroup(ctx context.Context, group string, m domain.Member) error {
	close(b.entered)
	<-b.release
	return b.fakeBroker.AddToGroup(ctx, group, m)
}

func TestSession_JoinDoesNotHoldLockDuringBrokerCall(t *testing.T) {
	b := newSlowJoinBroker()
	s, err := NewSession("abc", b, clockwork.NewRealClock())
	require.NoError(t, err)

	joinErr := make(chan error, 1)
	go func() { joinErr <- s.Join(context.Background()) }()
	<-b.entered

	stateRead := make(chan State, 1)
	go func() { stateRead <- s.State() }()
	select {
	case st := <-stateRead:
		assert.Equal(t, StateConnecting, st)
	case <-time.After(time.Second):
		t.Fatal("State blocked while Join was waiting on the broker")
	}

	assert.ErrorIs(t, s.Join(context.Background()), domain.ErrSessionClosed, "concurrent Join is refused")

	close(b.release)
	require.NoError(t, <-joinErr)
	require.NoError(t, s.Leave(context.Background()))
	assert.Equal(t, []string{"chat_abc"}, b.removedGroups())
}

func TestSession_LeaveDuringJoinUndoesMembership(t *testing.T) {
	b := newSlowJoinBroker()
	s, err := NewSession("abc", b, clockwork.NewRealClock())
	require.NoError(t, err)

	joinErr := make(chan error, 1)
	go func() { joinErr <- s.Join(context.Background()) }()
	<-b.entered

	require.NoError(t, s.Leave(context.Background()))
	assert.Empty(t, b.removedGroups(), "nothing to remove before the join lands")

	close(b.release)
	assert.ErrorIs(t, <-joinErr, domain.ErrSessionClosed)
	assert.Equal(t, []string{"chat_abc"}, b.removedGroups())
	assert.Equal(t, StateClosed, s.State())
}
