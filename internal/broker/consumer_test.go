package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

type fakeAcker struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *fakeAcker) Ack(uint64, bool) error {
	a.acked = true
	return nil
}

func (a *fakeAcker) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func (a *fakeAcker) Reject(_ uint64, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func newTestConsumer() *Consumer {
	return &Consumer{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestDispatch_Settlement(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		wantAck     bool
		wantRequeue bool
	}{
		{"success acks", nil, true, false},
		{"permanent dead-letters", Permanent(errors.New("malformed body")), false, false},
		{"transient requeues", errors.New("database unavailable"), false, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			acker := &fakeAcker{}
			d := amqp.Delivery{Acknowledger: acker, MessageId: "m-1"}

			newTestConsumer().dispatch(context.Background(), "listas.notifications", d,
				HandlerFunc(func(context.Context, amqp.Delivery) error { return tc.err }))

			assert.Equal(t, tc.wantAck, acker.acked)
			assert.Equal(t, !tc.wantAck, acker.nacked)
			assert.Equal(t, tc.wantRequeue, acker.requeue)
		})
	}
}

func TestPermanent(t *testing.T) {
	assert.NoError(t, Permanent(nil))

	base := errors.New("unknown event type")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
}

type recordingDeclarer struct {
	exchanges map[string]amqp.Table
	bindings  []string
}

func (r *recordingDeclarer) ExchangeDeclare(name, _ string, _, _, _, _ bool, args amqp.Table) error {
	if r.exchanges == nil {
		r.exchanges = map[string]amqp.Table{}
	}
	r.exchanges[name] = args
	return nil
}

func (r *recordingDeclarer) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (r *recordingDeclarer) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	r.bindings = append(r.bindings, exchange+"->"+name+":"+key)
	return nil
}

func TestDeclareTopology(t *testing.T) {
	r := &recordingDeclarer{}
	err := DeclareTopology(r, Topology{Exchange: "listas.events", DeadLetterExchange: "listas.events.dlx", DeadLetterQueue: "listas.events.dlq"})
	assert.NoError(t, err)

	assert.Equal(t, "listas.events.dlx", r.exchanges["listas.events"]["alternate-exchange"])
	assert.Nil(t, r.exchanges["listas.events.dlx"])
	assert.Equal(t, []string{"listas.events.dlx->listas.events.dlq:#"}, r.bindings)

	assert.Error(t, DeclareTopology(r, Topology{Exchange: "x"}))
	assert.Equal(t, amqp.Table{"x-dead-letter-exchange": "dlx"}, DeadLetterArgs("dlx"))
}
