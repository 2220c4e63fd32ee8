package packets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, p Packet) Packet {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, p))
	got, n, err := Decode(buf.Bytes(), 0)
	require.NoError(t, err)
	assert.Equal(t, buf.Len(), n)
	return got
}

func TestRoundTripConnect(t *testing.T) {
	c := &Connect{
		ProtocolLevel: 4,
		CleanSession:  true,
		KeepAlive:     60,
		ClientID:      "user",
		HasUsername:   true,
		Username:      "bob",
		HasPassword:   true,
		Password:      []byte("secret"),
		Will: &Will{
			Topic:   "lwt/user",
			Message: []byte("bye"),
			QoS:     AtLeastOnce,
			Retain:  true,
		},
	}
	got := roundTrip(t, c).(*Connect)
	assert.Equal(t, c.ClientID, got.ClientID)
	assert.Equal(t, c.KeepAlive, got.KeepAlive)
	assert.Equal(t, c.Username, got.Username)
	assert.Equal(t, c.Password, got.Password)
	require.NotNil(t, got.Will)
	assert.Equal(t, c.Will.Topic, got.Will.Topic)
	assert.Equal(t, c.Will.QoS, got.Will.QoS)
	assert.True(t, got.Will.Retain)
}

func TestRoundTripConnack(t *testing.T) {
	for _, rc := range []ConnackReturnCode{Accepted, BadUserNameOrPassword, IdentifierRejected, NotAuthorized, ServerUnavailable} {
		got := roundTrip(t, &Connack{ReturnCode: rc}).(*Connack)
		assert.Equal(t, rc, got.ReturnCode)
		assert.False(t, got.SessionPresent)
	}
}

func TestRoundTripPublishPreservesPayloadBytes(t *testing.T) {
	payload := []byte{0x00, 0xFF, 0x10, 0x00, 'h', 'i'}
	p := &Publish{QoS: AtLeastOnce, Topic: "test", PacketID: 7, Payload: payload}
	got := roundTrip(t, p).(*Publish)
	assert.Equal(t, payload, got.Payload)
	assert.Equal(t, uint16(7), got.PacketID)
}

func TestRoundTripPublishQoS0EmptyPayload(t *testing.T) {
	p := &Publish{QoS: AtMostOnce, Topic: "test", Payload: nil}
	got := roundTrip(t, p).(*Publish)
	assert.Equal(t, "test", got.Topic)
	assert.Empty(t, got.Payload)
}

func TestDecodePublishRejectsDupOnQoS0(t *testing.T) {
	p := &Publish{Dup: true, QoS: AtMostOnce, Topic: "x"}
	var buf bytes.Buffer
	// hand-craft since Encode would happily serialize an invalid combination
	flags := publishFlags(p)
	body := appendPublishBody(nil, p)
	h := FixedHeader{Type: PUBLISH, Flags: flags, RemainingLength: len(body)}
	hb := h.append(nil)
	buf.Write(hb)
	buf.Write(body)
	_, _, err := Decode(buf.Bytes(), 0)
	var de *DecodeError
	assert.ErrorAs(t, err, &de)
}

func TestRoundTripSubscribeSuback(t *testing.T) {
	s := &Subscribe{PacketID: 2, Subscriptions: []TopicSubscription{
		{Filter: "topic1", MaxQoS: AtLeastOnce},
		{Filter: "a/+/c", MaxQoS: ExactlyOnce},
	}}
	got := roundTrip(t, s).(*Subscribe)
	require.Len(t, got.Subscriptions, 2)
	assert.Equal(t, "topic1", got.Subscriptions[0].Filter)
	assert.Equal(t, ExactlyOnce, got.Subscriptions[1].MaxQoS)

	sa := &Suback{PacketID: 2, ReturnCodes: []SubscribeReturnCode{SubSuccessQoS1, SubFailure}}
	gotSa := roundTrip(t, sa).(*Suback)
	assert.Equal(t, sa.ReturnCodes, gotSa.ReturnCodes)
}

func TestRoundTripUnsubscribeUnsuback(t *testing.T) {
	u := &Unsubscribe{PacketID: 9, Topics: []string{"a/b", "c/#"}}
	got := roundTrip(t, u).(*Unsubscribe)
	assert.Equal(t, u.Topics, got.Topics)

	ua := &Unsuback{PacketID: 9}
	gotUa := roundTrip(t, ua).(*Unsuback)
	assert.Equal(t, ua.PacketID, gotUa.PacketID)
}

func TestRoundTripAcksAndControl(t *testing.T) {
	assert.Equal(t, uint16(5), roundTrip(t, &Puback{PacketID: 5}).(*Puback).PacketID)
	assert.Equal(t, uint16(5), roundTrip(t, &Pubrec{PacketID: 5}).(*Pubrec).PacketID)
	assert.Equal(t, uint16(5), roundTrip(t, &Pubrel{PacketID: 5}).(*Pubrel).PacketID)
	assert.Equal(t, uint16(5), roundTrip(t, &Pubcomp{PacketID: 5}).(*Pubcomp).PacketID)
	roundTrip(t, &Pingreq{})
	roundTrip(t, &Pingresp{})
	roundTrip(t, &Disconnect{})
}

func TestDecodeNeedMore(t *testing.T) {
	_, _, err := Decode([]byte{byte(PINGREQ) << 4}, 0)
	assert.ErrorIs(t, err, ErrNeedMore)
}

func TestDecodeMaxSizeExceeded(t *testing.T) {
	p := &Publish{QoS: AtMostOnce, Topic: "test", Payload: bytes.Repeat([]byte{'x'}, 100)}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, p))
	_, _, err := Decode(buf.Bytes(), 16)
	var mse *MaxSizeError
	assert.ErrorAs(t, err, &mse)
}

func TestDecodeRejectsWildcardPublishTopic(t *testing.T) {
	body := appendPublishBody(nil, &Publish{QoS: AtMostOnce, Topic: "#"})
	h := FixedHeader{Type: PUBLISH, Flags: publishFlags(&Publish{QoS: AtMostOnce}), RemainingLength: len(body)}
	var buf bytes.Buffer
	buf.Write(h.append(nil))
	buf.Write(body)
	_, _, err := Decode(buf.Bytes(), 0)
	assert.Error(t, err)
}

func TestValidateFilter(t *testing.T) {
	assert.NoError(t, ValidateFilter("a/b/#"))
	assert.NoError(t, ValidateFilter("+/b/+"))
	assert.Error(t, ValidateFilter("a/b#"))
	assert.Error(t, ValidateFilter("a/#/b"))
	assert.Error(t, ValidateFilter(""))
}
