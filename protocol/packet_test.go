package protocol

import (
	"bytes"
	"testing"

	"github.com/drpcorg/fabric/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacket_RoundTrip(t *testing.T) {
	tests := []*command.Packet{
		{Op: command.OpWindowInit, Dest: 10, Sender: 1},
		{Op: 7, Dest: 1 << 40, Correlation: 99, Sender: 2, Flags: command.FlagReply, Payload: []byte("ok")},
		{Op: 8, Dest: 3, Sender: 2, Flags: command.FlagCompressed, Payload: bytes.Repeat([]byte{1}, 1000)},
	}
	for _, p := range tests {
		rec := PacketRecord(p)
		got, err := ParsePacket(rec)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

func TestPacket_Layout(t *testing.T) {
	rec := PacketRecord(&command.Packet{Op: 1, Dest: 2, Sender: 3, Payload: []byte{9}})
	assert.Equal(t, []byte{
		'P', 29, 0, 0, 0,
		'o', 4, 1, 0, 0, 0,
		'd', 8, 2, 0, 0, 0, 0, 0, 0, 0,
		's', 8, 3, 0, 0, 0, 0, 0, 0, 0,
		'b', 1, 9,
	}, rec)
}

func TestPacket_Malformed(t *testing.T) {
	good := PacketRecord(&command.Packet{Op: 1, Dest: 2, Correlation: 4, Sender: 3, Payload: []byte("x")})

	cases := map[string][]byte{
		"truncated":     good[:len(good)-1],
		"not a packet":  Record('Q', []byte("x")),
		"trailing":      append(append([]byte{}, good...), 'x'),
		"no body":       Record('P', Record('O', u32(1)), Record('D', u64(2)), Record('S', u64(3))),
		"short opcode":  Record('P', Record('O', []byte{1}), Record('D', u64(2)), Record('S', u64(3)), Record('B')),
		"missing dest":  Record('P', Record('O', u32(1)), Record('S', u64(3)), Record('B')),
		"extra field":   Record('P', Record('O', u32(1)), Record('D', u64(2)), Record('S', u64(3)), Record('B'), Record('Z')),
		"garbage field": Record('P', []byte{0x01, 0x02}),
	}
	for name, rec := range cases {
		_, err := ParsePacket(rec)
		assert.ErrorIs(t, err, command.ErrProtocol, name)
	}
}

func TestHello(t *testing.T) {
	node, err := ParseHello(HelloRecord(42))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), node)

	_, err = ParseHello(Record('H', []byte{1}))
	assert.ErrorIs(t, err, command.ErrProtocol)
}
