package wire

import (
	"errors"
	"testing"

	"github.com/blockberries/cramberry/pkg/cramberry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindHandshakeStart, "HandshakeStart"},
		{KindHandshakeNonce, "HandshakeNonce"},
		{KindHandshakeVerdict, "HandshakeVerdict"},
		{KindWantToComputeTask, "WantToComputeTask"},
		{KindDisconnect, "Disconnect"},
		{Kind(99), "Kind(99)"},
	}

	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestEncodeDecode_TaskRequest(t *testing.T) {
	req := TaskRequest{
		NodeName:        "worker-1",
		TaskID:          "task-42",
		PerfIndex:       1234.5,
		Price:           10,
		MaxResourceSize: 1 << 30,
		MaxMemorySize:   1 << 32,
		NumCores:        8,
	}

	frame, err := Encode(req)
	require.NoError(t, err)
	assert.Equal(t, byte(KindWantToComputeTask), frame[0])

	msg, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, req, msg)
}

func TestEncode_VerdictBodyIsCramberry(t *testing.T) {
	verdict := HandshakeVerdict{Nonce: "n1", Accepted: true}
	frame, err := Encode(verdict)
	require.NoError(t, err)

	body, err := cramberry.Marshal(verdict)
	require.NoError(t, err)
	assert.Equal(t, body, frame[1:])

	var decoded HandshakeVerdict
	require.NoError(t, cramberry.Unmarshal(frame[1:], &decoded))
	assert.Equal(t, verdict, decoded)
}

func TestEncodeDecode_AllKinds(t *testing.T) {
	msgs := []Message{
		HandshakeStart{ContentRef: "bafkreihdwdcefgh4dqkjv67uzcmw7ojee6xedzdetojuzjevtenxquvyku"},
		HandshakeNonce{Nonce: "6ba7b810-9dad-11d1-80b4-00c04fd430c8"},
		HandshakeVerdict{Nonce: "n", Accepted: false},
		Disconnect{Reason: "resource handshake failure"},
	}
	for _, m := range msgs {
		t.Run(m.Kind().String(), func(t *testing.T) {
			frame, err := Encode(m)
			require.NoError(t, err)
			got, err := Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
	}
}

func TestAppendFrame_ReusesBuffer(t *testing.T) {
	buf := make([]byte, 0, 64)
	out, err := AppendFrame(buf, HandshakeNonce{Nonce: "abc"})
	require.NoError(t, err)
	assert.Same(t, &buf[:1][0], &out[0], "expected append into provided capacity")
}

func TestEncode_Nil(t *testing.T) {
	_, err := Encode(nil)
	assert.Error(t, err)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode(nil)
	assert.True(t, errors.Is(err, ErrEmptyFrame))

	_, err = Decode([]byte{200, '{', '}'})
	assert.True(t, errors.Is(err, ErrUnknownKind))

	frame, err := Encode(HandshakeNonce{Nonce: "a-long-enough-nonce"})
	require.NoError(t, err)
	_, err = Decode(frame[:len(frame)-4])
	assert.Error(t, err, "truncated body")
}
