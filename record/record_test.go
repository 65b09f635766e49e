package record

import (
	"testing"
	"time"

	"github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func sampleRecord() *Record {
	return &Record{
		QueueID:           3,
		Flag:              7,
		SysFlag:           TransactionNotType,
		BornTimestamp:     time.Now().UnixMilli(),
		BornHost:          Host{IP: []byte{10, 0, 0, 1}, Port: 9000},
		StoreHost:         Host{IP: []byte{10, 0, 0, 2}, Port: 10911},
		ReconsumeTimes:    0,
		PreparedTxnOffset: 0,
		Body:              []byte("hello world"),
		Topic:             "orders",
		Properties:        BuildProperties(map[string]string{"a": "1", "b": "2"}, []string{"a", "b"}),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := sampleRecord()
	buf, err := Encode(rec, nil)
	require.NoError(t, err)

	PatchOffsets(buf, 5, 1024, time.Now().UnixMilli(), rec.BornHost.encodedLen())

	got, n, err := Decode(buf, true)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.NotNil(t, got)

	require.Equal(t, rec.QueueID, got.QueueID)
	require.Equal(t, rec.Flag, got.Flag)
	require.Equal(t, uint64(5), got.QueueOffset)
	require.Equal(t, uint64(1024), got.PhysicalOffset)
	require.Equal(t, rec.Body, got.Body)
	require.Equal(t, rec.Topic, got.Topic)
	require.Equal(t, rec.Properties, got.Properties)
	require.Equal(t, ParseProperties(rec.Properties), ParseProperties(got.Properties))
}

func TestDecodeBadMagic(t *testing.T) {
	buf := make([]byte, 16)
	buf[7] = 0x01 // magic != DataMagic, != BlankMagic
	_, _, err := Decode(buf, false)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestDecodePadding(t *testing.T) {
	buf := EncodePadding(nil, 24)
	rec, n, err := Decode(buf, false)
	require.NoError(t, err)
	require.Nil(t, rec)
	require.Equal(t, 24, n)
}

func TestDecodeTruncated(t *testing.T) {
	rec := sampleRecord()
	buf, err := Encode(rec, nil)
	require.NoError(t, err)
	_, _, err = Decode(buf[:len(buf)-2], false)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeCRCMismatch(t *testing.T) {
	rec := sampleRecord()
	buf, err := Encode(rec, nil)
	require.NoError(t, err)
	// Corrupt the body.
	buf[len(buf)-len(rec.Properties)-20] ^= 0xFF
	_, _, err = Decode(buf, true)
	require.Error(t, err)
}

func TestCreateMessageID(t *testing.T) {
	id := CreateMessageID(Host{IP: []byte{127, 0, 0, 1}, Port: 10911}, 42)
	require.Len(t, id, 32) // 16 bytes hex-encoded
}

func TestComputeLengthRejectsOversizeTopic(t *testing.T) {
	rec := sampleRecord()
	big := make([]byte, 128)
	rec.Topic = string(big)
	_, err := ComputeLength(rec)
	require.ErrorIs(t, err, ErrTopicTooLong)
}

func TestFuzzEncodeDecode(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(0, 64)
	for i := 0; i < 50; i++ {
		var body []byte
		f.Fuzz(&body)
		rec := sampleRecord()
		rec.Body = body
		buf, err := Encode(rec, nil)
		require.NoError(t, err)
		got, _, err := Decode(buf, true)
		require.NoError(t, err)
		require.Equal(t, rec.Body, got.Body)
	}
}

func TestEncodePaddingMinimum(t *testing.T) {
	buf := EncodePadding(nil, MinPadding)
	require.Len(t, buf, MinPadding)
	rec, n, err := Decode(buf, false)
	require.NoError(t, err)
	require.Nil(t, rec)
	require.Equal(t, MinPadding, n)
}
