package par2

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildFileDescPacket(t *testing.T, hash16k [16]byte, length uint64, name string) []byte {
	t.Helper()

	nameBytes := []byte(name)
	for len(nameBytes)%4 != 0 {
		nameBytes = append(nameBytes, 0)
	}

	body := &bytes.Buffer{}
	var fileID, fileMD5 [16]byte
	require.NoError(t, binary.Write(body, binary.LittleEndian, fileID))
	require.NoError(t, binary.Write(body, binary.LittleEndian, fileMD5))
	require.NoError(t, binary.Write(body, binary.LittleEndian, hash16k))
	require.NoError(t, binary.Write(body, binary.LittleEndian, length))
	body.Write(nameBytes)

	h := Header{
		Magic:  Magic,
		Length: uint64(HeaderSize + body.Len()),
		Type:   TypeFileDesc,
	}
	out := &bytes.Buffer{}
	require.NoError(t, binary.Write(out, binary.LittleEndian, h))
	out.Write(body.Bytes())
	return out.Bytes()
}

func buildOtherPacket(t *testing.T, bodyLen int) []byte {
	t.Helper()
	for bodyLen%4 != 0 {
		bodyLen++
	}
	h := Header{
		Magic:  Magic,
		Length: uint64(HeaderSize + bodyLen),
		Type:   [16]byte{'P', 'A', 'R', ' ', '2', '.', '0', 0, 'C', 'r', 'e', 'a', 't', 'o', 'r', 0},
	}
	out := &bytes.Buffer{}
	require.NoError(t, binary.Write(out, binary.LittleEndian, h))
	out.Write(make([]byte, bodyLen))
	return out.Bytes()
}

func TestHasMagic(t *testing.T) {
	assert.True(t, HasMagic([]byte("PAR2\x00PKT rest")))
	assert.False(t, HasMagic([]byte("PAR2PKT")))
	assert.False(t, HasMagic([]byte("PAR")))
}

func TestScanFileDescs(t *testing.T) {
	hashA := [16]byte{1, 2, 3}
	hashB := [16]byte{4, 5, 6}

	var stream bytes.Buffer
	stream.Write(buildOtherPacket(t, 20))
	stream.Write(buildFileDescPacket(t, hashA, 12345, "movie.mkv"))
	stream.Write(buildOtherPacket(t, 0))
	stream.Write(buildFileDescPacket(t, hashB, 678, "movie.nfo"))

	descs := ScanFileDescs(&stream)
	require.Len(t, descs, 2)
	assert.Equal(t, "movie.mkv", descs[hashA].Name)
	assert.Equal(t, uint64(12345), descs[hashA].Length)
	assert.Equal(t, "movie.nfo", descs[hashB].Name)
}

func TestScanStopsOnGarbage(t *testing.T) {
	hashA := [16]byte{9}

	var stream bytes.Buffer
	stream.Write(buildFileDescPacket(t, hashA, 1, "a.bin"))
	stream.WriteString("trailing garbage that is not a packet")

	descs := ScanFileDescs(&stream)
	require.Len(t, descs, 1)
	assert.Equal(t, "a.bin", descs[hashA].Name)
}

func TestReadHeaderRejectsBadLength(t *testing.T) {
	h := Header{Magic: Magic, Length: 30}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, h))

	_, err := NewScanner(&buf).ReadHeader()
	assert.Error(t, err)
}
