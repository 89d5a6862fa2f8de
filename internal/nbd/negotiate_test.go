package nbd

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/vbswap/internal/swap"
)

type optionReply struct {
	Type uint32
	Data []byte
}

// handshake plays the client side of the fixed newstyle greeting.
func handshake(t *testing.T, conn net.Conn, clientFlags uint32) {
	t.Helper()

	var g greeting
	require.NoError(t, binary.Read(conn, binary.BigEndian, &g))
	require.Equal(t, uint64(NBDMagic), g.Magic)
	require.Equal(t, uint64(NBDOptionMagic), g.OptionMagic)
	require.NotZero(t, g.Flags&nbdFlagFixedNewstyle)

	require.NoError(t, binary.Write(conn, binary.BigEndian, clientFlags))
}

func sendOption(t *testing.T, conn net.Conn, option uint32, data []byte) {
	t.Helper()

	header, err := binary.Append(nil, binary.BigEndian, optionHeader{
		Magic:  NBDOptionMagic,
		Option: option,
		Length: uint32(len(data)),
	})
	require.NoError(t, err)

	_, err = conn.Write(append(header, data...))
	require.NoError(t, err)
}

// readReplies collects option replies up to the final ack or error.
func readReplies(t *testing.T, conn net.Conn, option uint32) []optionReply {
	t.Helper()

	var replies []optionReply

	for {
		var h replyHeader
		require.NoError(t, binary.Read(conn, binary.BigEndian, &h))
		require.Equal(t, uint64(NBDReplyMagic), h.Magic)
		require.Equal(t, option, h.Option)

		data := make([]byte, h.Length)
		_, err := io.ReadFull(conn, data)
		require.NoError(t, err)

		replies = append(replies, optionReply{Type: h.Type, Data: data})

		if h.Type != NBDRepInfo && h.Type != NBDRepServer {
			return replies
		}
	}
}

func infoRequest(name string, infos ...uint16) []byte {
	data := binary.BigEndian.AppendUint32(nil, uint32(len(name)))
	data = append(data, name...)
	data = binary.BigEndian.AppendUint16(data, uint16(len(infos)))

	for _, info := range infos {
		data = binary.BigEndian.AppendUint16(data, info)
	}

	return data
}

func startNegotiate(t *testing.T, export Export) (net.Conn, <-chan error) {
	t.Helper()

	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	done := make(chan error, 1)
	go func() {
		done <- Negotiate(server, export)
	}()

	return client, done
}

func waitNegotiate(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("negotiation did not finish")

		return nil
	}
}

var testExport = Export{
	Name:               swap.DeviceName,
	Size:               swap.DefaultCapacity,
	MinimumBlockSize:   swap.LogicalBlockSize,
	PreferredBlockSize: testPageSize,
	MaximumBlockSize:   testPageSize,
}

func TestNegotiate_Go(t *testing.T) {
	t.Parallel()

	conn, done := startNegotiate(t, testExport)

	handshake(t, conn, nbdFlagFixedNewstyle|nbdFlagNoZeroes)
	sendOption(t, conn, NBDOptGo, infoRequest(swap.DeviceName, NBDInfoBlockSize))

	replies := readReplies(t, conn, NBDOptGo)
	require.Len(t, replies, 3)

	var info infoExport
	require.Equal(t, uint32(NBDRepInfo), replies[0].Type)
	require.NoError(t, binary.Read(bytes.NewReader(replies[0].Data), binary.BigEndian, &info))
	assert.Equal(t, uint64(swap.DefaultCapacity), info.Size)
	assert.NotZero(t, info.Flags&NBDFlagHasFlags)
	assert.NotZero(t, info.Flags&NBDFlagSendFlush)

	var blockSize infoBlockSize
	require.Equal(t, uint32(NBDRepInfo), replies[1].Type)
	require.NoError(t, binary.Read(bytes.NewReader(replies[1].Data), binary.BigEndian, &blockSize))
	assert.Equal(t, uint16(NBDInfoBlockSize), blockSize.Type)
	assert.Equal(t, uint32(swap.LogicalBlockSize), blockSize.Minimum)
	assert.Equal(t, uint32(testPageSize), blockSize.Maximum)

	assert.Equal(t, uint32(NBDRepAck), replies[2].Type)

	require.NoError(t, waitNegotiate(t, done))
}

func TestNegotiate_OptionErrors(t *testing.T) {
	t.Parallel()

	conn, done := startNegotiate(t, testExport)

	handshake(t, conn, nbdFlagFixedNewstyle)

	sendOption(t, conn, NBDOptGo, infoRequest("sda"))
	replies := readReplies(t, conn, NBDOptGo)
	require.Len(t, replies, 1)
	assert.Equal(t, uint32(NBDRepErrUnknown), replies[0].Type)

	sendOption(t, conn, NBDOptInfo, []byte{0, 0, 0, 9})
	replies = readReplies(t, conn, NBDOptInfo)
	require.Len(t, replies, 1)
	assert.Equal(t, uint32(NBDRepErrInvalid), replies[0].Type)

	// STARTTLS
	sendOption(t, conn, 5, nil)
	replies = readReplies(t, conn, 5)
	require.Len(t, replies, 1)
	assert.Equal(t, uint32(NBDRepErrUnsup), replies[0].Type)

	sendOption(t, conn, NBDOptList, nil)
	replies = readReplies(t, conn, NBDOptList)
	require.Len(t, replies, 2)
	assert.Equal(t, uint32(NBDRepServer), replies[0].Type)
	assert.Equal(t, append([]byte{0, 0, 0, 5}, swap.DeviceName...), replies[0].Data)
	assert.Equal(t, uint32(NBDRepAck), replies[1].Type)

	sendOption(t, conn, NBDOptAbort, nil)
	replies = readReplies(t, conn, NBDOptAbort)
	require.Len(t, replies, 1)
	assert.Equal(t, uint32(NBDRepAck), replies[0].Type)

	require.ErrorIs(t, waitNegotiate(t, done), ErrNegotiationAborted)
}

func TestNegotiate_ExportName(t *testing.T) {
	t.Parallel()

	t.Run("without zeroes", func(t *testing.T) {
		t.Parallel()

		conn, done := startNegotiate(t, testExport)

		handshake(t, conn, nbdFlagFixedNewstyle|nbdFlagNoZeroes)
		sendOption(t, conn, NBDOptExportName, []byte(swap.DeviceName))

		reply := make([]byte, 10)
		_, err := io.ReadFull(conn, reply)
		require.NoError(t, err)
		assert.Equal(t, uint64(swap.DefaultCapacity), binary.BigEndian.Uint64(reply))

		require.NoError(t, waitNegotiate(t, done))
	})

	t.Run("with zeroes", func(t *testing.T) {
		t.Parallel()

		conn, done := startNegotiate(t, testExport)

		handshake(t, conn, nbdFlagFixedNewstyle)
		sendOption(t, conn, NBDOptExportName, nil)

		reply := make([]byte, 10+exportNamePadding)
		_, err := io.ReadFull(conn, reply)
		require.NoError(t, err)
		assert.Equal(t, make([]byte, exportNamePadding), reply[10:])

		require.NoError(t, waitNegotiate(t, done))
	})

	t.Run("unknown export", func(t *testing.T) {
		t.Parallel()

		conn, done := startNegotiate(t, testExport)

		handshake(t, conn, nbdFlagFixedNewstyle)
		sendOption(t, conn, NBDOptExportName, []byte("sda"))

		require.Error(t, waitNegotiate(t, done))
	})
}

func TestNegotiate_UnknownClientFlags(t *testing.T) {
	t.Parallel()

	conn, done := startNegotiate(t, testExport)

	handshake(t, conn, nbdFlagFixedNewstyle|1<<4)

	require.Error(t, waitNegotiate(t, done))
}

func TestNegotiate_GoWithoutLength(t *testing.T) {
	t.Parallel()

	conn, done := startNegotiate(t, testExport)

	handshake(t, conn, 0)

	// Same bytes the go-nbd client puts on the wire.
	sendOption(t, conn, NBDOptGo, nil)
	_, err := conn.Write(infoRequest(swap.DeviceName))
	require.NoError(t, err)

	replies := readReplies(t, conn, NBDOptGo)
	require.Len(t, replies, 3)
	assert.Equal(t, uint32(NBDRepAck), replies[2].Type)

	require.NoError(t, waitNegotiate(t, done))
}
