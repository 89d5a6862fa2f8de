package nbd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Fixed newstyle handshake
// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md#fixed-newstyle-negotiation
const (
	NBDMagic       = 0x4e42444d41474943
	NBDOptionMagic = 0x49484156454f5054
	NBDReplyMagic  = 0x3e889045565a9
)

const (
	nbdFlagFixedNewstyle = 1 << 0
	nbdFlagNoZeroes      = 1 << 1
)

// NBD Options
const (
	NBDOptExportName = 1
	NBDOptAbort      = 2
	NBDOptList       = 3
	NBDOptInfo       = 6
	NBDOptGo         = 7
)

// NBD Option replies
const (
	NBDRepAck        = 1
	NBDRepServer     = 2
	NBDRepInfo       = 3
	NBDRepErrUnsup   = 1<<31 + 1
	NBDRepErrInvalid = 1<<31 + 3
	NBDRepErrUnknown = 1<<31 + 6
)

const (
	NBDInfoExport    = 0
	NBDInfoBlockSize = 3
)

// Transmission flags
const (
	NBDFlagHasFlags     = 1 << 0
	NBDFlagSendFlush    = 1 << 2
	NBDFlagSendTrim     = 1 << 5
	NBDFlagCanMulticonn = 1 << 8
)

const (
	maxOptionLength = 4096
	// Sent after the export info unless the client opted out with NO_ZEROES.
	exportNamePadding = 124
)

var ErrNegotiationAborted = errors.New("client aborted negotiation")

// Export is what the client learns about the device during the handshake.
type Export struct {
	Name string
	Size uint64

	MinimumBlockSize   uint32
	PreferredBlockSize uint32
	MaximumBlockSize   uint32
}

func (e Export) transmissionFlags() uint16 {
	return NBDFlagHasFlags | NBDFlagSendFlush | NBDFlagSendTrim | NBDFlagCanMulticonn
}

// An empty name selects the default export, which is the only one.
func (e Export) matches(name string) bool {
	return name == "" || name == e.Name
}

type greeting struct {
	Magic       uint64
	OptionMagic uint64
	Flags       uint16
}

type optionHeader struct {
	Magic  uint64
	Option uint32
	Length uint32
}

type replyHeader struct {
	Magic  uint64
	Option uint32
	Type   uint32
	Length uint32
}

type infoExport struct {
	Type  uint16
	Size  uint64
	Flags uint16
}

type infoBlockSize struct {
	Type      uint16
	Minimum   uint32
	Preferred uint32
	Maximum   uint32
}

// Negotiate runs the server side of the handshake on conn. It returns nil once
// the client selected the export and the transmission phase can start.
func Negotiate(conn io.ReadWriter, export Export) error {
	err := binary.Write(conn, binary.BigEndian, greeting{
		Magic:       NBDMagic,
		OptionMagic: NBDOptionMagic,
		Flags:       nbdFlagFixedNewstyle | nbdFlagNoZeroes,
	})
	if err != nil {
		return fmt.Errorf("failed to send greeting: %w", err)
	}

	var clientFlags uint32

	err = binary.Read(conn, binary.BigEndian, &clientFlags)
	if err != nil {
		return fmt.Errorf("failed to read client flags: %w", err)
	}

	if clientFlags&^(nbdFlagFixedNewstyle|nbdFlagNoZeroes) != 0 {
		return fmt.Errorf("unknown client flags %#x", clientFlags)
	}

	noZeroes := clientFlags&nbdFlagNoZeroes != 0

	for {
		var h optionHeader

		err = binary.Read(conn, binary.BigEndian, &h)
		if err != nil {
			return fmt.Errorf("failed to read option: %w", err)
		}

		if h.Magic != NBDOptionMagic {
			return fmt.Errorf("received invalid option magic %#x", h.Magic)
		}

		if h.Length > maxOptionLength {
			return fmt.Errorf("option %d length %d exceeds maximum %d", h.Option, h.Length, maxOptionLength)
		}

		data := make([]byte, h.Length)

		_, err = io.ReadFull(conn, data)
		if err != nil {
			return fmt.Errorf("failed to read option data: %w", err)
		}

		switch h.Option {
		case NBDOptExportName:
			// No way to report an error here, the client expects the export info or a closed connection.
			if !export.matches(string(data)) {
				return fmt.Errorf("unknown export %q", data)
			}

			return sendExportName(conn, export, noZeroes)
		case NBDOptAbort:
			err = sendReply(conn, h.Option, NBDRepAck, nil)
			if err != nil {
				return err
			}

			return ErrNegotiationAborted
		case NBDOptList:
			if len(data) != 0 {
				err = sendReply(conn, h.Option, NBDRepErrInvalid, nil)
				if err != nil {
					return err
				}

				continue
			}

			err = sendList(conn, h.Option, export)
			if err != nil {
				return err
			}
		case NBDOptInfo, NBDOptGo:
			// go-nbd's client announces no data and sends the request right after the header.
			if h.Length == 0 {
				data, err = readInfoRequest(conn)
				if err != nil {
					return err
				}
			}

			name, parseErr := parseInfoRequest(data)
			if parseErr != nil {
				err = sendReply(conn, h.Option, NBDRepErrInvalid, []byte(parseErr.Error()))
				if err != nil {
					return err
				}

				continue
			}

			if !export.matches(name) {
				err = sendReply(conn, h.Option, NBDRepErrUnknown, fmt.Appendf(nil, "unknown export %q", name))
				if err != nil {
					return err
				}

				continue
			}

			err = sendInfo(conn, h.Option, export)
			if err != nil {
				return err
			}

			if h.Option == NBDOptGo {
				return nil
			}
		default:
			err = sendReply(conn, h.Option, NBDRepErrUnsup, nil)
			if err != nil {
				return err
			}
		}
	}
}

// parseInfoRequest returns the export name of an NBD_OPT_INFO or NBD_OPT_GO request.
// The requested info types are ignored, the server always sends all it has.
func parseInfoRequest(data []byte) (string, error) {
	if len(data) < 6 {
		return "", fmt.Errorf("info request of %d bytes is too short", len(data))
	}

	nameLength := int(binary.BigEndian.Uint32(data))
	if nameLength > len(data)-6 {
		return "", fmt.Errorf("export name length %d exceeds the request", nameLength)
	}

	name := string(data[4 : 4+nameLength])

	requests := int(binary.BigEndian.Uint16(data[4+nameLength:]))
	if len(data) != 4+nameLength+2+2*requests {
		return "", fmt.Errorf("info request has %d bytes, expected %d", len(data), 4+nameLength+2+2*requests)
	}

	return name, nil
}

func readInfoRequest(r io.Reader) ([]byte, error) {
	var nameLength uint32

	err := binary.Read(r, binary.BigEndian, &nameLength)
	if err != nil {
		return nil, fmt.Errorf("failed to read export name length: %w", err)
	}

	if nameLength > maxOptionLength {
		return nil, fmt.Errorf("export name length %d exceeds maximum %d", nameLength, maxOptionLength)
	}

	data := binary.BigEndian.AppendUint32(nil, nameLength)
	data = append(data, make([]byte, nameLength+2)...)

	_, err = io.ReadFull(r, data[4:])
	if err != nil {
		return nil, fmt.Errorf("failed to read export name: %w", err)
	}

	requests := make([]byte, 2*int(binary.BigEndian.Uint16(data[4+nameLength:])))

	_, err = io.ReadFull(r, requests)
	if err != nil {
		return nil, fmt.Errorf("failed to read info requests: %w", err)
	}

	return append(data, requests...), nil
}

func sendReply(w io.Writer, option, replyType uint32, data []byte) error {
	err := binary.Write(w, binary.BigEndian, replyHeader{
		Magic:  NBDReplyMagic,
		Option: option,
		Type:   replyType,
		Length: uint32(len(data)),
	})
	if err != nil {
		return fmt.Errorf("failed to send reply header: %w", err)
	}

	if len(data) == 0 {
		return nil
	}

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("failed to send reply data: %w", err)
	}

	return nil
}

func sendList(w io.Writer, option uint32, export Export) error {
	data := binary.BigEndian.AppendUint32(nil, uint32(len(export.Name)))
	data = append(data, export.Name...)

	err := sendReply(w, option, NBDRepServer, data)
	if err != nil {
		return err
	}

	return sendReply(w, option, NBDRepAck, nil)
}

func sendInfo(w io.Writer, option uint32, export Export) error {
	info, err := binary.Append(nil, binary.BigEndian, infoExport{
		Type:  NBDInfoExport,
		Size:  export.Size,
		Flags: export.transmissionFlags(),
	})
	if err != nil {
		return err
	}

	err = sendReply(w, option, NBDRepInfo, info)
	if err != nil {
		return err
	}

	blockSize, err := binary.Append(nil, binary.BigEndian, infoBlockSize{
		Type:      NBDInfoBlockSize,
		Minimum:   export.MinimumBlockSize,
		Preferred: export.PreferredBlockSize,
		Maximum:   export.MaximumBlockSize,
	})
	if err != nil {
		return err
	}

	err = sendReply(w, option, NBDRepInfo, blockSize)
	if err != nil {
		return err
	}

	return sendReply(w, option, NBDRepAck, nil)
}

func sendExportName(w io.Writer, export Export, noZeroes bool) error {
	data := binary.BigEndian.AppendUint64(nil, export.Size)
	data = binary.BigEndian.AppendUint16(data, export.transmissionFlags())

	if !noZeroes {
		data = append(data, make([]byte, exportNamePadding)...)
	}

	_, err := w.Write(data)
	if err != nil {
		return fmt.Errorf("failed to send export info: %w", err)
	}

	return nil
}
