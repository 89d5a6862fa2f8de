package nbd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/e2b-dev/vbswap/internal/swap"
)

var ErrShuttingDown = errors.New("shutting down. Cannot serve any new requests")

type Provider interface {
	Submit(ctx context.Context, r *swap.Request) error
}

const (
	// The device takes one page per request, the queue limits keep the kernel close to that.
	dispatchBufferSize = 1024 * 1024
	// https://sourceforge.net/p/nbd/mailman/message/35081223/
	// 32MB is the maximum buffer size for a single request that should be universally supported.
	dispatchMaxBufferSize = 32 * 1024 * 1024

	requestHeaderSize  = 28
	responseHeaderSize = 16
)

// NBD Commands
const (
	NBDCmdRead       = 0
	NBDCmdWrite      = 1
	NBDCmdDisconnect = 2
	NBDCmdFlush      = 3
	NBDCmdTrim       = 4
)

const (
	NBDRequestMagic  = 0x25609513
	NBDResponseMagic = 0x67446698
)

// Every failed request is reported to the kernel as a plain I/O error.
const responseIOError = uint32(unix.EIO)

// NBD Request packet
type Request struct {
	Magic  uint32
	Type   uint32
	Handle uint64
	From   uint64
	Length uint32
}

type Dispatch struct {
	fp               io.ReadWriter
	responseHeader   []byte
	writeLock        sync.Mutex
	prov             Provider
	origin           swap.OriginDetector
	logger           *zap.Logger
	pendingResponses sync.WaitGroup
	shuttingDown     bool
	shuttingDownLock sync.Mutex
	fatal            chan error
}

func NewDispatch(fp io.ReadWriter, prov Provider, origin swap.OriginDetector, logger *zap.Logger) *Dispatch {
	d := &Dispatch{
		responseHeader: make([]byte, responseHeaderSize),
		fp:             fp,
		prov:           prov,
		origin:         origin,
		logger:         logger,
		fatal:          make(chan error, 1),
	}

	binary.BigEndian.PutUint32(d.responseHeader, NBDResponseMagic)

	return d
}

func (d *Dispatch) Drain() {
	d.shuttingDownLock.Lock()
	d.shuttingDown = true
	defer d.shuttingDownLock.Unlock()

	// Wait for any pending responses
	d.pendingResponses.Wait()
}

func (d *Dispatch) writeResponse(respError uint32, respHandle uint64, chunk []byte) error {
	d.writeLock.Lock()
	defer d.writeLock.Unlock()

	binary.BigEndian.PutUint32(d.responseHeader[4:], respError)
	binary.BigEndian.PutUint64(d.responseHeader[8:], respHandle)

	_, err := d.fp.Write(d.responseHeader)
	if err != nil {
		return err
	}

	if len(chunk) > 0 {
		_, err = d.fp.Write(chunk)
		if err != nil {
			return err
		}
	}

	return nil
}

// Handle reads NBD requests from the socket until it is closed or the client disconnects.
func (d *Dispatch) Handle(ctx context.Context) error {
	buffer := make([]byte, dispatchBufferSize)
	wp := 0

	request := Request{}

	for {
		n, err := d.fp.Read(buffer[wp:])
		if err != nil {
			return err
		}
		wp += n

		// Now go through processing complete packets
		rp := 0
		for {
			// Check if there is a fatal error from an async read/write to return
			select {
			case err := <-d.fatal:
				return err
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			// Make sure we have a complete header
			if wp-rp < requestHeaderSize {
				break
			}

			header := buffer[rp : rp+requestHeaderSize]
			request.Magic = binary.BigEndian.Uint32(header)
			request.Type = binary.BigEndian.Uint32(header[4:8])
			request.Handle = binary.BigEndian.Uint64(header[8:16])
			request.From = binary.BigEndian.Uint64(header[16:24])
			request.Length = binary.BigEndian.Uint32(header[24:28])

			if request.Magic != NBDRequestMagic {
				return fmt.Errorf("received invalid MAGIC")
			}

			switch request.Type {
			case NBDCmdDisconnect:
				return nil
			case NBDCmdRead:
				rp += requestHeaderSize

				err := d.cmdRead(ctx, request.Handle, request.From, request.Length)
				if err != nil {
					return err
				}
			case NBDCmdWrite:
				rp += requestHeaderSize

				if request.Length > dispatchMaxBufferSize {
					return fmt.Errorf("nbd write request length %d exceeds maximum %d", request.Length, dispatchMaxBufferSize)
				}

				data := make([]byte, request.Length)

				dataCopied := copy(data, buffer[rp:wp])

				rp += dataCopied

				// The payload can be larger than what is left in the buffer, read the rest directly.
				for dataCopied < int(request.Length) {
					n, err := d.fp.Read(data[dataCopied:])
					if err != nil {
						return fmt.Errorf("nbd write read error: %w", err)
					}

					dataCopied += n

					select {
					case err := <-d.fatal:
						return err
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				err := d.cmdWrite(ctx, request.Handle, request.From, data)
				if err != nil {
					return err
				}
			case NBDCmdFlush, NBDCmdTrim:
				// Nothing is persisted, so there is nothing to flush or discard.
				rp += requestHeaderSize

				err := d.writeResponse(0, request.Handle, nil)
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("nbd not implemented %d", request.Type)
			}
		}
		// Now we need to move any partial to the start
		if rp != 0 && rp != wp {
			copy(buffer, buffer[rp:wp])
		}
		wp -= rp
	}
}

func (d *Dispatch) begin() error {
	d.shuttingDownLock.Lock()
	defer d.shuttingDownLock.Unlock()

	if d.shuttingDown {
		return ErrShuttingDown
	}

	d.pendingResponses.Add(1)

	return nil
}

func (d *Dispatch) cmdRead(ctx context.Context, cmdHandle uint64, cmdFrom uint64, cmdLength uint32) error {
	err := d.begin()
	if err != nil {
		return err
	}

	performRead := func(handle uint64, from uint64, length uint32) error {
		if length > dispatchMaxBufferSize {
			return d.writeResponse(responseIOError, handle, nil)
		}

		data := make([]byte, length)

		err := d.submit(ctx, swap.Read, from, data)
		if err != nil {
			return d.writeResponse(responseIOError, handle, nil)
		}

		return d.writeResponse(0, handle, data)
	}

	go func() {
		defer d.pendingResponses.Done()

		err := performRead(cmdHandle, cmdFrom, cmdLength)
		if err != nil {
			select {
			case d.fatal <- err:
			default:
				d.logger.Error("nbd error cmd read", zap.Error(err))
			}
		}
	}()

	return nil
}

func (d *Dispatch) cmdWrite(ctx context.Context, cmdHandle uint64, cmdFrom uint64, cmdData []byte) error {
	err := d.begin()
	if err != nil {
		return err
	}

	performWrite := func(handle uint64, from uint64, data []byte) error {
		err := d.submit(ctx, swap.Write, from, data)
		if err != nil {
			return d.writeResponse(responseIOError, handle, nil)
		}

		return d.writeResponse(0, handle, nil)
	}

	go func() {
		defer d.pendingResponses.Done()

		err := performWrite(cmdHandle, cmdFrom, cmdData)
		if err != nil {
			select {
			case d.fatal <- err:
			default:
				d.logger.Error("nbd error cmd write", zap.Error(err))
			}
		}
	}()

	return nil
}

func (d *Dispatch) submit(ctx context.Context, dir swap.Direction, from uint64, data []byte) error {
	r, err := swap.NewPageRequest(dir, from, data, d.origin.Origin(ctx))
	if err != nil {
		d.logger.Debug("invalid nbd request", zap.Stringer("direction", dir), zap.Uint64("from", from), zap.Error(err))

		return err
	}

	return d.prov.Submit(ctx, r)
}
