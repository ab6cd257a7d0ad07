package wire

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"sync"

	"github.com/carlinkos/securelink/internal/errs"
	"github.com/carlinkos/securelink/internal/log"
)

// Conn is the byte-stream transport a Stream rides on. BLE and RFCOMM
// transports both satisfy it (transport.Conn is a superset).
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// mtuConn is an optional capability: transports with a bounded write size
// (BLE GATT characteristics) implement it so Stream can chunk large
// payloads instead of handing the transport an oversized write.
type mtuConn interface {
	MTU() int
}

const defaultChunkSize = 512

// Stream wraps a Conn with the frame and version-exchange protocol of
// spec §4.4. One Stream belongs to exactly one session actor: Send calls
// are serialized and Recv deliveries preserve arrival order, matching the
// single-threaded-per-session model of spec §5.
type Stream struct {
	conn      Conn
	chunkSize int
	log       log.Logger

	reader *bufio.Reader

	writeMu sync.Mutex

	versionMu   sync.Mutex
	sentVersion bool
	peerVersion *VersionRange

	inbound  chan Frame
	readErr  chan error
	closed   chan struct{}
	closeErr error
}

// NewStream constructs a Stream over conn. It does not perform the version
// exchange yet — call Start for that.
func NewStream(conn Conn, logger log.Logger) *Stream {
	if logger == nil {
		logger = log.Discard
	}
	chunk := defaultChunkSize
	if m, ok := conn.(mtuConn); ok && m.MTU() > 0 {
		chunk = m.MTU()
	}
	return &Stream{
		conn:      conn,
		chunkSize: chunk,
		log:       logger,
		reader:    bufio.NewReaderSize(conn, 4096),
		inbound:   make(chan Frame, 32),
		readErr:   make(chan error, 1),
		closed:    make(chan struct{}),
	}
}

// Start performs the bidirectional version exchange: sends our own
// VERSION_EXCHANGE frame while reading the peer's, so that two Streams
// over an unbuffered transport can both Start at once. No other frame is
// accepted during this phase — one arriving out of order is a protocol
// violation (FrameMalformed). Once our frame is sent and both sides'
// ranges are confirmed to intersect at the supported versions, the
// background read loop starts and subsequent frames are available via
// Recv.
func (s *Stream) Start(ctx context.Context) error {
	sendErr := make(chan error, 1)
	go func() { sendErr <- s.sendVersionFrame() }()

	for {
		f, err := s.readFrame()
		if err != nil {
			return err
		}
		if f.Operation != OpVersionExchange {
			return errs.New(errs.FrameMalformed, "frame received before version exchange completed")
		}
		peer, err := decodeVersionRange(f.Payload)
		if err != nil {
			return err
		}
		if !intersects(Local, peer) {
			return errs.New(errs.VersionUnsupported, "no common version in exchange")
		}
		s.versionMu.Lock()
		s.peerVersion = &peer
		s.versionMu.Unlock()
		break
	}
	if err := <-sendErr; err != nil {
		return err
	}

	go s.readLoop()
	return nil
}

func (s *Stream) sendVersionFrame() error {
	f := Frame{Operation: OpVersionExchange, Payload: Local.encode()}
	if err := s.writeFrame(f); err != nil {
		return err
	}
	s.versionMu.Lock()
	s.sentVersion = true
	s.versionMu.Unlock()
	return nil
}

func (s *Stream) versionComplete() bool {
	s.versionMu.Lock()
	defer s.versionMu.Unlock()
	return s.sentVersion && s.peerVersion != nil
}

// Send serializes and writes f. Only the VERSION_EXCHANGE operation is
// permitted before Start completes; everything else returns InvalidState.
func (s *Stream) Send(f Frame) error {
	if f.Operation != OpVersionExchange && !s.versionComplete() {
		return errs.New(errs.InvalidState, "cannot send before version exchange completes")
	}
	return s.writeFrame(f)
}

func (s *Stream) writeFrame(f Frame) error {
	data := f.Encode()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for len(data) > 0 {
		n := s.chunkSize
		if n <= 0 || n > len(data) {
			n = len(data)
		}
		if _, err := s.conn.Write(data[:n]); err != nil {
			return errs.Wrap(errs.InvalidMessage, "write frame", err)
		}
		data = data[n:]
	}
	return nil
}

// readFrame blocks until one complete frame has arrived, regardless of how
// many underlying transport reads/chunks that took — this is where a
// payload split across the transport MTU gets reassembled.
func (s *Stream) readFrame() (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.reader, lenBuf[:]); err != nil {
		return Frame{}, errs.Wrap(errs.FrameMalformed, "read frame length", err)
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > MaxFrameBodySize {
		return Frame{}, errs.New(errs.FrameMalformed, "frame body exceeds maximum size")
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(s.reader, body); err != nil {
		return Frame{}, errs.Wrap(errs.FrameMalformed, "read frame body", err)
	}
	return decodeBody(body)
}

func (s *Stream) readLoop() {
	for {
		f, err := s.readFrame()
		if err != nil {
			select {
			case s.readErr <- err:
			default:
			}
			close(s.inbound)
			return
		}
		select {
		case s.inbound <- f:
		case <-s.closed:
			return
		}
	}
}

// Recv returns the next frame delivered in arrival order, or an error once
// the stream has failed or ctx is done.
func (s *Stream) Recv(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-s.inbound:
		if !ok {
			select {
			case err := <-s.readErr:
				return Frame{}, err
			default:
				return Frame{}, errs.New(errs.FrameMalformed, "stream closed")
			}
		}
		return f, nil
	case <-s.closed:
		return Frame{}, errs.New(errs.FrameMalformed, "stream closed")
	case <-ctx.Done():
		return Frame{}, errs.Wrap(errs.Timeout, "recv deadline exceeded", ctx.Err())
	}
}

// Close shuts down the underlying transport and unblocks any pending Recv.
func (s *Stream) Close() error {
	select {
	case <-s.closed:
		return s.closeErr
	default:
	}
	close(s.closed)
	s.closeErr = s.conn.Close()
	return s.closeErr
}
