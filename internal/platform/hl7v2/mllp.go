package hl7v2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT / vertical tab).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS / file separator).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	// mllpMaxMessageSize is the maximum buffer size for a single MLLP message (1 MB).
	mllpMaxMessageSize = 1 << 20

	mllpReadTimeout  = 30 * time.Second
	mllpWriteTimeout = 10 * time.Second
)

// ACK codes for MSA-1.
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

// RejectUnparsable is the MSA-3 text of the AR sent for a frame that is not
// an HL7v2 message.
const RejectUnparsable = "message could not be parsed"

// defaultVersion is used in MSH-12 when there is no incoming message to echo.
const defaultVersion = "2.5.1"

// MessageHandler is called for each received message and returns the
// response to send back (usually an ACK). Returning nil sends nothing.
type MessageHandler func(ctx context.Context, msg *Message) *Message

// MLLPServer listens for HL7v2 messages over MLLP/TCP.
type MLLPServer struct {
	addr     string
	handler  MessageHandler
	logger   zerolog.Logger
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewMLLPServer creates a server that will listen on addr and dispatch each
// parsed message to handler.
func NewMLLPServer(addr string, handler MessageHandler, logger zerolog.Logger) *MLLPServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &MLLPServer{
		addr:    addr,
		handler: handler,
		logger:  logger.With().Str("component", "mllp").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start begins listening. The accept loop runs in a background goroutine.
func (s *MLLPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Stop closes the listener and every open connection, cancels in-flight
// handlers and waits for all goroutines to exit.
func (s *MLLPServer) Stop() error {
	s.cancel()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Addr returns the bound listener address, useful when started on port 0.
func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *MLLPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("accept failed")
			}
			return
		}

		s.trackConn(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.handleConnection(conn)
		}()
	}
}

func (s *MLLPServer) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConnection reads MLLP-framed messages from conn until the peer
// disconnects, the connection idles out, or the server stops.
func (s *MLLPServer) handleConnection(conn net.Conn) {
	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for s.ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(mllpReadTimeout))

		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
			if len(buf) > mllpMaxMessageSize {
				s.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("message exceeds max size, closing connection")
				return
			}

			for {
				msgBytes, rest, found := UnframeMessage(buf)
				if !found {
					break
				}
				buf = rest
				s.processMessage(conn, msgBytes)
			}
		}

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && len(buf) > 0 {
				continue
			}
			return
		}
	}
}

func (s *MLLPServer) processMessage(conn net.Conn, raw []byte) {
	var resp *Message
	msg, err := Parse(raw)
	if err != nil {
		s.logger.Warn().Err(err).Msg("parse failed")
		msg = &Message{}
		resp = GenerateReject(RejectUnparsable)
	} else {
		resp = s.handler(s.ctx, msg)
	}
	if resp == nil {
		return
	}

	conn.SetWriteDeadline(time.Now().Add(mllpWriteTimeout))
	if _, err := conn.Write(FrameMessage(SerializeMessage(resp))); err != nil {
		s.logger.Warn().Err(err).Str("control_id", msg.ControlID).Msg("write failed")
	}
}

// FrameMessage wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageReturn)
	return frame
}

// UnframeMessage extracts the first complete MLLP frame from data. It
// returns the message, the bytes after the frame, and whether a frame was
// found.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	startIdx := bytes.IndexByte(data, MLLPStartBlock)
	if startIdx == -1 {
		return nil, data, false
	}

	endIdx := bytes.Index(data[startIdx+1:], []byte{MLLPEndBlock, MLLPCarriageReturn})
	if endIdx == -1 {
		return nil, data, false
	}
	endIdx += startIdx + 1

	return data[startIdx+1 : endIdx], data[endIdx+2:], true
}

// GenerateACK builds an ACK for incoming with the given MSA-1 code. Sending
// and receiving application/facility are swapped and MSA-2 echoes the
// original control ID. A non-empty text is carried in MSA-3.
func GenerateACK(incoming *Message, ackCode, text string) *Message {
	trigger := ""
	if parts := strings.SplitN(incoming.Type, "^", 3); len(parts) >= 2 {
		trigger = parts[1]
	}

	now := time.Now().UTC()
	controlID := strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
	msgType := "ACK"
	if trigger != "" {
		msgType += "^" + trigger
	}

	ack := &Message{
		Type:         msgType,
		ControlID:    controlID,
		Version:      incoming.Version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
	}

	msh := Segment{Name: HeaderTag, Fields: []Field{
		{Value: "|", Components: []string{"|"}},
		parseField(`^~\&`),
		parseField(ack.SendingApp),
		parseField(ack.SendingFac),
		parseField(ack.ReceivingApp),
		parseField(ack.ReceivingFac),
		parseField(now.Format("20060102150405")),
		parseField(""),
		parseField(msgType),
		parseField(controlID),
		parseField("P"),
		parseField(incoming.Version),
	}}

	msaFields := []Field{parseField(ackCode), parseField(incoming.ControlID)}
	if text != "" {
		msaFields = append(msaFields, parseField(text))
	}
	ack.Segments = []Segment{msh, {Name: "MSA", Fields: msaFields}}
	return ack
}

// GenerateReject builds an AR for a frame that could not be parsed. There is
// no control ID to echo, so MSA-2 is empty and routing fields are blank.
func GenerateReject(text string) *Message {
	return GenerateACK(&Message{Version: defaultVersion}, AckReject, text)
}

// SerializeMessage converts a Message back into raw HL7v2 bytes with \r
// segment separators.
func SerializeMessage(msg *Message) []byte {
	lines := make([]string, 0, len(msg.Segments))
	for _, seg := range msg.Segments {
		lines = append(lines, serializeSegment(seg))
	}
	return []byte(strings.Join(lines, SegmentTerminator))
}

func serializeSegment(seg Segment) string {
	if seg.Name == HeaderTag {
		// Fields[0] is the separator itself; the line restarts at MSH-2.
		if len(seg.Fields) < 2 {
			return "MSH|"
		}
		parts := make([]string, 0, len(seg.Fields)-1)
		for _, f := range seg.Fields[1:] {
			parts = append(parts, f.Value)
		}
		return HeaderTag + "|" + strings.Join(parts, "|")
	}

	parts := make([]string, len(seg.Fields))
	for i, f := range seg.Fields {
		parts[i] = f.Value
	}
	if len(parts) == 0 {
		return seg.Name
	}
	return seg.Name + "|" + strings.Join(parts, "|")
}
