package voice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamWriteWait    = 10 * time.Second
	streamMaxFrameSize = 64 << 10
)

// ErrStreamClosed is returned by MediaStream operations after Close.
var ErrStreamClosed = errors.New("voice: media stream closed")

// MediaStream is the server side of a Twilio Media Streams WebSocket.
// Reads must come from a single goroutine; writes may come from any.
type MediaStream struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	streamSID string
	callSID   string

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMediaStream wraps an upgraded connection.
func NewMediaStream(conn *websocket.Conn) *MediaStream {
	conn.SetReadLimit(streamMaxFrameSize)
	return &MediaStream{conn: conn, closed: make(chan struct{})}
}

// WaitForStart reads frames until the "start" event and records the stream
// and call identifiers. "connected" and other preamble frames are skipped.
func (s *MediaStream) WaitForStart(ctx context.Context) (*StartInfo, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(deadline)
		defer s.conn.SetReadDeadline(time.Time{})
	}
	for {
		frame, err := s.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		switch frame.Event {
		case EventStart:
			if frame.Start == nil || frame.Start.CallSID == "" {
				return nil, errors.New("voice: start frame without callSid")
			}
			s.writeMu.Lock()
			s.streamSID = frame.StreamSID
			s.callSID = frame.Start.CallSID
			s.writeMu.Unlock()
			return frame.Start, nil
		case EventStop:
			return nil, fmt.Errorf("voice: stream stopped before start")
		}
	}
}

// ReadFrame blocks until the next frame arrives.
func (s *MediaStream) ReadFrame() (*StreamFrame, error) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				return nil, ErrStreamClosed
			default:
			}
			return nil, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return DecodeFrame(data)
	}
}

// StreamSID returns the identifier learned from the start frame.
func (s *MediaStream) StreamSID() string {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.streamSID
}

// CallSID returns the call identifier learned from the start frame.
func (s *MediaStream) CallSID() string {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.callSID
}

// SendAudio plays mulaw audio on the call.
func (s *MediaStream) SendAudio(audio []byte) error {
	return s.write(func(sid string) OutboundFrame { return NewMediaFrame(sid, audio) })
}

// SendClear interrupts audio that is queued for playback.
func (s *MediaStream) SendClear() error {
	return s.write(NewClearFrame)
}

// SendMark queues a playback marker.
func (s *MediaStream) SendMark(name string) error {
	return s.write(func(sid string) OutboundFrame { return NewMarkFrame(sid, name) })
}

func (s *MediaStream) write(build func(streamSID string) OutboundFrame) error {
	select {
	case <-s.closed:
		return ErrStreamClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.streamSID == "" {
		return errors.New("voice: stream not started")
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return s.conn.WriteJSON(build(s.streamSID))
}

// Close sends a normal close frame and releases the connection. It is idempotent.
func (s *MediaStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}
