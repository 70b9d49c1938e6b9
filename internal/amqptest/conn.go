package amqptest

import (
	"bytes"
	"net"

	"github.com/rs/zerolog"

	"github.com/israelio/rabbit-engine/internal/frame"
	"github.com/israelio/rabbit-engine/internal/protocol"
)

type conn struct {
	b   *Broker
	nc  net.Conn
	r   *frame.Reader
	w   *frame.Writer
	log zerolog.Logger

	frameMax uint32
	closing  bool
	channels map[uint16]*channel
}

func newConn(b *Broker, nc net.Conn) *conn {
	return &conn{
		b:        b,
		nc:       nc,
		r:        frame.NewReader(nc, b.cfg.frameMax),
		w:        frame.NewWriter(nc),
		log:      b.log.With().Str("client", nc.RemoteAddr().String()).Logger(),
		frameMax: b.cfg.frameMax,
		channels: make(map[uint16]*channel),
	}
}

func (c *conn) serve() {
	defer func() {
		c.nc.Close()
		c.b.removeConn(c)
		c.log.Debug().Msg("connection ended")
	}()

	f, err := c.r.ReadFrame()
	if err != nil {
		return
	}
	hdr, ok := f.(*frame.ProtocolHeader)
	if !ok || hdr.Major != protocol.ProtocolVersionMajor || hdr.Minor != protocol.ProtocolVersionMinor {
		c.w.WriteFrame(frame.NewProtocolHeader())
		return
	}
	if c.b.cfg.closeAfterHeader {
		return
	}

	cfg := c.b.cfg
	c.b.mu.Lock()
	c.sendMethod(0, protocol.ConnectionStart, protocol.Arguments{
		"version-major": cfg.versionMajor,
		"version-minor": cfg.versionMinor,
		"server-properties": protocol.Table{
			"product":      "amqptest",
			"version":      "1.0",
			"capabilities": cfg.capabilities,
		},
		"mechanisms": cfg.mechanisms,
		"locales":    "en_US",
	})
	c.b.mu.Unlock()

	for {
		f, err := c.r.ReadFrame()
		if err != nil {
			return
		}
		c.b.mu.Lock()
		keep := c.handle(f)
		c.b.mu.Unlock()
		if !keep {
			return
		}
	}
}

// handle processes one frame with the broker lock held. It returns false
// when the connection should end.
func (c *conn) handle(f frame.Frame) bool {
	switch f := f.(type) {
	case *frame.HeartbeatFrame:
		c.w.WriteFrame(&frame.HeartbeatFrame{})
		return true
	case *frame.MethodFrame:
		c.b.methods = append(c.b.methods, f.Method.Name())
		if f.ChannelID == 0 {
			return c.handleConnectionMethod(f)
		}
		return c.handleChannelMethod(f)
	case *frame.HeaderFrame, *frame.BodyFrame:
		if ch := c.channels[f.Channel()]; ch != nil && !ch.closing {
			ch.handleContent(f)
		}
		return true
	default:
		return false
	}
}

func (c *conn) handleConnectionMethod(f *frame.MethodFrame) bool {
	args := f.Method.Args
	cfg := c.b.cfg

	switch f.Method.ID {
	case protocol.ConnectionStartOk:
		if !c.authenticate(args.Str("mechanism"), args.Bytes("response")) {
			c.log.Debug().Msg("login refused")
			if cfg.authFailureClose {
				c.sendMethod(0, protocol.ConnectionClose, protocol.Arguments{
					"reply-code": uint16(protocol.ReplyAccessRefused),
					"reply-text": "ACCESS_REFUSED - Login was refused",
				})
			}
			return false
		}
		c.sendMethod(0, protocol.ConnectionTune, protocol.Arguments{
			"channel-max": cfg.channelMax,
			"frame-max":   cfg.frameMax,
			"heartbeat":   cfg.heartbeat,
		})
	case protocol.ConnectionTuneOk:
		if fm := args.Uint32("frame-max"); fm > 0 {
			c.frameMax = fm
			c.r.SetMaxFrameSize(fm)
		}
	case protocol.ConnectionOpen:
		if args.Str("virtual-host") != cfg.vhost {
			c.log.Debug().Str("vhost", args.Str("virtual-host")).Msg("vhost refused")
			return false
		}
		c.sendMethod(0, protocol.ConnectionOpenOk, protocol.Arguments{"known-hosts": ""})
	case protocol.ConnectionClose:
		c.sendMethod(0, protocol.ConnectionCloseOk, nil)
		return false
	case protocol.ConnectionCloseOk:
		return false
	}
	return true
}

func (c *conn) authenticate(mechanism string, response []byte) bool {
	switch mechanism {
	case "PLAIN":
		parts := bytes.Split(response, []byte{0})
		return len(parts) == 3 && string(parts[1]) == c.b.cfg.username && string(parts[2]) == c.b.cfg.password
	case "EXTERNAL":
		return bytes.Contains([]byte(c.b.cfg.mechanisms), []byte("EXTERNAL"))
	default:
		return false
	}
}

func (c *conn) handleChannelMethod(f *frame.MethodFrame) bool {
	if c.closing {
		return true
	}
	id := f.ChannelID
	ch := c.channels[id]

	if f.Method.ID == protocol.ChannelOpen {
		if ch != nil {
			c.closeConnection(protocol.ReplyChannelError, "CHANNEL_ERROR - second 'channel.open' seen")
			return true
		}
		c.channels[id] = newChannel(c, id)
		c.sendMethod(id, protocol.ChannelOpenOk, protocol.Arguments{"channel-id": ""})
		return true
	}
	if ch == nil {
		c.closeConnection(protocol.ReplyChannelError, "CHANNEL_ERROR - expected 'channel.open'")
		return true
	}
	ch.handleMethod(f)
	return true
}

func (c *conn) closeConnection(code int, text string) {
	c.closing = true
	c.sendMethod(0, protocol.ConnectionClose, protocol.Arguments{
		"reply-code": uint16(code),
		"reply-text": text,
	})
}

func (c *conn) sendMethod(channel uint16, id protocol.MethodID, args protocol.Arguments) {
	c.write(frame.NewMethodFrame(channel, id, args))
}

// sendContent writes a content method with its header and body frames.
func (c *conn) sendContent(channel uint16, id protocol.MethodID, args protocol.Arguments, msg *message) {
	frames := []frame.Frame{
		frame.NewMethodFrame(channel, id, args),
		frame.NewHeaderFrame(channel, uint64(len(msg.body)), msg.props),
	}
	limit := int(c.frameMax) - protocol.FrameOverhead
	for off := 0; off < len(msg.body); off += limit {
		frames = append(frames, frame.NewBodyFrame(channel, msg.body[off:min(off+limit, len(msg.body))]))
	}
	c.write(frames...)
}

func (c *conn) write(frames ...frame.Frame) {
	if err := c.w.WriteFrame(frames...); err != nil {
		c.log.Debug().Err(err).Msg("write failed")
	}
}
