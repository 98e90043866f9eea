package rtc

import (
	"github.com/dkeye/Rally/internal/core"
	"github.com/pion/webrtc/v4"
)

type dataChannel struct {
	dc *webrtc.DataChannel
}

func (c *dataChannel) Send(data []byte) error {
	if c.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return core.ErrTransportNotOpen
	}
	return c.dc.Send(data)
}

func (c *dataChannel) OnMessage(fn func([]byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (c *dataChannel) OnClose(fn func()) { c.dc.OnClose(fn) }

func (c *dataChannel) Close() error { return c.dc.Close() }
