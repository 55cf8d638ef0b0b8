package endpoint

import (
	"net"
)

// Channel is the byte stream an endpoint speaks over. Send and Recv follow
// io semantics: they may move fewer bytes than asked and report how many.
// A Recv returning 0, nil at a packet boundary is a clean disconnect.
type Channel interface {
	Send(p []byte) (int, error)
	Recv(p []byte) (int, error)
	Close() error
}

// NetChannel adapts a net.Conn to the Channel interface.
type NetChannel struct {
	conn net.Conn
}

func NewNetChannel(conn net.Conn) *NetChannel { return &NetChannel{conn: conn} }

func (c *NetChannel) Send(p []byte) (int, error) { return c.conn.Write(p) }
func (c *NetChannel) Recv(p []byte) (int, error) { return c.conn.Read(p) }
func (c *NetChannel) Close() error               { return c.conn.Close() }
