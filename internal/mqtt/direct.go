package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/paho"
)

// defaultKeepAlive is the MQTT keepalive in seconds when none is
// configured.
const defaultKeepAlive = 30

func (c *Client) keepAlive() uint16 {
	if c.cfg.KeepAliveSec <= 0 || c.cfg.KeepAliveSec > 0xffff {
		return defaultKeepAlive
	}
	return uint16(c.cfg.KeepAliveSec)
}

// dial opens the transport connection for u: plain TCP for mqtt://,
// TLS for mqtts://, and a WebSocket for ws:// and wss://.
func (c *Client) dial(ctx context.Context, u *url.URL) (net.Conn, error) {
	switch u.Scheme {
	case "mqtt", "tcp":
		var d net.Dialer
		return d.DialContext(ctx, "tcp", u.Host)
	case "mqtts", "ssl", "tls":
		d := tls.Dialer{Config: c.tlsConfig(u)}
		return d.DialContext(ctx, "tcp", u.Host)
	case "ws", "wss":
		return dialWebsocket(ctx, u, c.tlsConfig(u))
	default:
		return nil, fmt.Errorf("unsupported mqtt broker scheme %q", u.Scheme)
	}
}

// connectDirect opens a single, non-reconnecting broker session.
func (c *Client) connectDirect(ctx context.Context, u *url.URL) (session, func(context.Context) error, error) {
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout())
	defer cancel()

	conn, err := c.dial(ctx, u)
	if err != nil {
		return nil, nil, fmt.Errorf("mqtt dial %s: %w", u.Redacted(), err)
	}

	pc := paho.NewClient(paho.ClientConfig{
		ClientID: c.clientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			c.onPublishReceived,
		},
		OnClientError: func(err error) {
			c.logger.Warn("mqtt client error", "error", err)
			c.connected.Store(false)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			c.logger.Warn("mqtt broker closed the connection", "reason_code", d.ReasonCode)
			c.connected.Store(false)
		},
	})

	cp := &paho.Connect{
		KeepAlive:  c.keepAlive(),
		ClientID:   c.clientID,
		CleanStart: true,
	}
	if c.cfg.Username != "" {
		cp.Username = c.cfg.Username
		cp.UsernameFlag = true
	}
	if c.cfg.Password != "" {
		cp.Password = []byte(c.cfg.Password)
		cp.PasswordFlag = true
	}

	ca, err := pc.Connect(ctx, cp)
	if err != nil {
		_ = conn.Close()
		if ca != nil {
			return nil, nil, fmt.Errorf("mqtt connect refused (reason 0x%02x): %w", ca.ReasonCode, err)
		}
		return nil, nil, fmt.Errorf("mqtt connect: %w", err)
	}

	closeFn := func(ctx context.Context) error {
		err := pc.Disconnect(&paho.Disconnect{ReasonCode: 0})
		select {
		case <-pc.Done():
		case <-ctx.Done():
		case <-time.After(c.connectTimeout()):
		}
		return err
	}
	return pc, closeFn, nil
}
