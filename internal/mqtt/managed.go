package mqtt

import (
	"context"
	"fmt"
	"net/url"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// connectManaged starts an autopaho connection manager bound to
// runCtx and waits for the first connection. Subsequent drops are
// redialled in the background and every registered subscription is
// restored when the connection comes back.
func (c *Client) connectManaged(ctx, runCtx context.Context, u *url.URL) (session, func(context.Context) error, error) {
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     c.keepAlive(),
		CleanStartOnInitialConnection: true,
		ConnectTimeout:                c.connectTimeout(),
		ConnectUsername:               c.cfg.Username,
		ConnectPassword:               []byte(c.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.connected.Store(true)
			c.logger.Info("mqtt connection up", "broker", u.Redacted())
			c.resubscribe(runCtx, cm)
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.clientID,
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
		},
	}

	if u.Scheme == "mqtts" || u.Scheme == "ssl" || u.Scheme == "wss" {
		pahoCfg.TlsCfg = c.tlsConfig(u)
	}

	cm, err := autopaho.NewConnection(runCtx, pahoCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("mqtt connect: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, c.connectTimeout())
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Stop the manager so it does not keep redialling behind a
		// failed startup.
		_ = cm.Disconnect(context.WithoutCancel(ctx))
		return nil, nil, fmt.Errorf("mqtt initial connection to %s: %w", u.Redacted(), err)
	}

	return cm, cm.Disconnect, nil
}

// resubscribe restores every registered subscription on a fresh
// managed connection.
func (c *Client) resubscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	for topic, qos := range c.subscriptions() {
		if err := subscribe(ctx, cm, topic, qos); err != nil {
			c.logger.Error("mqtt resubscribe failed", "topic", topic, "error", err)
			continue
		}
		c.logger.Debug("mqtt resubscribed", "topic", topic, "qos", qos)
	}
}
