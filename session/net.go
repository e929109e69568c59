// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package session

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/eclipse/paho.golang/packets"
	"github.com/gorilla/websocket"

	"github.com/nimbusedge/mqttproto/errors"
)

// ConnectionProvider returns a net.Conn connected to an MQTT server, ready to
// read from and write to. The returned net.Conn must be safe for concurrent
// writes.
type ConnectionProvider func(context.Context) (net.Conn, error)

// TCPConnection connects to an MQTT server over plain TCP.
func TCPConnection(hostname string, port int) ConnectionProvider {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", hostname, port))
		if err != nil {
			return nil, &errors.Error{Message: "error opening TCP connection", Kind: errors.StateInvalid, NestedError: err}
		}
		return conn, nil
	}
}

// TLSConnection connects to an MQTT server over TLS given a *tls.Config (nil
// for the zero configuration).
func TLSConnection(hostname string, port int, config *tls.Config) ConnectionProvider {
	return func(ctx context.Context) (net.Conn, error) {
		d := tls.Dialer{Config: config}
		conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", hostname, port))
		if err != nil {
			return nil, &errors.Error{Message: "error opening TLS connection", Kind: errors.StateInvalid, NestedError: err}
		}
		return packets.NewThreadSafeConn(conn), nil
	}
}

// WebSocketConnection connects to an MQTT server over a WebSocket
// subprotocol ("mqtt"), which AIO brokers accept as an alternative transport
// behind HTTP(S) load balancers that block raw TCP.
func WebSocketConnection(endpoint *url.URL, tlsConfig *tls.Config) ConnectionProvider {
	return func(ctx context.Context) (net.Conn, error) {
		dialer := &websocket.Dialer{
			Subprotocols:    []string{"mqtt"},
			TLSClientConfig: tlsConfig,
		}
		wsConn, _, err := dialer.DialContext(ctx, endpoint.String(), nil)
		if err != nil {
			return nil, &errors.Error{Message: "error opening WebSocket connection", Kind: errors.StateInvalid, NestedError: err}
		}
		return packets.NewThreadSafeConn(&wsNetConn{wsConn}), nil
	}
}

// wsNetConn adapts a *websocket.Conn's message-oriented API to net.Conn's
// stream-oriented one by buffering across Read calls.
type wsNetConn struct {
	*websocket.Conn
	buf []byte
}

func (c *wsNetConn) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.buf = data
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *wsNetConn) Write(p []byte) (int, error) {
	if err := c.Conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsNetConn) SetDeadline(t time.Time) error {
	if err := c.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.Conn.SetWriteDeadline(t)
}

func loadCACertPool(caFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	return pool, nil
}
