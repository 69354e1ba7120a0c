package edge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	utls "github.com/refraction-networking/utls"
)

// newUpstreamTransport builds the network transport used for every fetch.
// With chromeFingerprint set, TLS connections are dialled with utls presenting a Chrome
// ClientHello, for origins behind CDNs that reject Go's default handshake.
// Timeouts stay with the transport, the strategies only see success or failure.
func newUpstreamTransport(chromeFingerprint bool) *http.Transport {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     !chromeFingerprint,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if !chromeFingerprint {
		return transport
	}

	transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		tcpConn, err := (&net.Dialer{Timeout: 30 * time.Second}).DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		sniHost, _, err := net.SplitHostPort(addr)
		if err != nil {
			sniHost = addr
		}

		uTlsConfig := &utls.Config{
			ServerName: sniHost,
		}
		if transport.TLSClientConfig != nil {
			uTlsConfig.InsecureSkipVerify = transport.TLSClientConfig.InsecureSkipVerify
		}

		uConn := utls.UClient(tcpConn, uTlsConfig, utls.HelloChrome_Auto)

		if err := uConn.BuildHandshakeState(); err != nil {
			tcpConn.Close()
			return nil, fmt.Errorf("building handshake state : %w", err)
		}

		// HelloChrome_Auto ignores NextProtos and offers h2, which http.Transport cannot
		// speak over a custom DialTLSContext. Restrict ALPN before the handshake.
		foundALPN := false
		for _, ext := range uConn.Extensions {
			if alpnExt, ok := ext.(*utls.ALPNExtension); ok {
				alpnExt.AlpnProtocols = []string{"http/1.1"}
				foundALPN = true
				break
			}
		}
		if !foundALPN {
			tcpConn.Close()
			return nil, errors.New("could not find ALPNExtension")
		}

		if err := uConn.HandshakeContext(ctx); err != nil {
			tcpConn.Close()
			return nil, err
		}
		return uConn, nil
	}
	return transport
}
