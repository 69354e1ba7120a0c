package listener

import (
	"bufio"
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// selfSignedTLS returns a server config for 127.0.0.1 and a client config that trusts it.
func selfSignedTLS(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"HR Cloud Test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	server := &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv, Leaf: leaf}}}
	client := &tls.Config{RootCAs: pool}
	return server, client
}

func TestBufferedConn_ReplaysSniffedBytes(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	go func() {
		client.Write([]byte("GET / HTTP/1.1\r\n"))
		client.Close()
	}()

	reader := bufio.NewReader(server)
	if _, err := reader.Peek(3); err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}

	got, err := io.ReadAll(&bufferedConn{Conn: server, r: reader})
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	if string(got) != "GET / HTTP/1.1\r\n" {
		t.Fatalf("\nwanted:\n%q\ngot:\n%q", "GET / HTTP/1.1\r\n", got)
	}
}

func TestProtocolMuxListener(t *testing.T) {
	serverTLS, clientTLS := selfSignedTLS(t)
	base, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	defer base.Close()

	mux := NewProtocolMuxListener(base, serverTLS)
	mux.SniffTimeout = 500 * time.Millisecond

	// echo accepts one connection and writes back what it reads.
	echo := func() chan error {
		errs := make(chan error, 1)
		go func() {
			conn, err := mux.Accept()
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			buf := make([]byte, 256)
			n, err := conn.Read(buf)
			if err != nil && err != io.EOF {
				errs <- fmt.Errorf("server read: %w", err)
				return
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				errs <- fmt.Errorf("server write: %w", err)
				return
			}
			close(errs)
		}()
		return errs
	}

	roundTrip := func(t *testing.T, conn net.Conn, payload string) {
		t.Helper()
		if _, err := conn.Write([]byte(payload)); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		got := make([]byte, len(payload))
		if _, err := io.ReadFull(conn, got); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if string(got) != payload {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", payload, got)
		}
	}

	t.Run("plain connection is passed through", func(t *testing.T) {
		errs := echo()
		conn, err := net.Dial("tcp", base.Addr().String())
		if err != nil {
			t.Fatalf("dialing: %v", err)
		}
		defer conn.Close()

		roundTrip(t, conn, "GET /app.js HTTP/1.1\r\n")
		if err := <-errs; err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
	})

	t.Run("tls connection is terminated", func(t *testing.T) {
		errs := echo()
		conn, err := tls.Dial("tcp", base.Addr().String(), clientTLS)
		if err != nil {
			t.Fatalf("dialing: %v", err)
		}
		defer conn.Close()

		roundTrip(t, conn, "GET /api/qso HTTP/1.1\r\n")
		if err := <-errs; err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
	})

	t.Run("silent client times out", func(t *testing.T) {
		errs := echo()
		conn, err := net.Dial("tcp", base.Addr().String())
		if err != nil {
			t.Fatalf("dialing: %v", err)
		}
		defer conn.Close()

		err = <-errs
		if err == nil || !strings.Contains(err.Error(), "sniffing protocol") {
			t.Fatalf("\nwanted:\nsniffing protocol error\ngot:\n%v", err)
		}
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			t.Fatalf("\nwanted:\ntimeout\ngot:\n%v", err)
		}
	})

	t.Run("untrusted client fails the handshake", func(t *testing.T) {
		errs := echo()
		_, err := tls.Dial("tcp", base.Addr().String(), &tls.Config{RootCAs: x509.NewCertPool()})
		if err == nil {
			t.Fatalf("\nwanted:\nclient handshake error\ngot:\nnil")
		}

		err = <-errs
		if err == nil || !strings.Contains(err.Error(), "tls handshake") {
			t.Fatalf("\nwanted:\ntls handshake error\ngot:\n%v", err)
		}
	})

	t.Run("short first write", func(t *testing.T) {
		errs := echo()
		conn, err := net.Dial("tcp", base.Addr().String())
		if err != nil {
			t.Fatalf("dialing: %v", err)
		}
		conn.Write([]byte{0x16})
		conn.Close()

		err = <-errs
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("\nwanted:\nEOF\ngot:\n%v", err)
		}
	})
}

func TestProtocolMuxListener_WithoutTLSConfig(t *testing.T) {
	base, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	defer base.Close()

	mux := NewProtocolMuxListener(base, nil)
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := mux.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	// A silent client is accepted immediately, nothing is sniffed.
	client, err := net.Dial("tcp", base.Addr().String())
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer client.Close()

	select {
	case conn, ok := <-accepted:
		if !ok {
			t.Fatalf("\nwanted:\naccepted connection\ngot:\naccept error")
		}
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatalf("\nwanted:\naccepted connection\ngot:\ntimeout")
	}
}

type mockListener struct {
	accept func() (net.Conn, error)
}

func (m *mockListener) Accept() (net.Conn, error) { return m.accept() }
func (m *mockListener) Close() error              { return nil }
func (m *mockListener) Addr() net.Addr            { return &net.TCPAddr{} }

func TestResilientListener(t *testing.T) {
	t.Run("recovers from a failed connection", func(t *testing.T) {
		var calls atomic.Int32
		var logs bytes.Buffer
		l := NewResilientListener(&mockListener{
			accept: func() (net.Conn, error) {
				if calls.Add(1) == 1 {
					return nil, errors.New("tls handshake: bad record")
				}
				server, client := net.Pipe()
				go func() {
					client.Write([]byte("hello"))
					client.Close()
				}()
				return server, nil
			},
		}, slog.New(slog.NewTextHandler(&logs, nil)))

		conn, err := l.Accept()
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		defer conn.Close()

		got, _ := io.ReadAll(conn)
		if string(got) != "hello" {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", "hello", got)
		}
		if calls.Load() != 2 {
			t.Fatalf("\nwanted:\n2 accepts\ngot:\n%d", calls.Load())
		}
		if l.Rejected() != 1 {
			t.Fatalf("\nwanted:\n1 rejected\ngot:\n%d", l.Rejected())
		}
		if !strings.Contains(logs.String(), "connection rejected") {
			t.Fatalf("\nwanted:\nrejection logged\ngot:\n%q", logs.String())
		}
	})

	t.Run("closed listener ends the loop", func(t *testing.T) {
		var calls atomic.Int32
		l := NewResilientListener(&mockListener{
			accept: func() (net.Conn, error) {
				calls.Add(1)
				return nil, fmt.Errorf("accepting connection: %w", net.ErrClosed)
			},
		}, nil)

		_, err := l.Accept()
		if !errors.Is(err, net.ErrClosed) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", net.ErrClosed, err)
		}
		if calls.Load() != 1 {
			t.Fatalf("\nwanted:\n1 accept\ngot:\n%d", calls.Load())
		}
	})
}
