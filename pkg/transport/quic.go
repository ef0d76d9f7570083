package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const quicALPN = "fbb-fwd"

// QUICConfig configures a QUIC transport
type QUICConfig struct {
	Address      string        // "host:port" format
	ReadTimeout  time.Duration // Read timeout (0 = DefaultReadTimeout)
	WriteTimeout time.Duration // Write timeout (0 = no timeout)
	TLSConfig    *tls.Config   // Optional TLS config (if nil, a self-signed cert is generated)
}

// QUIC is a Transport over a single bidirectional QUIC stream
type QUIC struct {
	cfg QUICConfig

	mu     sync.RWMutex
	conn   quic.Connection
	stream quic.Stream
}

// NewQUIC creates an unopened QUIC transport
func NewQUIC(cfg QUICConfig) *QUIC {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	return &QUIC{cfg: cfg}
}

// Open dials the remote address and opens the stream the session runs on
func (q *QUIC) Open(ctx context.Context) error {
	if q.cfg.Address == "" {
		return &Error{Op: "open", Err: fmt.Errorf("address is required")}
	}

	tlsConfig := q.cfg.TLSConfig
	if tlsConfig == nil {
		var err error
		tlsConfig, err = generateTLSConfig()
		if err != nil {
			return &Error{Op: "open", Err: fmt.Errorf("generate TLS config: %w", err)}
		}
	}

	conn, err := quic.DialAddr(ctx, q.cfg.Address, tlsConfig, nil)
	if err != nil {
		return &Error{Op: "open", Err: fmt.Errorf("dial %s: %w", q.cfg.Address, err)}
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to open stream")
		return &Error{Op: "open", Err: fmt.Errorf("open stream: %w", err)}
	}

	q.mu.Lock()
	q.conn = conn
	q.stream = stream
	q.mu.Unlock()
	return nil
}

func (q *QUIC) current() (quic.Stream, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stream == nil {
		return nil, &Error{Op: "read", Err: fmt.Errorf("not open")}
	}
	return q.stream, nil
}

func (q *QUIC) Read(p []byte) (int, error) {
	stream, err := q.current()
	if err != nil {
		return 0, err
	}
	if q.cfg.ReadTimeout > 0 {
		stream.SetReadDeadline(time.Now().Add(q.cfg.ReadTimeout))
	}
	n, err := stream.Read(p)
	return n, wrapErr("read", err)
}

func (q *QUIC) Write(p []byte) (int, error) {
	stream, err := q.current()
	if err != nil {
		return 0, err
	}
	if q.cfg.WriteTimeout > 0 {
		stream.SetWriteDeadline(time.Now().Add(q.cfg.WriteTimeout))
	}
	n, err := stream.Write(p)
	return n, wrapErr("write", err)
}

// Close shuts down the stream and the connection
func (q *QUIC) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stream != nil {
		q.stream.Close()
		q.stream = nil
	}
	if q.conn != nil {
		q.conn.CloseWithError(0, "session closed")
		q.conn = nil
	}
	return nil
}

// generateTLSConfig generates a self-signed certificate for QUIC
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{tlsCert},
		NextProtos:         []string{quicALPN},
		InsecureSkipVerify: true, // For self-signed certs
	}, nil
}
