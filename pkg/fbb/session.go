// Package fbb implements the client side of the F6FBB store-and-forward
// protocol with Winlink B2F extensions: SID negotiation, proposal
// batching, FS verdicts, resume offsets, challenge-response auth, traffic
// limiting and reverse forwarding.
package fbb

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/ke4ahr/PyFBB/pkg/b2f"
	"github.com/ke4ahr/PyFBB/pkg/internal/logger"
	"github.com/ke4ahr/PyFBB/pkg/transport"
)

// MaxBatch is the largest number of proposals offered in one batch
const MaxBatch = 5

// bodyEOT terminates an ASCII (FA) body stream
const bodyEOT = 0x1A

// knownCaps lists every capability letter the engine understands; digits
// belong to the preceding letter (B1)
const knownCaps = "AB1FHMXG"

// challengeWait bounds the wait for a ;PQ line trailing the peer SID. The
// challenge belongs to the peer's SID transmission but may arrive in a
// separate segment.
const challengeWait = 500 * time.Millisecond

// MessageStatus is the final disposition of a queued message
type MessageStatus int

const (
	StatusQueued      MessageStatus = iota // Not yet offered
	StatusSent                             // Body streamed and accepted
	StatusDeferred                         // Peer answered '-'
	StatusRejected                         // Peer answered '=' or 'E', or unsendable
	StatusAlreadyHave                      // Peer answered 'L'
	StatusNoResource                       // Peer answered 'R'
	StatusLimited                          // Stopped by the peer's traffic limit
	StatusDelivered                        // Resume offset covered the whole body
)

func (st MessageStatus) String() string {
	switch st {
	case StatusQueued:
		return "queued"
	case StatusSent:
		return "sent"
	case StatusDeferred:
		return "deferred"
	case StatusRejected:
		return "rejected"
	case StatusAlreadyHave:
		return "already-have"
	case StatusNoResource:
		return "no-resource"
	case StatusLimited:
		return "limited"
	case StatusDelivered:
		return "delivered"
	}
	return "unknown"
}

// Outbound is one queued message and its disposition
type Outbound struct {
	Msg  *b2f.Message
	Kind ProposalKind // KindAuto selects from peer capabilities

	Status MessageStatus

	proposal *Proposal
	payload  []byte // stream payload, built when proposed
}

// Config holds the session parameters
type Config struct {
	AppName    string // SID name field
	AppVersion string // SID version field
	Features   string // SID capability letters, '$' excluded

	Secret         string   // Shared secret for ;PQ/;PR auth
	UseGzip        bool     // Offer gzip instead of LZHUF when the peer allows
	EnableReverse  bool     // Send FF when own queue drains
	RequestReverse bool     // Send FR after handshake: peer forwards first
	TrafficLimit   int      // Bytes accepted from the peer (0 = unlimited)
	MaxPayload     int      // Ceiling on declared message payloads (0 = b2f default)
	FW             []string // ;FW: multi-account selector calls

	// Resume state callbacks. GetResume reports how many stream bytes of
	// mid the peer already holds; PutResume records progress. GetPartial
	// and PutPartial persist partially received stream data for resume
	// offers. All are optional.
	GetResume  func(mid string) int
	PutResume  func(mid string, offset int)
	GetPartial func(mid string) []byte
	PutPartial func(mid string, data []byte)

	Logger logger.Logger
}

// DefaultConfig returns the stock session configuration
func DefaultConfig() Config {
	return Config{
		AppName:    "PYF",
		AppVersion: "0.1",
		Features:   "FB1",
	}
}

// peerQuit unwinds the session loops when the peer sends FQ
type peerQuit struct{}

func (peerQuit) Error() string { return "peer sent FQ" }

type lineResult struct {
	line string
	err  error
}

// Session drives one FBB forwarding session over a transport. A Session
// is single-use: create, queue, Connect or Serve, then Report.
type Session struct {
	tr  transport.Transport
	br  *bufio.Reader
	cfg Config
	log logger.Logger

	queue    []*Outbound
	received []*b2f.Message
	seenMids map[string]bool

	mySID   SID
	peerSID SID
	comp    compressor

	bg chan lineResult // outstanding background line read

	bytesSent    int
	remaining    int // acceptor budget, -1 = unlimited
	limitLatched bool
	reversed     bool
	quit         bool
}

// NewSession creates a session over tr. The transport must not be open
// yet; Connect and Serve open it.
func NewSession(tr transport.Transport, cfg Config) (*Session, error) {
	if cfg.AppName == "" || cfg.AppVersion == "" {
		return nil, &ConfigError{Reason: "SID name and version are required"}
	}
	if strings.ContainsAny(cfg.AppName+cfg.AppVersion, "[]-$ ") {
		return nil, &ConfigError{Reason: "SID fields must not contain '[', ']', '-', '$' or spaces"}
	}
	if cfg.Features == "" {
		cfg.Features = DefaultConfig().Features
	}
	cfg.Features = strings.TrimSuffix(cfg.Features, "$")
	if cfg.UseGzip && !strings.Contains(cfg.Features, CapGzip) {
		cfg.Features += CapGzip
	}
	if !cfg.UseGzip && strings.Contains(cfg.Features, CapGzip) {
		return nil, &ConfigError{Reason: "G capability advertised without use_gzip"}
	}
	if cfg.TrafficLimit < 0 {
		return nil, &ConfigError{Reason: "negative traffic limit"}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Component("fbb")
	}

	remaining := -1
	if cfg.TrafficLimit > 0 {
		remaining = cfg.TrafficLimit
	}

	return &Session{
		tr:        tr,
		br:        bufio.NewReader(tr),
		cfg:       cfg,
		log:       cfg.Logger,
		seenMids:  make(map[string]bool),
		mySID:     SID{Name: cfg.AppName, Version: cfg.AppVersion, Features: cfg.Features, Conformant: true},
		comp:      lzhufCompressor{},
		remaining: remaining,
	}, nil
}

// Queue adds a message for forwarding. Kind selects the transfer
// encoding; KindAuto picks FC for messages with attachments and FA
// otherwise.
func (s *Session) Queue(msg *b2f.Message, kind ProposalKind) error {
	if msg.Mid == "" {
		return &ConfigError{Reason: "message without Mid"}
	}
	for _, o := range s.queue {
		if o.Msg.Mid == msg.Mid {
			return &ConfigError{Reason: "duplicate Mid in queue: " + msg.Mid}
		}
	}
	s.queue = append(s.queue, &Outbound{Msg: msg, Kind: kind})
	return nil
}

// Report summarises the session after Connect or Serve returns
type Report struct {
	Outbound  []*Outbound
	Received  []*b2f.Message
	BytesSent int
	LimitHit  bool
}

// Report returns the per-message dispositions and counters
func (s *Session) Report() Report {
	return Report{
		Outbound:  s.queue,
		Received:  s.received,
		BytesSent: s.bytesSent,
		LimitHit:  s.limitLatched,
	}
}

// ReceivedMessages returns everything successfully received so far, also
// after a failed session
func (s *Session) ReceivedMessages() []*b2f.Message {
	return s.received
}

// Connect runs the session in calling role: open the transport, read the
// peer SID, answer any auth challenge, then offer the queue (or request
// reverse forwarding first). Returns nil on clean close; a *LimitError
// when the peer's traffic limit left messages queued.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.tr.Open(ctx); err != nil {
		return err
	}
	defer s.tr.Close()

	err := s.connectLocked()
	return s.finish(err)
}

func (s *Session) connectLocked() error {
	peer, err := s.readPeerSID()
	if err != nil {
		return err
	}
	s.peerSID = peer
	s.log.Info("peer SID %s features %s", peer.Name, peer.Features)

	if err := s.writeLine(s.mySID.String()); err != nil {
		return err
	}
	if challenge, ok := s.awaitChallenge(); ok {
		if err := s.answerChallenge(challenge); err != nil {
			return err
		}
	}
	if len(s.cfg.FW) > 0 {
		if err := s.writeLine(";FW: " + strings.Join(s.cfg.FW, " ")); err != nil {
			return err
		}
	}
	s.negotiateCompression()

	if s.cfg.RequestReverse {
		if err := s.writeLine("FR"); err != nil {
			return err
		}
		return s.runAcceptor()
	}
	return s.runOfferer()
}

// Serve runs the session in called role: emit our SID first (and a ;PQ
// challenge when a secret is configured), read the peer SID, then accept
// the peer's proposals.
func (s *Session) Serve(ctx context.Context) error {
	if err := s.tr.Open(ctx); err != nil {
		return err
	}
	defer s.tr.Close()

	err := s.serveLocked()
	return s.finish(err)
}

func (s *Session) serveLocked() error {
	if err := s.writeLine(s.mySID.String()); err != nil {
		return err
	}

	var nonce string
	if s.cfg.Secret != "" {
		nonce = fmt.Sprintf("%08d", rand.New(rand.NewSource(time.Now().UnixNano())).Intn(100000000))
		if err := s.writeLine(";PQ " + nonce); err != nil {
			return err
		}
	}

	peer, err := s.readPeerSID()
	if err != nil {
		return err
	}
	s.peerSID = peer
	s.log.Info("peer SID %s features %s", peer.Name, peer.Features)

	if nonce != "" {
		if err := s.verifyResponse(nonce); err != nil {
			return err
		}
	}
	s.negotiateCompression()

	return s.runAcceptor()
}

// finish maps the loop outcome to the user-visible result
func (s *Session) finish(err error) error {
	if _, ok := err.(peerQuit); ok {
		err = nil
	}
	if err != nil {
		return err
	}
	if s.limitLatched {
		undelivered := 0
		for _, o := range s.queue {
			if o.Status == StatusQueued || o.Status == StatusLimited {
				undelivered++
			}
		}
		if undelivered > 0 {
			return &LimitError{Undelivered: undelivered}
		}
	}
	return nil
}

func (s *Session) negotiateCompression() {
	if s.cfg.UseGzip && s.peerSID.Has(CapGzip) {
		s.comp = gzipCompressor{}
	}
	s.log.Debug("compression: %s", s.comp.Name())
}

// readPeerSID reads lines until a bracketed SID, skipping banner text
func (s *Session) readPeerSID() (SID, error) {
	for {
		line, err := s.readLine()
		if err != nil {
			return SID{}, err
		}
		if line == "" {
			continue
		}
		if !IsSIDLine(line) {
			s.log.Debug("skipping banner line %q", line)
			continue
		}
		sid, err := ParseSID(line)
		if err != nil {
			return SID{}, err
		}
		if !sid.Conformant {
			if err := checkKnownCaps(sid.Features); err != nil {
				return SID{}, err
			}
			s.log.Warn("peer SID lacks '$' terminator, continuing")
		}
		return sid, nil
	}
}

// checkKnownCaps rejects capability letters the engine does not
// understand; only consulted for non-conformant SIDs
func checkKnownCaps(features string) error {
	for i := 0; i < len(features); i++ {
		c := features[i]
		if c >= '0' && c <= '9' {
			continue
		}
		if !strings.ContainsRune(knownCaps, rune(c)) {
			return protoErrf("non-conformant SID with unknown capability %q", c)
		}
	}
	return nil
}

// awaitChallenge waits up to challengeWait for a ;PQ line following the
// peer SID. A line that is not a challenge stays queued for the session
// loops, as does a read error; on timeout the outstanding read is drained
// by the next readLine.
func (s *Session) awaitChallenge() (string, bool) {
	if s.bg == nil {
		s.bg = make(chan lineResult, 1)
		go func(ch chan lineResult) {
			line, err := s.readLineDirect()
			ch <- lineResult{line: line, err: err}
		}(s.bg)
	}
	select {
	case r := <-s.bg:
		if r.err == nil && strings.HasPrefix(r.line, ";PQ") {
			s.bg = nil
			return r.line, true
		}
		s.bg <- r
		return "", false
	case <-time.After(challengeWait):
		return "", false
	}
}

// answerChallenge responds to a ";PQ <nonce>" line
func (s *Session) answerChallenge(line string) error {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return protoErrf("malformed challenge %q", line)
	}
	if s.cfg.Secret == "" {
		return &AuthError{Reason: "peer sent challenge but no secret is configured"}
	}
	sum := md5.Sum([]byte(fields[1] + s.cfg.Secret))
	return s.writeLine(";PR " + hex.EncodeToString(sum[:]))
}

// verifyResponse checks the peer's ";PR <hex>" against our challenge
func (s *Session) verifyResponse(nonce string) error {
	line, err := s.readLine()
	if err != nil {
		return err
	}
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != ";PR" {
		return &AuthError{Reason: "expected challenge response, got " + line}
	}
	want := md5.Sum([]byte(nonce + s.cfg.Secret))
	if fields[1] != hex.EncodeToString(want[:]) {
		return &AuthError{Reason: "challenge response rejected"}
	}
	return nil
}

// readLine returns the next line, draining an outstanding background
// read first so there is never more than one reader on the stream
func (s *Session) readLine() (string, error) {
	if s.bg != nil {
		r := <-s.bg
		s.bg = nil
		return r.line, r.err
	}
	return s.readLineDirect()
}

// readLineDirect reads one CR-, LF- or CRLF-terminated line
func (s *Session) readLineDirect() (string, error) {
	var sb strings.Builder
	for {
		b, err := s.br.ReadByte()
		if err != nil {
			return "", err
		}
		switch b {
		case '\r':
			if next, err := s.br.Peek(1); err == nil && next[0] == '\n' {
				s.br.ReadByte()
			}
			return sb.String(), nil
		case '\n':
			return sb.String(), nil
		default:
			sb.WriteByte(b)
		}
	}
}

// writeLine sends one CRLF-terminated line. After FQ has passed in either
// direction no further bytes are written.
func (s *Session) writeLine(line string) error {
	if s.quit {
		return protoErrf("write after FQ: %q", line)
	}
	s.log.Debug(">> %s", line)
	if _, err := s.tr.Write([]byte(line + "\r\n")); err != nil {
		return err
	}
	if line == "FQ" {
		s.quit = true
	}
	return nil
}

// sendFQ closes the session cleanly; errors are ignored since the peer
// may already be gone
func (s *Session) sendFQ() {
	if !s.quit {
		s.writeLine("FQ")
	}
}

// bodyWrite guards body streaming against writes after FQ
func (s *Session) bodyWrite(p []byte) (int, error) {
	if s.quit {
		return 0, protoErrf("write after FQ")
	}
	return s.tr.Write(p)
}

type sessionWriter struct{ s *Session }

func (w sessionWriter) Write(p []byte) (int, error) { return w.s.bodyWrite(p) }
