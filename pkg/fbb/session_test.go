package fbb

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ke4ahr/PyFBB/pkg/b2f"
	"github.com/ke4ahr/PyFBB/pkg/lzhuf"
	"github.com/ke4ahr/PyFBB/pkg/transport"
)

// peerScript drives the far end of a session over a net.Pipe
type peerScript struct {
	t  *testing.T
	c  net.Conn
	br *bufio.Reader
}

func newPeer(t *testing.T, c net.Conn) *peerScript {
	return &peerScript{t: t, c: c, br: bufio.NewReader(c)}
}

func (p *peerScript) readLine() string {
	p.t.Helper()
	line, err := p.br.ReadString('\n')
	if err != nil {
		p.t.Errorf("peer read failed: %v", err)
		return ""
	}
	return strings.TrimRight(line, "\r\n")
}

func (p *peerScript) expect(want string) {
	p.t.Helper()
	if got := p.readLine(); got != want {
		p.t.Errorf("peer read %q, want %q", got, want)
	}
}

func (p *peerScript) send(line string) {
	p.t.Helper()
	if _, err := p.c.Write([]byte(line + "\r\n")); err != nil {
		p.t.Errorf("peer write failed: %v", err)
	}
}

func (p *peerScript) readBody() []byte {
	p.t.Helper()
	var out []byte
	for {
		b, err := p.br.ReadByte()
		if err != nil {
			p.t.Errorf("peer body read failed: %v", err)
			return out
		}
		if b == 0x1A {
			return out
		}
		out = append(out, b)
	}
}

func newTestSession(t *testing.T, cfg Config) (*Session, *peerScript) {
	t.Helper()
	ours, theirs := net.Pipe()
	s, err := NewSession(transport.NewStream(ours), cfg)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return s, newPeer(t, theirs)
}

func runSession(t *testing.T, run func() error) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- run() }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func TestConnectPlainASCIIForward(t *testing.T) {
	s, peer := newTestSession(t, DefaultConfig())
	msg := &b2f.Message{
		Mid: "TEST001", Type: "P", From: "W1AW",
		To: []string{"KE4AHR@N4XYZ"}, Body: []byte("Hello\r\n73"),
	}
	if err := s.Queue(msg, KindAuto); err != nil {
		t.Fatalf("Queue failed: %v", err)
	}

	go func() {
		peer.send("[FBB-7.0-AB1FHM$]")
		peer.expect("[PYF-0.1-FB1$]")
		prop := peer.readLine()
		if prop != "FA P 9 W1AW KE4AHR @N4XYZ TEST001" {
			t.Errorf("proposal = %q", prop)
		}
		peer.expect("F> " + batchChecksum([]string{prop}))
		peer.send("FS +")
		if body := peer.readBody(); string(body) != "Hello\r\n73" {
			t.Errorf("body = %q", body)
		}
		peer.expect("FQ")
	}()

	if err := runSession(t, func() error { return s.Connect(context.Background()) }); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	rep := s.Report()
	if rep.Outbound[0].Status != StatusSent {
		t.Errorf("status = %v", rep.Outbound[0].Status)
	}
	if rep.BytesSent != 9 {
		t.Errorf("BytesSent = %d", rep.BytesSent)
	}
}

func TestConnectResumeAtOffset(t *testing.T) {
	body := bytes.Repeat([]byte{0xA5}, 2048)
	resume := map[string]int{"RES42": 500}

	cfg := DefaultConfig()
	cfg.GetResume = func(mid string) int { return resume[mid] }
	cfg.PutResume = func(mid string, off int) { resume[mid] = off }

	s, peer := newTestSession(t, cfg)
	msg := &b2f.Message{
		Mid: "RES42", Type: "P", From: "W1AW",
		To: []string{"KE4AHR@N4XYZ"}, Body: body,
	}
	if err := s.Queue(msg, KindBinary); err != nil {
		t.Fatalf("Queue failed: %v", err)
	}

	go func() {
		peer.send("[FBB-7.0-AB1FHMX$]")
		peer.expect("[PYF-0.1-FB1$]")
		prop := peer.readLine()
		if prop != "FB P 2048@500 W1AW KE4AHR @N4XYZ RES42" {
			t.Errorf("proposal = %q", prop)
		}
		peer.expect("F> " + batchChecksum([]string{prop}))
		peer.send("FS !500")
		data, err := b2f.ReadBlocks(peer.br)
		if err != nil {
			t.Errorf("peer ReadBlocks failed: %v", err)
		}
		if !bytes.Equal(data, body[500:]) {
			t.Errorf("streamed %d bytes, want bytes 500..2047", len(data))
		}
		peer.expect("FQ")
	}()

	if err := runSession(t, func() error { return s.Connect(context.Background()) }); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if resume["RES42"] != 2048 {
		t.Errorf("resume offset after send = %d", resume["RES42"])
	}
}

func TestConnectResumeAlreadyDelivered(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GetResume = func(string) int { return 10 }

	s, peer := newTestSession(t, cfg)
	msg := &b2f.Message{
		Mid: "DONE1", Type: "P", From: "W1AW",
		To: []string{"KE4AHR"}, Body: []byte("0123456789"),
	}
	if err := s.Queue(msg, KindBinary); err != nil {
		t.Fatalf("Queue failed: %v", err)
	}

	go func() {
		peer.send("[FBB-7.0-AB1FHM$]")
		peer.expect("[PYF-0.1-FB1$]")
		// Nothing to offer: no proposals, no F>, straight to FQ
		peer.expect("FQ")
	}()

	if err := runSession(t, func() error { return s.Connect(context.Background()) }); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := s.Report().Outbound[0].Status; got != StatusDelivered {
		t.Errorf("status = %v", got)
	}
}

func TestConnectTrafficLimited(t *testing.T) {
	s, peer := newTestSession(t, DefaultConfig())
	for _, mid := range []string{"LIM1", "LIM2", "LIM3"} {
		msg := &b2f.Message{
			Mid: mid, Type: "P", From: "W1AW",
			To: []string{"KE4AHR"}, Body: []byte("ten bytes!"),
		}
		if err := s.Queue(msg, KindAuto); err != nil {
			t.Fatalf("Queue failed: %v", err)
		}
	}

	go func() {
		peer.send("[FBB-7.0-AB1FHM$]")
		peer.expect("[PYF-0.1-FB1$]")
		for i := 0; i < 3; i++ {
			peer.readLine()
		}
		peer.readLine() // F>
		peer.send("FS ++H")
		peer.readBody()
		peer.readBody()
		peer.expect("FQ")
	}()

	err := runSession(t, func() error { return s.Connect(context.Background()) })
	limErr, ok := err.(*LimitError)
	if !ok {
		t.Fatalf("Connect error = %v, want *LimitError", err)
	}
	if limErr.Undelivered != 1 {
		t.Errorf("Undelivered = %d", limErr.Undelivered)
	}
	rep := s.Report()
	if !rep.LimitHit {
		t.Error("LimitHit not set")
	}
	if rep.Outbound[2].Status != StatusLimited {
		t.Errorf("third status = %v", rep.Outbound[2].Status)
	}
}

func TestConnectAuthChallengeWithoutSecret(t *testing.T) {
	s, peer := newTestSession(t, DefaultConfig())

	go func() {
		// SID and challenge arrive together so the challenge is
		// buffered when the SID is parsed
		peer.c.Write([]byte("[FBB-7.0-AB1FHM$]\r\n;PQ 12345678\r\n"))
		peer.readLine() // our SID
	}()

	err := runSession(t, func() error { return s.Connect(context.Background()) })
	if _, ok := err.(*AuthError); !ok {
		t.Fatalf("Connect error = %v, want *AuthError", err)
	}
}

func TestConnectDelayedAuthChallengeWithoutSecret(t *testing.T) {
	s, peer := newTestSession(t, DefaultConfig())
	msg := &b2f.Message{
		Mid: "NOAUTH1", Type: "P", From: "W1AW",
		To: []string{"KE4AHR"}, Body: []byte("never sent"),
	}
	if err := s.Queue(msg, KindAuto); err != nil {
		t.Fatalf("Queue failed: %v", err)
	}

	go func() {
		// SID and challenge arrive as separate segments
		peer.send("[FBB-7.0-AB1FHM$]")
		peer.expect("[PYF-0.1-FB1$]")
		time.Sleep(100 * time.Millisecond)
		peer.send(";PQ 12345678")
	}()

	err := runSession(t, func() error { return s.Connect(context.Background()) })
	if _, ok := err.(*AuthError); !ok {
		t.Fatalf("Connect error = %v, want *AuthError", err)
	}
	if got := s.Report().Outbound[0].Status; got != StatusQueued {
		t.Errorf("status = %v, want queued (no proposal emitted)", got)
	}
}

func TestLateChallengeDuringBatchAnswered(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Secret = "s3cret"
	s, peer := newTestSession(t, cfg)
	msg := &b2f.Message{
		Mid: "AUTH42", Type: "P", From: "W1AW",
		To: []string{"KE4AHR"}, Body: []byte("hi"),
	}
	if err := s.Queue(msg, KindAuto); err != nil {
		t.Fatalf("Queue failed: %v", err)
	}

	go func() {
		peer.send("[FBB-7.0-AB1FHM$]")
		peer.expect("[PYF-0.1-FB1$]")
		peer.readLine() // proposal
		peer.readLine() // F>
		peer.send(";PQ 87654321")
		want := md5.Sum([]byte("87654321" + "s3cret"))
		peer.expect(";PR " + hex.EncodeToString(want[:]))
		peer.send("FS +")
		peer.readBody()
		peer.expect("FQ")
	}()

	if err := runSession(t, func() error { return s.Connect(context.Background()) }); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := s.Report().Outbound[0].Status; got != StatusSent {
		t.Errorf("status = %v", got)
	}
}

func TestConnectAuthChallengeWithSecret(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Secret = "s3cret"
	s, peer := newTestSession(t, cfg)

	go func() {
		peer.c.Write([]byte("[FBB-7.0-AB1FHM$]\r\n;PQ 12345678\r\n"))
		peer.expect("[PYF-0.1-FB1$]")
		want := md5.Sum([]byte("12345678" + "s3cret"))
		peer.expect(";PR " + hex.EncodeToString(want[:]))
		peer.expect("FQ")
	}()

	if err := runSession(t, func() error { return s.Connect(context.Background()) }); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
}

func TestServeReceivesB2F(t *testing.T) {
	s, peer := newTestSession(t, DefaultConfig())

	orig := &b2f.Message{
		Mid: "ABCD1234EFGH", Date: "2026/08/25 12:00", Type: "Private",
		From: "W1AW", To: []string{"KE4AHR"}, Subject: "hello",
		Body: []byte("compressed transfer test"),
	}
	marshalled, err := orig.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	compressed := lzhuf.Compress(marshalled)

	go func() {
		peer.readLine() // our SID
		peer.send("[FBB-7.0-AB1F$]")
		prop := (&Proposal{
			Kind: KindB2F, Type: "EM", Mid: "ABCD1234EFGH",
			Size: len(marshalled), CompressedSize: len(compressed), Offset: -1,
		}).String()
		peer.send(prop)
		peer.send("F> " + batchChecksum([]string{prop}))
		peer.expect("FS +")
		var buf bytes.Buffer
		b2f.WriteBlocks(&buf, compressed)
		peer.c.Write(buf.Bytes())
		peer.send("FQ")
	}()

	if err := runSession(t, func() error { return s.Serve(context.Background()) }); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}

	got := s.ReceivedMessages()
	if len(got) != 1 {
		t.Fatalf("received %d messages", len(got))
	}
	if got[0].Mid != "ABCD1234EFGH" || !bytes.Equal(got[0].Body, orig.Body) {
		t.Errorf("received message = %+v", got[0])
	}
}

func TestServeRejectsBatchChecksumMismatch(t *testing.T) {
	s, peer := newTestSession(t, DefaultConfig())

	go func() {
		peer.readLine() // our SID
		peer.send("[FBB-7.0-AB1FM$]") // M: checksum enforced
		peer.send("FA P 5 W1AW KE4AHR @ CKSUM1")
		peer.send("FA P 5 W1AW KE4AHR @ CKSUM2")
		peer.send("F> 00")
		peer.expect("FS ==")
		peer.send("FQ")
	}()

	if err := runSession(t, func() error { return s.Serve(context.Background()) }); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if len(s.ReceivedMessages()) != 0 {
		t.Error("messages stored from rejected batch")
	}
}

func TestServeDuplicateMidAnsweredL(t *testing.T) {
	s, peer := newTestSession(t, DefaultConfig())

	go func() {
		peer.readLine()
		peer.send("[FBB-7.0-AB1F$]")
		peer.send("FA P 2 W1AW KE4AHR @ DUP001")
		peer.send("F> 00") // peer has no M, checksum not verified
		peer.expect("FS +")
		peer.c.Write([]byte("hi\x1A"))
		peer.send("FA P 2 W1AW KE4AHR @ DUP001")
		peer.send("F> 00")
		peer.expect("FS L")
		peer.send("FQ")
	}()

	if err := runSession(t, func() error { return s.Serve(context.Background()) }); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if len(s.ReceivedMessages()) != 1 {
		t.Errorf("received %d messages, want 1", len(s.ReceivedMessages()))
	}
}

func TestServeShortBodyAborts(t *testing.T) {
	s, peer := newTestSession(t, DefaultConfig())

	go func() {
		peer.readLine()
		peer.send("[FBB-7.0-AB1F$]")
		peer.send("FB P 100 W1AW KE4AHR @ SHORT1")
		peer.send("F> 00")
		peer.expect("FS +")
		var buf bytes.Buffer
		b2f.WriteBlocks(&buf, []byte("only twenty bytes!!!"))
		peer.c.Write(buf.Bytes())
	}()

	err := runSession(t, func() error { return s.Serve(context.Background()) })
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("Serve error = %v, want *ProtocolError", err)
	}
}

func TestVerdictCountMismatchIsProtocolError(t *testing.T) {
	s, peer := newTestSession(t, DefaultConfig())
	msg := &b2f.Message{
		Mid: "ONE1", Type: "P", From: "W1AW",
		To: []string{"KE4AHR"}, Body: []byte("x"),
	}
	if err := s.Queue(msg, KindAuto); err != nil {
		t.Fatalf("Queue failed: %v", err)
	}

	go func() {
		peer.send("[FBB-7.0-AB1FHM$]")
		peer.readLine() // our SID
		peer.readLine() // proposal
		peer.readLine() // F>
		peer.send("FS ++")
	}()

	err := runSession(t, func() error { return s.Connect(context.Background()) })
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("Connect error = %v, want *ProtocolError", err)
	}
}

func TestQueueRejectsDuplicates(t *testing.T) {
	s, _ := newTestSession(t, DefaultConfig())
	msg := &b2f.Message{Mid: "M1", Body: []byte("x")}
	if err := s.Queue(msg, KindAuto); err != nil {
		t.Fatalf("Queue failed: %v", err)
	}
	if err := s.Queue(msg, KindAuto); err == nil {
		t.Error("duplicate Mid queued")
	}
	if err := s.Queue(&b2f.Message{}, KindAuto); err == nil {
		t.Error("message without Mid queued")
	}
}

func TestNewSessionConfigValidation(t *testing.T) {
	ours, _ := net.Pipe()
	tr := transport.NewStream(ours)

	if _, err := NewSession(tr, Config{}); err == nil {
		t.Error("empty config accepted")
	}
	bad := DefaultConfig()
	bad.AppName = "PY F"
	if _, err := NewSession(tr, bad); err == nil {
		t.Error("SID name with space accepted")
	}
	bad = DefaultConfig()
	bad.Features = "FB1G" // G without use_gzip
	if _, err := NewSession(tr, bad); err == nil {
		t.Error("contradictory capability flags accepted")
	}
	bad = DefaultConfig()
	bad.TrafficLimit = -1
	if _, err := NewSession(tr, bad); err == nil {
		t.Error("negative traffic limit accepted")
	}
}
