package fbb

import (
	"errors"
	"strings"
	"time"

	"github.com/ke4ahr/PyFBB/pkg/b2f"
)

// batchEntry is one inbound proposal line; prop is nil when the line had
// an unknown kind or did not parse, which forces a '=' verdict
type batchEntry struct {
	raw  string
	prop *Proposal
}

// runAcceptor consumes proposal batches from the peer, answers FS
// verdicts, receives accepted bodies and honours FF/FR/FQ
func (s *Session) runAcceptor() error {
	var batch []batchEntry
	for {
		line, err := s.readLine()
		if err != nil {
			return err
		}

		switch {
		case line == "":
			continue

		case line == "FQ":
			s.quit = true
			return nil

		case line == "FF":
			if !s.reversed && s.hasQueued() {
				s.reversed = true
				return s.runOfferer()
			}
			s.sendFQ()
			return nil

		case line == "FR":
			return s.runOfferer()

		case strings.HasPrefix(line, "F>"):
			if len(batch) == 0 {
				return protoErrf("F> without proposals")
			}
			err := s.processBatch(batch, strings.TrimSpace(line[2:]))
			batch = nil
			if err != nil {
				return err
			}

		case strings.HasPrefix(line, "FS"):
			return protoErrf("unexpected FS while accepting: %q", line)

		case strings.HasPrefix(line, "FA") || strings.HasPrefix(line, "FB") ||
			strings.HasPrefix(line, "FC"):
			prop, err := ParseProposal(line)
			if err != nil {
				s.log.Warn("unparseable proposal %q", line)
				prop = nil
			}
			batch = append(batch, batchEntry{raw: line, prop: prop})

		case line[0] == 'F' && len(line) >= 2 && line[1] >= 'A' && line[1] <= 'Z':
			// Unknown proposal kind: carried in the batch for a '='
			// verdict
			s.log.Warn("unknown proposal kind in %q", line)
			batch = append(batch, batchEntry{raw: line})

		case strings.HasPrefix(line, ";PQ"):
			if err := s.answerChallenge(line); err != nil {
				return err
			}

		case strings.HasPrefix(line, ";"):
			s.log.Debug("control line %q", line)

		case IsSIDLine(line):
			sid, err := ParseSID(line)
			if err == nil {
				s.peerSID = sid
				s.negotiateCompression()
			}

		default:
			s.log.Debug("skipping line %q", line)
		}
	}
}

func (s *Session) hasQueued() bool {
	for _, o := range s.queue {
		if o.Status == StatusQueued {
			return true
		}
	}
	return false
}

// processBatch verifies the batch checksum, decides verdicts, sends the
// FS line and receives the accepted bodies
func (s *Session) processBatch(batch []batchEntry, cksum string) error {
	if s.peerSID.Has(CapChecksum) {
		raw := make([]string, len(batch))
		for i, e := range batch {
			raw[i] = e.raw
		}
		if want := batchChecksum(raw); !strings.EqualFold(want, cksum) {
			s.log.Warn("batch checksum %s, expected %s; rejecting batch", cksum, want)
			return s.writeLine("FS " + strings.Repeat("=", len(batch)))
		}
	}

	verdicts := make([]Verdict, len(batch))
	for i, e := range batch {
		verdicts[i] = s.judge(e.prop)
	}
	if err := s.writeLine("FS " + encodeVerdicts(verdicts)); err != nil {
		return err
	}

	for i, v := range verdicts {
		if !v.Accepted() {
			continue
		}
		if err := s.receiveBody(batch[i].prop, v); err != nil {
			return err
		}
	}
	return nil
}

// judge applies local policy to one proposal
func (s *Session) judge(p *Proposal) Verdict {
	if p == nil {
		return Verdict{Code: '='}
	}
	if s.seenMids[p.Mid] {
		return Verdict{Code: 'L'}
	}
	if s.remaining >= 0 && p.StreamSize() > s.remaining {
		s.log.Info("%s exceeds remaining traffic budget, limiting", p.Mid)
		return Verdict{Code: 'H'}
	}
	if s.cfg.GetPartial != nil {
		if partial := s.cfg.GetPartial(p.Mid); len(partial) > 0 {
			if len(partial) >= p.StreamSize() {
				return Verdict{Code: 'L'}
			}
			return Verdict{Code: '!', Offset: len(partial)}
		}
	}
	return Verdict{Code: '+'}
}

// receiveBody reads one accepted body stream and stores the message
func (s *Session) receiveBody(p *Proposal, v Verdict) error {
	start := 0
	if p.Offset > 0 {
		start = p.Offset
	}
	var partial []byte
	if v.Code == '!' {
		start = v.Offset
		if s.cfg.GetPartial != nil {
			partial = s.cfg.GetPartial(p.Mid)
		}
	}
	expected := p.StreamSize() - start

	var data []byte
	var err error
	if p.Kind == KindASCII {
		data, err = s.readUntilEOT()
		if err != nil {
			return err
		}
	} else {
		data, err = b2f.ReadBlocks(s.br)
		switch {
		case errors.Is(err, b2f.ErrBlockChecksum):
			// The stream stayed framed; reject and let the peer
			// re-propose
			s.log.Warn("block checksum failure receiving %s", p.Mid)
			return s.writeLine("FS =")
		case errors.Is(err, b2f.ErrBlockFraming):
			return protoErrf("body framing broken for %s", p.Mid)
		case err != nil:
			return err
		}
	}

	if len(data) < expected {
		return protoErrf("body for %s is %d bytes, declared %d",
			p.Mid, start+len(data), p.StreamSize())
	}

	full := append(append([]byte(nil), partial...), data...)
	msg, err := s.assemble(p, full)
	if err != nil {
		return err
	}

	s.received = append(s.received, msg)
	s.seenMids[p.Mid] = true
	if s.remaining > 0 {
		s.remaining -= len(data)
		if s.remaining < 0 {
			s.remaining = 0
		}
	}
	if s.cfg.PutPartial != nil {
		s.cfg.PutPartial(p.Mid, nil)
	}
	s.log.Info("received %s %s (%d bytes)", p.Kind, p.Mid, len(full))
	return nil
}

// assemble turns a completed body stream into a stored message
func (s *Session) assemble(p *Proposal, stream []byte) (*b2f.Message, error) {
	if p.Kind == KindB2F {
		marshalled, err := s.comp.Decompress(stream)
		if err != nil {
			return nil, protoErrf("decompress %s: %v", p.Mid, err)
		}
		if len(marshalled) < p.Size {
			return nil, protoErrf("message %s decompressed to %d bytes, declared %d",
				p.Mid, len(marshalled), p.Size)
		}
		msg, err := b2f.ParseMessage(marshalled, s.cfg.MaxPayload)
		if err != nil {
			return nil, protoErrf("invalid headers in %s: %v", p.Mid, err)
		}
		return msg, nil
	}

	to := p.To
	if p.Routing != "" {
		to += p.Routing
	}
	return &b2f.Message{
		Mid:  p.Mid,
		Date: time.Now().UTC().Format("2006/01/02 15:04"),
		Type: p.Type,
		From: p.From,
		To:   []string{to},
		Body: stream,
	}, nil
}

// readUntilEOT collects an ASCII body up to the SUB terminator
func (s *Session) readUntilEOT() ([]byte, error) {
	var out []byte
	for {
		b, err := s.br.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == bodyEOT {
			return out, nil
		}
		out = append(out, b)
	}
}
