package fbb

import (
	"strings"

	"github.com/ke4ahr/PyFBB/pkg/b2f"
)

// runOfferer drains the outbound queue in batches of up to MaxBatch
// proposals, then hands over with FF or closes with FQ
func (s *Session) runOfferer() error {
	for {
		batch, err := s.nextBatch()
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			if s.cfg.EnableReverse && !s.reversed {
				s.reversed = true
				if err := s.writeLine("FF"); err != nil {
					return err
				}
				return s.runAcceptor()
			}
			s.sendFQ()
			return nil
		}

		if err := s.offerBatch(batch); err != nil {
			return err
		}
		if s.limitLatched {
			s.sendFQ()
			return nil
		}
	}
}

// nextBatch prepares up to MaxBatch queued messages for proposing.
// Messages whose resume offset already covers the whole stream are marked
// delivered without being offered.
func (s *Session) nextBatch() ([]*Outbound, error) {
	var batch []*Outbound
	for _, o := range s.queue {
		if len(batch) == MaxBatch {
			break
		}
		if o.Status != StatusQueued {
			continue
		}
		if err := s.prepare(o); err != nil {
			return nil, err
		}
		if o.Status != StatusQueued {
			continue
		}
		batch = append(batch, o)
	}
	return batch, nil
}

// prepare builds the proposal and stream payload for one message
func (s *Session) prepare(o *Outbound) error {
	kind := o.Kind
	if kind == KindAuto {
		if len(o.Msg.Attachments) > 0 {
			kind = KindB2F
		} else {
			kind = KindASCII
		}
	}

	// Downgrade to what the peer can take
	if kind == KindB2F && !s.peerSID.Has(CapB2F) {
		if len(o.Msg.Attachments) > 0 {
			s.log.Warn("peer lacks B1, cannot send %s with attachments", o.Msg.Mid)
			o.Status = StatusRejected
			return nil
		}
		if s.peerSID.Has(CapBinary) {
			kind = KindBinary
		} else {
			kind = KindASCII
		}
	}
	if kind == KindBinary && !s.peerSID.Has(CapBinary) {
		kind = KindASCII
	}

	p := &Proposal{
		Kind:   kind,
		Type:   o.Msg.Type,
		Mid:    o.Msg.Mid,
		From:   o.Msg.From,
		Offset: -1,
	}
	if len(o.Msg.To) > 0 {
		to, routing, hasRouting := strings.Cut(o.Msg.To[0], "@")
		p.To = to
		if hasRouting {
			p.Routing = "@" + routing
		}
	}

	switch kind {
	case KindB2F:
		marshalled, err := o.Msg.Marshal()
		if err != nil {
			return &ConfigError{Reason: "unsendable message " + o.Msg.Mid + ": " + err.Error()}
		}
		o.payload = s.comp.Compress(marshalled)
		p.Size = len(marshalled)
		p.CompressedSize = len(o.payload)
	default:
		o.payload = o.Msg.Body
		p.Size = len(o.Msg.Body)
	}

	if s.cfg.GetResume != nil {
		if off := s.cfg.GetResume(o.Msg.Mid); off > 0 {
			if off >= len(o.payload) {
				s.log.Info("%s already fully delivered, skipping", o.Msg.Mid)
				o.Status = StatusDelivered
				return nil
			}
			p.Offset = off
		}
	}

	o.proposal = p
	return nil
}

// offerBatch emits the proposal lines and batch checksum, reads the FS
// verdicts and streams the accepted bodies
func (s *Session) offerBatch(batch []*Outbound) error {
	lines := make([]string, len(batch))
	for i, o := range batch {
		lines[i] = o.proposal.String()
		if err := s.writeLine(lines[i]); err != nil {
			return err
		}
	}
	if err := s.writeLine("F> " + batchChecksum(lines)); err != nil {
		return err
	}

	verdicts, err := s.readVerdicts(len(batch))
	if err != nil {
		return err
	}

	for i, v := range verdicts {
		o := batch[i]
		switch v.Code {
		case '+', '!':
			if err := s.streamBody(o, v); err != nil {
				return err
			}
		case '-':
			// A deferral from a traffic-limiting peer means the budget
			// is spent
			if s.peerSID.Has(CapHierarch) {
				o.Status = StatusLimited
				s.limitLatched = true
			} else {
				o.Status = StatusDeferred
			}
		case '=':
			o.Status = StatusRejected
		case 'E':
			o.Status = StatusRejected
		case 'L':
			o.Status = StatusAlreadyHave
			if s.cfg.PutResume != nil {
				s.cfg.PutResume(o.Msg.Mid, len(o.payload))
			}
		case 'R':
			o.Status = StatusNoResource
		case 'H':
			o.Status = StatusLimited
			s.limitLatched = true
		}
		s.log.Info("%s %s: %s", o.proposal.Kind, o.Msg.Mid, o.Status)
	}
	return nil
}

// readVerdicts waits for the FS line answering a batch
func (s *Session) readVerdicts(want int) ([]Verdict, error) {
	for {
		line, err := s.readLine()
		if err != nil {
			return nil, err
		}
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "FS "):
			return ParseVerdicts(line[3:], want)
		case line == "FQ":
			s.quit = true
			return nil, peerQuit{}
		case strings.HasPrefix(line, ";PQ"):
			// A late challenge still demands an answer (or an auth
			// failure) before any more traffic
			if err := s.answerChallenge(line); err != nil {
				return nil, err
			}
			continue
		case strings.HasPrefix(line, ";"):
			s.log.Debug("control line %q during batch", line)
			continue
		default:
			return nil, protoErrf("expected FS, got %q", line)
		}
	}
}

// streamBody transmits one accepted body from the negotiated offset
func (s *Session) streamBody(o *Outbound, v Verdict) error {
	start := 0
	if o.proposal.Offset > 0 {
		start = o.proposal.Offset
	}
	if v.Code == '!' {
		if v.Offset > len(o.payload) {
			return protoErrf("peer resume offset %d beyond %d-byte stream for %s",
				v.Offset, len(o.payload), o.Msg.Mid)
		}
		start = v.Offset
		if s.cfg.PutResume != nil {
			s.cfg.PutResume(o.Msg.Mid, start)
		}
	}

	data := o.payload[start:]
	switch o.proposal.Kind {
	case KindASCII:
		if _, err := s.bodyWrite(append(append([]byte(nil), data...), bodyEOT)); err != nil {
			return err
		}
	default:
		if err := b2f.WriteBlocks(sessionWriter{s}, data); err != nil {
			return err
		}
	}

	s.bytesSent += len(data)
	o.Status = StatusSent
	if s.cfg.PutResume != nil {
		s.cfg.PutResume(o.Msg.Mid, len(o.payload))
	}
	return nil
}
