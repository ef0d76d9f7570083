package b2f

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func TestMarshalCanonicalOrder(t *testing.T) {
	m := &Message{
		Mid:     "1234_W1AW",
		Date:    "2026/08/25 12:00",
		Type:    "Private",
		From:    "W1AW",
		To:      []string{"KE4AHR", "N0CALL"},
		Cc:      []string{"K1ABC"},
		Subject: "Net report",
		Mbo:     "W1AW",
		Body:    []byte("73"),
	}
	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	want := "Mid: 1234_W1AW\r\n" +
		"Date: 2026/08/25 12:00\r\n" +
		"Type: Private\r\n" +
		"From: W1AW\r\n" +
		"To: KE4AHR\r\n" +
		"To: N0CALL\r\n" +
		"Cc: K1ABC\r\n" +
		"Subject: Net report\r\n" +
		"Mbo: W1AW\r\n" +
		"Body: 2\r\n" +
		"\r\n" +
		"73\r\n"
	if string(data) != want {
		t.Errorf("Marshal output:\n%q\nwant:\n%q", data, want)
	}
}

func TestRoundTripWithAttachments(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	big := make([]byte, 200*1024)
	rng.Read(big)

	m := &Message{
		Mid:     "ABCD1234EFGH",
		Date:    "2026/08/25 12:00",
		Type:    "Private",
		From:    "KE4AHR",
		To:      []string{"W1AW"},
		Subject: "photos attached",
		Body:    []byte("See attached.\r\nContains CRLF and binary files."),
		Attachments: []Attachment{
			{Name: "photo of the site.jpg", Data: big},
			{Name: "empty.txt", Data: []byte{}},
		},
	}

	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := ParseMessage(data, 0)
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	data2, err := got.Marshal()
	if err != nil {
		t.Fatalf("re-Marshal failed: %v", err)
	}
	if !bytes.Equal(data, data2) {
		t.Error("round trip is not byte-identical")
	}
	if got.Attachments[0].Name != "photo of the site.jpg" {
		t.Errorf("attachment name = %q", got.Attachments[0].Name)
	}
}

func TestParseRejectsMissingHeaders(t *testing.T) {
	cases := []struct {
		drop string
		want error
	}{
		{"Mid", ErrMissingMid},
		{"Date", ErrMissingDate},
		{"Type", ErrMissingType},
		{"From", ErrMissingFrom},
		{"Subject", ErrMissingSubject},
		{"Body", ErrMissingBody},
	}
	for _, tc := range cases {
		m := &Message{
			Mid: "M1", Date: "2026/08/25 12:00", Type: "Private",
			From: "W1AW", Subject: "s", Body: []byte("x"),
		}
		data, err := m.Marshal()
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		stripped := stripHeader(data, tc.drop)
		if _, err := ParseMessage(stripped, 0); !errors.Is(err, tc.want) {
			t.Errorf("missing %s: error = %v, want %v", tc.drop, err, tc.want)
		}
	}
}

func stripHeader(data []byte, name string) []byte {
	prefix := []byte(name + ": ")
	var out []byte
	for _, line := range bytes.SplitAfter(data, []byte("\r\n")) {
		if bytes.HasPrefix(line, prefix) {
			continue
		}
		out = append(out, line...)
	}
	return out
}

func TestParseAcceptsAnyHeaderCase(t *testing.T) {
	data := []byte("MID: M1\r\nDATE: 2026/08/25 12:00\r\nTYPE: Private\r\n" +
		"FROM: W1AW\r\nto: KE4AHR\r\nSUBJECT: s\r\nBODY: 2\r\nFILE: a.txt 1\r\n" +
		"\r\n73\r\nx\r\n")
	m, err := ParseMessage(data, 0)
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if m.Mid != "M1" || m.From != "W1AW" || string(m.Body) != "73" {
		t.Errorf("parsed message = %+v", m)
	}
	if len(m.To) != 1 || m.To[0] != "KE4AHR" {
		t.Errorf("To = %v, want [KE4AHR]", m.To)
	}
	if len(m.Attachments) != 1 || m.Attachments[0].Name != "a.txt" {
		t.Errorf("Attachments = %v", m.Attachments)
	}
}

func TestMidLengthBound(t *testing.T) {
	m := &Message{
		Mid: "ABCD1234EFGH5", Date: "2026/08/25 12:00", Type: "Private",
		From: "W1AW", Subject: "s", Body: []byte("x"),
	}
	if _, err := m.Marshal(); !errors.Is(err, ErrMidTooLong) {
		t.Errorf("Marshal error = %v, want ErrMidTooLong", err)
	}

	data := []byte("Mid: ABCD1234EFGH5\r\nDate: d\r\nType: t\r\nFrom: f\r\n" +
		"Subject: s\r\nBody: 0\r\n\r\n\r\n")
	if _, err := ParseMessage(data, 0); !errors.Is(err, ErrMidTooLong) {
		t.Errorf("ParseMessage error = %v, want ErrMidTooLong", err)
	}
}

func TestParseRejectsDuplicateMid(t *testing.T) {
	data := []byte("Mid: M1\r\nMid: M2\r\nDate: d\r\nType: t\r\nFrom: f\r\n" +
		"Subject: s\r\nBody: 0\r\n\r\n\r\n")
	if _, err := ParseMessage(data, 0); !errors.Is(err, ErrDuplicateMid) {
		t.Errorf("error = %v, want ErrDuplicateMid", err)
	}
}

func TestParseRejectsBadLength(t *testing.T) {
	for _, bad := range []string{"-1", "abc", "1.5"} {
		data := []byte("Mid: M1\r\nDate: d\r\nType: t\r\nFrom: f\r\n" +
			"Subject: s\r\nBody: " + bad + "\r\n\r\n\r\n")
		if _, err := ParseMessage(data, 0); !errors.Is(err, ErrBadLength) {
			t.Errorf("Body: %s: error = %v, want ErrBadLength", bad, err)
		}
	}
}

func TestParseRejectsOversizedPayload(t *testing.T) {
	data := []byte("Mid: M1\r\nDate: d\r\nType: t\r\nFrom: f\r\n" +
		"Subject: s\r\nBody: 100\r\n\r\n")
	if _, err := ParseMessage(data, 50); !errors.Is(err, ErrTooLarge) {
		t.Errorf("error = %v, want ErrTooLarge", err)
	}
}

func TestParseRejectsShortPayload(t *testing.T) {
	data := []byte("Mid: M1\r\nDate: d\r\nType: t\r\nFrom: f\r\n" +
		"Subject: s\r\nBody: 10\r\n\r\nshort\r\n")
	if _, err := ParseMessage(data, 0); !errors.Is(err, ErrShortPayload) {
		t.Errorf("error = %v, want ErrShortPayload", err)
	}
}
