package hl7v2

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// =========== ACK Tests ===========

func TestAck_AA(t *testing.T) {
	b := NewAckBuilder("", "", "")
	orig := parseTestMessage(t, sampleADT)

	ack, err := b.Ack(orig, AckAccept, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Sender and receiver are swapped.
	if ack.SendingApp() != "ReceivingApp" {
		t.Errorf("expected SendingApp 'ReceivingApp', got %q", ack.SendingApp())
	}
	if ack.SendingFacility() != "ReceivingFac" {
		t.Errorf("expected SendingFacility 'ReceivingFac', got %q", ack.SendingFacility())
	}
	if ack.ReceivingApp() != "SendingApp" {
		t.Errorf("expected ReceivingApp 'SendingApp', got %q", ack.ReceivingApp())
	}
	if ack.ReceivingFacility() != "SendingFac" {
		t.Errorf("expected ReceivingFacility 'SendingFac', got %q", ack.ReceivingFacility())
	}

	if ack.MessageType() != "ACK^A01" {
		t.Errorf("expected MessageType 'ACK^A01', got %q", ack.MessageType())
	}
	if ack.ControlID() == "" || ack.ControlID() == orig.ControlID() {
		t.Errorf("expected a fresh control ID, got %q", ack.ControlID())
	}
	if ack.ProcessingID() != "P" {
		t.Errorf("expected ProcessingID 'P', got %q", ack.ProcessingID())
	}
	if ack.Version() != "2.5.1" {
		t.Errorf("expected Version '2.5.1', got %q", ack.Version())
	}
	if _, err := ack.Timestamp(); err != nil {
		t.Errorf("expected parseable MSH-7, got %v", err)
	}

	msa := ack.GetSegment("MSA")
	if msa == nil {
		t.Fatal("ACK missing MSA segment")
	}
	if msa.GetField(1) != "AA" {
		t.Errorf("expected MSA-1 'AA', got %q", msa.GetField(1))
	}
	if msa.GetField(2) != "MSG00001" {
		t.Errorf("expected MSA-2 'MSG00001', got %q", msa.GetField(2))
	}
	if ack.GetSegment("ERR") != nil {
		t.Error("expected no ERR segment on AA")
	}
}

func TestAck_AEWithText(t *testing.T) {
	b := NewAckBuilder("GW", "HOSP", "2.5")
	orig := parseTestMessage(t, sampleORU)

	text := "lookup failed: a|b^c"
	ack, err := b.Ack(orig, AckError, text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Re-parse the wire form so escaping is exercised.
	wire := parseTestMessage(t, ack.String())

	msa := wire.GetSegment("MSA")
	if msa.GetField(1) != "AE" {
		t.Errorf("expected MSA-1 'AE', got %q", msa.GetField(1))
	}
	if msa.GetField(2) != "MSG00002" {
		t.Errorf("expected MSA-2 'MSG00002', got %q", msa.GetField(2))
	}
	if msa.GetField(3) != text {
		t.Errorf("expected MSA-3 %q, got %q", text, msa.GetField(3))
	}

	errSeg := wire.GetSegment("ERR")
	if errSeg == nil {
		t.Fatal("expected ERR segment")
	}
	if errSeg.GetComponent(3, 1) != "207" || errSeg.GetComponent(3, 3) != "HL70357" {
		t.Errorf("unexpected ERR-3: %q", errSeg.Raw(3))
	}
	if errSeg.GetField(4) != "E" {
		t.Errorf("expected ERR-4 'E', got %q", errSeg.GetField(4))
	}
	if errSeg.GetField(8) != text {
		t.Errorf("expected ERR-8 %q, got %q", text, errSeg.GetField(8))
	}
}

func TestAck_MultiLineText(t *testing.T) {
	b := NewAckBuilder("", "", "")
	orig := parseTestMessage(t, sampleADT)

	ack, err := b.Ack(orig, AckError, "publish failed:\nnats: timeout\r\nretry later")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reparsed, err := Parse(ack.Bytes())
	if err != nil {
		t.Fatalf("expected the AE to parse, got %v", err)
	}
	names := make([]string, 0, len(reparsed.Segments))
	for _, seg := range reparsed.Segments {
		names = append(names, seg.Name)
	}
	if strings.Join(names, ",") != "MSH,MSA,ERR" {
		t.Fatalf("expected segments MSH,MSA,ERR, got %v", names)
	}

	want := "publish failed:\\X0A\\nats: timeout\\X0D\\\\X0A\\retry later"
	if got := reparsed.GetSegment("MSA").GetField(3); got != want {
		t.Errorf("expected MSA-3 %q, got %q", want, got)
	}
	if got := reparsed.GetSegment("ERR").GetField(8); got != want {
		t.Errorf("expected ERR-8 %q, got %q", want, got)
	}
}

func TestAck_KeepsOriginalDelimiters(t *testing.T) {
	b := NewAckBuilder("", "", "")
	orig := parseTestMessage(t, customDelims)

	ack, err := b.Ack(orig, AckAccept, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ack.Delimiters != orig.Delimiters {
		t.Errorf("expected delimiters %+v, got %+v", orig.Delimiters, ack.Delimiters)
	}
	if !strings.HasPrefix(ack.String(), "MSH#$*!@#RecvApp#RecvFac#SendApp#SendFac#") {
		t.Errorf("unexpected ACK header: %q", ack.String())
	}
	if !strings.Contains(ack.String(), "\rMSA#AA#CTRL9\r") {
		t.Errorf("expected MSA#AA#CTRL9, got %q", ack.String())
	}
}

func TestAck_MirrorsHierarchicDesignators(t *testing.T) {
	raw := "MSH|^~\\&|LAB^1.2.3^ISO|LABFAC|EHR|EHRFAC|20240115||ORU^R01|X1|T|2.4\rPID|1||ID1"
	ack, err := NewAckBuilder("", "", "").Ack(parseTestMessage(t, raw), AckAccept, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ack.ReceivingApp() != "LAB^1.2.3^ISO" {
		t.Errorf("expected ReceivingApp 'LAB^1.2.3^ISO', got %q", ack.ReceivingApp())
	}
	if ack.ProcessingID() != "T" {
		t.Errorf("expected ProcessingID 'T' mirrored, got %q", ack.ProcessingID())
	}
	if ack.Version() != "2.4" {
		t.Errorf("expected Version '2.4' mirrored, got %q", ack.Version())
	}
}

func TestAck_FallsBackToBuilderIdentity(t *testing.T) {
	raw := "MSH|^~\\&|LAB|LABFAC|||20240115||ORU^R01|X1\rPID|1||ID1"
	ack, err := NewAckBuilder("GW", "HOSP", "2.5").Ack(parseTestMessage(t, raw), AckAccept, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ack.SendingApp() != "GW" || ack.SendingFacility() != "HOSP" {
		t.Errorf("expected sender GW/HOSP, got %s/%s", ack.SendingApp(), ack.SendingFacility())
	}
	if ack.ProcessingID() != "P" {
		t.Errorf("expected default ProcessingID 'P', got %q", ack.ProcessingID())
	}
	if ack.Version() != "2.5" {
		t.Errorf("expected builder Version '2.5', got %q", ack.Version())
	}
}

func TestAck_Invalid(t *testing.T) {
	b := NewAckBuilder("", "", "")
	if _, err := b.Ack(nil, AckAccept, ""); err == nil {
		t.Error("expected error for nil message")
	}
	if _, err := b.Ack(parseTestMessage(t, sampleADT), AckCode("CA"), ""); !errors.Is(err, ErrInvalidAckCode) {
		t.Errorf("expected ErrInvalidAckCode, got %v", err)
	}
}

func TestAck_FixedClock(t *testing.T) {
	b := NewAckBuilder("", "", "")
	b.now = func() time.Time { return time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC) }

	ack, err := b.Ack(parseTestMessage(t, sampleADT), AckAccept, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ack.Header().GetField(7); got != "20240301080000" {
		t.Errorf("expected MSH-7 '20240301080000', got %q", got)
	}
}

// =========== NAK Tests ===========

func TestNak_RecoversHeader(t *testing.T) {
	raw := []byte("MSH|^~\\&|LAB|LABFAC|EHR|EHRFAC|20240115||ORU^R01|CTRL42|P|2.3\rpid|bad")
	nak := NewAckBuilder("", "", "").Nak(raw, AckReject, "invalid segment")

	wire := parseTestMessage(t, nak.String())
	if wire.MessageType() != "ACK^R01" {
		t.Errorf("expected MessageType 'ACK^R01', got %q", wire.MessageType())
	}
	if wire.SendingApp() != "EHR" || wire.ReceivingApp() != "LAB" {
		t.Errorf("expected EHR -> LAB, got %s -> %s", wire.SendingApp(), wire.ReceivingApp())
	}
	if wire.Version() != "2.3" {
		t.Errorf("expected Version '2.3', got %q", wire.Version())
	}

	msa := wire.GetSegment("MSA")
	if msa.GetField(1) != "AR" {
		t.Errorf("expected MSA-1 'AR', got %q", msa.GetField(1))
	}
	if msa.GetField(2) != "CTRL42" {
		t.Errorf("expected MSA-2 'CTRL42', got %q", msa.GetField(2))
	}
	if msa.GetField(3) != "invalid segment" {
		t.Errorf("expected MSA-3 'invalid segment', got %q", msa.GetField(3))
	}
}

func TestNak_NothingRecoverable(t *testing.T) {
	nak := NewAckBuilder("", "", "").Nak([]byte("THIS IS NOT HL7"), AckReject, "")

	wire := parseTestMessage(t, nak.String())
	if wire.Delimiters != DefaultDelimiters() {
		t.Errorf("expected default delimiters, got %+v", wire.Delimiters)
	}
	if wire.MessageType() != "ACK" {
		t.Errorf("expected MessageType 'ACK', got %q", wire.MessageType())
	}
	if wire.SendingApp() != "MLLP_GATEWAY" || wire.SendingFacility() != "EHR" {
		t.Errorf("expected default sender, got %s/%s", wire.SendingApp(), wire.SendingFacility())
	}
	if wire.Version() != "2.5" {
		t.Errorf("expected Version '2.5', got %q", wire.Version())
	}
	if got := wire.GetSegment("MSA").GetField(2); got != UnknownControlID {
		t.Errorf("expected MSA-2 %q, got %q", UnknownControlID, got)
	}
}

func TestNak_ParseableMessage(t *testing.T) {
	nak := NewAckBuilder("", "", "").Nak([]byte(sampleADT), AckError, "handler failed")
	if got := nak.GetSegment("MSA").GetField(2); got != "MSG00001" {
		t.Errorf("expected MSA-2 'MSG00001', got %q", got)
	}
	if nak.GetSegment("ERR") == nil {
		t.Error("expected ERR segment")
	}
}

func TestNak_MultiLineText(t *testing.T) {
	b := NewAckBuilder("", "", "")
	nak := b.Nak([]byte("garbage"), AckReject, "line one\nline two")

	if _, err := Parse(nak.Bytes()); err != nil {
		t.Fatalf("expected the NAK to parse, got %v", err)
	}
	if strings.Count(nak.String(), "\r") != len(nak.Segments) {
		t.Errorf("expected one CR per segment, got %q", nak.String())
	}
}

func TestNak_AcceptBecomesError(t *testing.T) {
	nak := NewAckBuilder("", "", "").Nak([]byte("garbage"), AckAccept, "")
	if got := nak.GetSegment("MSA").GetField(1); got != "AE" {
		t.Errorf("expected MSA-1 'AE', got %q", got)
	}
}

// =========== Control ID Tests ===========

func TestNewControlID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewControlID()
		if len(id) != 20 {
			t.Fatalf("expected 20-character control ID, got %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate control ID %q", id)
		}
		seen[id] = true
	}
}
