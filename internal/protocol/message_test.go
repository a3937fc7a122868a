package protocol

import (
	"encoding/json"
	"testing"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(TypeBoost, map[string]int{"boost": 10})
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}

	if msg.Type != TypeBoost {
		t.Errorf("Type = %v, want %v", msg.Type, TypeBoost)
	}

	if msg.Timestamp == 0 {
		t.Error("Timestamp should be set")
	}
}

func TestSetVolumeRoundTrip(t *testing.T) {
	msg, err := NewSetVolumeMessage(9, 15)
	if err != nil {
		t.Fatalf("NewSetVolumeMessage() error = %v", err)
	}

	bytes, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}

	parsed, err := ParseMessage(bytes)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}

	if parsed.Type != TypeSetVolume {
		t.Errorf("Type = %v, want %v", parsed.Type, TypeSetVolume)
	}

	data, err := parsed.GetVolumeData()
	if err != nil {
		t.Fatalf("GetVolumeData() error = %v", err)
	}

	if data.Step != 9 || data.MaxSteps != 15 {
		t.Errorf("got %+v, want step 9 of 15", data)
	}
}

func TestGetVolumeMessage_NoData(t *testing.T) {
	msg, err := NewGetVolumeMessage()
	if err != nil {
		t.Fatalf("NewGetVolumeMessage() error = %v", err)
	}

	if msg.Data != nil {
		t.Errorf("expected no data, got %s", msg.Data)
	}

	if _, err := msg.GetVolumeData(); err == nil {
		t.Error("expected error extracting volume from empty message")
	}
}

func TestParseMessage_HeadUnitReport(t *testing.T) {
	raw := `{"type":"volume","ts":1700000000000,"data":{"step":4}}`

	msg, err := ParseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}

	if msg.Type != TypeVolume {
		t.Errorf("Type = %v, want %v", msg.Type, TypeVolume)
	}

	data, err := msg.GetVolumeData()
	if err != nil {
		t.Fatalf("GetVolumeData() error = %v", err)
	}

	if data.Step != 4 {
		t.Errorf("Step = %d, want 4", data.Step)
	}
}

func TestParseMessage_Invalid(t *testing.T) {
	if _, err := ParseMessage([]byte("not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestMessage_JSONShape(t *testing.T) {
	msg := &Message{Type: TypePong}

	bytes, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(bytes, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if _, ok := m["ts"]; ok {
		t.Error("zero timestamp should be omitted")
	}

	if _, ok := m["data"]; ok {
		t.Error("nil data should be omitted")
	}
}
