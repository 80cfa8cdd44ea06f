package exports

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"stblengine/services/cdpd/journal"
)

func sampleRecord(amount string) journal.EventRecord {
	return journal.EventRecord{
		ID:         uuid.MustParse("018f2a4e-0000-7000-8000-000000000001"),
		Type:       "cdp.collateral.deposited",
		Account:    "stbl1user",
		Asset:      "asset1weth",
		Amount:     amount,
		Attributes: `{"amount":"` + amount + `","user":"stbl1user"}`,
		CreatedAt:  time.Unix(1700, 0).UTC(),
	}
}

func TestEventsCSV(t *testing.T) {
	data, checksum, err := EventsCSV([]journal.EventRecord{sampleRecord("10")})
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if len(data) == 0 || checksum == "" {
		t.Fatalf("expected data and checksum")
	}
	output := string(data)
	if !strings.Contains(output, "id,type,account,asset,amount,attributes,created_at") {
		t.Fatalf("missing header: %s", output)
	}
	if !strings.Contains(output, "cdp.collateral.deposited") {
		t.Fatalf("missing event type: %s", output)
	}
}

func TestEventsCSVDefaultsEmptyAmount(t *testing.T) {
	record := sampleRecord("")
	record.Attributes = "{}"
	data, _, err := EventsCSV([]journal.EventRecord{record})
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if !strings.Contains(string(data), ",asset1weth,0,") {
		t.Fatalf("expected zero amount: %s", data)
	}
}

func TestEventsJSONL(t *testing.T) {
	data, checksum, err := EventsJSONL([]journal.EventRecord{sampleRecord("25"), sampleRecord("30")})
	if err != nil {
		t.Fatalf("jsonl: %v", err)
	}
	if checksum == "" {
		t.Fatalf("expected checksum")
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"attributes":{"amount":"25","user":"stbl1user"}`) {
		t.Fatalf("attributes not inlined: %s", lines[0])
	}
}

func TestEventsJSONLRejectsCorruptAttributes(t *testing.T) {
	record := sampleRecord("1")
	record.Attributes = "{"
	if _, _, err := EventsJSONL([]journal.EventRecord{record}); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestEventsParquet(t *testing.T) {
	data, checksum, err := EventsParquet([]journal.EventRecord{sampleRecord("42")})
	if err != nil {
		t.Fatalf("parquet: %v", err)
	}
	if checksum == "" {
		t.Fatalf("expected checksum")
	}
	if !bytes.HasPrefix(data, []byte("PAR1")) || !bytes.HasSuffix(data, []byte("PAR1")) {
		t.Fatalf("missing parquet magic")
	}
}
