package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"time"

	"stblengine/services/cdpd/journal"
)

var eventHeader = []string{"id", "type", "account", "asset", "amount", "attributes", "created_at"}

// EventsCSV builds a CSV export for the supplied journal events and returns
// the serialised data alongside a SHA-256 checksum of the payload.
func EventsCSV(records []journal.EventRecord) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(eventHeader); err != nil {
		return nil, "", err
	}
	for _, record := range records {
		row := []string{
			record.ID.String(),
			record.Type,
			record.Account,
			record.Asset,
			amountOrZero(record.Amount),
			record.Attributes,
			record.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := writer.Write(row); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	return checksummed(buffer.Bytes())
}

func amountOrZero(amount string) string {
	if amount == "" {
		return "0"
	}
	return amount
}

func checksummed(data []byte) ([]byte, string, error) {
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
