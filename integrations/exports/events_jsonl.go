package exports

import (
	"bytes"
	"encoding/json"
	"time"

	"stblengine/services/cdpd/journal"
)

// EventsJSONL builds a JSON Lines export for the supplied journal events and
// returns the serialised payload alongside a checksum. Attributes are inlined
// as an object rather than the stored JSON string.
func EventsJSONL(records []journal.EventRecord) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, record := range records {
		attrs, err := journal.DecodeAttributes(record)
		if err != nil {
			return nil, "", err
		}
		payload := map[string]interface{}{
			"id":         record.ID.String(),
			"type":       record.Type,
			"account":    record.Account,
			"asset":      record.Asset,
			"amount":     amountOrZero(record.Amount),
			"attributes": attrs,
			"created_at": record.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	return checksummed(buffer.Bytes())
}
