package export

import (
	"encoding/csv"
	"io"
	"time"

	"github.com/jcodes2003/attendance/internal/ledger"
)

// WriteCSV renders a roster snapshot as a spreadsheet-importable stream with
// a header row. Timestamps are RFC 3339 in UTC.
func WriteCSV(w io.Writer, records []ledger.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"name", "device_id", "timestamp"}); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{r.Name, r.DeviceID, r.Timestamp.UTC().Format(time.RFC3339)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
