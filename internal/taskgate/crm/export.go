package crm

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rcourtman/taskgate/internal/taskgate/store"
)

const notAvailable = "N/A"

var signupCSVHeader = []string{"Date", "User ID", "Email", "Activity Type", "Page", "IP Address", "User Agent"}

// WriteSignupsCSV writes signup_completed events as CSV, one row per event.
func WriteSignupsCSV(w io.Writer, activities []*store.Activity) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(signupCSVHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, a := range activities {
		var data SignupData
		if len(a.Data) > 0 {
			// Older rows may carry free-form data; the email is optional.
			_ = json.Unmarshal(a.Data, &data)
		}
		row := []string{
			a.CreatedAt.UTC().Format(time.RFC3339),
			a.UserID,
			orNA(data.Email),
			a.ActivityType,
			orNA(a.Page),
			orNA(a.IPAddress),
			orNA(a.UserAgent),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func orNA(s string) string {
	if s == "" {
		return notAvailable
	}
	return s
}
