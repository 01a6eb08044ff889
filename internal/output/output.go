// Package output renders keygatectl results as tables or JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/keygate/backend/internal/models"
)

// JSON prints v as indented JSON.
func JSON(out io.Writer, v interface{}) {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Device is the CLI view of a registered credential.
type Device struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	DeviceType string     `json:"deviceType"`
	SignCount  uint32     `json:"signCount"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

func Devices(creds []models.WebAuthnCredential) []Device {
	devices := make([]Device, len(creds))
	for i, c := range creds {
		devices[i] = Device{
			ID:         c.EncodedID(),
			Name:       c.Name,
			DeviceType: string(c.DeviceType),
			SignCount:  c.SignCount,
			CreatedAt:  c.CreatedAt,
			LastUsedAt: c.LastUsedAt,
		}
	}
	return devices
}

// DeviceTable prints credentials as a human-readable table.
func DeviceTable(out io.Writer, devices []Device) {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices registered.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSIGN COUNT\tREGISTERED\tLAST USED")

	for _, d := range devices {
		lastUsed := "never"
		if d.LastUsedAt != nil {
			lastUsed = RelativeTime(*d.LastUsedAt)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			d.ID, d.Name, d.DeviceType, d.SignCount, RelativeTime(d.CreatedAt), lastUsed)
	}
	w.Flush()
}

// UserInfo prints principal details.
func UserInfo(out io.Writer, u *models.User) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Email:\t%s\n", u.Email)
	fmt.Fprintf(w, "Name:\t%s\n", u.DisplayName())
	fmt.Fprintf(w, "External ID:\t%s\n", u.ExternalID)
	fmt.Fprintf(w, "ID:\t%s\n", u.ID)
	fmt.Fprintf(w, "Staff:\t%v\n", u.IsStaff)
	fmt.Fprintf(w, "Active:\t%v\n", u.IsActive)
	w.Flush()
}

// RelativeTime formats a timestamp relative to now (e.g. "2h ago", "3d ago").
func RelativeTime(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 30*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}
