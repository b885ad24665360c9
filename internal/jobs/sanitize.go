package jobs

import (
	"github.com/Yapping72/r2d/internal/storage"
	"golang.org/x/net/html"
)

// escapeText escapes markup characters in s. Text that is already escaped
// comes back unchanged, so items can be re-saved any number of times.
//
// The price is that a literal entity typed by the user is indistinguishable
// from one produced here: "&lt;" is stored as "&lt;" and displays as "<".
func escapeText(s string) string {
	return html.EscapeString(html.UnescapeString(s))
}

func sanitizeItem(item storage.Item) storage.Item {
	services := make([]string, len(item.ServicesToUse))
	for i, s := range item.ServicesToUse {
		services[i] = escapeText(s)
	}
	return storage.Item{
		ID:                    escapeText(item.ID),
		Requirement:           escapeText(item.Requirement),
		ServicesToUse:         services,
		AcceptanceCriteria:    escapeText(item.AcceptanceCriteria),
		AdditionalInformation: escapeText(item.AdditionalInformation),
	}
}

func sanitizeRecords(records []Record) []Record {
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = Record{
			Feature:    escapeText(r.Feature),
			SubFeature: escapeText(r.SubFeature),
			Item:       sanitizeItem(r.Item),
		}
	}
	return out
}
