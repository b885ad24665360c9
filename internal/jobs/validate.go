package jobs

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/Yapping72/r2d/internal/storage"
)

// Limits are the per-field word ceilings applied to uploaded items.
type Limits struct {
	Feature               int
	SubFeature            int
	Requirement           int
	AcceptanceCriteria    int
	AdditionalInformation int
}

// DefaultLimits returns the ceilings used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		Feature:               15,
		SubFeature:            15,
		Requirement:           250,
		AcceptanceCriteria:    250,
		AdditionalInformation: 250,
	}
}

// Record is one validated item together with its tree path.
type Record struct {
	Feature    string
	SubFeature string
	Item       storage.Item
}

var requiredFields = []string{"feature", "sub_feature", "id", "requirement"}

// validateItems turns raw upload items into records. Items missing a
// required key are skipped, oversized fields are truncated, and any field
// of the wrong type fails the whole upload.
func validateItems(raw []map[string]any, limits Limits, logger *slog.Logger) ([]Record, error) {
	records := make([]Record, 0, len(raw))
	for i, m := range raw {
		if m == nil {
			return nil, &ValidationError{Index: i, Reason: "item is not an object"}
		}

		missing := ""
		for _, k := range requiredFields {
			if v, ok := m[k]; !ok || v == nil {
				missing = k
				break
			}
		}
		if missing != "" {
			logger.Debug("skipping item without required field", "index", i, "field", missing)
			continue
		}

		feature, err := stringField(m, i, "feature")
		if err != nil {
			return nil, err
		}
		sub, err := stringField(m, i, "sub_feature")
		if err != nil {
			return nil, err
		}
		id, err := idField(m, i)
		if err != nil {
			return nil, err
		}
		req, err := stringField(m, i, "requirement")
		if err != nil {
			return nil, err
		}
		ac, err := stringField(m, i, "acceptance_criteria")
		if err != nil {
			return nil, err
		}
		info, err := stringField(m, i, "additional_information")
		if err != nil {
			return nil, err
		}
		services, err := servicesField(m, i)
		if err != nil {
			return nil, err
		}

		feature = strings.TrimSpace(feature)
		sub = strings.TrimSpace(sub)
		if feature == "" || sub == "" || id == "" || strings.TrimSpace(req) == "" {
			logger.Debug("skipping item with empty required field", "index", i)
			continue
		}
		if feature == ReservedKey {
			logger.Debug("skipping item using reserved feature name", "index", i)
			continue
		}

		records = append(records, Record{
			Feature:    truncateWords(feature, limits.Feature, logger),
			SubFeature: truncateWords(sub, limits.SubFeature, logger),
			Item: storage.Item{
				ID:                    id,
				Requirement:           truncateWords(req, limits.Requirement, logger),
				ServicesToUse:         services,
				AcceptanceCriteria:    truncateWords(ac, limits.AcceptanceCriteria, logger),
				AdditionalInformation: truncateWords(info, limits.AdditionalInformation, logger),
			},
		})
	}
	return records, nil
}

// truncateWords keeps the first max whitespace-delimited words of s.
// A non-positive max disables the ceiling.
func truncateWords(s string, max int, logger *slog.Logger) string {
	if max <= 0 {
		return s
	}
	words := strings.Fields(s)
	if len(words) <= max {
		return s
	}
	logger.Debug("truncating oversized field", "words", len(words), "max", max)
	return strings.Join(words[:max], " ")
}

func stringField(m map[string]any, index int, field string) (string, error) {
	v, ok := m[field]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &ValidationError{Index: index, Field: field, Reason: "must be a string"}
	}
	return s, nil
}

// idField accepts string ids and the integer ids YAML and JSON decoders produce.
func idField(m map[string]any, index int) (string, error) {
	switch v := m["id"].(type) {
	case string:
		return strings.TrimSpace(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		if v != float64(int64(v)) {
			return "", &ValidationError{Index: index, Field: "id", Reason: "must be a string or integer"}
		}
		return strconv.FormatInt(int64(v), 10), nil
	default:
		return "", &ValidationError{Index: index, Field: "id", Reason: "must be a string or integer"}
	}
}

func servicesField(m map[string]any, index int) ([]string, error) {
	v, ok := m["services_to_use"]
	if !ok || v == nil {
		return []string{}, nil
	}
	switch list := v.(type) {
	case []string:
		return append([]string{}, list...), nil
	case []any:
		out := make([]string, 0, len(list))
		for _, e := range list {
			s, ok := e.(string)
			if !ok {
				return nil, &ValidationError{Index: index, Field: "services_to_use", Reason: "must contain only strings"}
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, &ValidationError{Index: index, Field: "services_to_use", Reason: "must be a list"}
	}
}
