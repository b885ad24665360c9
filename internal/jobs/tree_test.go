package jobs

import (
	"io"
	"log/slog"
	"testing"

	"github.com/Yapping72/r2d/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestRecountTokens_SingleLeaf(t *testing.T) {
	tree := storage.Tree{
		"Auth": {"Login": {"US-1": {ID: "US-1", Requirement: "user can log in", ServicesToUse: []string{"JWT"}}}},
	}
	// four words plus one service
	assert.Equal(t, 5, RecountTokens(tree))
}

func TestRecountTokens_CountsEveryTextField(t *testing.T) {
	tree := storage.Tree{
		"F": {
			"A": {
				"1": {Requirement: "a b", AcceptanceCriteria: "c  d\te", AdditionalInformation: "f\ng"},
				"2": {ServicesToUse: []string{"x", "y", "z"}},
			},
		},
		"G": {"B": {"3": {Requirement: "   "}}},
	}
	assert.Equal(t, 2+3+2+3, RecountTokens(tree))
}

func TestRecountTokens_Pure(t *testing.T) {
	tree := storage.Tree{
		"Auth":    {"Login": {"US-1": {Requirement: "user can log in", ServicesToUse: []string{"JWT"}}}},
		"Billing": {"Pay": {"US-2": {Requirement: "pay with card", AdditionalInformation: "stripe only"}}},
	}
	before := cloneTree(tree)
	first := RecountTokens(tree)
	second := RecountTokens(tree)

	assert.Equal(t, first, second)
	assert.Equal(t, before, tree)
}

func TestRecountTokens_Empty(t *testing.T) {
	assert.Equal(t, 0, RecountTokens(nil))
	assert.Equal(t, 0, RecountTokens(storage.Tree{}))
}

func TestExtractFeaturesAndSubFeatures(t *testing.T) {
	tree := storage.Tree{
		"Zeta":      {"Shared": {"1": {}}, "Only": {"2": {}}},
		"Alpha":     {"Shared": {"3": {}}},
		ReservedKey: {"Hidden": {"4": {}}},
	}
	features, subs := ExtractFeaturesAndSubFeatures(tree)
	assert.Equal(t, []string{"Alpha", "Zeta"}, features)
	assert.Equal(t, []string{"Only", "Shared"}, subs)
}

func TestExtractFeaturesAndSubFeatures_Empty(t *testing.T) {
	features, subs := ExtractFeaturesAndSubFeatures(storage.Tree{})
	assert.Empty(t, features)
	assert.Empty(t, subs)
	assert.NotNil(t, features)
}

func TestRemoveItem_Prunes(t *testing.T) {
	tree := storage.Tree{}
	insertItem(tree, "F", "S1", storage.Item{ID: "1"})
	insertItem(tree, "F", "S2", storage.Item{ID: "2"})
	insertItem(tree, "G", "S3", storage.Item{ID: "3"})

	require.True(t, removeItem(tree, "F", "S1", "1"))
	assert.NotContains(t, tree["F"], "S1")
	assert.Contains(t, tree["F"], "S2")

	require.True(t, removeItem(tree, "F", "S2", "2"))
	assert.NotContains(t, tree, "F")

	assert.False(t, removeItem(tree, "G", "S3", "missing"))
	assert.False(t, removeItem(tree, "nope", "S3", "3"))
	assert.Contains(t, tree, "G")
}

func TestInsertItem_LastWins(t *testing.T) {
	tree := storage.Tree{}
	insertItem(tree, "F", "S", storage.Item{ID: "1", Requirement: "old"})
	insertItem(tree, "F", "S", storage.Item{ID: "1", Requirement: "new"})
	assert.Len(t, tree["F"]["S"], 1)
	assert.Equal(t, "new", tree["F"]["S"]["1"].Requirement)
}

func TestCloneTree_Independent(t *testing.T) {
	tree := storage.Tree{"F": {"S": {"1": {ID: "1", ServicesToUse: []string{"a"}}}}}
	c := cloneTree(tree)
	removeItem(c, "F", "S", "1")
	assert.Contains(t, tree, "F")

	c2 := cloneTree(tree)
	item := c2["F"]["S"]["1"]
	item.ServicesToUse[0] = "changed"
	assert.Equal(t, "a", tree["F"]["S"]["1"].ServicesToUse[0])
}

func TestValidateItems(t *testing.T) {
	limits := Limits{Feature: 2, SubFeature: 2, Requirement: 3, AcceptanceCriteria: 1, AdditionalInformation: 1}

	tests := []struct {
		name    string
		raw     []map[string]any
		want    int
		wantErr bool
	}{
		{"complete item", []map[string]any{{"feature": "F", "sub_feature": "S", "id": "1", "requirement": "r"}}, 1, false},
		{"missing id skipped", []map[string]any{{"feature": "F", "sub_feature": "S", "requirement": "r"}}, 0, false},
		{"missing requirement skipped", []map[string]any{{"feature": "F", "sub_feature": "S", "id": "1"}}, 0, false},
		{"blank feature skipped", []map[string]any{{"feature": "  ", "sub_feature": "S", "id": "1", "requirement": "r"}}, 0, false},
		{"reserved feature skipped", []map[string]any{{"feature": ReservedKey, "sub_feature": "S", "id": "1", "requirement": "r"}}, 0, false},
		{"numeric id", []map[string]any{{"feature": "F", "sub_feature": "S", "id": float64(7), "requirement": "r"}}, 1, false},
		{"fractional id", []map[string]any{{"feature": "F", "sub_feature": "S", "id": 1.5, "requirement": "r"}}, 0, true},
		{"non-string requirement", []map[string]any{{"feature": "F", "sub_feature": "S", "id": "1", "requirement": 3}}, 0, true},
		{"non-string service", []map[string]any{{"feature": "F", "sub_feature": "S", "id": "1", "requirement": "r", "services_to_use": []any{"a", 2}}}, 0, true},
		{"nil item", []map[string]any{nil}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := validateItems(tt.raw, limits, discard)
			if tt.wantErr {
				var ve *ValidationError
				assert.ErrorAs(t, err, &ve)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestValidateItems_Truncates(t *testing.T) {
	limits := Limits{Feature: 2, SubFeature: 2, Requirement: 3, AcceptanceCriteria: 1, AdditionalInformation: 1}
	raw := []map[string]any{{
		"feature":                "very long feature name",
		"sub_feature":            "sub",
		"id":                     "1",
		"requirement":            "a b c d e",
		"acceptance_criteria":    "x y",
		"additional_information": "only",
	}}
	got, err := validateItems(raw, limits, discard)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "very long", got[0].Feature)
	assert.Equal(t, "sub", got[0].SubFeature)
	assert.Equal(t, "a b c", got[0].Item.Requirement)
	assert.Equal(t, "x", got[0].Item.AcceptanceCriteria)
	assert.Equal(t, "only", got[0].Item.AdditionalInformation)
	assert.Equal(t, []string{}, got[0].Item.ServicesToUse)
}

func TestSanitizeRecords(t *testing.T) {
	in := []Record{{
		Feature:    `<script>alert("x")</script>`,
		SubFeature: "Tom & Jerry",
		Item:       storage.Item{ID: "1", Requirement: "a &amp; b", ServicesToUse: []string{"<svc>"}},
	}}
	out := sanitizeRecords(in)
	assert.Equal(t, "&lt;script&gt;alert(&#34;x&#34;)&lt;/script&gt;", out[0].Feature)
	assert.Equal(t, "Tom &amp; Jerry", out[0].SubFeature)
	assert.Equal(t, "a &amp; b", out[0].Item.Requirement, "already escaped text is unchanged")
	assert.Equal(t, []string{"&lt;svc&gt;"}, out[0].Item.ServicesToUse)
	assert.Equal(t, `<script>alert("x")</script>`, in[0].Feature, "input is not modified")
}

func TestEscapeText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"<b>", "&lt;b&gt;"},
		{"&lt;b&gt;", "&lt;b&gt;"},
		{"Q&A", "Q&amp;A"},
		// A literal entity is kept as typed and renders as its character.
		{"use &lt; for less-than", "use &lt; for less-than"},
	}
	for _, tt := range tests {
		got := escapeText(tt.in)
		assert.Equal(t, tt.want, got, "escapeText(%q)", tt.in)
		assert.Equal(t, got, escapeText(got), "escapeText is not idempotent for %q", tt.in)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(discard)
	s, err := r.Lookup("")
	require.NoError(t, err)
	assert.NotNil(t, s)

	_, err = r.Lookup("flowchart")
	assert.ErrorIs(t, err, ErrUnknownKind)

	r.Register("flowchart", userStoryStrategy{logger: discard})
	_, err = r.Lookup("flowchart")
	assert.NoError(t, err)
	assert.ElementsMatch(t, []Kind{KindUserStory, "flowchart"}, r.Kinds())
}
