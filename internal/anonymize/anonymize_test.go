package anonymize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/apps/fragment-service/internal/domain"
)

func reportWith(entities ...domain.Entity) domain.DetectionReport {
	return domain.DetectionReport{Entities: entities}
}

func TestBuildEntityMap_CountersPerKindInSpanOrder(t *testing.T) {
	report := reportWith(
		domain.Entity{Kind: domain.KindPerson, Start: 0, End: 10, Text: "John Smith"},
		domain.Entity{Kind: domain.KindEmail, Start: 20, End: 33, Text: "john@acme.com"},
		domain.Entity{Kind: domain.KindPerson, Start: 40, End: 48, Text: "Jane Doe"},
	)

	m := BuildEntityMap(report)

	assert.Equal(t, "PERSON_1", m.Forward["John Smith"])
	assert.Equal(t, "EMAIL_1", m.Forward["john@acme.com"])
	assert.Equal(t, "PERSON_2", m.Forward["Jane Doe"])
	assert.Equal(t, []string{"PERSON_1", "EMAIL_1", "PERSON_2"}, m.Order)
}

func TestBuildEntityMap_RepeatedTextMapsOnce(t *testing.T) {
	report := reportWith(
		domain.Entity{Kind: domain.KindPerson, Start: 0, End: 10, Text: "John Smith"},
		domain.Entity{Kind: domain.KindPerson, Start: 30, End: 40, Text: "John Smith"},
	)

	m := BuildEntityMap(report)

	assert.Equal(t, 1, m.Len())
	assert.Equal(t, "PERSON_1", m.Forward["John Smith"])
}

func TestBuildEntityMap_SkipsCodeBlocks(t *testing.T) {
	report := reportWith(
		domain.Entity{Kind: domain.KindCodeBlock, Start: 0, End: 20, Text: "func main() {}"},
	)

	m := BuildEntityMap(report)
	assert.Equal(t, 0, m.Len())
}

func TestApplyRestore_RoundTrip(t *testing.T) {
	text := "My name is John Smith and my email is john@acme.com."
	report := reportWith(
		domain.Entity{Kind: domain.KindPerson, Start: 11, End: 21, Text: "John Smith"},
		domain.Entity{Kind: domain.KindEmail, Start: 38, End: 51, Text: "john@acme.com"},
	)
	m := BuildEntityMap(report)

	masked := Apply(text, m)
	assert.Equal(t, "My name is PERSON_1 and my email is EMAIL_1.", masked)
	assert.NotContains(t, masked, "John Smith")
	assert.NotContains(t, masked, "john@acme.com")

	assert.Equal(t, text, Restore(masked, m))
}

func TestApply_LongerOriginalFirst(t *testing.T) {
	// "John Smith" contains "John"; the longer value must be replaced first.
	report := reportWith(
		domain.Entity{Kind: domain.KindPerson, Start: 0, End: 4, Text: "John"},
		domain.Entity{Kind: domain.KindPerson, Start: 10, End: 20, Text: "John Smith"},
	)
	m := BuildEntityMap(report)

	masked := Apply("John met John Smith.", m)
	assert.Equal(t, "PERSON_1 met PERSON_2.", masked)
}

func TestRestore_WholeWordBoundary(t *testing.T) {
	report := reportWith(
		domain.Entity{Kind: domain.KindPerson, Start: 0, End: 1, Text: "A"},
	)
	m := BuildEntityMap(report)

	// PERSON_10 must not be clobbered by the PERSON_1 replacement.
	restored := Restore("PERSON_1 met PERSON_10.", m)
	assert.Equal(t, "A met PERSON_10.", restored)
}

func TestRestore_UnmatchedPlaceholderLeftVerbatim(t *testing.T) {
	m := domain.NewEntityMap()

	out := Restore("Hello PERSON_7.", m)
	assert.Equal(t, "Hello PERSON_7.", out)
}

func TestUnmatchedPlaceholders(t *testing.T) {
	report := reportWith(
		domain.Entity{Kind: domain.KindPerson, Start: 0, End: 10, Text: "John Smith"},
	)
	m := BuildEntityMap(report)

	unmatched := UnmatchedPlaceholders("PERSON_1 and EMAIL_3 and EMAIL_3 again", m)
	require.Len(t, unmatched, 1)
	assert.Equal(t, "EMAIL_3", unmatched[0])
}

func TestContainsPlaceholder(t *testing.T) {
	assert.True(t, ContainsPlaceholder("ask PERSON_1 about it"))
	assert.True(t, ContainsPlaceholder("CREDIT_CARD_2"))
	assert.False(t, ContainsPlaceholder("nothing masked here"))
	assert.False(t, ContainsPlaceholder("VERSION2"))
}
