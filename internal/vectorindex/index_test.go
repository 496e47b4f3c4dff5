package vectorindex

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCollectionName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"documents", "documents", false},
		{"with digits and underscore", "documents_v2", false},
		{"empty", "", true},
		{"uppercase", "Documents", true},
		{"hyphen", "my-docs", true},
		{"path traversal", "../documents", true},
		{"too long", strings.Repeat("a", 65), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCollectionName(tt.input)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidCollectionName))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestParseDistance(t *testing.T) {
	d, err := ParseDistance("Cosine")
	require.NoError(t, err)
	assert.Equal(t, Cosine, d)

	d, err = ParseDistance("euclidean")
	require.NoError(t, err)
	assert.Equal(t, Euclidean, d)

	_, err = ParseDistance("manhattan")
	assert.ErrorIs(t, err, ErrUnsupportedDistance)
}

func TestPayload_Valid(t *testing.T) {
	assert.True(t, Payload{DocumentID: "665f1c2e9b1d4a0012345678"}.Valid())
	assert.False(t, Payload{}.Valid())
	assert.False(t, Payload{DocumentID: "  ", FileName: "a.pdf"}.Valid())
}

func TestPayload_MapRoundTrip(t *testing.T) {
	p := Payload{DocumentID: "d1", DepartmentName: "Finance", FileName: "q3.pdf"}
	m := p.toMap()
	assert.Equal(t, map[string]string{
		"documentId":     "d1",
		"departmentName": "Finance",
		"fileName":       "q3.pdf",
	}, m)
	assert.Equal(t, p, payloadFromMap(m))

	sparse := Payload{DocumentID: "d2"}.toMap()
	assert.NotContains(t, sparse, KeyDepartmentName)
}

func TestNormalizePointID(t *testing.T) {
	valid := uuid.NewString()
	assert.Equal(t, valid, normalizePointID(valid))

	for _, in := range []string{"", "doc-1", "665f1c2e9b1d4a0012345678"} {
		got := normalizePointID(in)
		_, err := uuid.Parse(got)
		assert.NoError(t, err, in)
		assert.NotEqual(t, in, got)
	}
}

func TestValidatePoint(t *testing.T) {
	assert.ErrorIs(t, validatePoint(Point{Vector: []float32{1}}), ErrInvalidPayload)
	assert.ErrorIs(t, validatePoint(Point{Payload: Payload{DocumentID: "d"}}), ErrDimensionMismatch)
	assert.NoError(t, validatePoint(Point{Vector: []float32{1}, Payload: Payload{DocumentID: "d"}}))
}
