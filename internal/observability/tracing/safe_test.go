package tracing

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsUnknownKeys(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/api/drawings/:id"),
		attribute.String("drawing_number", "A-101"),
		attribute.Int64("ledger.project_id", 7),
	)
	require.Len(t, attrs, 2)
	assert.Equal(t, attribute.Key("http.route"), attrs[0].Key)
	assert.Equal(t, attribute.Key("ledger.project_id"), attrs[1].Key)
}

func TestSafeAttributesTruncates(t *testing.T) {
	attrs := SafeAttributes(attribute.String("http.route", strings.Repeat("x", 400)))
	require.Len(t, attrs, 1)
	assert.Len(t, attrs[0].Value.AsString(), maxAttributeLength)
}

func TestSafeError(t *testing.T) {
	assert.Nil(t, SafeError(nil))
	err := SafeError(errors.New("duplicate key\nDETAIL: Key (drawing_number)=(A-101)"))
	require.Error(t, err)
	assert.Equal(t, "duplicate key", err.Error())
}
