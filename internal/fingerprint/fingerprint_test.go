package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polzovatel/her/internal/domain"
)

func TestElementFingerprintIsStableAcrossTextWhitespace(t *testing.T) {
	a := domain.ElementDescriptor{Tag: "button", Role: "button", Text: "Submit  Order", Attributes: map[string]string{"id": "go"}}
	b := domain.ElementDescriptor{Tag: "button", Role: "button", Text: "Submit Order", Attributes: map[string]string{"id": "go"}}
	require.Equal(t, Element(a), Element(b))
}

func TestElementFingerprintChangesWithAttributes(t *testing.T) {
	a := domain.ElementDescriptor{Tag: "button", Attributes: map[string]string{"id": "go"}}
	b := domain.ElementDescriptor{Tag: "button", Attributes: map[string]string{"id": "stop"}}
	require.NotEqual(t, Element(a), Element(b))
}

func TestFrameHashIndependentOfText(t *testing.T) {
	els1 := []domain.ElementDescriptor{
		{Tag: "div", Attributes: map[string]string{"id": "root"}, Text: "Hello"},
		{Tag: "button", Attributes: map[string]string{"data-testid": "go"}, Text: "Go"},
	}
	els2 := []domain.ElementDescriptor{
		{Tag: "div", Attributes: map[string]string{"id": "root"}, Text: "Goodbye"},
		{Tag: "button", Attributes: map[string]string{"data-testid": "go"}, Text: "Submit"},
	}
	require.Equal(t, FrameHash(els1), FrameHash(els2))
}

func TestFrameHashChangesWithStructure(t *testing.T) {
	els1 := []domain.ElementDescriptor{{Tag: "div", Attributes: map[string]string{"id": "root"}}}
	els2 := []domain.ElementDescriptor{{Tag: "div", Attributes: map[string]string{"id": "other"}}}
	require.NotEqual(t, FrameHash(els1), FrameHash(els2))
}

func TestPageSignatureWildcardsNumericSegments(t *testing.T) {
	require.Equal(t, "https://shop.example.com/orders/{n}/items", PageSignature("https://shop.example.com/orders/4821/items?ref=x"))
	require.Equal(t, PageSignature("https://shop.example.com/orders/4821/items"),
		PageSignature("https://shop.example.com/orders/9912/items"))
}

func TestPageSignatureStripsFragment(t *testing.T) {
	require.Equal(t, PageSignature("https://x.example.com/a"), PageSignature("https://x.example.com/a#section"))
}
