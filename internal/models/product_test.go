package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProductRecordMerge(t *testing.T) {
	existing := ProductRecord{
		Name:        "Acme Widget",
		Brand:       "Acme",
		Images:      []string{"https://cdn.example.com/a.jpg"},
		Description: "original",
	}

	merged := existing.Merge(ProductRecord{
		Name:         "Acme Widget Pro",
		Weight:       "1.50",
		ScrapedPrice: "9.99",
	})

	assert.Equal(t, "Acme Widget Pro", merged.Name)
	assert.Equal(t, "Acme", merged.Brand, "empty fields must not clobber existing data")
	assert.Equal(t, "1.50", merged.Weight)
	assert.Equal(t, "9.99", merged.ScrapedPrice)
	assert.Equal(t, "original", merged.Description)
	assert.Equal(t, []string{"https://cdn.example.com/a.jpg"}, merged.Images)
}

func TestProductRecordHasData(t *testing.T) {
	assert.False(t, ProductRecord{}.HasData())
	assert.False(t, ProductRecord{Description: "text only"}.HasData())
	assert.True(t, ProductRecord{Name: "x"}.HasData())
	assert.True(t, ProductRecord{ScrapedPrice: "1.00"}.HasData())
}

func TestProductSourceKey(t *testing.T) {
	assert.Equal(t, "sitea/SKU-1", ProductSourceKey("SKU-1", "SiteA"))
}
