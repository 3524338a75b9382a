package models

import (
	"strings"
	"time"
)

// ProductRecord is the canonical per-(sku, site) enrichment record.
// SKU and the register price are the source of truth upstream; a
// ScrapedPrice here is reference only and never displaces the frozen
// input price downstream.
type ProductRecord struct {
	Name         string   `json:"Name,omitempty"`
	Brand        string   `json:"Brand,omitempty"`
	Weight       string   `json:"Weight,omitempty"`
	Images       []string `json:"Images,omitempty"`
	Description  string   `json:"Description,omitempty"`
	Category     string   `json:"Category,omitempty"`
	ProductType  string   `json:"ProductType,omitempty"`
	ScrapedPrice string   `json:"ScrapedPrice,omitempty"`
}

// HasData reports whether the record carries anything worth persisting.
func (p ProductRecord) HasData() bool {
	return p.Name != "" || p.Brand != "" || p.Weight != "" || p.ScrapedPrice != ""
}

// Merge overlays non-empty fields of other onto p, returning the merged
// record. Used for upsert-merge persistence.
func (p ProductRecord) Merge(other ProductRecord) ProductRecord {
	if other.Name != "" {
		p.Name = other.Name
	}
	if other.Brand != "" {
		p.Brand = other.Brand
	}
	if other.Weight != "" {
		p.Weight = other.Weight
	}
	if len(other.Images) > 0 {
		p.Images = other.Images
	}
	if other.Description != "" {
		p.Description = other.Description
	}
	if other.Category != "" {
		p.Category = other.Category
	}
	if other.ProductType != "" {
		p.ProductType = other.ProductType
	}
	if other.ScrapedPrice != "" {
		p.ScrapedPrice = other.ScrapedPrice
	}
	return p
}

// ProductSource is a persisted ProductRecord keyed by (sku, site).
type ProductSource struct {
	Key       string        `json:"key" badgerhold:"key"`
	SKU       string        `json:"sku"`
	Site      string        `json:"site"`
	Record    ProductRecord `json:"record"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ProductSourceKey builds the natural key for a scraped record.
func ProductSourceKey(sku, site string) string {
	return strings.ToLower(site) + "/" + sku
}

// ScrapeStatus is the per-(sku, site) progress state persisted for the
// consolidation pipeline.
type ScrapeStatus string

const (
	StatusPending   ScrapeStatus = "pending"
	StatusScraped   ScrapeStatus = "scraped"
	StatusNotFound  ScrapeStatus = "not_found"
	StatusError     ScrapeStatus = "error"
	StatusNoResults ScrapeStatus = "no_results"
)

// ScrapeStatusRecord is one persisted status row.
type ScrapeStatusRecord struct {
	Key          string       `json:"key" badgerhold:"key"`
	SKU          string       `json:"sku"`
	Site         string       `json:"site"`
	Status       ScrapeStatus `json:"status"`
	ErrorMessage string       `json:"error_message,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}
