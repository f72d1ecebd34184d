package models

import (
	"fmt"
	"time"
)

// PriceReport is a user-submitted observation of a product's price at a store.
type PriceReport struct {
	ID         string `json:"id"`
	ProductID  string `json:"productId"`
	StoreID    string `json:"storeId"`
	Price      int64  `json:"price"` // minor units
	Currency   string `json:"currency"`
	ReportedBy string `json:"reportedBy,omitempty"`
	UpdatedAt  int64  `json:"updatedAt,omitempty"` // Unix milliseconds
	Deleted    bool   `json:"deleted,omitempty"`
}

// CollectionName is the store collection holding price reports.
func (PriceReport) CollectionName() string {
	return "price_reports"
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (p *PriceReport) UpdatedAtTime() time.Time {
	return time.UnixMilli(p.UpdatedAt)
}

// Touch stamps the report as modified now.
func (p *PriceReport) Touch(now time.Time) {
	p.UpdatedAt = now.UnixMilli()
}

// ToRecord converts the report into the opaque form the conflict engine works on.
// A zero UpdatedAt is left out so the record reads as having no timestamp.
func (p *PriceReport) ToRecord() Record {
	r := Record{
		"id":        p.ID,
		"productId": p.ProductID,
		"storeId":   p.StoreID,
		"price":     p.Price,
		"currency":  p.Currency,
	}
	if p.ReportedBy != "" {
		r["reportedBy"] = p.ReportedBy
	}
	if p.UpdatedAt != 0 {
		r["updatedAt"] = p.UpdatedAt
	}
	if p.Deleted {
		r["deleted"] = true
	}
	return r
}

// PriceReportFromRecord reads a report back out of a record.
func PriceReportFromRecord(r Record) (*PriceReport, error) {
	id := r.ID()
	if id == "" {
		return nil, fmt.Errorf("price report record has no id")
	}
	p := &PriceReport{
		ID:         id,
		ProductID:  stringField(r, "productId"),
		StoreID:    stringField(r, "storeId"),
		Currency:   stringField(r, "currency"),
		ReportedBy: stringField(r, "reportedBy"),
		Deleted:    r.IsDeleted(),
	}
	switch v := r["price"].(type) {
	case int64:
		p.Price = v
	case int:
		p.Price = int64(v)
	case float64:
		p.Price = int64(v)
	}
	if ts, ok := r.UpdatedAt(); ok {
		p.UpdatedAt = ts.UnixMilli()
	}
	return p, nil
}

func stringField(r Record, key string) string {
	s, _ := r[key].(string)
	return s
}
