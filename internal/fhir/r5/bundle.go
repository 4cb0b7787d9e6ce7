// Package r5 provides FHIR R5 data structures for the dosing chart export.
package r5

import "time"

// Bundle represents a FHIR R5 Bundle resource, the container a lane's
// administration history is exported in.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Type         string        `json:"type"` // document | message | transaction | batch | history | searchset | collection
	Timestamp    time.Time     `json:"timestamp,omitempty"`
	Total        int           `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry wraps one resource in a bundle.
type BundleEntry struct {
	FullURL  string      `json:"fullUrl,omitempty"`
	Resource interface{} `json:"resource,omitempty"`
}

// NewCollectionBundle creates an empty collection bundle stamped with the
// export time.
func NewCollectionBundle(id string, at time.Time) *Bundle {
	return &Bundle{
		ResourceType: "Bundle",
		ID:           id,
		Type:         "collection",
		Timestamp:    at,
	}
}

// Add appends a resource entry and keeps the total in step.
func (b *Bundle) Add(fullURL string, resource interface{}) {
	b.Entry = append(b.Entry, BundleEntry{FullURL: fullURL, Resource: resource})
	b.Total = len(b.Entry)
}
