// Package catalog provides product management and emits a change
// notification after every committed write.
package catalog

import (
	"net/url"
	"strings"
	"time"

	"github.com/catalogcast/catalog-server/internal/pkg/errors"
)

// Product is a catalog entry.
type Product struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Price     float64   `json:"price"`
	Image     string    `json:"image"`
	Stock     int64     `json:"stock"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Input is the writable subset of a product.
type Input struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
	Image string  `json:"image"`
	Stock int64   `json:"stock"`
}

// ImagePathPrefix is where uploaded images are served from.
const ImagePathPrefix = "/images/"

// signedURLMarker starts the query string of a presigned object URL.
const signedURLMarker = "?X-Amz"

// MaxNameLength bounds product names.
const MaxNameLength = 256

// Normalize trims whitespace and strips a presigned query from the image.
func (in *Input) Normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Image = StripSignedURL(strings.TrimSpace(in.Image))
}

// Validate checks the input.
func (in Input) Validate() error {
	if in.Name == "" {
		return errors.ValidationError("name is required")
	}
	if len(in.Name) > MaxNameLength {
		return errors.ValidationError("name is too long").
			WithDetail("max_length", "256")
	}
	if in.Price < 0 {
		return errors.ValidationError("price must be a non-negative number")
	}
	if in.Stock < 0 {
		return errors.ValidationError("stock must be a non-negative integer")
	}
	if !ValidImage(in.Image) {
		return errors.ValidationError("image must be a valid URL")
	}
	return nil
}

// ValidImage reports whether s is an absolute http(s) URL or an uploaded
// image path.
func ValidImage(s string) bool {
	if strings.HasPrefix(s, ImagePathPrefix) {
		return len(s) > len(ImagePathPrefix) && !strings.Contains(s, "..")
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// StripSignedURL drops a presigned query string from an image URL.
func StripSignedURL(image string) string {
	if i := strings.Index(image, signedURLMarker); i >= 0 {
		return image[:i]
	}
	return image
}

// apply copies input fields onto p.
func (p *Product) apply(in Input) {
	p.Name = in.Name
	p.Price = in.Price
	p.Image = in.Image
	p.Stock = in.Stock
}
