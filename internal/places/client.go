// Package places is the places-search provider client.
package places

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	placesapi "google.golang.org/api/places/v1"

	"github.com/lalithlochan/prospector/internal/apperr"
)

// MaxPageSize is the provider's per-request result ceiling.
const MaxPageSize = 20

const (
	searchFieldMask = "places.id,places.displayName,places.formattedAddress,places.nationalPhoneNumber," +
		"places.internationalPhoneNumber,places.websiteUri,places.rating,places.userRatingCount," +
		"places.businessStatus,places.location,places.types"
	detailFieldMask = "id,displayName,formattedAddress,nationalPhoneNumber,internationalPhoneNumber," +
		"websiteUri,rating,userRatingCount,businessStatus,location,types"
)

// Place is a provider business record.
type Place struct {
	ID             string
	Name           string
	Address        string
	Phone          string
	Website        string
	Rating         *float64
	ReviewCount    *int
	BusinessStatus string
	Lat            float64
	Lng            float64
	Types          []string
}

// HasContactDetails reports whether the record already carries phone and website.
func (p *Place) HasContactDetails() bool {
	return p.Phone != "" && p.Website != ""
}

// TextQuery is one bounded-radius text search.
type TextQuery struct {
	Query      string
	Lat        float64
	Lng        float64
	RadiusKm   float64
	MaxResults int
}

// Config holds client settings.
type Config struct {
	APIKey     string
	BaseURL    string // empty uses the public endpoint
	Timeout    time.Duration
	MaxRetries int
	Transport  http.RoundTripper // nil uses http.DefaultTransport
}

// Client calls the places provider.
type Client struct {
	svc    *placesapi.Service
	logger *zap.Logger
}

// New creates a client. A missing API key is a ConfigurationError.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, &apperr.ConfigurationError{Setting: "PLACES_API_KEY", Reason: "places provider credentials are not configured"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: newRetryTransport(cfg.Transport, cfg.APIKey, cfg.MaxRetries),
	}

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.BaseURL))
	}

	svc, err := placesapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create places service: %w", err)
	}

	return &Client{svc: svc, logger: logger}, nil
}

// TextSearch runs one bounded-radius search.
func (c *Client) TextSearch(ctx context.Context, q TextQuery) ([]Place, error) {
	limit := q.MaxResults
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}

	req := &placesapi.GoogleMapsPlacesV1SearchTextRequest{
		TextQuery:      q.Query,
		MaxResultCount: int64(limit),
		LocationBias: &placesapi.GoogleMapsPlacesV1SearchTextRequestLocationBias{
			Circle: &placesapi.GoogleMapsPlacesV1Circle{
				Center: &placesapi.GoogleTypeLatLng{Latitude: q.Lat, Longitude: q.Lng},
				Radius: q.RadiusKm * 1000,
			},
		},
	}

	call := c.svc.Places.SearchText(req).Context(ctx)
	call.Header().Set("X-Goog-FieldMask", searchFieldMask)

	resp, err := call.Do()
	if err != nil {
		return nil, classify("text search", err)
	}

	out := make([]Place, 0, len(resp.Places))
	for _, p := range resp.Places {
		if p == nil || p.Id == "" {
			continue
		}
		out = append(out, fromAPI(p))
	}
	return out, nil
}

// Details fetches the fully populated record for a place id.
func (c *Client) Details(ctx context.Context, placeID string) (*Place, error) {
	call := c.svc.Places.Get("places/" + placeID).Context(ctx)
	call.Header().Set("X-Goog-FieldMask", detailFieldMask)

	p, err := call.Do()
	if err != nil {
		return nil, classify("place details", err)
	}
	place := fromAPI(p)
	return &place, nil
}

func fromAPI(p *placesapi.GoogleMapsPlacesV1Place) Place {
	place := Place{
		ID:             p.Id,
		Address:        p.FormattedAddress,
		Phone:          p.InternationalPhoneNumber,
		Website:        p.WebsiteUri,
		BusinessStatus: p.BusinessStatus,
		Types:          p.Types,
	}
	if place.Phone == "" {
		place.Phone = p.NationalPhoneNumber
	}
	if p.DisplayName != nil {
		place.Name = p.DisplayName.Text
	}
	if p.Rating > 0 {
		rating := p.Rating
		place.Rating = &rating
	}
	if p.UserRatingCount > 0 {
		n := int(p.UserRatingCount)
		place.ReviewCount = &n
	}
	if p.Location != nil {
		place.Lat = p.Location.Latitude
		place.Lng = p.Location.Longitude
	}
	return place
}

// classify maps provider failures onto the error taxonomy.
func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return &apperr.TransientError{StatusCode: gerr.Code, Err: fmt.Errorf("%s: %w", op, err)}
		case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
			return &apperr.ConfigurationError{Setting: "PLACES_API_KEY", Reason: fmt.Sprintf("%s rejected: %s", op, gerr.Message)}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if apperr.IsTransient(err) {
		return &apperr.TransientError{Err: fmt.Errorf("%s: %w", op, err)}
	}
	return fmt.Errorf("%s: %w", op, err)
}
