package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/easeaico/memory-journal/internal/errs"
)

// GoogleConfig configures the Google Calendar provider.
type GoogleConfig struct {
	Token      string // OAuth access token
	CalendarID string
	BaseURL    string
	TimeZone   string
	// HTTPClient replaces the token-authenticated client, mainly for tests.
	HTTPClient *http.Client
}

// GoogleProvider creates events through the Calendar v3 API.
type GoogleProvider struct {
	svc        *gcal.Service
	calendarID string
	timeZone   string
}

// NewGoogleProvider builds a Calendar client. A missing token is reported on
// first use as ErrAuthRequired so the caller can ask the user to sign in.
func NewGoogleProvider(ctx context.Context, cfg GoogleConfig) (*GoogleProvider, error) {
	opts := []option.ClientOption{}
	if cfg.BaseURL != "" {
		// Relative API paths resolve against the endpoint, which needs a trailing slash.
		opts = append(opts, option.WithEndpoint(strings.TrimSuffix(cfg.BaseURL, "/")+"/"))
	}
	switch {
	case cfg.HTTPClient != nil:
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	case cfg.Token != "":
		opts = append(opts, option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})))
	default:
		opts = append(opts, option.WithHTTPClient(&http.Client{Transport: unauthenticated{}}))
	}

	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar client: %w", err)
	}

	calendarID := cfg.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}
	tz := cfg.TimeZone
	if tz == "" {
		tz = "UTC"
	}
	return &GoogleProvider{svc: svc, calendarID: calendarID, timeZone: tz}, nil
}

// CreateEvent inserts ev and returns its id.
func (p *GoogleProvider) CreateEvent(ctx context.Context, ev Event) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}
	created, err := p.svc.Events.Insert(p.calendarID, &gcal.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       &gcal.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: p.timeZone},
		End:         &gcal.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: p.timeZone},
	}).Context(ctx).Do()
	if err != nil {
		return "", classify("create calendar event", err)
	}
	return created.Id, nil
}

// Upcoming lists events from the given time, earliest first.
func (p *GoogleProvider) Upcoming(ctx context.Context, from time.Time, max int) ([]Event, error) {
	if max <= 0 {
		max = 10
	}
	res, err := p.svc.Events.List(p.calendarID).
		TimeMin(from.Format(time.RFC3339)).
		MaxResults(int64(max)).
		SingleEvents(true).
		OrderBy("startTime").
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify("list calendar events", err)
	}

	out := make([]Event, 0, len(res.Items))
	for _, item := range res.Items {
		out = append(out, Event{
			ID:          item.Id,
			Title:       item.Summary,
			Start:       parseEventTime(item.Start),
			End:         parseEventTime(item.End),
			Description: item.Description,
			Location:    item.Location,
			Link:        item.HtmlLink,
		})
	}
	return out, nil
}

func parseEventTime(dt *gcal.EventDateTime) time.Time {
	if dt == nil {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, dt.DateTime); err == nil {
		return t
	}
	t, _ := time.Parse(time.DateOnly, dt.Date)
	return t
}

// classify maps API status codes onto the calendar and errs sentinels.
func classify(op string, err error) error {
	if errors.Is(err, errUnauthenticated) {
		return errs.AuthRequired(op, err)
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return errs.Unavailable(op, err)
	}
	switch apiErr.Code {
	case http.StatusConflict:
		return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
	case http.StatusBadRequest:
		return fmt.Errorf("%s: %w: %w", op, ErrInvalidTime, err)
	default:
		return errs.FromStatus(op, apiErr.Code, err)
	}
}

var errUnauthenticated = errors.New("no calendar token configured")

// unauthenticated fails every request so a provider without a token
// reports ErrAuthRequired instead of calling the API anonymously.
type unauthenticated struct{}

func (unauthenticated) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errUnauthenticated
}

var _ Provider = (*GoogleProvider)(nil)
