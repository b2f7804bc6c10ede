package firestore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	prep "github.com/goliatone/go-prep"
	"github.com/tidwall/gjson"
)

const DefaultBaseURL = "https://firestore.googleapis.com/v1"

// document level keys, everything else is a profile field
const (
	keyUID         = "uid"
	keyRole        = "role"
	keyDisplayName = "displayName"
	keyEmail       = "email"
	keyPhotoURL    = "photoURL"
	keyCreatedAt   = "createdAt"
	keyUpdatedAt   = "updatedAt"
)

var reserved = map[string]bool{
	keyUID: true, keyRole: true, keyDisplayName: true, keyEmail: true,
	keyPhotoURL: true, keyCreatedAt: true, keyUpdatedAt: true,
}

// TokenSource returns the ID token of the user signed in on device
type TokenSource interface {
	IDToken(ctx context.Context, device string) (string, error)
}

type Config struct {
	ProjectID  string
	Database   string
	Collection string
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
}

// Store implements prep.ProfileStore over the Firestore REST API.
// Documents live at <collection>/<uid> as a flat record.
type Store struct {
	config Config
	client *resty.Client
	tokens TokenSource
	logger prep.Logger
}

var _ prep.ProfileStore = (*Store)(nil)

type Option func(*Store) *Store

// WithTokenSource authorizes requests as the device's signed in user
func WithTokenSource(ts TokenSource) Option {
	return func(s *Store) *Store {
		s.tokens = ts
		return s
	}
}

func WithRequestMiddleware(mw resty.RequestMiddleware) Option {
	return func(s *Store) *Store {
		s.client.OnBeforeRequest(mw)
		return s
	}
}

func WithLogger(logger prep.Logger) Option {
	return func(s *Store) *Store {
		if logger != nil {
			s.logger = logger
		}
		return s
	}
}

// New creates a store for cfg
func New(cfg Config, opts ...Option) (*Store, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("firestore: project id is required")
	}
	if cfg.Database == "" {
		cfg.Database = "(default)"
	}
	if cfg.Collection == "" {
		cfg.Collection = "users"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout)
	if cfg.APIKey != "" {
		client.SetQueryParam("key", cfg.APIKey)
	}

	s := &Store{
		config: cfg,
		client: client,
		logger: prep.DefLogger(),
	}
	for _, opt := range opts {
		s = opt(s)
	}
	return s, nil
}

func (s *Store) GetProfile(ctx context.Context, uid string) (*prep.ProfileDocument, error) {
	resp, err := s.request(ctx).Get(s.documentPath(uid))
	if err != nil {
		return nil, transportError(ctx, err)
	}
	if resp.IsError() {
		return nil, responseError(resp)
	}

	return decodeDocument(uid, gjson.Get(resp.String(), "fields")), nil
}

// SaveProfile writes the non empty values of doc with an update mask so
// the stored document is merged rather than replaced. Cleared keys are
// in the mask without a value, which deletes them.
func (s *Store) SaveProfile(ctx context.Context, doc *prep.ProfileDocument) error {
	if doc == nil || doc.UID == "" {
		return fmt.Errorf("firestore: profile document needs a uid")
	}

	values, err := documentValues(doc)
	if err != nil {
		return err
	}

	fields, err := encodeFields(values)
	if err != nil {
		return err
	}

	paths := make(map[string]any, len(values)+len(doc.Cleared))
	for k := range values {
		paths[k] = true
	}
	for _, k := range clearedKeys(doc) {
		if _, set := values[k]; !set {
			paths[k] = true
		}
	}

	mask := url.Values{}
	for _, k := range sortedKeys(paths) {
		mask.Add("updateMask.fieldPaths", fieldPath(k))
	}

	resp, err := s.request(ctx).
		SetQueryParamsFromValues(mask).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{"fields": fields}).
		Patch(s.documentPath(doc.UID))
	if err != nil {
		return transportError(ctx, err)
	}
	if resp.IsError() {
		return responseError(resp)
	}
	return nil
}

func (s *Store) request(ctx context.Context) *resty.Request {
	req := s.client.R().SetContext(ctx)
	if s.tokens == nil {
		return req
	}

	device, ok := prep.DeviceFromContext(ctx)
	if !ok {
		return req
	}

	token, err := s.tokens.IDToken(ctx, device)
	if err != nil {
		s.logger.Debug("firestore request without user token", "device", device, "error", err)
		return req
	}
	return req.SetAuthToken(token)
}

func (s *Store) documentPath(uid string) string {
	return fmt.Sprintf("/projects/%s/databases/%s/documents/%s/%s",
		s.config.ProjectID, s.config.Database, s.config.Collection, url.PathEscape(uid))
}

func documentValues(doc *prep.ProfileDocument) (map[string]any, error) {
	values := map[string]any{keyUID: doc.UID}

	for k, v := range doc.Fields {
		if reserved[k] {
			return nil, fmt.Errorf("firestore: profile field %q is reserved", k)
		}
		values[k] = v
	}

	if doc.Role != "" {
		values[keyRole] = string(doc.Role)
	}
	if doc.DisplayName != "" {
		values[keyDisplayName] = doc.DisplayName
	}
	if doc.Email != "" {
		values[keyEmail] = doc.Email
	}
	if doc.PhotoURL != "" {
		values[keyPhotoURL] = doc.PhotoURL
	}
	if !doc.CreatedAt.IsZero() {
		values[keyCreatedAt] = doc.CreatedAt
	}
	if !doc.UpdatedAt.IsZero() {
		values[keyUpdatedAt] = doc.UpdatedAt
	}
	return values, nil
}

// clearedKeys maps the keys doc clears to stored field names
func clearedKeys(doc *prep.ProfileDocument) []string {
	keys := make([]string, 0, len(doc.Cleared))
	for _, k := range doc.Cleared {
		switch k {
		case prep.DocDisplayName:
			keys = append(keys, keyDisplayName)
		case prep.DocPhotoURL:
			keys = append(keys, keyPhotoURL)
		default:
			if !reserved[k] {
				keys = append(keys, k)
			}
		}
	}
	return keys
}

func decodeDocument(uid string, fields gjson.Result) *prep.ProfileDocument {
	values := decodeFields(fields)

	doc := &prep.ProfileDocument{UID: uid}
	for k, v := range values {
		switch k {
		case keyUID:
		case keyRole:
			s, _ := v.(string)
			doc.Role = prep.Role(s)
		case keyDisplayName:
			doc.DisplayName, _ = v.(string)
		case keyEmail:
			doc.Email, _ = v.(string)
		case keyPhotoURL:
			doc.PhotoURL, _ = v.(string)
		case keyCreatedAt:
			doc.CreatedAt, _ = v.(time.Time)
		case keyUpdatedAt:
			doc.UpdatedAt, _ = v.(time.Time)
		default:
			doc.AddField(k, v)
		}
	}
	return doc
}

// grpcCodes maps the status names of REST errors to the codes in the
// failure table
var grpcCodes = map[string]string{
	"PERMISSION_DENIED": "permission-denied",
	"UNAUTHENTICATED":   "permission-denied",
	"UNAVAILABLE":       "unavailable",
	"DEADLINE_EXCEEDED": "deadline-exceeded",
}

func responseError(resp *resty.Response) error {
	body := resp.String()
	status := gjson.Get(body, "error.status").String()
	message := gjson.Get(body, "error.message").String()

	if resp.StatusCode() == http.StatusNotFound || status == "NOT_FOUND" {
		return prep.ErrProfileNotFound
	}

	code, ok := grpcCodes[status]
	if !ok {
		switch {
		case resp.StatusCode() == http.StatusForbidden || resp.StatusCode() == http.StatusUnauthorized:
			code = "permission-denied"
		case resp.StatusCode() == http.StatusGatewayTimeout:
			code = "deadline-exceeded"
		case resp.StatusCode() >= http.StatusInternalServerError:
			code = "unavailable"
		default:
			code = prep.CodeUnknown
		}
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode())
	}
	return prep.NewProviderError(code, message, resp.StatusCode(), nil)
}

func transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return prep.NewProviderError("deadline-exceeded", "request timed out", 0, err)
	}
	return prep.NewProviderError(prep.CodeNetworkRequestFailed, "request failed", 0, err)
}
