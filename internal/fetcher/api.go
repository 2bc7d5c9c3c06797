package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	refreshTokenPath  = "/usrCloud/user/refreshShareToken"
	dataPointInfoPath = "/usrCloud/cusdevice/getBatchDataPointInfo"
	sampleDataPath    = "/history/cusdevice/getSampleDataPoint"

	// API status code signalling an expired share token.
	statusTokenExpired = 4010

	// History queries look back a short window so stale samples from hours
	// ago are never mistaken for fresh data.
	historyWindow = 5 * time.Minute
)

// Vendor item IDs for the three channels on this device class.
var itemFields = map[int64]Field{
	1:  FieldVelocity,
	2:  FieldDepth,
	15: FieldFlow,
}

// APIOptions parameterise the reverse-engineered API strategy.
type APIOptions struct {
	BaseURL       string
	HistoryURL    string
	SharePassword string
	Timeout       time.Duration
	UserAgent     string
}

// API fetches readings directly from the provider's cloud endpoints using the
// token recovered from the share link, bypassing the browser entirely.
type API struct {
	opts       APIOptions
	logger     zerolog.Logger
	client     *http.Client
	baseURL    string
	historyURL string
}

// NewAPI constructs the API strategy.
func NewAPI(opts APIOptions, logger zerolog.Logger) *API {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.mp.usriot.com"
	}
	historyURL := strings.TrimRight(opts.HistoryURL, "/")
	if historyURL == "" {
		historyURL = "https://sga-history.usriot.com:7002"
	}

	return &API{
		opts:       opts,
		logger:     logger.With().Str("component", "api_fetcher").Logger(),
		client:     &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		historyURL: historyURL,
	}
}

// Name implements Strategy.
func (a *API) Name() string { return "api" }

// Supports implements Strategy. The API path needs both the share token and
// the device number from the source URL's query string.
func (a *API) Supports(src Source) bool {
	share, deviceNo, err := shareParams(src.URL)
	return err == nil && share != "" && deviceNo != ""
}

// Fetch implements Strategy.
func (a *API) Fetch(ctx context.Context, src Source) (Reading, error) {
	share, deviceNo, err := shareParams(src.URL)
	if err != nil {
		return Reading{}, err
	}
	if share == "" || deviceNo == "" {
		return Reading{}, fmt.Errorf("source url missing share or cusdeviceNo parameter")
	}

	token, err := DecodeShareToken(share, a.opts.SharePassword)
	if err != nil {
		return Reading{}, fmt.Errorf("decode share token: %w", err)
	}

	// The token embedded in a share link is frequently already expired;
	// refresh up front, keeping the original on failure.
	if refreshed, err := a.refreshToken(ctx, token); err == nil {
		token = refreshed
	} else {
		a.logger.Debug().Err(err).Msg("initial token refresh failed; using embedded token")
	}

	relIDs, token, err := a.dataPointIDs(ctx, token, deviceNo)
	if err != nil {
		return Reading{}, err
	}

	values := make(map[Field]decimal.Decimal, len(Fields))
	for itemID, field := range itemFields {
		relID, ok := relIDs[itemID]
		if !ok {
			a.logger.Debug().Int64("item_id", itemID).Str("field", string(field)).Msg("no data point mapping for channel")
			continue
		}
		value, refreshedToken, err := a.latestSample(ctx, token, deviceNo, relID)
		token = refreshedToken
		if err != nil {
			a.logger.Debug().Err(err).Str("field", string(field)).Msg("sample fetch failed")
			continue
		}
		if value != nil {
			values[field] = *value
		}
	}

	if len(values) == 0 {
		return Reading{}, ErrNoData
	}
	return Reading{Timestamp: time.Now().UTC(), Values: values, Strategy: a.Name()}, nil
}

func shareParams(rawURL string) (share, deviceNo string, err error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parse source url: %w", err)
	}
	query := parsed.Query()
	return query.Get("share"), query.Get("cusdeviceNo"), nil
}

func (a *API) refreshToken(ctx context.Context, token string) (string, error) {
	endpoint := fmt.Sprintf("%s%s?token=%s&t=%d", a.baseURL, refreshTokenPath, url.QueryEscape(token), time.Now().UnixMilli())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	setCacheBustHeaders(req.Header)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("refresh token: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Status int    `json:"status"`
		Data   string `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("refresh token: decode response: %w", err)
	}
	if payload.Status != 0 || payload.Data == "" {
		return "", fmt.Errorf("refresh token: status %d", payload.Status)
	}
	return payload.Data, nil
}

type dataPointInfoResponse struct {
	Status int `json:"status"`
	Data   []struct {
		ItemID         json.Number `json:"itemId"`
		DataPointRelID int64       `json:"dataPointRelId"`
	} `json:"data"`
}

// dataPointIDs resolves the vendor item IDs into dataPointRelIds. On an
// expiry signal the token is refreshed once and the call retried.
func (a *API) dataPointIDs(ctx context.Context, token, deviceNo string) (map[int64]int64, string, error) {
	queryList := make([]map[string]string, 0, len(itemFields))
	for itemID := range itemFields {
		queryList = append(queryList, map[string]string{
			"cusdeviceNo": deviceNo,
			"slaveIndex":  "1",
			"itemId":      strconv.FormatInt(itemID, 10),
		})
	}

	var parsed dataPointInfoResponse
	token, err := a.postWithRefresh(ctx, a.baseURL+dataPointInfoPath, token, func(tok string) any {
		return map[string]any{"dataPointQueryList": queryList, "token": tok}
	}, &parsed)
	if err != nil {
		return nil, token, fmt.Errorf("fetch data point info: %w", err)
	}

	relIDs := make(map[int64]int64, len(parsed.Data))
	for _, entry := range parsed.Data {
		itemID, err := entry.ItemID.Int64()
		if err != nil || entry.DataPointRelID == 0 {
			continue
		}
		relIDs[itemID] = entry.DataPointRelID
	}
	return relIDs, token, nil
}

type sampleResponse struct {
	Status int `json:"status"`
	Data   struct {
		List []struct {
			List []struct {
				Value json.Number `json:"value"`
			} `json:"list"`
		} `json:"list"`
	} `json:"data"`
}

// latestSample fetches the most recent sample for one data point within the
// history window. A missing sample is a nil value, not an error.
func (a *API) latestSample(ctx context.Context, token, deviceNo string, relID int64) (*decimal.Decimal, string, error) {
	end := time.Now().UnixMilli()
	start := end - historyWindow.Milliseconds()

	var parsed sampleResponse
	token, err := a.postWithRefresh(ctx, a.historyURL+sampleDataPath, token, func(tok string) any {
		return map[string]any{
			"dataPoints": []map[string]any{
				{"cusdeviceNo": deviceNo, "dataPointId": relID, "sampleFun": "LAST"},
			},
			"start":       start,
			"end":         end,
			"token":       tok,
			"timeSort":    "desc",
			"sampleLimit": 1,
		}
	}, &parsed)
	if err != nil {
		return nil, token, fmt.Errorf("fetch sample for data point %d: %w", relID, err)
	}

	if len(parsed.Data.List) == 0 || len(parsed.Data.List[0].List) == 0 {
		return nil, token, nil
	}
	raw := parsed.Data.List[0].List[0].Value
	if raw == "" {
		return nil, token, nil
	}
	value, err := decimal.NewFromString(raw.String())
	if err != nil {
		return nil, token, nil
	}
	return &value, token, nil
}

// postWithRefresh issues a token-authenticated POST, refreshing the token and
// retrying exactly once when the API reports expiry. It returns the token in
// effect after the call so later requests reuse a refreshed one.
func (a *API) postWithRefresh(ctx context.Context, endpoint, token string, body func(token string) any, out interface{ statusCode() int }) (string, error) {
	if err := a.postJSON(ctx, endpoint, token, body(token), out); err != nil {
		return token, err
	}
	if out.statusCode() != statusTokenExpired {
		return token, nil
	}

	refreshed, err := a.refreshToken(ctx, token)
	if err != nil {
		return token, fmt.Errorf("token expired and refresh failed: %w", err)
	}
	if err := a.postJSON(ctx, endpoint, refreshed, body(refreshed), out); err != nil {
		return refreshed, err
	}
	return refreshed, nil
}

func (a *API) postJSON(ctx context.Context, endpoint, token string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("token", token)
	req.Header.Set("u-source", "in-draw")
	if ua := strings.TrimSpace(a.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	setCacheBustHeaders(req.Header)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return json.Unmarshal(payload, out)
}

func setCacheBustHeaders(h http.Header) {
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

func (r *dataPointInfoResponse) statusCode() int { return r.Status }
func (r *sampleResponse) statusCode() int        { return r.Status }

var _ Strategy = (*API)(nil)
