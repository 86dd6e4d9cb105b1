package locator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/audiolibrelab/streamcapture/internal/metrics"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

const roomStatusLive = 0

// DouyinOptions configures a DouyinClient.
type DouyinOptions struct {
	BaseURL           string
	Timeout           time.Duration
	Quality           string
	RequestsPerSecond float64
	Burst             int
}

// DouyinClient resolves rooms through the Douyin web live API.
type DouyinClient struct {
	base    string
	quality string
	http    *http.Client
	limiter *rate.Limiter
}

// NewDouyinClient creates a client. The enter API needs the ttwid cookie set
// by the landing page, so the client keeps a cookie jar.
func NewDouyinClient(opts DouyinOptions) (*DouyinClient, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Quality == "" {
		opts.Quality = "ld"
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 2
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Through a proxy the Set-Cookie domain no longer matches the request
	// host and the jar drops ttwid.
	transport.Proxy = nil

	return &DouyinClient{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		quality: opts.Quality,
		http: &http.Client{
			Timeout:   opts.Timeout,
			Jar:       jar,
			Transport: transport,
		},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
	}, nil
}

type enterResponse struct {
	StatusCode int `json:"status_code"`
	Data       struct {
		Data []struct {
			Title     string `json:"title"`
			StreamURL *struct {
				LiveCoreSDKData *struct {
					PullData *struct {
						StreamData string `json:"stream_data"`
					} `json:"pull_data"`
				} `json:"live_core_sdk_data"`
			} `json:"stream_url"`
		} `json:"data"`
		RoomStatus int `json:"room_status"`
		User       struct {
			Nickname string `json:"nickname"`
		} `json:"user"`
	} `json:"data"`
}

type streamData struct {
	Data map[string]struct {
		Main struct {
			FLV string `json:"flv"`
			HLS string `json:"hls"`
		} `json:"main"`
	} `json:"data"`
}

// Resolve fetches the room's status and, when live, its FLV stream URL.
func (c *DouyinClient) Resolve(ctx context.Context, roomID string) (*RoomInfo, error) {
	start := time.Now()
	info, err := c.resolve(ctx, roomID)

	result := "live"
	switch {
	case err != nil:
		result = "error"
	case !info.IsLive:
		result = "offline"
	}
	metrics.ObservePlatformRequest(result, time.Since(start))
	return info, err
}

func (c *DouyinClient) resolve(ctx context.Context, roomID string) (*RoomInfo, error) {
	if roomID == "" {
		return nil, fmt.Errorf("room id is required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("platform rate limit wait: %w", err)
	}

	slog.Debug("Resolving room", "room_id", roomID)

	if err := c.warmUp(ctx); err != nil {
		return nil, err
	}

	resp, err := c.enter(ctx, roomID)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != 0 {
		return nil, fmt.Errorf("%w: code %d, room %s", ErrPlatform, resp.StatusCode, roomID)
	}

	info := &RoomInfo{
		RoomID:     roomID,
		RoomStatus: resp.Data.RoomStatus,
		IsLive:     resp.Data.RoomStatus == roomStatusLive,
		Owner:      resp.Data.User.Nickname,
	}

	if len(resp.Data.Data) > 0 {
		room := resp.Data.Data[0]
		info.Title = room.Title

		if s := room.StreamURL; s != nil && s.LiveCoreSDKData != nil && s.LiveCoreSDKData.PullData != nil && s.LiveCoreSDKData.PullData.StreamData != "" {
			stream, err := c.pickStream(s.LiveCoreSDKData.PullData.StreamData)
			if err != nil {
				return nil, fmt.Errorf("room %s: %w", roomID, err)
			}
			info.StreamURL = stream
		}
	}

	if info.IsLive && info.StreamURL == "" {
		return nil, fmt.Errorf("%w: room %s", ErrNoStream, roomID)
	}

	slog.Debug("Room resolved", "room_id", roomID, "live", info.IsLive, "owner", info.Owner)
	return info, nil
}

// warmUp loads the landing page so the jar receives ttwid.
func (c *DouyinClient) warmUp(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/", nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("platform landing request failed: %w", err)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	res.Body.Close()
	return nil
}

func (c *DouyinClient) enter(ctx context.Context, roomID string) (*enterResponse, error) {
	q := url.Values{}
	q.Set("aid", "6383")
	q.Set("live_id", "1")
	q.Set("device_platform", "web")
	q.Set("language", "zh-CN")
	q.Set("enter_from", "web_live")
	q.Set("cookie_enabled", "true")
	q.Set("screen_width", "1920")
	q.Set("screen_height", "1080")
	q.Set("browser_language", "zh-CN")
	q.Set("browser_platform", "MacIntel")
	q.Set("browser_name", "Chrome")
	q.Set("browser_version", "108.0.0.0")
	q.Set("web_rid", roomID)
	q.Set("Room-Enter-User-Login-Ab", "0")
	q.Set("is_need_double_stream", "false")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/webcast/room/web/enter/?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("platform enter request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http status %d", ErrPlatform, res.StatusCode)
	}

	var out enterResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode platform response: %w", err)
	}
	return &out, nil
}

// pickStream prefers the configured quality and otherwise the first quality
// in name order.
func (c *DouyinClient) pickStream(raw string) (string, error) {
	var sd streamData
	if err := json.Unmarshal([]byte(raw), &sd); err != nil {
		return "", fmt.Errorf("failed to decode stream data: %w", err)
	}
	if len(sd.Data) == 0 {
		return "", nil
	}

	quality := c.quality
	if _, ok := sd.Data[quality]; !ok {
		names := make([]string, 0, len(sd.Data))
		for name := range sd.Data {
			names = append(names, name)
		}
		sort.Strings(names)
		quality = names[0]
	}
	return sd.Data[quality].Main.FLV, nil
}
