package content

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"groupcast/internal/store"
	"groupcast/internal/transport"
	"groupcast/pkg/logx"
)

const defaultSearchEndpoint = "https://www.googleapis.com/youtube/v3/search"

// YouTube looks up the newest video on a channel via the Data API and
// formats it as the broadcast message.
type YouTube struct {
	log      logx.Logger
	http     *http.Client
	endpoint string
}

type YouTubeOption func(*YouTube)

// WithEndpoint overrides the search endpoint (tests).
func WithEndpoint(u string) YouTubeOption {
	return func(y *YouTube) { y.endpoint = u }
}

func NewYouTube(log logx.Logger, opts ...YouTubeOption) *YouTube {
	if log.IsZero() {
		log = logx.Nop()
	}
	y := &YouTube{
		log:      log,
		http:     &http.Client{Timeout: 10 * time.Second},
		endpoint: defaultSearchEndpoint,
	}
	for _, o := range opts {
		o(y)
	}
	return y
}

type searchResponse struct {
	Items []struct {
		ID struct {
			VideoID string `json:"videoId"`
		} `json:"id"`
		Snippet struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			PublishedAt string `json:"publishedAt"`
		} `json:"snippet"`
	} `json:"items"`
}

func (y *YouTube) Latest(ctx context.Context, cfg store.ContentConfig) (transport.Payload, error) {
	if strings.TrimSpace(cfg.YouTubeAPIKey) == "" || strings.TrimSpace(cfg.ChannelID) == "" {
		return transport.Payload{}, fmt.Errorf("%w: api key or channel id not configured", ErrFetchFailed)
	}

	q := url.Values{}
	q.Set("key", cfg.YouTubeAPIKey)
	q.Set("channelId", cfg.ChannelID)
	q.Set("part", "snippet")
	q.Set("order", "date")
	q.Set("maxResults", "1")
	q.Set("type", "video")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return transport.Payload{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	resp, err := y.http.Do(req)
	if err != nil {
		return transport.Payload{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return transport.Payload{}, fmt.Errorf("%w: search returned %s", ErrFetchFailed, resp.Status)
	}
	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return transport.Payload{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if len(sr.Items) == 0 {
		return transport.Payload{}, fmt.Errorf("%w: channel has no videos", ErrFetchFailed)
	}

	item := sr.Items[0]
	videoURL := "https://www.youtube.com/watch?v=" + item.ID.VideoID
	y.log.Debug("latest video resolved",
		logx.String("video_id", item.ID.VideoID),
		logx.String("title", item.Snippet.Title))

	return transport.Payload{Text: formatVideoMessage(item.Snippet.Title, item.Snippet.Description, videoURL)}, nil
}

func formatVideoMessage(title, description, videoURL string) string {
	desc := description
	if len(desc) > 200 {
		desc = desc[:200] + "..."
	}
	return fmt.Sprintf("🎥 *New video on the channel!*\n\n*%s*\n\n%s\n\n🔗 %s", title, desc, videoURL)
}
