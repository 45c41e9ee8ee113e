package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/postpace/postpace/internal/core"
)

// Endpoint keys used by the dispatch path.
const (
	EndpointPost   = "POST /2/tweets"
	EndpointLike   = "POST /2/users/:id/likes"
	EndpointFollow = "POST /2/users/:id/following"
	EndpointDM     = "POST /2/dm_conversations/with/:participant_id/messages"
)

// Daily bucket names.
const (
	BucketTweets  = "tweets_per_day"
	BucketFollows = "follows_per_day"
	BucketDMs     = "dms_per_day"
	BucketLikes   = "likes_per_day"
)

const (
	defaultPresetWindow     = 15 * time.Minute
	defaultBreakerThreshold = 5
	defaultBreakerTimeout   = time.Minute
)

// Preset is a named set of endpoint limits and daily buckets.
type Preset struct {
	Name      string
	Endpoints []core.EndpointConfig
	// Daily maps endpoint key to its daily bucket.
	Daily map[string]core.DailyBucket
}

var presets = map[string]Preset{
	"twitter-v2": twitterV2Preset(),
}

// LookupPreset returns a preset by name. Empty and "none" return an empty preset.
func LookupPreset(name string) (Preset, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "none" {
		return Preset{Name: "none"}, nil
	}
	preset, ok := presets[name]
	if !ok {
		return Preset{}, fmt.Errorf("unknown rate limit preset %q (available: %s)", name, strings.Join(PresetNames(), ", "))
	}
	return preset, nil
}

// PresetNames lists the available presets.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EndpointForAction maps a queue action to the endpoint key it is admitted against.
func EndpointForAction(action core.Action) string {
	switch action {
	case core.ActionLike:
		return EndpointLike
	case core.ActionFollow:
		return EndpointFollow
	case core.ActionDM:
		return EndpointDM
	default:
		return EndpointPost
	}
}

func twitterV2Preset() Preset {
	limits := []struct {
		endpoint string
		max      int
	}{
		{EndpointPost, 200},
		{"DELETE /2/tweets/:id", 50},
		{"GET /2/tweets", 300},
		{"GET /2/tweets/:id", 300},
		{"GET /2/tweets/search/recent", 180},
		{"GET /2/tweets/counts/recent", 300},
		{"GET /2/users/me", 75},
		{"GET /2/users/:id", 300},
		{"GET /2/users/by/username/:username", 300},
		{"GET /2/users/:id/followers", 15},
		{"GET /2/users/:id/following", 15},
		{EndpointFollow, 50},
		{"DELETE /2/users/:source_user_id/following/:target_user_id", 50},
		{EndpointLike, 50},
		{"DELETE /2/users/:id/likes/:tweet_id", 50},
		{"GET /2/users/:id/liked_tweets", 75},
		{"POST /2/users/:id/retweets", 50},
		{"DELETE /2/users/:id/retweets/:source_tweet_id", 50},
		{EndpointDM, 200},
		{"GET /2/dm_events", 100},
		{"POST /2/lists", 300},
		{"GET /2/lists/:id", 75},
	}

	endpoints := make([]core.EndpointConfig, 0, len(limits))
	for _, l := range limits {
		endpoints = append(endpoints, core.EndpointConfig{
			Endpoint:         l.endpoint,
			MaxRequests:      l.max,
			Window:           defaultPresetWindow,
			BreakerThreshold: defaultBreakerThreshold,
			BreakerTimeout:   defaultBreakerTimeout,
			HalfOpenMaxCalls: 1,
		})
	}

	return Preset{
		Name:      "twitter-v2",
		Endpoints: endpoints,
		Daily: map[string]core.DailyBucket{
			EndpointPost:   {Name: BucketTweets, Limit: 2400},
			EndpointFollow: {Name: BucketFollows, Limit: 400},
			EndpointDM:     {Name: BucketDMs, Limit: 500},
			EndpointLike:   {Name: BucketLikes, Limit: 1000},
		},
	}
}
