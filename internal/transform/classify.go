package transform

import "strings"

// genericNamespace is the collection namespace recognized by the pipeline.
// Records carrying custom lexicons outside it are dropped silently.
const genericNamespace = "app.bsky."

// Wire type identifiers for the supported collections.
const (
	typePost   = "app.bsky.feed.post"
	typeRepost = "app.bsky.feed.repost"
	typeLike   = "app.bsky.feed.like"
	typeFollow = "app.bsky.graph.follow"
	typeBlock  = "app.bsky.graph.block"
)

// Classify maps a raw record value to its canonical kind. The second return
// is false for records of no supported kind, including custom lexicons.
func Classify(value map[string]any) (Kind, bool) {
	wireType, _ := value["$type"].(string)
	if !strings.HasPrefix(wireType, genericNamespace) {
		return "", false
	}
	switch wireType {
	case typePost:
		// A post carrying a reply ref is a reply.
		if _, ok := value["reply"]; ok {
			return KindReply, true
		}
		return KindPost, true
	case typeRepost:
		return KindRepost, true
	case typeLike:
		return KindLike, true
	case typeFollow:
		return KindFollow, true
	case typeBlock:
		return KindBlock, true
	default:
		return "", false
	}
}
