// ABOUTME: Topic naming helpers for the event bus
// ABOUTME: Topics are "{companyId}:{entityType}" or "{companyId}:{entityType}:{entityId}"

package events

import (
	"errors"
	"fmt"
	"strings"
)

// Entity types used in topics.
const (
	EntityConversation = "conversation"
	EntityCampaign     = "campaign"
)

// ErrInvalidTopic is returned for topics that are not 2 or 3 non-empty
// colon-separated segments naming a known entity type.
var ErrInvalidTopic = errors.New("invalid topic")

// Topic builds a topic name. An empty entityID yields the collection topic.
func Topic(companyID, entityType, entityID string) string {
	if entityID == "" {
		return companyID + ":" + entityType
	}
	return companyID + ":" + entityType + ":" + entityID
}

// TopicParts is a parsed topic.
type TopicParts struct {
	CompanyID  string
	EntityType string
	EntityID   string
}

// ParseTopic splits and validates a topic name.
func ParseTopic(topic string) (TopicParts, error) {
	segs := strings.Split(topic, ":")
	if len(segs) < 2 || len(segs) > 3 {
		return TopicParts{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	for _, s := range segs {
		if s == "" {
			return TopicParts{}, fmt.Errorf("%w: %q has an empty segment", ErrInvalidTopic, topic)
		}
	}
	switch segs[1] {
	case EntityConversation, EntityCampaign:
	default:
		return TopicParts{}, fmt.Errorf("%w: unknown entity type %q", ErrInvalidTopic, segs[1])
	}
	parts := TopicParts{CompanyID: segs[0], EntityType: segs[1]}
	if len(segs) == 3 {
		parts.EntityID = segs[2]
	}
	return parts, nil
}
