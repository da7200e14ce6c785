package audience

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/nimasrn/campaign-pipeline/pkg/redis"
)

// Reserved hash fields; every other field is a contact attribute.
const (
	fieldEmail       = "email"
	fieldPhone       = "phone"
	fieldDeviceToken = "device_token"
)

// Store resolves segment membership and contact records kept in Redis.
// Segments are sets of contact ids under segment:{tenant}:{segment} and
// contacts are hashes under contact:{tenant}:{id}.
type Store struct {
	redis redis.RedisAdapter
}

func NewStore(adapter redis.RedisAdapter) *Store {
	return &Store{redis: adapter}
}

func segmentKey(tenantID, segmentID string) string {
	return fmt.Sprintf("segment:%s:%s", tenantID, segmentID)
}

func contactKey(tenantID, contactID string) string {
	return fmt.Sprintf("contact:%s:%s", tenantID, contactID)
}

// ResolveAudience returns every member of a segment ordered by contact id.
// Members without a stored hash come back with only their id set; the
// worker skips them when it loads the contact.
func (s *Store) ResolveAudience(ctx context.Context, tenantID, segmentID string) ([]model.ContactRef, error) {
	ids, err := s.redis.SMembers(ctx, segmentKey(tenantID, segmentID))
	if err != nil {
		return nil, fmt.Errorf("failed to read segment %s: %w", segmentID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = contactKey(tenantID, id)
	}
	hashes, err := s.redis.HGetMultiple(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("failed to load segment contacts: %w", err)
	}

	out := make([]model.ContactRef, 0, len(ids))
	for i, id := range ids {
		out = append(out, toContact(id, hashes[keys[i]]))
	}
	return out, nil
}

func (s *Store) GetContact(ctx context.Context, tenantID, contactID string) (*model.ContactRef, error) {
	fields, err := s.redis.HGetAll(ctx, contactKey(tenantID, contactID))
	if err != nil {
		return nil, fmt.Errorf("failed to load contact %s: %w", contactID, err)
	}
	if len(fields) == 0 {
		return nil, model.ErrContactNotFound
	}
	c := toContact(contactID, fields)
	return &c, nil
}

func (s *Store) PutContact(ctx context.Context, tenantID string, c *model.ContactRef) error {
	values := map[string]interface{}{}
	for k, v := range c.Attributes {
		values[k] = v
	}
	if c.Email != "" {
		values[fieldEmail] = c.Email
	}
	if c.Phone != "" {
		values[fieldPhone] = c.Phone
	}
	if c.DeviceToken != "" {
		values[fieldDeviceToken] = c.DeviceToken
	}
	// an empty hash reads back as a missing contact
	if len(values) == 0 {
		values["id"] = c.ID
	}
	return s.redis.HSetMap(ctx, contactKey(tenantID, c.ID), values)
}

func (s *Store) AddToSegment(ctx context.Context, tenantID, segmentID string, contactIDs ...string) error {
	if len(contactIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(contactIDs))
	for i, id := range contactIDs {
		members[i] = id
	}
	return s.redis.SAdd(ctx, segmentKey(tenantID, segmentID), members...)
}

func toContact(id string, fields map[string]string) model.ContactRef {
	c := model.ContactRef{ID: id}
	for k, v := range fields {
		switch strings.ToLower(k) {
		case fieldEmail:
			c.Email = v
		case fieldPhone:
			c.Phone = v
		case fieldDeviceToken:
			c.DeviceToken = v
		case "id":
		default:
			if c.Attributes == nil {
				c.Attributes = map[string]string{}
			}
			c.Attributes[k] = v
		}
	}
	return c
}
