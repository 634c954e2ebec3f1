package query

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-adsconnect/core"
)

const (
	TypeCollect          = "adsconnect.query.collect"
	TypeCollectMany      = "adsconnect.query.collect_many"
	TypeListConnections  = "adsconnect.query.connection.list"
	TypeGetConnection    = "adsconnect.query.connection.get"
	TypeConnectionLimits = "adsconnect.query.connection.limits"
	TypeListCampaigns    = "adsconnect.query.campaign.list"
	TypeListInvalidation = "adsconnect.query.cache.invalidations"
)

const maxInvalidationLimit = 500

type CollectMessage struct {
	Request core.CollectRequest
}

func (CollectMessage) Type() string { return TypeCollect }

func (m CollectMessage) Validate() error {
	if err := requireID(m, "user_id", m.Request.UserID); err != nil {
		return err
	}
	if err := requireID(m, "connection_id", m.Request.ConnectionID); err != nil {
		return err
	}
	if err := m.Request.DateRange.Validate(); err != nil {
		return invalid(m, "date_range", err.Error(), nil)
	}
	if m.Request.Scope != "" {
		if _, err := core.ParseObjectScope(string(m.Request.Scope)); err != nil {
			return invalid(m, "scope", err.Error(), string(m.Request.Scope))
		}
	}
	return nil
}

type CollectManyMessage struct {
	UserID        string
	ConnectionIDs []string
	DateRange     core.DateRange
}

func (CollectManyMessage) Type() string { return TypeCollectMany }

func (m CollectManyMessage) Validate() error {
	if err := requireID(m, "user_id", m.UserID); err != nil {
		return err
	}
	for _, id := range m.ConnectionIDs {
		if strings.TrimSpace(id) == "" {
			return invalid(m, "connection_ids", "must not contain empty ids", nil)
		}
	}
	if err := m.DateRange.Validate(); err != nil {
		return invalid(m, "date_range", err.Error(), nil)
	}
	return nil
}

// ListConnectionsMessage lists active connections; a nil Platform lists
// every platform.
type ListConnectionsMessage struct {
	UserID   string
	Platform *core.Platform
}

func (ListConnectionsMessage) Type() string { return TypeListConnections }

func (m ListConnectionsMessage) Validate() error {
	if err := requireID(m, "user_id", m.UserID); err != nil {
		return err
	}
	if m.Platform != nil {
		return requirePlatform(m, *m.Platform)
	}
	return nil
}

type GetConnectionMessage struct {
	UserID       string
	ConnectionID string
}

func (GetConnectionMessage) Type() string { return TypeGetConnection }

func (m GetConnectionMessage) Validate() error {
	if err := requireID(m, "user_id", m.UserID); err != nil {
		return err
	}
	return requireID(m, "connection_id", m.ConnectionID)
}

type ConnectionLimitsMessage struct {
	UserID   string
	Platform core.Platform
}

func (ConnectionLimitsMessage) Type() string { return TypeConnectionLimits }

func (m ConnectionLimitsMessage) Validate() error {
	if err := requireID(m, "user_id", m.UserID); err != nil {
		return err
	}
	return requirePlatform(m, m.Platform)
}

type ListCampaignsMessage struct {
	UserID       string
	ConnectionID string
}

func (ListCampaignsMessage) Type() string { return TypeListCampaigns }

func (m ListCampaignsMessage) Validate() error {
	if err := requireID(m, "user_id", m.UserID); err != nil {
		return err
	}
	return requireID(m, "connection_id", m.ConnectionID)
}

type ListInvalidationsMessage struct {
	AccountID string
	Limit     int
}

func (ListInvalidationsMessage) Type() string { return TypeListInvalidation }

func (m ListInvalidationsMessage) Validate() error {
	if err := requireID(m, "account_id", m.AccountID); err != nil {
		return err
	}
	if m.Limit < 0 || m.Limit > maxInvalidationLimit {
		return invalid(m, "limit", fmt.Sprintf("must be between 0 and %d", maxInvalidationLimit), m.Limit)
	}
	return nil
}
