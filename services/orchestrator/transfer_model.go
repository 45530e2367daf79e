package orchestrator

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"pulld/pkg/protocol"
)

type transferModel struct {
	ID               uuid.UUID         `gorm:"type:uuid;primaryKey"`
	AgentID          string            `gorm:"type:text;not null;index"`
	Name             string            `gorm:"type:text;not null"`
	ObjectKey        string            `gorm:"type:text;not null;uniqueIndex"`
	Status           string            `gorm:"type:text;not null;index"`
	Size             int64             `gorm:"type:bigint;not null;default:0"`
	Digest           string            `gorm:"type:text"`
	CredentialExpiry time.Time         `gorm:"type:timestamptz"`
	FailureCategory  string            `gorm:"type:text"`
	FailureReason    string            `gorm:"type:text"`
	Meta             datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt        time.Time         `gorm:"type:timestamptz;not null;default:now()"`
	UpdatedAt        time.Time         `gorm:"type:timestamptz;not null;default:now()"`
}

func (transferModel) TableName() string { return "transfers" }

func (m transferModel) toTransfer() *Transfer {
	return &Transfer{
		ID:               m.ID,
		AgentID:          m.AgentID,
		Name:             m.Name,
		ObjectKey:        m.ObjectKey,
		Status:           Status(m.Status),
		Size:             m.Size,
		Digest:           m.Digest,
		CredentialExpiry: m.CredentialExpiry,
		FailureCategory:  protocol.FailureCategory(m.FailureCategory),
		FailureReason:    m.FailureReason,
		Meta:             mapFromJSONMap(m.Meta),
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func modelFromTransfer(t *Transfer) transferModel {
	return transferModel{
		ID:               t.ID,
		AgentID:          t.AgentID,
		Name:             t.Name,
		ObjectKey:        t.ObjectKey,
		Status:           string(t.Status),
		Size:             t.Size,
		Digest:           t.Digest,
		CredentialExpiry: t.CredentialExpiry,
		FailureCategory:  string(t.FailureCategory),
		FailureReason:    t.FailureReason,
		Meta:             datatypes.JSONMap(t.Meta),
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

func mapFromJSONMap(m datatypes.JSONMap) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
