package rbac

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// AuditAction is the kind of membership transition an audit entry records
type AuditAction string

const (
	AuditInvitationSent AuditAction = "invitation_sent"
	AuditRoleChange     AuditAction = "role_change"
	AuditAccessRevoked  AuditAction = "access_revoked"
)

// Valid reports whether a is a known audit action
func (a AuditAction) Valid() bool {
	switch a {
	case AuditInvitationSent, AuditRoleChange, AuditAccessRevoked:
		return true
	}
	return false
}

// AuditEntry is an append-only record of one membership state transition.
// UserID is the subject and is nil for invitations to unregistered users.
type AuditEntry struct {
	ID          int64       `json:"id"`
	UserID      *int64      `json:"user_id,omitempty"`
	PortfolioID int64       `json:"portfolio_id"`
	Action      AuditAction `json:"action"`
	OldValue    Snapshot    `json:"old_value,omitempty"`
	NewValue    Snapshot    `json:"new_value,omitempty"`
	ChangedBy   int64       `json:"changed_by"`
	CreatedAt   time.Time   `json:"created_at"`
}

// AuditLogger appends audit entries. Implementations must never update or
// delete what they have written.
type AuditLogger interface {
	Record(ctx context.Context, entry *AuditEntry) error
}

// Snapshot is the before/after state stored on an audit entry. It is one of
// RoleChangeSnapshot or InvitationSnapshot.
type Snapshot interface {
	snapshotKind() string
}

// RoleChangeSnapshot captures a membership's role and access override
type RoleChangeSnapshot struct {
	Role           Role           `json:"role"`
	PropertyAccess PropertyAccess `json:"property_access"`
}

func (RoleChangeSnapshot) snapshotKind() string { return "role_change" }

// InvitationSnapshot captures what an invitation offered
type InvitationSnapshot struct {
	Email          string         `json:"email"`
	Role           Role           `json:"role"`
	PropertyAccess PropertyAccess `json:"property_access"`
	ExpiresAt      time.Time      `json:"expires_at"`
}

func (InvitationSnapshot) snapshotKind() string { return "invitation" }

// SnapshotOf captures a membership's current role and access
func SnapshotOf(m *Membership) RoleChangeSnapshot {
	return RoleChangeSnapshot{Role: m.Role, PropertyAccess: m.PropertyAccess.Clone()}
}

// snapshotEnvelope is the tagged JSON form of a Snapshot
type snapshotEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeSnapshot serializes a snapshot with its kind tag. Nil encodes to nil.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return json.Marshal(snapshotEnvelope{Kind: s.snapshotKind(), Data: data})
}

// DecodeSnapshot parses the output of EncodeSnapshot
func DecodeSnapshot(data []byte) (Snapshot, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	switch env.Kind {
	case RoleChangeSnapshot{}.snapshotKind():
		var s RoleChangeSnapshot
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal role change snapshot: %w", err)
		}
		return s, nil
	case InvitationSnapshot{}.snapshotKind():
		var s InvitationSnapshot
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal invitation snapshot: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown snapshot kind: %q", env.Kind)
	}
}

// SnapshotColumn adapts a Snapshot to database/sql as nullable JSON text
type SnapshotColumn struct {
	Snapshot Snapshot
}

// Value implements driver.Valuer
func (c SnapshotColumn) Value() (driver.Value, error) {
	data, err := EncodeSnapshot(c.Snapshot)
	if err != nil || data == nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner
func (c *SnapshotColumn) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		c.Snapshot = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into snapshot", src)
	}
	s, err := DecodeSnapshot(data)
	if err != nil {
		return err
	}
	c.Snapshot = s
	return nil
}

// MarshalJSON encodes the entry with tagged snapshots
func (e AuditEntry) MarshalJSON() ([]byte, error) {
	type alias AuditEntry
	oldValue, err := EncodeSnapshot(e.OldValue)
	if err != nil {
		return nil, err
	}
	newValue, err := EncodeSnapshot(e.NewValue)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		alias
		OldValue json.RawMessage `json:"old_value,omitempty"`
		NewValue json.RawMessage `json:"new_value,omitempty"`
	}{
		alias:    alias(e),
		OldValue: oldValue,
		NewValue: newValue,
	})
}

// UnmarshalJSON decodes an entry written by MarshalJSON
func (e *AuditEntry) UnmarshalJSON(data []byte) error {
	type alias AuditEntry
	aux := struct {
		*alias
		OldValue json.RawMessage `json:"old_value,omitempty"`
		NewValue json.RawMessage `json:"new_value,omitempty"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	if e.OldValue, err = DecodeSnapshot(aux.OldValue); err != nil {
		return err
	}
	if e.NewValue, err = DecodeSnapshot(aux.NewValue); err != nil {
		return err
	}
	return nil
}
